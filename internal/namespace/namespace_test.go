package namespace

import "testing"

func TestForEnvironment(t *testing.T) {
	testCases := []struct {
		env, override string
		wantTable     string
	}{
		{"production", "", "raw_lines"},
		{"prod", "", "raw_lines"},
		{"", "", "raw_lines"},
		{"dev", "", "dev_raw_lines"},
		{"Staging-EU", "", "staging_eu_raw_lines"},
		{"dev", "custom_", "custom_raw_lines"},
	}

	for _, tc := range testCases {
		t.Run(tc.env+"/"+tc.override, func(t *testing.T) {
			ns := ForEnvironment(tc.env, tc.override)
			if got := ns.Table("raw_lines"); got != tc.wantTable {
				t.Errorf("Table() = %q, want %q", got, tc.wantTable)
			}
		})
	}
}

func TestNamingStrategyMatchesTable(t *testing.T) {
	ns := New("dev_")
	strategy := ns.NamingStrategy()
	if got := strategy.TableName("UploadJob"); got != ns.Table("upload_jobs") {
		t.Errorf("naming strategy table = %q, want %q", got, ns.Table("upload_jobs"))
	}
	if got := ns.Index("raw_lines_claim"); got != "idx_dev_raw_lines_claim" {
		t.Errorf("Index() = %q", got)
	}
}

func TestObjectPrefix(t *testing.T) {
	testCases := []struct {
		env, override string
		want          string
	}{
		{"production", "", "uploads"},
		{"dev", "", "dev/uploads"},
		{"Staging-EU", "", "staging_eu/uploads"},
		{"dev", "custom_", "custom/uploads"},
	}
	for _, tc := range testCases {
		t.Run(tc.env+"/"+tc.override, func(t *testing.T) {
			if got := ForEnvironment(tc.env, tc.override).ObjectPrefix("uploads"); got != tc.want {
				t.Errorf("ObjectPrefix() = %q, want %q", got, tc.want)
			}
		})
	}
}
