package fieldspec

import (
	"strings"
	"testing"
)

func TestDefaultRegistryLoads(t *testing.T) {
	reg := Default()
	if reg.Version() == "" {
		t.Fatal("version should be set")
	}
	for _, rt := range []string{"DT", "BH", "P1", "P2", "E1", "G2", "AD", "DR"} {
		if !reg.Knows(rt) {
			t.Errorf("record type %s missing", rt)
		}
	}
}

// Offsets below are the published positions; the table must agree with them.
func TestContractOffsets(t *testing.T) {
	testCases := []struct {
		recordType string
		key        string
		start      int
		length     int
		format     Format
	}{
		{"DT", "record_identifier", 18, 2, FormatAlphanumeric},
		{"DT", "merchant_account_number", 24, 16, FormatNumeric},
		{"DT", "transaction_date", 85, 8, FormatNumeric},
		{"DT", "transaction_amount", 93, 11, FormatNumeric},
		{"DT", "pos_entry_mode", 214, 2, FormatNumeric},
		{"DT", "terminal_id", 249, 8, FormatAlphanumeric},
		{"BH", "batch_date", 56, 8, FormatNumeric},
		{"P1", "tax_amount", 56, 12, FormatNumeric},
	}

	reg := Default()
	for _, tc := range testCases {
		t.Run(tc.recordType+"."+tc.key, func(t *testing.T) {
			layout, ok := reg.Layout(tc.recordType)
			if !ok {
				t.Fatalf("no layout for %s", tc.recordType)
			}
			f, ok := layout.Field(tc.key)
			if !ok {
				t.Fatalf("no field %s", tc.key)
			}
			if f.Start != tc.start || f.Length != tc.length || f.Format != tc.format {
				t.Fatalf("got start=%d length=%d format=%s, want %d/%d/%s",
					f.Start, f.Length, f.Format, tc.start, tc.length, tc.format)
			}
		})
	}
}

func TestIdentify(t *testing.T) {
	reg := Default()
	line := "0000001000001000" + "1" + "DT" + strings.Repeat(" ", 30)
	if got := reg.Identify(line); got != "DT" {
		t.Errorf("Identify() = %q, want DT", got)
	}
	if got := reg.Identify("short"); got != "" {
		t.Errorf("Identify(short) = %q, want empty", got)
	}
	if got := reg.Identify(strings.Repeat(" ", 17) + "bh"); got != "BH" {
		t.Errorf("Identify(lowercase) = %q, want BH", got)
	}
}

func TestParseRejectsBadLayouts(t *testing.T) {
	testCases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "overlap",
			doc: `version: "x"
record_type: {start: 1, length: 2}
records:
  AA:
    fields:
      - {key: a, start: 1, length: 4, format: N}
      - {key: b, start: 3, length: 2, format: AN}
`,
			want: "overlaps",
		},
		{
			name: "bad format",
			doc: `version: "x"
record_type: {start: 1, length: 2}
records:
  AA:
    fields:
      - {key: a, start: 1, length: 4, format: X}
`,
			want: "unknown format",
		},
		{
			name: "missing version",
			doc: `record_type: {start: 1, length: 2}
records:
  AA:
    fields:
      - {key: a, start: 1, length: 4, format: N}
`,
			want: "version",
		},
		{
			name: "unknown date field",
			doc: `version: "x"
record_type: {start: 1, length: 2}
records:
  AA:
    date_field: nope
    fields:
      - {key: a, start: 1, length: 4, format: N}
`,
			want: "date_field",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Parse() error = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestMinLength(t *testing.T) {
	layout, _ := Default().Layout("DT")
	if got := layout.MinLength(); got != 271 {
		t.Errorf("DT MinLength() = %d, want 271", got)
	}
}
