package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestMaskDigits(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{"", ""},
		{"upload 42 done", "upload 42 done"},
		{"line 123456789012", "line 123456789012"},
		{"card 4111111111111111", "card ************1111"},
		{"DT0675900000002881 and 5500000000000004", "DT************2881 and ************0004"},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			if got := MaskDigits(tc.in); got != tc.want {
				t.Errorf("MaskDigits(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestLoggerRedactsAndCarriesContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "test"})

	ctx := l.WithContext(context.Background())
	ctx = SetUploadID(ctx, "up-1")
	ctx = SetComponent(ctx, "processor")

	With(Fields{"merchant": "0675900000002881"}).
		WithField("cause", errors.New("bad account 4111111111111111")).
		Warn(ctx, "Skipped line for %s", "4111111111111111")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if strings.Contains(buf.String(), "4111111111111111") || strings.Contains(buf.String(), "0675900000002881") {
		t.Fatalf("account number leaked: %s", buf.String())
	}
	checks := map[string]string{
		"message":      "Skipped line for ************1111",
		"merchant":     "************2881",
		"cause":        "bad account ************1111",
		FieldUploadID:  "up-1",
		FieldComponent: "processor",
		"service":      "test",
		"level":        "warning",
	}
	for k, want := range checks {
		if got, _ := entry[k].(string); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}
