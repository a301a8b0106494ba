// Package decoder turns fixed-width TDDF lines into field maps using the
// layouts from fieldspec. Decoding is pure and deterministic.
package decoder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/timmy/tddf/internal/domain"
	"github.com/timmy/tddf/internal/fieldspec"
)

// Result is the decoded form of one line.
type Result struct {
	RecordType string
	// Fields maps every layout key to its value; nil means null.
	Fields map[string]*string
	// RepairFlags lists N fields whose content was not numeric and was nulled.
	RepairFlags []string
	// Truncated lists fields that lie past the end of the line.
	Truncated []string
	// MissingRequired lists required fields that decoded as null.
	MissingRequired []string
	Hash            string
}

// Value returns the field value or "" when null or unknown.
func (r *Result) Value(key string) string {
	if v := r.Fields[key]; v != nil {
		return *v
	}
	return ""
}

// Map converts Fields into a JSON-friendly map with nil for nulls.
func (r *Result) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		if v == nil {
			out[k] = nil
		} else {
			out[k] = *v
		}
	}
	return out
}

// Malformed reports whether a required field is missing.
func (r *Result) Malformed() bool {
	return len(r.MissingRequired) > 0
}

// Decoder decodes lines against a layout registry.
type Decoder struct {
	registry *fieldspec.Registry
}

// New creates a Decoder. A nil registry uses fieldspec.Default().
func New(registry *fieldspec.Registry) *Decoder {
	if registry == nil {
		registry = fieldspec.Default()
	}
	return &Decoder{registry: registry}
}

// Registry returns the layouts the decoder uses.
func (d *Decoder) Registry() *fieldspec.Registry {
	return d.registry
}

// Decode decodes raw using the layout of recordType.
// It never fails on content: short lines and bad digits produce nulls.
// The only error is an unknown record type.
func (d *Decoder) Decode(raw, recordType string) (*Result, error) {
	layout, ok := d.registry.Layout(recordType)
	if !ok {
		return nil, fmt.Errorf("no layout for record type %q", recordType)
	}
	return DecodeLayout(raw, layout), nil
}

// DecodeLayout applies layout to raw.
func DecodeLayout(raw string, layout *fieldspec.FieldLayout) *Result {
	res := &Result{
		RecordType: layout.RecordType,
		Fields:     make(map[string]*string, len(layout.Fields)),
		Hash:       Fingerprint(raw),
	}

	for _, f := range layout.Fields {
		val, state := extract(raw, f)
		res.Fields[f.Key] = val
		switch state {
		case stateTruncated:
			res.Truncated = append(res.Truncated, f.Key)
		case stateRepaired:
			res.RepairFlags = append(res.RepairFlags, f.Key)
		}
		if val == nil && f.Required {
			res.MissingRequired = append(res.MissingRequired, f.Key)
		}
	}
	return res
}

type fieldState int

const (
	stateOK fieldState = iota
	stateTruncated
	stateRepaired
)

func extract(raw string, f fieldspec.FieldDefinition) (*string, fieldState) {
	if f.End() > len(raw) {
		return nil, stateTruncated
	}
	v := strings.TrimSpace(raw[f.Start-1 : f.End()])

	if f.Format == fieldspec.FormatAlphanumeric {
		v = strings.ToValidUTF8(v, "?")
		return &v, stateOK
	}

	if v == "" {
		return nil, stateOK
	}
	if !allDigits(v) {
		return nil, stateRepaired
	}
	if len(v) < f.Length {
		v = strings.Repeat("0", f.Length-len(v)) + v
	}
	return &v, stateOK
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// SanitizeLine makes raw safe to store as database text without moving any
// field: each NUL becomes a space and each byte that is not part of a valid
// UTF-8 sequence becomes '?'. changed reports whether anything was replaced.
func SanitizeLine(raw string) (clean string, changed bool) {
	if utf8.ValidString(raw) && strings.IndexByte(raw, 0) < 0 {
		return raw, false
	}
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); {
		r, size := utf8.DecodeRuneInString(raw[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			b.WriteByte('?')
		case r == 0:
			b.WriteByte(' ')
		default:
			b.WriteString(raw[i : i+size])
		}
		i += size
	}
	return b.String(), true
}

// Fingerprint is the content hash used for duplicate detection.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Years outside this range are treated as unusable so they land in the
// catch-all partition instead of opening one partition per typo.
const (
	MinBusinessYear = 1970
	MaxBusinessYear = 2099
)

// ParseMMDDCCYY parses the TDDF date format. ok is false for malformed or
// impossible dates, including all-zero placeholders and implausible years.
func ParseMMDDCCYY(s string) (time.Time, bool) {
	if len(s) != 8 || !allDigits(s) {
		return time.Time{}, false
	}
	t, err := time.Parse("01022006", s)
	if err != nil {
		return time.Time{}, false
	}
	if t.Year() < MinBusinessYear || t.Year() > MaxBusinessYear {
		return time.Time{}, false
	}
	return t.UTC(), true
}

var filenameDate = regexp.MustCompile(`(?:^|[_.\-])(\d{8})(?:[_.\-]|$)`)

// BusinessDateFromFilename finds an MMDDYYYY token in a file name such as
// "VERMNTSB.6759_TDDF_2400_10012025_010355.TSYSO".
func BusinessDateFromFilename(name string) (time.Time, bool) {
	for _, m := range filenameDate.FindAllStringSubmatch(name, -1) {
		if t, ok := ParseMMDDCCYY(m[1]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// BusinessDate picks the partition date for a decoded record: the record's
// own date field, then the file's date, then the catch-all date.
func BusinessDate(res *Result, layout *fieldspec.FieldLayout, fileDate *time.Time) time.Time {
	if layout.DateField != "" {
		if t, ok := ParseMMDDCCYY(res.Value(layout.DateField)); ok {
			return t
		}
	}
	if fileDate != nil && !fileDate.IsZero() {
		return fileDate.UTC().Truncate(24 * time.Hour)
	}
	return domain.UnknownBusinessDate
}
