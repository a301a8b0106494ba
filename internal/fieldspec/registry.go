// Package fieldspec holds the versioned positional layouts of TDDF records.
//
// Layouts are data, not code: they are embedded as YAML and validated when
// loaded, so an offset change is a reviewed edit to one table.
package fieldspec

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Format is the declared content type of a field.
type Format string

const (
	FormatNumeric      Format = "N"
	FormatAlphanumeric Format = "AN"
)

// FieldDefinition locates one field inside a fixed-width line.
type FieldDefinition struct {
	Key         string `yaml:"key"`
	Start       int    `yaml:"start"` // 1-indexed
	Length      int    `yaml:"length"`
	Format      Format `yaml:"format"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
}

// End returns the 1-indexed inclusive end position.
func (f FieldDefinition) End() int {
	return f.Start + f.Length - 1
}

// FieldLayout is the ordered field list of one record type.
type FieldLayout struct {
	RecordType  string
	Description string
	// DateField names the MMDDCCYY field carrying the business date, if any.
	DateField string
	Fields    []FieldDefinition
}

// MinLength is the line length needed to read every field.
func (l *FieldLayout) MinLength() int {
	max := 0
	for _, f := range l.Fields {
		if f.End() > max {
			max = f.End()
		}
	}
	return max
}

// Field returns the definition for key.
func (l *FieldLayout) Field(key string) (FieldDefinition, bool) {
	for _, f := range l.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// Registry maps record types to layouts for one layout version.
type Registry struct {
	version    string
	typeStart  int
	typeLength int
	layouts    map[string]*FieldLayout
	types      []string
}

type layoutFile struct {
	Version    string `yaml:"version"`
	RecordType struct {
		Start  int `yaml:"start"`
		Length int `yaml:"length"`
	} `yaml:"record_type"`
	Common  []FieldDefinition `yaml:"common"`
	Records map[string]struct {
		Description string            `yaml:"description"`
		DateField   string            `yaml:"date_field"`
		Fields      []FieldDefinition `yaml:"fields"`
	} `yaml:"records"`
}

//go:embed layouts/tddf_v1.yaml
var defaultLayouts []byte

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry built from the embedded layouts.
// The embedded table is validated by tests, so a failure here is a build defect.
func Default() *Registry {
	defaultOnce.Do(func() {
		reg, err := Parse(defaultLayouts)
		if err != nil {
			panic(fmt.Sprintf("fieldspec: embedded layouts invalid: %v", err))
		}
		defaultRegistry = reg
	})
	return defaultRegistry
}

// Parse builds a registry from a YAML layout document.
// Parameters:
//   - data: YAML document with version, record_type, common and records.
//
// Returns:
//   - *Registry: validated registry.
//   - error: non-nil on malformed YAML, overlapping fields or bad formats.
func Parse(data []byte) (*Registry, error) {
	var doc layoutFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode layouts: %w", err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("layouts: version is required")
	}
	if doc.RecordType.Start < 1 || doc.RecordType.Length < 1 {
		return nil, fmt.Errorf("layouts: record_type position is required")
	}
	if len(doc.Records) == 0 {
		return nil, fmt.Errorf("layouts: no record types defined")
	}

	reg := &Registry{
		version:    doc.Version,
		typeStart:  doc.RecordType.Start,
		typeLength: doc.RecordType.Length,
		layouts:    make(map[string]*FieldLayout, len(doc.Records)),
	}

	for recordType, rec := range doc.Records {
		recordType = strings.ToUpper(recordType)
		fields := make([]FieldDefinition, 0, len(doc.Common)+len(rec.Fields))
		fields = append(fields, doc.Common...)
		fields = append(fields, rec.Fields...)
		sort.SliceStable(fields, func(i, j int) bool { return fields[i].Start < fields[j].Start })

		layout := &FieldLayout{
			RecordType:  recordType,
			Description: rec.Description,
			DateField:   rec.DateField,
			Fields:      fields,
		}
		if err := validate(layout); err != nil {
			return nil, err
		}
		reg.layouts[recordType] = layout
		reg.types = append(reg.types, recordType)
	}
	sort.Strings(reg.types)
	return reg, nil
}

func validate(l *FieldLayout) error {
	seen := make(map[string]bool, len(l.Fields))
	prevEnd := 0
	prevKey := ""
	for _, f := range l.Fields {
		switch {
		case f.Key == "":
			return fmt.Errorf("%s: field at %d has no key", l.RecordType, f.Start)
		case seen[f.Key]:
			return fmt.Errorf("%s: duplicate field %q", l.RecordType, f.Key)
		case f.Start < 1 || f.Length < 1:
			return fmt.Errorf("%s.%s: start and length must be positive", l.RecordType, f.Key)
		case f.Format != FormatNumeric && f.Format != FormatAlphanumeric:
			return fmt.Errorf("%s.%s: unknown format %q", l.RecordType, f.Key, f.Format)
		case f.Start <= prevEnd:
			return fmt.Errorf("%s.%s overlaps %s", l.RecordType, f.Key, prevKey)
		}
		seen[f.Key] = true
		prevEnd, prevKey = f.End(), f.Key
	}
	if l.DateField != "" && !seen[l.DateField] {
		return fmt.Errorf("%s: date_field %q is not a field", l.RecordType, l.DateField)
	}
	return nil
}

// Version returns the layout version string.
func (r *Registry) Version() string {
	return r.version
}

// Layout returns the layout for a record type.
func (r *Registry) Layout(recordType string) (*FieldLayout, bool) {
	l, ok := r.layouts[strings.ToUpper(recordType)]
	return l, ok
}

// RecordTypes returns the known record types, sorted.
func (r *Registry) RecordTypes() []string {
	return append([]string(nil), r.types...)
}

// Knows reports whether recordType has a layout.
func (r *Registry) Knows(recordType string) bool {
	_, ok := r.layouts[strings.ToUpper(recordType)]
	return ok
}

// Identify reads the record identifier at its fixed offset. It returns ""
// when the line is too short to carry one.
func (r *Registry) Identify(raw string) string {
	end := r.typeStart - 1 + r.typeLength
	if len(raw) < end {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(raw[r.typeStart-1 : end]))
}

// TypeEnd is the 1-indexed position where the record identifier ends.
func (r *Registry) TypeEnd() int {
	return r.typeStart - 1 + r.typeLength
}
