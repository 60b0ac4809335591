package product

import (
	"strings"

	"github.com/shpitdev/partcopy/pkg/pipeline/schema"
)

// NormalizeKey folds a part number for lookups: trimmed, internal whitespace collapsed,
// case-folded.
func NormalizeKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// NormalizeName folds a field name so "Voltage", " voltage:" and "VOLTAGE" compare equal.
func NormalizeName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ": ")
	return NormalizeKey(s)
}

// Source tells where a field value came from.
type Source int

const (
	SourceInput Source = iota
	SourceSpec
)

// Field is one named value attached to a record.
type Field struct {
	Name   string
	Value  string
	Source Source
}

// Record is one input row plus any merged specification fields.
type Record struct {
	// Index is the 1-based input row position.
	Index        int
	Key          string
	PartNumber   string
	Manufacturer string

	fields []Field
	byName map[string]int
}

// FromRow builds a Record from an input row using the source's mapping.
func FromRow(index int, header, row []string, m schema.ColumnMapping) *Record {
	r := &Record{Index: index, byName: make(map[string]int, len(header))}
	for i, col := range header {
		val := ""
		if i < len(row) {
			val = strings.TrimSpace(row[i])
		}
		switch col {
		case m.PartNumber():
			r.PartNumber = val
		case m.Manufacturer():
			r.Manufacturer = val
		}
		r.add(Field{Name: col, Value: val, Source: SourceInput})
	}
	r.Key = NormalizeKey(r.PartNumber)
	return r
}

func (r *Record) add(f Field) {
	key := NormalizeName(f.Name)
	if idx, ok := r.byName[key]; ok {
		if r.fields[idx].Value == "" {
			r.fields[idx] = f
		}
		return
	}
	r.byName[key] = len(r.fields)
	r.fields = append(r.fields, f)
}

// Has reports whether the record already carries a non-empty value under name.
func (r *Record) Has(name string) bool {
	idx, ok := r.byName[NormalizeName(name)]
	return ok && r.fields[idx].Value != ""
}

// Value returns the value stored under name.
func (r *Record) Value(name string) string {
	if idx, ok := r.byName[NormalizeName(name)]; ok {
		return r.fields[idx].Value
	}
	return ""
}

// MergeSpec attaches a specification value unless the record already has one under the
// same name. It reports whether the value was added.
func (r *Record) MergeSpec(name, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" || r.Has(name) {
		return false
	}
	r.add(Field{Name: name, Value: value, Source: SourceSpec})
	return true
}

// Fields returns every field in insertion order.
func (r *Record) Fields() []Field {
	return append([]Field(nil), r.fields...)
}

// Specs returns only the merged specification fields.
func (r *Record) Specs() []Field {
	var out []Field
	for _, f := range r.fields {
		if f.Source == SourceSpec {
			out = append(out, f)
		}
	}
	return out
}

// Context returns non-empty input fields other than part number and manufacturer.
func (r *Record) Context(m schema.ColumnMapping) []Field {
	var out []Field
	for _, f := range r.fields {
		if f.Source != SourceInput || f.Value == "" {
			continue
		}
		if f.Name == m.PartNumber() || f.Name == m.Manufacturer() {
			continue
		}
		out = append(out, f)
	}
	return out
}
