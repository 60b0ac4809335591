package specs

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shpitdev/partcopy/internal/product"
	"github.com/shpitdev/partcopy/pkg/pipeline/schema"
)

// RowSource is the subset of a tabular reader the index needs.
type RowSource interface {
	Header() []string
	Next() ([]string, error)
}

type entry struct {
	manufacturer string
	fields       []product.Field
}

// Index maps normalized part numbers to specification fields. It is read-only once built.
type Index struct {
	entries map[string]entry
	stats   Stats
}

// Stats summarises an index build.
type Stats struct {
	Rows       int
	Indexed    int
	Duplicates int
	BlankKeys  int
	Columns    int
}

// Build reads every row of src and indexes it by the mapping's part number column.
// The first row for a part number wins.
//
// When the mapping names no spec:* columns every other column is indexed.
func Build(src RowSource, m schema.ColumnMapping) (*Index, error) {
	header := src.Header()
	pnIdx, mfrIdx := -1, -1
	for i, col := range header {
		switch col {
		case m.PartNumber():
			pnIdx = i
		case m.Manufacturer():
			mfrIdx = i
		}
	}
	if pnIdx < 0 {
		return nil, fmt.Errorf("specs: %w", schema.ErrUnresolved)
	}

	type column struct {
		idx  int
		name string
	}
	var cols []column
	if specCols := m.SpecColumns(); len(specCols) > 0 {
		for _, b := range specCols {
			for i, col := range header {
				if col == b.Column {
					cols = append(cols, column{idx: i, name: FieldName(strings.TrimPrefix(b.Role, schema.SpecRolePrefix))})
				}
			}
		}
	} else {
		for i, col := range header {
			if i == pnIdx || i == mfrIdx {
				continue
			}
			cols = append(cols, column{idx: i, name: FieldName(col)})
		}
	}

	ix := &Index{entries: make(map[string]entry)}
	ix.stats.Columns = len(cols)
	for {
		row, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("specs: %w", err)
		}
		ix.stats.Rows++

		key := product.NormalizeKey(cell(row, pnIdx))
		if key == "" {
			ix.stats.BlankKeys++
			continue
		}
		if _, dup := ix.entries[key]; dup {
			ix.stats.Duplicates++
			continue
		}

		e := entry{manufacturer: usable(cell(row, mfrIdx))}
		seen := make(map[string]bool, len(cols))
		for _, c := range cols {
			val := usable(cell(row, c.idx))
			norm := product.NormalizeName(c.name)
			if val == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			e.fields = append(e.fields, product.Field{Name: c.name, Value: val, Source: product.SourceSpec})
		}
		ix.entries[key] = e
		ix.stats.Indexed++
	}
	return ix, nil
}

// Lookup returns the specification fields for a part number, matched case- and
// whitespace-insensitively.
func (ix *Index) Lookup(partNumber string) ([]product.Field, bool) {
	if ix == nil {
		return nil, false
	}
	e, ok := ix.entries[product.NormalizeKey(partNumber)]
	if !ok {
		return nil, false
	}
	return append([]product.Field(nil), e.fields...), true
}

// Len returns the number of indexed part numbers.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.entries)
}

// Stats returns build statistics.
func (ix *Index) Stats() Stats {
	if ix == nil {
		return Stats{}
	}
	return ix.stats
}

// Merge attaches matching specification fields to rec without overwriting input fields.
// A blank record manufacturer is filled from the specification row. It returns the
// number of fields added and whether the part number matched at all.
func Merge(rec *product.Record, ix *Index) (int, bool) {
	if rec == nil || ix == nil || rec.Key == "" {
		return 0, false
	}
	e, ok := ix.entries[rec.Key]
	if !ok {
		return 0, false
	}
	if rec.Manufacturer == "" && e.manufacturer != "" {
		rec.Manufacturer = e.manufacturer
	}
	added := 0
	for _, f := range e.fields {
		if rec.MergeSpec(f.Name, f.Value) {
			added++
		}
	}
	return added, true
}

// FieldName turns a specification column label into a display name, dropping export
// prefixes such as "Summary_" and trailing colons.
func FieldName(label string) string {
	name := strings.TrimSpace(label)
	for _, prefix := range []string{"Summary_", "Details_"} {
		if len(name) > len(prefix) && strings.EqualFold(name[:len(prefix)], prefix) {
			name = name[len(prefix):]
			break
		}
	}
	name = strings.TrimRight(name, ": ")
	if name == "" {
		return strings.TrimSpace(label)
	}
	return name
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// usable drops placeholder values such as "N/A".
func usable(v string) string {
	switch strings.ToUpper(strings.Join(strings.Fields(v), " ")) {
	case "", "N/A", "NA", "N / A", "NONE", "-":
		return ""
	}
	return v
}
