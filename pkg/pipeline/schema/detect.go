package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shpitdev/partcopy/pkg/pipeline/core"
)

// ErrUnresolved is returned when no column can be bound to the part number role.
var ErrUnresolved = errors.New("schema: part number column unresolved")

// DefaultSampleSize is the number of rows shown to the assisting generator.
const DefaultSampleSize = 5

// DetectionKind tags how a mapping was obtained.
type DetectionKind int

const (
	Unresolved DetectionKind = iota
	// Detected means the assisting generator proposed the part number column.
	Detected
	// Heuristic means the part number column came from keyword matching.
	Heuristic
)

func (k DetectionKind) String() string {
	switch k {
	case Detected:
		return "detected"
	case Heuristic:
		return "heuristic"
	default:
		return "unresolved"
	}
}

// Detection is the result of analysing one source.
type Detection struct {
	Kind    DetectionKind
	Mapping ColumnMapping
	// Discarded lists labels proposed by the generator that do not exist in the source.
	Discarded []string
	// AssistErr records why the assisted step contributed nothing, if it did not.
	AssistErr error
}

// Ordered synonym lists. Earlier entries win over later ones.
var (
	partNumberSynonyms = []string{
		"part number", "part_number", "partnumber", "part no", "part #", "part num",
		"mpn", "sku", "catalog", "cat no", "item", "model", "part",
	}
	manufacturerSynonyms = []string{
		"manufacturer", "mfr", "mfg", "brand", "make", "vendor", "supplier", "company", "family",
	}
)

// Detector resolves column roles for a source.
type Detector struct {
	// Assist is optional. When nil only the heuristic runs.
	Assist core.Generator
	// SampleSize bounds the rows embedded in the assist prompt. Zero means DefaultSampleSize.
	SampleSize int
}

// Detect maps roles onto header using the assisting generator and keyword matching.
//
// The heuristic always runs; an assist failure never changes whether a part number
// column is found, only whether specification columns are.
func (d Detector) Detect(ctx context.Context, header []string, sample [][]string) (Detection, error) {
	heur := HeuristicMapping(header)

	var (
		det       Detection
		assisted  map[string]string
		specCols  []string
		discarded []string
	)
	if d.Assist != nil {
		raw, err := d.Assist.Generate(ctx, d.prompt(header, sample))
		if err != nil {
			det.AssistErr = err
		} else {
			proposal, perr := parseProposal(raw)
			if perr != nil {
				det.AssistErr = perr
			} else {
				assisted, specCols, discarded = proposal.validate(header)
			}
		}
	}
	det.Discarded = discarded

	var bindings []Binding
	pn, fromAssist := assisted[RolePartNumber], true
	if pn == "" {
		pn, fromAssist = heur.PartNumber(), false
	}
	if pn == "" {
		det.Kind = Unresolved
		return det, ErrUnresolved
	}
	bindings = append(bindings, Binding{Role: RolePartNumber, Column: pn})

	mfr := assisted[RoleManufacturer]
	if mfr == "" || mfr == pn {
		mfr = matchSynonym(header, manufacturerSynonyms, pn)
	}
	if mfr != "" {
		bindings = append(bindings, Binding{Role: RoleManufacturer, Column: mfr})
	}
	for _, col := range specCols {
		if col == pn || col == mfr {
			continue
		}
		bindings = append(bindings, Binding{Role: SpecRole(col), Column: col})
	}

	det.Mapping = NewColumnMapping(bindings...)
	if fromAssist {
		det.Kind = Detected
	} else {
		det.Kind = Heuristic
	}
	return det, nil
}

// HeuristicMapping resolves the required roles by case-insensitive substring matching
// against fixed synonym lists. It is deterministic for a given header.
func HeuristicMapping(header []string) ColumnMapping {
	pn := matchSynonym(header, partNumberSynonyms, "")
	if pn == "" {
		return ColumnMapping{}
	}
	bindings := []Binding{{Role: RolePartNumber, Column: pn}}
	if mfr := matchSynonym(header, manufacturerSynonyms, pn); mfr != "" {
		bindings = append(bindings, Binding{Role: RoleManufacturer, Column: mfr})
	}
	return NewColumnMapping(bindings...)
}

func matchSynonym(header []string, synonyms []string, exclude string) string {
	for _, syn := range synonyms {
		for _, col := range header {
			if col == exclude {
				continue
			}
			if strings.Contains(strings.ToLower(col), syn) {
				return col
			}
		}
	}
	return ""
}

func (d Detector) prompt(header []string, sample [][]string) string {
	k := d.SampleSize
	if k <= 0 {
		k = DefaultSampleSize
	}
	if len(sample) > k {
		sample = sample[:k]
	}

	var b strings.Builder
	b.WriteString("You are analysing the columns of a product data table.\n")
	b.WriteString("Identify the column holding the part number, the column holding the manufacturer, ")
	b.WriteString("and any columns holding technical specifications.\n\n")
	b.WriteString("Columns:\n")
	for _, col := range header {
		fmt.Fprintf(&b, "- %s\n", col)
	}
	if len(sample) > 0 {
		b.WriteString("\nSample rows:\n")
		for i, row := range sample {
			fmt.Fprintf(&b, "Row %d:", i+1)
			for j, col := range header {
				if j < len(row) && strings.TrimSpace(row[j]) != "" {
					fmt.Fprintf(&b, " %s=%q;", col, strings.TrimSpace(row[j]))
				}
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\nRespond with JSON only, using column names exactly as listed:\n")
	b.WriteString(`{"part_number_column": "...", "manufacturer_column": "...", "relevant_spec_columns": ["..."]}`)
	b.WriteString("\n")
	return b.String()
}

type proposal struct {
	PartNumber   string   `json:"part_number_column"`
	Manufacturer string   `json:"manufacturer_column"`
	Specs        []string `json:"relevant_spec_columns"`
}

// parseProposal accepts a JSON object anywhere in raw (code fences included) and falls
// back to "role: label" lines.
func parseProposal(raw string) (proposal, error) {
	if obj, ok := firstJSONObject(raw); ok {
		var generic map[string]json.RawMessage
		if err := json.Unmarshal([]byte(obj), &generic); err == nil {
			var p proposal
			for key, val := range generic {
				switch normalizeKey(key) {
				case "partnumbercolumn", "partnumber", "partnumbercol":
					p.PartNumber = jsonString(val)
				case "manufacturercolumn", "manufacturer", "manufacturercol":
					p.Manufacturer = jsonString(val)
				case "relevantspeccolumns", "speccolumns", "specs", "specifications":
					p.Specs = jsonStrings(val)
				}
			}
			return p, nil
		}
	}

	var p proposal
	found := false
	for _, line := range strings.Split(raw, "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		switch normalizeKey(strings.Trim(key, " -*`")) {
		case "partnumber", "partnumbercolumn":
			p.PartNumber, found = val, true
		case "manufacturer", "manufacturercolumn":
			p.Manufacturer, found = val, true
		case "specs", "speccolumns", "relevantspeccolumns":
			for _, s := range strings.Split(val, ",") {
				if s = strings.Trim(strings.TrimSpace(s), `"'`); s != "" {
					p.Specs = append(p.Specs, s)
				}
			}
			found = true
		}
	}
	if !found {
		return proposal{}, fmt.Errorf("schema: no column mapping in generator reply")
	}
	return p, nil
}

// validate keeps only labels that exist in header.
func (p proposal) validate(header []string) (roles map[string]string, specs []string, discarded []string) {
	roles = make(map[string]string, 2)
	check := func(label string) string {
		if strings.TrimSpace(label) == "" {
			return ""
		}
		if col, ok := resolveLabel(header, label); ok {
			return col
		}
		discarded = append(discarded, label)
		return ""
	}
	if col := check(p.PartNumber); col != "" {
		roles[RolePartNumber] = col
	}
	if col := check(p.Manufacturer); col != "" {
		roles[RoleManufacturer] = col
	}
	seen := make(map[string]bool, len(p.Specs))
	for _, s := range p.Specs {
		if col := check(s); col != "" && !seen[col] {
			seen[col] = true
			specs = append(specs, col)
		}
	}
	return roles, specs, discarded
}

func resolveLabel(header []string, label string) (string, bool) {
	for _, col := range header {
		if col == label {
			return col, true
		}
	}
	want := strings.TrimSpace(label)
	for _, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), want) {
			return col, true
		}
	}
	return "", false
}

func firstJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	r := strings.NewReplacer("_", "", " ", "", "-", "")
	return r.Replace(k)
}

func jsonString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func jsonStrings(raw json.RawMessage) []string {
	var ss []string
	if err := json.Unmarshal(raw, &ss); err == nil {
		return ss
	}
	if s := jsonString(raw); s != "" {
		return []string{s}
	}
	return nil
}
