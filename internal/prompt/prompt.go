package prompt

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/shpitdev/partcopy/internal/product"
)

//go:embed product.tmpl
var defaultTemplate string

// Input is the data rendered into a generation prompt.
type Input struct {
	PartNumber   string
	Manufacturer string
	// Specs are merged specification fields followed by extra input columns.
	Specs         []product.Field
	MaxTitleRunes int
}

// Builder renders generation prompts from a template.
type Builder struct {
	tmpl     *template.Template
	maxTitle int
}

// New parses text as a generation template. An empty text selects the built-in template.
func New(text string, maxTitle int) (*Builder, error) {
	if strings.TrimSpace(text) == "" {
		text = defaultTemplate
	}
	tmpl, err := template.New("product").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	if maxTitle <= 0 {
		maxTitle = 80
	}
	return &Builder{tmpl: tmpl, maxTitle: maxTitle}, nil
}

// Default returns a Builder for the built-in template.
func Default(maxTitle int) *Builder {
	b, err := New("", maxTitle)
	if err != nil {
		panic(err)
	}
	return b
}

// Build renders the prompt for one record. Spec fields come first, then the remaining
// input columns passed in extra.
func (b *Builder) Build(rec *product.Record, extra []product.Field) (string, error) {
	in := Input{
		PartNumber:    rec.PartNumber,
		Manufacturer:  rec.Manufacturer,
		MaxTitleRunes: b.maxTitle,
	}
	seen := make(map[string]bool)
	for _, f := range append(rec.Specs(), extra...) {
		key := product.NormalizeName(f.Name)
		if f.Value == "" || seen[key] {
			continue
		}
		seen[key] = true
		in.Specs = append(in.Specs, f)
	}
	if in.Manufacturer == "" {
		in.Manufacturer = "Unknown"
	}

	var sb strings.Builder
	if err := b.tmpl.Execute(&sb, in); err != nil {
		return "", fmt.Errorf("render prompt for %q: %w", rec.PartNumber, err)
	}
	return sb.String(), nil
}
