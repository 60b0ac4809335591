package prompt_test

import (
	"strings"
	"testing"

	"github.com/shpitdev/partcopy/internal/product"
	"github.com/shpitdev/partcopy/internal/prompt"
	"github.com/shpitdev/partcopy/pkg/pipeline/schema"
)

func record(t *testing.T, pn, mfr string) *product.Record {
	t.Helper()
	m := schema.NewColumnMapping(
		schema.Binding{Role: schema.RolePartNumber, Column: "Part Number"},
		schema.Binding{Role: schema.RoleManufacturer, Column: "Manufacturer"},
	)
	return product.FromRow(1, []string{"Part Number", "Manufacturer"}, []string{pn, mfr}, m)
}

func TestBuild_DefaultTemplate(t *testing.T) {
	rec := record(t, "HDA36100", "Square D")
	rec.MergeSpec("Voltage", "600V")

	got, err := prompt.Default(80).Build(rec, []product.Field{
		{Name: "voltage", Value: "480V"},
		{Name: "Category", Value: "Breakers"},
		{Name: "Empty", Value: ""},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		"Part Number: HDA36100",
		"Manufacturer: Square D",
		"- Voltage 600V",
		"- Category Breakers",
		"80 characters or fewer",
		"Title: <title>",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("prompt missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "480V") || strings.Contains(got, "- Empty") {
		t.Fatalf("duplicate or blank spec rendered:\n%s", got)
	}
}

func TestBuild_NoSpecsOmitsSection(t *testing.T) {
	got, err := prompt.Default(80).Build(record(t, "XJG104HDG", ""), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(got, "Known Specifications") {
		t.Fatalf("unexpected specs section:\n%s", got)
	}
	if !strings.Contains(got, "Manufacturer: Unknown") {
		t.Fatalf("expected placeholder manufacturer:\n%s", got)
	}
}

func TestNew_CustomTemplate(t *testing.T) {
	b, err := prompt.New("{{.PartNumber}}|{{.Manufacturer}}|{{len .Specs}}|{{.MaxTitleRunes}}", 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := b.Build(record(t, "A1", "Eaton"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "A1|Eaton|0|60" {
		t.Fatalf("Build()=%q", got)
	}

	if _, err := prompt.New("{{.Broken", 80); err == nil {
		t.Fatalf("expected parse error")
	}
}
