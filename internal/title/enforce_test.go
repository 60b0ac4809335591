package title_test

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/shpitdev/partcopy/internal/title"
)

const longBreaker = "HDA36100 – Square D 100 Amperes 600 Volts 3-Pole Thermal Magnetic Molded Case Circuit Breaker for Commercial and Industrial Panelboard Applications"

func TestEnforce_WithinBoundUnchanged(t *testing.T) {
	e := title.Default()
	in := "XJG104HDG – Eaton Crouse-Hinds Expansion Coupling"
	if got := e.Enforce(in, title.Hints{}); got != in {
		t.Fatalf("Enforce()=%q want unchanged", got)
	}
	// Exactly at the bound, abbreviable words are still left alone.
	exact := "A1 – Eaton 100 Amperes " + strings.Repeat("x", 80-utf8.RuneCountInString("A1 – Eaton 100 Amperes "))
	if got := e.Enforce(exact, title.Hints{}); got != exact {
		t.Fatalf("Enforce()=%q want unchanged", got)
	}
}

func TestEnforce_AbbreviatesAndDrops(t *testing.T) {
	e := title.Default()
	got := e.Enforce(longBreaker, title.Hints{PartNumber: "HDA36100", Manufacturer: "Square D"})

	if n := utf8.RuneCountInString(got); n > 80 {
		t.Fatalf("len=%d > 80: %q", n, got)
	}
	for _, want := range []string{"HDA36100", "Square D", "100A", "600V", "3P", "MCCB"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %q", want, got)
		}
	}
	if strings.HasSuffix(got, " and") || strings.HasSuffix(got, " for") {
		t.Fatalf("dangling connector: %q", got)
	}
	if strings.Contains(got, "Applications") {
		t.Fatalf("trailing generic word should be dropped first: %q", got)
	}
}

func TestEnforce_AbbreviationOnlyWhenSufficient(t *testing.T) {
	e := title.Default()
	in := "QO120 – Square D 20 Amperes 120 Volts 1-Pole Plug-On Miniature Circuit Breaker Assembly"
	if utf8.RuneCountInString(in) <= 80 {
		t.Fatalf("fixture must exceed the bound")
	}
	got := e.Enforce(in, title.Hints{PartNumber: "QO120", Manufacturer: "Square D"})
	want := "QO120 – Square D 20A 120V 1P Plug-On Miniature Breaker Assy"
	if got != want {
		t.Fatalf("Enforce()=%q want=%q", got, want)
	}
}

func TestEnforce_PartNumberWithUnitWordSurvives(t *testing.T) {
	e := title.Default()
	in := "CH-2POLE – Eaton Cutler-Hammer Type CH Plug-On Thermal Magnetic Miniature Circuit Breaker Replacement Assembly Kit"
	got := e.Enforce(in, title.Hints{PartNumber: "CH-2POLE", Manufacturer: "Eaton"})
	want := "CH-2POLE – Eaton Cutler-Hammer Type CH Plug-On Thermal Magnetic Miniature"
	if got != want {
		t.Fatalf("Enforce()=%q want=%q", got, want)
	}

	in = "BR-20 AMP – Square D 240 Volts 2-Pole Plug-On Miniature Circuit Breaker Replacement Assembly Kit"
	got = e.Enforce(in, title.Hints{PartNumber: "BR-20 AMP", Manufacturer: "Square D"})
	if !strings.HasPrefix(got, "BR-20 AMP – Square D 240V 2P") {
		t.Fatalf("expected verbatim part number and abbreviated specs, got %q", got)
	}
}

func TestEnforce_GluedUnitsAreNotWords(t *testing.T) {
	e := title.Default()
	in := "BR-20AMP – Generic Vendor " + strings.Repeat("verbose ", 8) + "240 Volts 2-Pole Breaker"
	got := e.Enforce(in, title.Hints{})
	if !strings.HasPrefix(got, "BR-20AMP ") {
		t.Fatalf("glued unit abbreviated: %q", got)
	}
	if !strings.Contains(got, "240V") || !strings.Contains(got, "2P") {
		t.Fatalf("separated units must still abbreviate: %q", got)
	}
}

func TestEnforce_WholeWordsOnly(t *testing.T) {
	e := title.Default()
	in := "AMP-1 – Amplifier Corp Amplifier Module with Voltageless Phaser Input and Extra Words Here"
	got := e.Enforce(in, title.Hints{PartNumber: "AMP-1", Manufacturer: "Amplifier Corp"})
	if !strings.Contains(got, "Amplifier Corp") {
		t.Fatalf("manufacturer rewritten: %q", got)
	}
	if strings.Contains(got, "Vless") || strings.Contains(got, "Phr") {
		t.Fatalf("partial word substituted: %q", got)
	}
}

func TestEnforce_OverlongPartNumber(t *testing.T) {
	e := title.Default()
	pn := strings.Repeat("Z9", 60)
	got := e.Enforce(pn+" – Acme Widget", title.Hints{PartNumber: pn, Manufacturer: "Acme"})
	if n := utf8.RuneCountInString(got); n != 80 {
		t.Fatalf("expected hard truncation to 80, got %d: %q", n, got)
	}
	if strings.HasSuffix(got, "…") || strings.HasSuffix(got, "...") {
		t.Fatalf("no ellipsis expected: %q", got)
	}
}

func TestEnforce_NoHintsKeepsLeadingToken(t *testing.T) {
	e := title.Default()
	in := "PN123 – " + strings.Repeat("verbose ", 15) + "widget"
	got := e.Enforce(in, title.Hints{})
	if !strings.HasPrefix(got, "PN123") {
		t.Fatalf("leading token dropped: %q", got)
	}
	if utf8.RuneCountInString(got) > 80 {
		t.Fatalf("over bound: %q", got)
	}
}

func TestEnforce_BoundAndIdempotence(t *testing.T) {
	e := title.Default()
	words := []string{
		"HDA36100", "–", "Square", "D", "100", "Amperes", "600", "Volts", "3-Pole", "Circuit", "Breaker",
		"for", "and", "NEMA", "3R", "Outdoor", "Enclosure", "Molded", "Case", "Stainless", "Steel",
		"Ground", "Fault", "Circuit", "Interrupter", "Phase", "Aluminum", "2", "Poles", "ÅÉÎ", "超长",
		strings.Repeat("W", 90),
	}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		n := rng.Intn(40)
		parts := make([]string, n)
		for j := range parts {
			parts[j] = words[rng.Intn(len(words))]
		}
		in := strings.Join(parts, strings.Repeat(" ", 1+rng.Intn(2)))
		h := title.Hints{}
		if rng.Intn(2) == 0 {
			h = title.Hints{PartNumber: "HDA36100", Manufacturer: "Square D"}
		}

		once := e.Enforce(in, h)
		if utf8.RuneCountInString(once) > 80 {
			t.Fatalf("over bound (%d): %q -> %q", utf8.RuneCountInString(once), in, once)
		}
		if utf8.RuneCountInString(in) <= 80 && once != in {
			t.Fatalf("within-bound title modified: %q -> %q", in, once)
		}
		if twice := e.Enforce(once, h); twice != once {
			t.Fatalf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestFallback(t *testing.T) {
	e := title.Default()
	tests := []struct {
		pn, mfr, want string
	}{
		{pn: "XJG104HDG", mfr: "Eaton Crouse-Hinds", want: "XJG104HDG – Eaton Crouse-Hinds"},
		{pn: "XJG104HDG", mfr: "", want: "XJG104HDG"},
		{pn: "", mfr: "", want: "Unidentified Part"},
	}
	for _, tt := range tests {
		if got := e.Fallback(tt.pn, tt.mfr); got != tt.want {
			t.Fatalf("Fallback(%q,%q)=%q want=%q", tt.pn, tt.mfr, got, tt.want)
		}
	}
	long := e.Fallback(strings.Repeat("P", 70), strings.Repeat("M", 70))
	if n := utf8.RuneCountInString(long); n == 0 || n > 80 {
		t.Fatalf("fallback out of bounds: %q", long)
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	yml := `
max_length: 40
abbreviations:
  - match: ["Expansion Coupling"]
    replace: "Exp Cplg"
drop_order: [spec, generic]
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := title.LoadPolicy(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.MaxLength != 40 || len(p.Abbreviations) != 1 {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if len(p.Connectors) == 0 {
		t.Fatalf("unset fields should keep defaults")
	}

	e, err := title.New(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := e.Enforce("XJG104HDG – Eaton Crouse-Hinds Expansion Coupling 3/4 Inch", title.Hints{PartNumber: "XJG104HDG", Manufacturer: "Eaton Crouse-Hinds"})
	if utf8.RuneCountInString(got) > 40 || !strings.Contains(got, "Exp Cplg") {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestParsePolicy_Invalid(t *testing.T) {
	for name, yml := range map[string]string{
		"zero length":   "max_length: 0",
		"unknown class": "drop_order: [brand]",
		"empty match":   "abbreviations: [{match: [''], replace: x}]",
		"bad yaml":      "max_length: [",
	} {
		if _, err := title.ParsePolicy([]byte(yml)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
