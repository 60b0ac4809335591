package title

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMaxLength is the hard title bound, in characters.
const DefaultMaxLength = 80

// Token classes that can be dropped, named as in policy files.
const (
	ClassGeneric = "generic"
	ClassSpec    = "spec"
)

// Rule is one abbreviation. Unit rules only fire directly after a number and join to it
// ("100 Amperes" -> "100A", "3-Pole" -> "3P"); other rules replace whole words anywhere.
type Rule struct {
	Match   []string `yaml:"match"`
	Replace string   `yaml:"replace"`
	Unit    bool     `yaml:"unit"`
}

// Policy configures title enforcement.
type Policy struct {
	MaxLength     int      `yaml:"max_length"`
	Abbreviations []Rule   `yaml:"abbreviations"`
	SpecKeywords  []string `yaml:"spec_keywords"`
	Connectors    []string `yaml:"connectors"`
	// DropOrder lists token classes from first dropped to last dropped.
	DropOrder []string `yaml:"drop_order"`
}

// DefaultPolicy returns the built-in abbreviation table and drop order.
func DefaultPolicy() Policy {
	return Policy{
		MaxLength: DefaultMaxLength,
		Abbreviations: []Rule{
			{Match: []string{"Amperes", "Ampere", "Amps", "Amp"}, Replace: "A", Unit: true},
			{Match: []string{"Volts", "Volt", "Voltage"}, Replace: "V", Unit: true},
			{Match: []string{"Poles", "Pole"}, Replace: "P", Unit: true},
			{Match: []string{"Phases", "Phase"}, Replace: "Ph", Unit: true},
			{Match: []string{"Watts", "Watt"}, Replace: "W", Unit: true},
			{Match: []string{"Hertz"}, Replace: "Hz", Unit: true},
			{Match: []string{"Horsepower"}, Replace: "HP", Unit: true},
			{Match: []string{"Inches", "Inch"}, Replace: "in", Unit: true},
			{Match: []string{"Molded Case Circuit Breaker"}, Replace: "MCCB"},
			{Match: []string{"Ground Fault Circuit Interrupter"}, Replace: "GFCI"},
			{Match: []string{"Circuit Breaker"}, Replace: "Breaker"},
			{Match: []string{"Amperes", "Ampere"}, Replace: "A"},
			{Match: []string{"Volts", "Voltage"}, Replace: "V"},
			{Match: []string{"Phase"}, Replace: "Ph"},
			{Match: []string{"Stainless Steel"}, Replace: "SS"},
			{Match: []string{"Aluminum"}, Replace: "Alum"},
			{Match: []string{"Galvanized"}, Replace: "Galv"},
			{Match: []string{"Assembly"}, Replace: "Assy"},
		},
		SpecKeywords: []string{
			"pole", "poles", "phase", "ph", "nema", "ul", "csa", "ip", "indoor", "outdoor",
			"fusible", "non-fusible", "thermal", "magnetic", "bolt-on", "plug-on", "ac", "dc",
		},
		Connectors: []string{"and", "for", "with", "of", "the", "in", "to", "&", "/", "+", ",", "-", "–", "—", "|"},
		DropOrder:  []string{ClassGeneric, ClassSpec},
	}
}

// ParsePolicy overlays YAML onto the default policy.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse title policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadPolicy reads a YAML policy file. An empty path returns the default policy.
func LoadPolicy(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read title policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// Validate checks the policy for values the enforcer cannot honor.
func (p Policy) Validate() error {
	if p.MaxLength <= 0 {
		return fmt.Errorf("title policy: max_length must be > 0, got %d", p.MaxLength)
	}
	for i, r := range p.Abbreviations {
		if len(r.Match) == 0 {
			return fmt.Errorf("title policy: abbreviation %d has no match terms", i)
		}
		for _, m := range r.Match {
			if strings.TrimSpace(m) == "" {
				return fmt.Errorf("title policy: abbreviation %d has an empty match term", i)
			}
		}
	}
	for _, c := range p.DropOrder {
		if c != ClassGeneric && c != ClassSpec {
			return fmt.Errorf("title policy: unknown drop class %q", c)
		}
	}
	return nil
}
