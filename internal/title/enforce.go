package title

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Hints name the tokens a title must keep for as long as possible.
type Hints struct {
	PartNumber   string
	Manufacturer string
}

type rule struct {
	re      *regexp.Regexp
	replace string
}

// Enforcer rewrites titles to fit a character bound. It is safe for concurrent use.
type Enforcer struct {
	max        int
	units      []rule
	phrases    []rule
	keywords   map[string]bool
	connectors map[string]bool
	dropOrder  []string
}

// New compiles a policy.
func New(p Policy) (*Enforcer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := &Enforcer{
		max:        p.MaxLength,
		keywords:   make(map[string]bool, len(p.SpecKeywords)),
		connectors: make(map[string]bool, len(p.Connectors)),
		dropOrder:  append([]string(nil), p.DropOrder...),
	}
	if len(e.dropOrder) == 0 {
		e.dropOrder = []string{ClassGeneric, ClassSpec}
	}
	for _, k := range p.SpecKeywords {
		e.keywords[strings.ToLower(k)] = true
	}
	for _, c := range p.Connectors {
		e.connectors[strings.ToLower(c)] = true
	}

	type phrase struct {
		term    string
		replace string
	}
	var phrases []phrase
	for _, r := range p.Abbreviations {
		if r.Unit {
			terms := make([]string, 0, len(r.Match))
			for _, m := range r.Match {
				terms = append(terms, wordPattern(m))
			}
			sort.SliceStable(terms, func(i, j int) bool { return len(terms[i]) > len(terms[j]) })
			re, err := regexp.Compile(`(?i)\b(\d+(?:\.\d+)?)[\s-]+(?:` + strings.Join(terms, "|") + `)\b`)
			if err != nil {
				return nil, err
			}
			e.units = append(e.units, rule{re: re, replace: "${1}" + r.Replace})
			continue
		}
		for _, m := range r.Match {
			phrases = append(phrases, phrase{term: m, replace: r.Replace})
		}
	}
	// Longer phrases first so "Molded Case Circuit Breaker" wins over "Circuit Breaker".
	sort.SliceStable(phrases, func(i, j int) bool { return len(phrases[i].term) > len(phrases[j].term) })
	for _, ph := range phrases {
		re, err := regexp.Compile(`(?i)\b` + wordPattern(ph.term) + `\b`)
		if err != nil {
			return nil, err
		}
		e.phrases = append(e.phrases, rule{re: re, replace: ph.replace})
	}
	return e, nil
}

// Default returns an Enforcer for DefaultPolicy.
func Default() *Enforcer {
	e, err := New(DefaultPolicy())
	if err != nil {
		panic(err)
	}
	return e
}

// MaxLength returns the bound in characters.
func (e *Enforcer) MaxLength() int {
	return e.max
}

// wordPattern quotes a term, letting internal spaces match any run of spaces or hyphens.
func wordPattern(term string) string {
	words := strings.Fields(term)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return strings.Join(words, `[\s-]+`)
}

// Enforce returns title unchanged when it fits, and otherwise a rewrite that does.
//
// Rewrites apply the abbreviation table, then drop tokens from the end by class in
// drop order (part number and manufacturer are never dropped), then hard-truncate.
func (e *Enforcer) Enforce(title string, h Hints) string {
	if runeLen(title) <= e.max {
		return title
	}

	t := collapse(e.abbreviateOutside(collapse(title), h))
	if runeLen(t) <= e.max {
		return t
	}

	toks := strings.Split(t, " ")
	protected := e.protect(toks, h)
	alive := make([]bool, len(toks))
	for i := range alive {
		alive[i] = true
	}
	length := runeLen(t)

	for _, class := range e.dropOrder {
		for i := len(toks) - 1; i >= 0 && length > e.max; i-- {
			if !alive[i] || protected[i] || e.isSeparator(toks[i]) || e.classify(toks[i]) != class {
				continue
			}
			alive[i] = false
			length -= runeLen(toks[i]) + 1
		}
		if length <= e.max {
			break
		}
	}

	kept := make([]string, 0, len(toks))
	keptProtected := make([]bool, 0, len(toks))
	for i, tok := range toks {
		if alive[i] {
			kept = append(kept, tok)
			keptProtected = append(keptProtected, protected[i])
		}
	}
	// Trailing connectors and separators carry nothing once what followed them is gone.
	for len(kept) > 1 && !keptProtected[len(kept)-1] && e.connectors[strings.ToLower(kept[len(kept)-1])] {
		kept = kept[:len(kept)-1]
		keptProtected = keptProtected[:len(keptProtected)-1]
	}

	out := strings.Join(kept, " ")
	if runeLen(out) > e.max {
		out = truncate(out, e.max)
	}
	return out
}

// Fallback builds a title from part number and manufacturer alone. It never returns an
// empty string.
func (e *Enforcer) Fallback(partNumber, manufacturer string) string {
	pn := collapse(partNumber)
	mfr := collapse(manufacturer)
	var t string
	switch {
	case pn != "" && mfr != "":
		t = pn + " – " + mfr
	case pn != "":
		t = pn
	case mfr != "":
		t = mfr
	default:
		t = "Unidentified Part"
	}
	return e.Enforce(t, Hints{PartNumber: pn, Manufacturer: mfr})
}

// abbreviateOutside abbreviates s everywhere except the first occurrence of each hint,
// so identifiers such as "CH-2POLE" survive verbatim.
func (e *Enforcer) abbreviateOutside(s string, h Hints) string {
	var spans [][]int
	for _, hint := range []string{h.PartNumber, h.Manufacturer} {
		hint = collapse(hint)
		if hint == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(hint))
		if loc := re.FindStringIndex(s); loc != nil {
			spans = append(spans, loc)
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })

	var b strings.Builder
	pos := 0
	for _, sp := range spans {
		if sp[1] <= pos {
			continue
		}
		start := max(sp[0], pos)
		b.WriteString(e.abbreviate(s[pos:start]))
		b.WriteString(s[start:sp[1]])
		pos = sp[1]
	}
	b.WriteString(e.abbreviate(s[pos:]))
	return b.String()
}

func (e *Enforcer) abbreviate(s string) string {
	for _, r := range e.units {
		s = r.re.ReplaceAllString(s, r.replace)
	}
	for _, r := range e.phrases {
		s = r.re.ReplaceAllString(s, r.replace)
	}
	return s
}

// protect marks part number and manufacturer tokens. Without a part number hint the
// leading token is taken as the part number.
func (e *Enforcer) protect(toks []string, h Hints) []bool {
	protected := make([]bool, len(toks))
	pnFound := markSequence(toks, protected, strings.Fields(h.PartNumber))
	markSequence(toks, protected, strings.Fields(h.Manufacturer))
	if !pnFound && len(toks) > 0 {
		protected[0] = true
	}
	return protected
}

func markSequence(toks []string, protected []bool, seq []string) bool {
	if len(seq) == 0 || len(seq) > len(toks) {
		return false
	}
	for i := 0; i+len(seq) <= len(toks); i++ {
		match := true
		for j, w := range seq {
			if !strings.EqualFold(strings.Trim(toks[i+j], ",;:"), w) {
				match = false
				break
			}
		}
		if match {
			for j := range seq {
				protected[i+j] = true
			}
			return true
		}
	}
	return false
}

func (e *Enforcer) isSeparator(tok string) bool {
	switch tok {
	case "-", "–", "—", "|", ":":
		return true
	}
	return false
}

func (e *Enforcer) classify(tok string) string {
	word := strings.Trim(tok, ",;:()")
	if e.keywords[strings.ToLower(word)] {
		return ClassSpec
	}
	upper, letters := 0, 0
	for _, r := range word {
		if unicode.IsDigit(r) {
			return ClassSpec
		}
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters >= 2 && upper == letters {
		return ClassSpec
	}
	return ClassGeneric
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimRightFunc(string(runes[:n]), unicode.IsSpace)
}
