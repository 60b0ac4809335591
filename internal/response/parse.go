package response

import (
	"regexp"
	"strings"

	"github.com/shpitdev/partcopy/pkg/pipeline/core"
)

// Reply is the structured content extracted from raw generator text.
type Reply struct {
	Title       string
	Description string
}

var (
	// A label line: an optional short lead-in sentence, optional list/heading/emphasis
	// markup, the label, a colon, the rest.
	labelRe = regexp.MustCompile(`(?i)^(?:[^\n]{0,80}?[.!:]\s+)?[\s>#*_\-]*(?:\d+[.)]\s*)?(?:seo[\w\- ]*?\s|product\s|technical\s[\w ]*?)?(title|description)[\s*_]*:[\s*_]*(.*)$`)

	// Commentary lines that are never part of a description.
	trailerRe = regexp.MustCompile(`(?i)^[*_]*(?:(?:notes?|error)[*_]*:|the description has been\b|character count\b|\(?title length\b)`)

	emphasisRe = regexp.MustCompile(`\*+|__`)
	spacesRe   = regexp.MustCompile(`[ \t]+`)
)

// Common mis-decodings of the en dash used in titles.
var mojibake = strings.NewReplacer(
	"‚Äì", "–",
	"â€“", "–",
	"â€”", "—",
	"â€\"", "–",
	"Ã¢â‚¬â€œ", "–",
	"�", "",
)

// Parse extracts a title and a description from raw text. Labels match in either order,
// case-insensitively, with surrounding markdown tolerated.
//
// A missing label, or a label with no content, yields a MalformedResponse failure.
func Parse(raw string) (Reply, error) {
	text := strings.ReplaceAll(strings.ReplaceAll(raw, "\r\n", "\n"), "\r", "\n")

	var (
		title, desc         string
		haveTitle, haveDesc bool
		inDesc, titleNext   bool
		descLines           []string
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := labelRe.FindStringSubmatch(trimmed); m != nil {
			label, rest := strings.ToLower(m[1]), m[2]
			switch {
			case label == "title" && !haveTitle:
				title, haveTitle = rest, true
				titleNext = strings.TrimSpace(rest) == ""
				inDesc = false
				continue
			case label == "description" && !haveDesc:
				haveDesc, inDesc, titleNext = true, true, false
				if s := strings.TrimSpace(rest); s != "" {
					descLines = append(descLines, s)
				}
				continue
			}
		}
		if trimmed == "" {
			continue
		}
		// "Title:" alone on a line takes the next non-empty line.
		if titleNext {
			title, titleNext = trimmed, false
			continue
		}
		if !inDesc {
			continue
		}
		if strings.HasPrefix(trimmed, "---") {
			inDesc = false
			continue
		}
		if trailerRe.MatchString(trimmed) {
			continue
		}
		descLines = append(descLines, trimmed)
	}
	desc = strings.Join(descLines, " ")

	if !haveTitle {
		return Reply{}, core.Malformed("missing Title label")
	}
	if !haveDesc {
		return Reply{}, core.Malformed("missing Description label")
	}

	reply := Reply{Title: clean(title), Description: clean(desc)}
	if reply.Title == "" {
		return Reply{}, core.Malformed("empty title")
	}
	if reply.Description == "" {
		return Reply{}, core.Malformed("empty description")
	}
	return reply, nil
}

func clean(s string) string {
	s = mojibake.Replace(s)
	s = emphasisRe.ReplaceAllString(s, "")
	s = spacesRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = trimQuotes(s)
	return strings.TrimSpace(s)
}

func trimQuotes(s string) string {
	pairs := [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}, {"`", "`"}}
	for _, p := range pairs {
		if len(s) >= len(p[0])+len(p[1]) && strings.HasPrefix(s, p[0]) && strings.HasSuffix(s, p[1]) {
			return s[len(p[0]) : len(s)-len(p[1])]
		}
	}
	return s
}
