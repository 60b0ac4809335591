package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// Matches "Bearer <token>" (JWTs and opaque tokens).
	bearerTokenRe = regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`)

	// Common key=value formats that sometimes leak in error strings.
	apiKeyKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|gemini[_-]?api[_-]?key)\b\s*[:=]\s*[^\s"']+`)

	// URL query credentials, e.g. "?key=...".
	queryKeyRe = regexp.MustCompile(`([?&])key=[^&\s"']+`)

	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Secrets removes obvious secret-bearing substrings from error/log strings.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	out := s
	out = bearerTokenRe.ReplaceAllString(out, "Bearer <redacted>")
	out = apiKeyKVRe.ReplaceAllString(out, "<redacted_kv>")
	out = queryKeyRe.ReplaceAllString(out, "${1}key=<redacted>")
	return strings.TrimSpace(out)
}

// Diagnostic renders s as a single redacted line of at most max runes.
// A non-positive max disables truncation.
func Diagnostic(s string, max int) string {
	out := whitespaceRe.ReplaceAllString(Secrets(s), " ")
	if max <= 0 || utf8.RuneCountInString(out) <= max {
		return out
	}
	runes := []rune(out)
	if max <= 3 {
		return string(runes[:max])
	}
	return strings.TrimSpace(string(runes[:max-3])) + "..."
}
