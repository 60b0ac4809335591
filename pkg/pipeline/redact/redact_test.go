package redact_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/shpitdev/partcopy/pkg/pipeline/redact"
)

func TestSecrets(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		hidden  string
		present string
	}{
		{name: "bearer", in: "auth failed: Bearer abc.def.ghi", hidden: "abc.def.ghi", present: "Bearer <redacted>"},
		{name: "api key kv", in: "GEMINI_API_KEY=sk-123 rejected", hidden: "sk-123", present: "<redacted_kv>"},
		{name: "query key", in: "POST https://host/v1/models?key=AIza999&alt=json", hidden: "AIza999", present: "alt=json"},
		{name: "plain", in: "connection refused", present: "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := redact.Secrets(tt.in)
			if tt.hidden != "" && strings.Contains(got, tt.hidden) {
				t.Fatalf("secret leaked: %q", got)
			}
			if !strings.Contains(got, tt.present) {
				t.Fatalf("expected %q in %q", tt.present, got)
			}
		})
	}
}

func TestDiagnostic(t *testing.T) {
	got := redact.Diagnostic("line one\n\nline   two", 0)
	if got != "line one line two" {
		t.Fatalf("Diagnostic()=%q", got)
	}

	long := strings.Repeat("é", 50)
	got = redact.Diagnostic(long, 10)
	if utf8.RuneCountInString(got) != 10 || !strings.HasSuffix(got, "...") {
		t.Fatalf("unexpected truncation %q", got)
	}
}
