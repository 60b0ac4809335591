// Package processor is a starting point for a custom generation backend.
package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/shpitdev/partcopy/pkg/pipeline/core"
)

// Generator answers every prompt with a canned reply built from its first line.
type Generator struct{}

var _ core.Generator = Generator{}

func (Generator) Generate(_ context.Context, prompt string) (string, error) {
	first, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	if first == "" {
		return "", core.Fail(core.FailureRejected, fmt.Errorf("empty prompt"))
	}
	return "Title: " + strings.ToUpper(first) + "\nDescription: " + first, nil
}
