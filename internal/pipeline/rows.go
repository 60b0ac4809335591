package pipeline

import (
	"fmt"

	"github.com/shpitdev/partcopy/internal/generate"
	"github.com/shpitdev/partcopy/pkg/pipeline/core"
	"github.com/shpitdev/partcopy/pkg/pipeline/redact"
)

// Output columns appended after every input column.
const (
	ColumnTitle       = "Title"
	ColumnDescription = "Description"
	ColumnStatus      = "Status"
)

// Diagnostic markers written to the Description of rows without generated content.
const (
	MarkerFailed   = "[generation failed]"
	MarkerSkipped  = "[generation skipped]"
	diagnosticSize = 500
)

// Result is the finalized content for one row. It is immutable once written.
type Result struct {
	Title       string
	Description string
	Status      core.Status

	// Attempt is the generation trace; zero for rows that made no call.
	Attempt generate.Attempt
	// SpecsMatched reports whether the specification index had an entry for the row.
	SpecsMatched bool
	SpecsAdded   int
}

// OutputHeader returns the sink header for an input header.
func OutputHeader(input []string) []string {
	out := make([]string, 0, len(input)+3)
	out = append(out, input...)
	return append(out, ColumnTitle, ColumnDescription, ColumnStatus)
}

// outputRow projects an input row onto width columns and appends the result.
func outputRow(row []string, width int, res Result) []string {
	out := make([]string, width, width+3)
	copy(out, row)
	return append(out, res.Title, res.Description, string(res.Status))
}

func failedDescription(a generate.Attempt, err error) string {
	detail := a.LastRaw
	if detail == "" && err != nil {
		detail = err.Error()
	}
	kind := a.LastKind
	if kind == core.FailureNone {
		kind = core.KindOf(err)
	}
	return fmt.Sprintf("%s kind=%s attempts=%d: %s", MarkerFailed, kind, a.Attempts, redact.Diagnostic(detail, diagnosticSize))
}
