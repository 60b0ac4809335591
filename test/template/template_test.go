package template

import (
	"context"
	"testing"

	"github.com/shpitdev/partcopy/pkg/pipeline/core"
	"github.com/shpitdev/partcopy/pkg/pipeline/worker"
	"github.com/shpitdev/partcopy/test/template/processor"
)

func TestTemplateCompilesWithPipelineKit(t *testing.T) {
	t.Parallel()

	var gen core.Generator = processor.Generator{}
	r := worker.New(worker.RetryPolicy{MaxAttempts: 2})

	out, outcome, err := worker.Do(context.Background(), r, func(ctx context.Context) (string, error) {
		return gen.Generate(ctx, "qo120 square d")
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if out != "Title: QO120 SQUARE D\nDescription: qo120 square d" || outcome.State != worker.StateSuccess {
		t.Fatalf("unexpected output: %q %+v", out, outcome)
	}

	_, outcome, err = worker.Do(context.Background(), r, func(ctx context.Context) (string, error) {
		return gen.Generate(ctx, "  ")
	})
	if core.KindOf(err) != core.FailureRejected || outcome.Attempts != 1 {
		t.Fatalf("rejected prompts must not be retried: %v %+v", err, outcome)
	}
}
