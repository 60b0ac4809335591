package main

import (
	"context"
	"fmt"

	"github.com/shpitdev/partcopy/pkg/pipeline/worker"
	"github.com/shpitdev/partcopy/test/template/processor"
)

func main() {
	r := worker.New(worker.RetryPolicy{MaxAttempts: 1})
	out, outcome, err := worker.Do(context.Background(), r, func(ctx context.Context) (string, error) {
		return processor.Generator{}.Generate(ctx, "qo120 square d")
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s (%s after %d attempt)\n", out, outcome.State, outcome.Attempts)
}
