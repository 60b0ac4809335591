package generate

import (
	"context"
	"time"

	"github.com/shpitdev/partcopy/pkg/pipeline/core"
	"github.com/shpitdev/partcopy/pkg/pipeline/redact"
	"github.com/shpitdev/partcopy/pkg/pipeline/worker"
	"go.uber.org/zap"
)

// Attempt is the retry trace of one Generate call.
type Attempt struct {
	Attempts int
	State    worker.State
	LastKind core.FailureKind
	// LastRaw is the most recent non-empty text returned by the backend, kept for diagnostics.
	LastRaw string
	Err     error
}

// Client sends prompts to a backend one at a time under a RetryPolicy.
type Client struct {
	backend core.Generator
	retrier *worker.Retrier
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger       *zap.Logger
	retryOptions []worker.Option
}

// WithLogger sets the logger used for per-attempt tracing.
func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRetryOptions passes options through to the underlying Retrier.
func WithRetryOptions(opts ...worker.Option) Option {
	return func(o *clientOptions) {
		o.retryOptions = append(o.retryOptions, opts...)
	}
}

func New(backend core.Generator, policy worker.RetryPolicy, opts ...Option) *Client {
	o := clientOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		backend: backend,
		retrier: worker.New(policy, o.retryOptions...),
		logger:  o.logger,
	}
}

// With returns a client that adds fields to every trace line. The retrier, and with it
// the rate limiter, is shared with c.
func (c *Client) With(fields ...zap.Field) *Client {
	cp := *c
	cp.logger = c.logger.With(fields...)
	return &cp
}

// Generator exposes the retrying client as a plain core.Generator.
func (c *Client) Generator() core.Generator {
	return core.GenerateFunc(func(ctx context.Context, prompt string) (string, error) {
		out, _, err := c.Generate(ctx, prompt)
		return out, err
	})
}

// Policy returns the effective retry policy.
func (c *Client) Policy() worker.RetryPolicy {
	return c.retrier.Policy()
}

// Generate returns raw backend text, retrying transient failures.
func (c *Client) Generate(ctx context.Context, prompt string) (string, Attempt, error) {
	return c.GenerateCheck(ctx, prompt, nil)
}

// GenerateCheck is Generate with a validation step run on every reply. A check failure
// is treated as a malformed response and consumes the same attempt budget as transport
// failures.
func (c *Client) GenerateCheck(ctx context.Context, prompt string, check func(raw string) error) (string, Attempt, error) {
	var lastRaw string
	n := 0
	raw, outcome, err := worker.Do(ctx, c.retrier, func(ctx context.Context) (string, error) {
		n++
		start := time.Now()
		raw, err := c.backend.Generate(ctx, prompt)
		if raw != "" {
			lastRaw = raw
		}
		if err == nil && check != nil {
			if cerr := check(raw); cerr != nil {
				err = asMalformed(cerr)
			}
		}
		c.trace(ctx, n, time.Since(start), raw, err)
		return raw, err
	})

	a := Attempt{
		Attempts: outcome.Attempts,
		State:    outcome.State,
		LastKind: outcome.LastKind,
		LastRaw:  lastRaw,
		Err:      err,
	}
	return raw, a, err
}

func (c *Client) trace(ctx context.Context, attempt int, elapsed time.Duration, raw string, err error) {
	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	fields := []zap.Field{
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", c.retrier.Policy().MaxAttempts),
		zap.Duration("duration", elapsed.Round(time.Millisecond)),
		zap.String("deadline_in", deadlineIn),
		zap.Int("response_len", len(raw)),
	}
	if err == nil {
		c.logger.Debug("generate response", fields...)
		return
	}
	kind := core.KindOf(err)
	fields = append(fields,
		zap.String("kind", kind.String()),
		zap.Bool("retryable", kind.Retryable()),
		zap.String("error", redact.Diagnostic(err.Error(), 300)),
	)
	c.logger.Warn("generate attempt failed", fields...)
}

func asMalformed(err error) error {
	if core.KindOf(err) == core.FailureMalformedResponse {
		return err
	}
	return core.Fail(core.FailureMalformedResponse, err)
}
