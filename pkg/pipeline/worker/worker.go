package worker

import (
	"context"
	"errors"
	"time"

	"github.com/shpitdev/partcopy/pkg/pipeline/core"
	"golang.org/x/time/rate"
)

// RetryPolicy bounds how one unit of work is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Delay is the fixed sleep between attempts.
	Delay time.Duration
	// Timeout bounds each individual attempt. Zero disables the per-attempt deadline.
	Timeout time.Duration

	// RateLimitRPS paces attempts across every call sharing the Retrier. Set to <=0 to disable.
	RateLimitRPS float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.Timeout < 0 {
		p.Timeout = 0
	}
	return p
}

// State is a position in the retry state machine:
//
//	Attempting -> Success
//	Attempting -> Retrying -> Attempting
//	Attempting -> Exhausted
//	Attempting -> Aborted (cancelled or non-retryable)
type State int

const (
	StateAttempting State = iota
	StateSuccess
	StateRetrying
	StateExhausted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateSuccess:
		return "success"
	case StateRetrying:
		return "retrying"
	case StateExhausted:
		return "exhausted"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Attempt describes one transition of the state machine.
type Attempt struct {
	Number   int
	State    State
	Kind     core.FailureKind
	Err      error
	Duration time.Duration
}

// Outcome is the final state of one Do call.
type Outcome struct {
	Attempts int
	State    State
	LastKind core.FailureKind
	LastErr  error
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithObserver registers a callback invoked after every attempt.
func WithObserver(fn func(Attempt)) Option {
	return func(r *Retrier) {
		r.onAttempt = fn
	}
}

// WithSleeper replaces the delay implementation. Tests use it to avoid real sleeps.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) {
		r.sleep = fn
	}
}

// Retrier runs work under a RetryPolicy. It is safe for sequential reuse.
type Retrier struct {
	policy    RetryPolicy
	limiter   *rate.Limiter
	sleep     func(ctx context.Context, d time.Duration) error
	onAttempt func(Attempt)
}

// New constructs a Retrier for the policy.
func New(policy RetryPolicy, opts ...Option) *Retrier {
	policy = policy.withDefaults()
	r := &Retrier{
		policy: policy,
		sleep:  sleepCtx,
	}
	if policy.RateLimitRPS > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(policy.RateLimitRPS), 1)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

// Do runs fn until it succeeds, fails permanently, or the attempt budget is spent.
//
// The returned Out is the value of the last attempt, even on failure.
func Do[Out any](ctx context.Context, r *Retrier, fn func(context.Context) (Out, error)) (Out, Outcome, error) {
	var last Out
	outcome := Outcome{State: StateAttempting}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, r.abort(outcome, err), err
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return last, r.abort(outcome, err), err
			}
		}

		reqCtx := ctx
		var cancel context.CancelFunc
		if r.policy.Timeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		}
		start := time.Now()
		out, err := fn(reqCtx)
		elapsed := time.Since(start)
		if cancel != nil {
			cancel()
		}
		last = out
		outcome.Attempts = attempt

		if err == nil {
			outcome.State = StateSuccess
			outcome.LastKind = core.FailureNone
			outcome.LastErr = nil
			r.notify(Attempt{Number: attempt, State: StateSuccess, Duration: elapsed})
			return out, outcome, nil
		}

		// A cancelled parent is never retried, whatever the attempt reported.
		if ctx.Err() != nil {
			err = core.Fail(core.FailureCancelled, err)
		} else if errors.Is(err, context.DeadlineExceeded) && core.KindOf(err) != core.FailureTimeout {
			err = core.Fail(core.FailureTimeout, err)
		}
		kind := core.KindOf(err)
		outcome.LastKind = kind
		outcome.LastErr = err

		if !isRetryable(err) {
			outcome.State = StateAborted
			r.notify(Attempt{Number: attempt, State: StateAborted, Kind: kind, Err: err, Duration: elapsed})
			return last, outcome, err
		}
		if attempt >= r.policy.MaxAttempts {
			outcome.State = StateExhausted
			r.notify(Attempt{Number: attempt, State: StateExhausted, Kind: kind, Err: err, Duration: elapsed})
			return last, outcome, err
		}

		outcome.State = StateRetrying
		r.notify(Attempt{Number: attempt, State: StateRetrying, Kind: kind, Err: err, Duration: elapsed})
		if serr := r.sleep(ctx, r.policy.Delay); serr != nil {
			return last, r.abort(outcome, serr), core.Fail(core.FailureCancelled, serr)
		}
	}
}

func (r *Retrier) abort(outcome Outcome, err error) Outcome {
	outcome.State = StateAborted
	outcome.LastKind = core.FailureCancelled
	outcome.LastErr = err
	r.notify(Attempt{Number: outcome.Attempts, State: StateAborted, Kind: core.FailureCancelled, Err: err})
	return outcome
}

func (r *Retrier) notify(a Attempt) {
	if r.onAttempt != nil {
		r.onAttempt(a)
	}
}

type retryable interface {
	Retryable() bool
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re retryable
	if errors.As(err, &re) {
		return re.Retryable()
	}
	var te *core.TransientError
	if errors.As(err, &te) {
		return true
	}
	return core.KindOf(err).Retryable()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}
