package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// FailureKind classifies a failed generation attempt.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTimeout
	FailureConnectionRefused
	FailureServerError
	FailureCancelled
	FailureMalformedResponse
	// FailureRejected covers permanent failures: bad requests, unknown models, auth.
	FailureRejected
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTimeout:
		return "timeout"
	case FailureConnectionRefused:
		return "connection_refused"
	case FailureServerError:
		return "server_error"
	case FailureCancelled:
		return "cancelled"
	case FailureMalformedResponse:
		return "malformed_response"
	case FailureRejected:
		return "rejected"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

// Retryable reports whether another attempt may succeed.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureTimeout, FailureConnectionRefused, FailureServerError, FailureMalformedResponse:
		return true
	default:
		return false
	}
}

// GenerationError is a classified generation failure.
type GenerationError struct {
	Kind FailureKind
	Err  error
}

func (e *GenerationError) Error() string {
	if e == nil {
		return "generation error"
	}
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *GenerationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable lets worker implementations decide without knowing the concrete type.
func (e *GenerationError) Retryable() bool {
	return e != nil && e.Kind.Retryable()
}

// Fail wraps err with a failure kind.
func Fail(kind FailureKind, err error) error {
	return &GenerationError{Kind: kind, Err: err}
}

// Malformed builds a MalformedResponse failure.
func Malformed(format string, args ...any) error {
	return &GenerationError{Kind: FailureMalformedResponse, Err: fmt.Errorf(format, args...)}
}

// TransientError marks an error as retryable by worker implementations.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf classifies an arbitrary error returned by a generator or its transport.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailureConnectionRefused
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FailureTimeout
	}
	var te *TransientError
	if errors.As(err, &te) {
		return FailureServerError
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "dial" {
		return FailureConnectionRefused
	}
	return FailureRejected
}
