package core

import (
	"context"
	"time"
)

// Generator turns one assembled prompt into raw generated text.
//
// Implementations are single calls with no retry; retry belongs to the worker.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GenerateFunc adapts a function to the Generator interface.
type GenerateFunc func(ctx context.Context, prompt string) (string, error)

func (f GenerateFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Status is the per-row outcome written to the output sink.
type Status string

const (
	StatusOK       Status = "ok"
	StatusFallback Status = "fallback"
	StatusFailed   Status = "failed"
)

// LogLevel is the severity attached to observer log events.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// TotalUnknown is reported as Progress.Total when the input size was not estimated.
const TotalUnknown = -1

// Progress is reported once per emitted row.
type Progress struct {
	// Index is the 1-based position of the row in the input.
	Index int
	// Total is the estimated row count, or TotalUnknown.
	Total      int
	Status     Status
	PartNumber string
}

// Summary is the terminal report of a pipeline run.
type Summary struct {
	RunID      string
	OutputPath string

	Rows     int
	OK       int
	Fallback int
	Failed   int

	// Cancelled is set when the run stopped early at a row boundary.
	Cancelled bool
	// Err holds the run-level failure, if any.
	Err error

	Started  time.Time
	Duration time.Duration
}

// RowsPerSecond reports throughput over the run duration.
func (s Summary) RowsPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Rows) / s.Duration.Seconds()
}

// Observer receives progress and log events from a pipeline run.
//
// Calls are made from the pipeline worker; implementations that may block should be
// wrapped with an asynchronous dispatcher.
type Observer interface {
	OnProgress(p Progress)
	OnLog(level LogLevel, message string)
	OnComplete(s Summary)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) OnProgress(Progress)    {}
func (NopObserver) OnLog(LogLevel, string) {}
func (NopObserver) OnComplete(Summary)     {}
