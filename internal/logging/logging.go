// Package logging builds the process logger and adapts it to pipeline events.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shpitdev/partcopy/pkg/pipeline/core"
	"github.com/shpitdev/partcopy/pkg/pipeline/redact"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// File, when set, receives JSON lines in addition to the console output.
	File string
	// Development switches the console encoder to zap's development layout.
	Development bool
}

// New returns a logger writing to stdout and, optionally, to a log file.
// The returned cleanup flushes buffers and closes the file.
func New(opts Options) (*zap.Logger, func(), error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	consoleCfg := zap.NewProductionEncoderConfig()
	if opts.Development {
		consoleCfg = zap.NewDevelopmentEncoderConfig()
	}
	consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level),
	}

	var file *os.File
	if path := strings.TrimSpace(opts.File); path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		file, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(file), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	cleanup := func() {
		_ = logger.Sync()
		if file != nil {
			_ = file.Close()
		}
	}
	return logger, cleanup, nil
}

// ParseLevel accepts zap level names; an empty string means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// Observer reports pipeline events as log lines.
type Observer struct {
	Logger *zap.Logger
	// Every controls how often progress is logged; values below 1 log every row.
	Every int
}

func (o Observer) OnProgress(p core.Progress) {
	every := o.Every
	if every < 1 {
		every = 1
	}
	if p.Status == core.StatusOK && p.Index%every != 0 && p.Index != p.Total {
		return
	}
	fields := []zap.Field{
		zap.Int("row", p.Index),
		zap.String("status", string(p.Status)),
		zap.String("part_number", p.PartNumber),
	}
	if p.Total != core.TotalUnknown {
		fields = append(fields, zap.Int("total", p.Total))
	}
	o.logger().Info("row processed", fields...)
}

func (o Observer) OnLog(level core.LogLevel, message string) {
	l := o.logger()
	switch level {
	case core.LevelDebug:
		l.Debug(message)
	case core.LevelWarn:
		l.Warn(message)
	case core.LevelError:
		l.Error(message)
	default:
		l.Info(message)
	}
}

// OnComplete logs the run summary. The run id is expected on the logger itself.
func (o Observer) OnComplete(s core.Summary) {
	fields := []zap.Field{
		zap.String("output", s.OutputPath),
		zap.Int("rows", s.Rows),
		zap.Int("ok", s.OK),
		zap.Int("fallback", s.Fallback),
		zap.Int("failed", s.Failed),
		zap.Bool("cancelled", s.Cancelled),
		zap.Duration("duration", s.Duration),
		zap.Float64("rows_per_second", s.RowsPerSecond()),
	}
	if s.Err != nil {
		o.logger().Error("run failed", append(fields, zap.String("error", redact.Secrets(s.Err.Error())))...)
		return
	}
	o.logger().Info("run complete", fields...)
}

func (o Observer) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}
