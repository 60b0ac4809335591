// Package app wires configuration, backends, and the pipeline into runnable commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shpitdev/partcopy/internal/config"
	"github.com/shpitdev/partcopy/internal/generate"
	"github.com/shpitdev/partcopy/internal/generate/gemini"
	"github.com/shpitdev/partcopy/internal/generate/ollama"
	"github.com/shpitdev/partcopy/internal/logging"
	"github.com/shpitdev/partcopy/internal/observer"
	"github.com/shpitdev/partcopy/internal/pipeline"
	"github.com/shpitdev/partcopy/internal/prompt"
	"github.com/shpitdev/partcopy/internal/specs"
	"github.com/shpitdev/partcopy/internal/title"
	"github.com/shpitdev/partcopy/pkg/pipeline/core"
	"github.com/shpitdev/partcopy/pkg/pipeline/io/local"
	"github.com/shpitdev/partcopy/pkg/pipeline/schema"
	"go.uber.org/zap"
)

// Env carries what every command needs.
type Env struct {
	Config config.Config
	Logger *zap.Logger

	// Backend overrides the generator built from Config.
	Backend core.Generator
	// Now overrides the clock used for output file names.
	Now func() time.Time
}

func (e Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// NewBackend builds the generator selected by cfg.Generator.
func NewBackend(ctx context.Context, cfg config.Config) (core.Generator, error) {
	switch cfg.Generator {
	case config.GeneratorGemini:
		return gemini.New(ctx, gemini.Config{
			APIKey:          cfg.GeminiAPIKey,
			Model:           cfg.GeminiModel,
			BaseURL:         cfg.GeminiBaseURL,
			Temperature:     float32(cfg.Temperature),
			TopP:            float32(cfg.TopP),
			Seed:            int32(cfg.Seed),
			MaxOutputTokens: int32(cfg.NumPredict),
		})
	case config.GeneratorOllama, "":
		return newOllama(cfg)
	default:
		return nil, fmt.Errorf("unknown generator %q", cfg.Generator)
	}
}

func newOllama(cfg config.Config) (*ollama.Client, error) {
	return ollama.New(ollama.Config{
		Host:  cfg.OllamaHost,
		Model: cfg.OllamaModel,
		Options: ollama.Options{
			Temperature:   cfg.Temperature,
			TopP:          cfg.TopP,
			RepeatPenalty: cfg.RepeatPenalty,
			Seed:          cfg.Seed,
			NumPredict:    cfg.NumPredict,
		},
	})
}

// NewRunID returns a sortable identifier for one run.
func NewRunID() string {
	return ulid.Make().String()
}

// DefaultOutputPath names the output file for a run started at t.
func DefaultOutputPath(dir string, t time.Time) string {
	if strings.TrimSpace(dir) == "" {
		dir = config.DefaultOutputDir
	}
	return filepath.Join(dir, "processed_"+t.Format("20060102_150405")+".csv")
}

// components are the per-run collaborators shared by Process and Test.
type components struct {
	client   *generate.Client
	detector schema.Detector
	enforcer *title.Enforcer
	prompt   *prompt.Builder
	specs    *specs.Index
}

func build(ctx context.Context, env Env, logger *zap.Logger) (components, error) {
	cfg := env.Config
	if err := cfg.Validate(); err != nil {
		return components{}, fmt.Errorf("config: %w", err)
	}
	backend := env.Backend
	if backend == nil {
		b, err := NewBackend(ctx, cfg)
		if err != nil {
			return components{}, err
		}
		backend = b
	}
	policy, err := cfg.TitlePolicy()
	if err != nil {
		return components{}, err
	}
	enforcer, err := title.New(policy)
	if err != nil {
		return components{}, err
	}

	client := generate.New(backend, cfg.RetryPolicy(), generate.WithLogger(logger))
	c := components{
		client:   client,
		detector: schema.Detector{Assist: client.Generator()},
		enforcer: enforcer,
		prompt:   prompt.Default(enforcer.MaxLength()),
	}
	c.specs, err = LoadSpecs(ctx, cfg, c.detector, logger)
	if err != nil {
		return components{}, err
	}
	return c, nil
}

// LoadSpecs builds the specification index from cfg.SpecsPath.
//
// A default path that cannot be opened, or a source whose part number column cannot be
// found, is skipped with a warning. An explicit path that cannot be read is an error.
func LoadSpecs(ctx context.Context, cfg config.Config, det schema.Detector, logger *zap.Logger) (*specs.Index, error) {
	path := strings.TrimSpace(cfg.SpecsPath)
	if path == "" {
		return nil, nil
	}
	r, err := local.Open(path)
	if err != nil {
		if cfg.SpecsExplicit {
			return nil, fmt.Errorf("open specifications: %w", err)
		}
		logger.Warn("specifications unavailable; continuing without them", zap.String("path", path), zap.Error(err))
		return nil, nil
	}
	defer func() {
		_ = r.Close()
	}()

	size := det.SampleSize
	if size <= 0 {
		size = schema.DefaultSampleSize
	}
	sample, err := r.Peek(size)
	if err != nil {
		return nil, fmt.Errorf("read specifications sample: %w", err)
	}
	d, err := det.Detect(ctx, r.Header(), sample)
	if d.AssistErr != nil {
		logger.Warn("specification schema assist unavailable", zap.Error(d.AssistErr))
	}
	if errors.Is(err, schema.ErrUnresolved) {
		logger.Warn("specification part number column not found; continuing without specifications",
			zap.String("path", path), zap.Strings("columns", r.Header()))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ix, err := specs.Build(r, d.Mapping)
	if err != nil {
		return nil, fmt.Errorf("index specifications: %w", err)
	}
	st := ix.Stats()
	logger.Info("specifications loaded",
		zap.String("path", path),
		zap.String("encoding", string(r.Encoding())),
		zap.String("detection", d.Kind.String()),
		zap.Stringer("mapping", d.Mapping),
		zap.Int("rows", st.Rows),
		zap.Int("indexed", st.Indexed),
		zap.Int("duplicates", st.Duplicates),
		zap.Int("blank_keys", st.BlankKeys),
		zap.Int("columns", st.Columns),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
	)
	return ix, nil
}

// ProcessRequest describes one batch run.
type ProcessRequest struct {
	InputPath string
	// OutputPath defaults to a timestamped file under Config.OutputDir.
	OutputPath string
	// Observer receives events in addition to the log.
	Observer core.Observer
}

// Process runs the pipeline over an input CSV and writes the output CSV incrementally.
func Process(ctx context.Context, env Env, req ProcessRequest) (core.Summary, error) {
	runID := NewRunID()
	logger := env.logger().With(zap.String("run_id", runID))
	start := env.now()

	outputPath := strings.TrimSpace(req.OutputPath)
	if outputPath == "" {
		outputPath = DefaultOutputPath(env.Config.OutputDir, start)
	}
	logger.Info("run start",
		zap.String("input", req.InputPath),
		zap.String("output", outputPath),
		zap.String("generator", env.Config.Generator),
		zap.Int("max_attempts", env.Config.MaxRetries),
		zap.Duration("retry_delay", env.Config.RetryDelay),
		zap.Duration("request_timeout", env.Config.RequestTimeout),
		zap.Float64("rate_limit_rps", env.Config.RateLimitRPS),
	)

	c, err := build(ctx, env, logger)
	if err != nil {
		return core.Summary{RunID: runID}, err
	}

	in, err := local.Open(req.InputPath)
	if err != nil {
		return core.Summary{RunID: runID}, fmt.Errorf("open input: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()
	if in.Encoding() != local.EncodingUTF8 {
		logger.Warn("input is not valid UTF-8; decoding with fallback", zap.String("encoding", string(in.Encoding())))
	}

	total, err := local.CountRows(req.InputPath)
	if err != nil {
		logger.Warn("could not estimate row count", zap.Error(err))
		total = core.TotalUnknown
	}

	events := observer.Async(observer.Multi(logging.Observer{Logger: logger, Every: env.Config.BatchSize}, req.Observer), 0)
	p, err := pipeline.New(pipeline.Options{
		Client:     c.client,
		Detector:   c.detector,
		Specs:      c.specs,
		Prompt:     c.prompt,
		Enforcer:   c.enforcer,
		Observer:   events,
		BatchSize:  env.Config.BatchSize,
		RunID:      runID,
		OutputPath: outputPath,
	})
	if err != nil {
		events.Close()
		return core.Summary{RunID: runID}, err
	}

	sum := p.Run(ctx, in, func(header []string) (pipeline.Sink, error) {
		return local.CreateSink(outputPath, header)
	}, total)
	events.Close()
	if n := events.Dropped(); n > 0 {
		logger.Debug("progress events dropped by a slow observer", zap.Int64("dropped", n))
	}
	return sum, sum.Err
}

// TestRequest identifies a single part to generate content for.
type TestRequest struct {
	PartNumber   string
	Manufacturer string
}

// Test runs one part through the pipeline steps without any CSV input or output.
func Test(ctx context.Context, env Env, req TestRequest) (pipeline.Result, error) {
	logger := env.logger().With(zap.String("run_id", NewRunID()))
	if strings.TrimSpace(req.PartNumber) == "" {
		return pipeline.Result{}, errors.New("part number is required")
	}
	c, err := build(ctx, env, logger)
	if err != nil {
		return pipeline.Result{}, err
	}
	p, err := pipeline.New(pipeline.Options{
		Client:   c.client,
		Specs:    c.specs,
		Prompt:   c.prompt,
		Enforcer: c.enforcer,
		Observer: logging.Observer{Logger: logger},
	})
	if err != nil {
		return pipeline.Result{}, err
	}
	res := p.ProcessOne(ctx, req.PartNumber, req.Manufacturer)
	logger.Info("test complete",
		zap.String("part_number", req.PartNumber),
		zap.String("status", string(res.Status)),
		zap.Int("attempts", res.Attempt.Attempts),
		zap.Bool("specs_matched", res.SpecsMatched),
		zap.Int("title_chars", len([]rune(res.Title))),
	)
	return res, nil
}

// CheckReport describes the inference service as seen from this process.
type CheckReport struct {
	Generator      string
	Host           string
	Model          string
	Models         []string
	ModelInstalled bool
}

// Check verifies that the configured generator is reachable and ready.
func Check(ctx context.Context, cfg config.Config) (CheckReport, error) {
	rep := CheckReport{Generator: cfg.Generator}
	if err := cfg.Validate(); err != nil {
		return rep, fmt.Errorf("config: %w", err)
	}
	if cfg.Generator == config.GeneratorGemini {
		rep.Model = cfg.GeminiModel
		_, err := NewBackend(ctx, cfg)
		rep.ModelInstalled = err == nil
		return rep, err
	}

	c, err := newOllama(cfg)
	if err != nil {
		return rep, err
	}
	rep.Host, rep.Model = c.Host(), c.Model()
	models, err := c.ListModels(ctx)
	if err != nil {
		return rep, fmt.Errorf("inference service at %s is not reachable: %w", c.Host(), err)
	}
	for _, m := range models {
		rep.Models = append(rep.Models, m.Name)
	}
	rep.ModelInstalled, err = c.HasModel(ctx, c.Model())
	return rep, err
}

// Setup pulls the configured model when it is not installed yet.
func Setup(ctx context.Context, env Env, progress func(ollama.PullProgress)) error {
	cfg := env.Config
	logger := env.logger()
	if cfg.Generator != config.GeneratorOllama {
		logger.Info("setup has nothing to do for this generator", zap.String("generator", cfg.Generator))
		return nil
	}
	c, err := newOllama(cfg)
	if err != nil {
		return err
	}
	ok, err := c.HasModel(ctx, c.Model())
	if err != nil {
		return fmt.Errorf("inference service at %s is not reachable: %w", c.Host(), err)
	}
	if ok {
		logger.Info("model already installed", zap.String("model", c.Model()))
		return nil
	}
	logger.Info("pulling model", zap.String("model", c.Model()), zap.String("host", c.Host()))
	start := time.Now()
	if err := c.Pull(ctx, c.Model(), progress); err != nil {
		return err
	}
	logger.Info("model installed", zap.String("model", c.Model()), zap.Duration("duration", time.Since(start).Round(time.Second)))
	return nil
}
