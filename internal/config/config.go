// Package config turns a .env file and the process environment into a Config value.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shpitdev/partcopy/internal/title"
	"github.com/shpitdev/partcopy/pkg/pipeline/worker"
)

const (
	GeneratorOllama = "ollama"
	GeneratorGemini = "gemini"

	DefaultSpecsPath = "specifications.csv"
	DefaultOutputDir = "output"
	DefaultLogFile   = "product_generator.log"
)

type Config struct {
	Generator string

	OllamaHost  string
	OllamaModel string

	Temperature   float64
	TopP          float64
	RepeatPenalty float64
	Seed          int
	NumPredict    int

	BatchSize      int
	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	RateLimitRPS   float64

	OutputDir string
	SpecsPath string
	// SpecsExplicit is set when the specification path was chosen by the user rather than
	// defaulted; an unreadable explicit path aborts the run.
	SpecsExplicit bool

	TitlePolicyPath string
	// TitleMaxLength overrides the policy's bound when positive.
	TitleMaxLength int

	LogLevel string
	LogFile  string

	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Generator:      GeneratorOllama,
		OllamaHost:     "http://localhost:11434",
		OllamaModel:    "llama3.1:8b",
		Temperature:    0,
		TopP:           0.9,
		RepeatPenalty:  1.1,
		Seed:           42,
		NumPredict:     2500,
		BatchSize:      10,
		MaxRetries:     3,
		RetryDelay:     2 * time.Second,
		RequestTimeout: 600 * time.Second,
		OutputDir:      DefaultOutputDir,
		SpecsPath:      DefaultSpecsPath,
		LogLevel:       "info",
		LogFile:        DefaultLogFile,
	}
}

// Load reads dotenvPath (a missing file is ignored) and the process environment.
// Process variables win over the file.
func Load(dotenvPath string) (Config, error) {
	fileVars := map[string]string{}
	if strings.TrimSpace(dotenvPath) != "" {
		vars, err := godotenv.Read(dotenvPath)
		switch {
		case err == nil:
			fileVars = vars
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read %s: %w", dotenvPath, err)
		}
	}
	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	})
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	c := Defaults()

	c.Generator = strings.ToLower(e.str("GENERATOR", c.Generator))
	c.OllamaHost = e.str("OLLAMA_HOST", c.OllamaHost)
	c.OllamaModel = e.str("OLLAMA_MODEL", c.OllamaModel)
	c.Temperature = e.float("TEMPERATURE", c.Temperature)
	c.TopP = e.float("TOP_P", c.TopP)
	c.RepeatPenalty = e.float("REPEAT_PENALTY", c.RepeatPenalty)
	c.Seed = e.int("SEED", c.Seed)
	c.NumPredict = e.int("NUM_PREDICT", c.NumPredict)
	c.BatchSize = e.int("BATCH_SIZE", c.BatchSize)
	c.MaxRetries = e.int("MAX_RETRIES", c.MaxRetries)
	c.RetryDelay = e.duration("RETRY_DELAY", c.RetryDelay)
	c.RequestTimeout = e.duration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.RateLimitRPS = e.float("RATE_LIMIT_RPS", c.RateLimitRPS)
	c.OutputDir = e.str("OUTPUT_DIR", c.OutputDir)
	c.SpecsPath = e.str("SPECS_CSV_PATH", c.SpecsPath)
	if _, ok := e.raw("SPECS_CSV_PATH"); ok {
		c.SpecsExplicit = true
	}
	c.TitlePolicyPath = e.str("TITLE_POLICY_PATH", c.TitlePolicyPath)
	c.TitleMaxLength = e.int("TITLE_MAX_LENGTH", c.TitleMaxLength)
	c.LogLevel = e.str("LOG_LEVEL", c.LogLevel)
	c.LogFile = e.str("LOG_FILE", c.LogFile)
	c.GeminiAPIKey = e.str("GEMINI_API_KEY", c.GeminiAPIKey)
	c.GeminiModel = e.str("GEMINI_MODEL", c.GeminiModel)
	c.GeminiBaseURL = e.str("GEMINI_BASE_URL", c.GeminiBaseURL)

	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}
	return c, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	var errs []error
	switch c.Generator {
	case GeneratorOllama:
		if strings.TrimSpace(c.OllamaModel) == "" {
			errs = append(errs, errors.New("OLLAMA_MODEL is required"))
		}
	case GeneratorGemini:
		if strings.TrimSpace(c.GeminiAPIKey) == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when GENERATOR=gemini"))
		}
		if strings.TrimSpace(c.GeminiModel) == "" {
			errs = append(errs, errors.New("GEMINI_MODEL is required when GENERATOR=gemini"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GENERATOR %q (want %s or %s)", c.Generator, GeneratorOllama, GeneratorGemini))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be >= 1, got %d", c.BatchSize))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be >= 1, got %d", c.MaxRetries))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("RETRY_DELAY must not be negative, got %s", c.RetryDelay))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %g", c.RateLimitRPS))
	}
	if c.TitleMaxLength < 0 {
		errs = append(errs, fmt.Errorf("TITLE_MAX_LENGTH must not be negative, got %d", c.TitleMaxLength))
	}
	return errors.Join(errs...)
}

// RetryPolicy derives the generation retry policy. MaxRetries counts total attempts.
func (c Config) RetryPolicy() worker.RetryPolicy {
	return worker.RetryPolicy{
		MaxAttempts:  c.MaxRetries,
		Delay:        c.RetryDelay,
		Timeout:      c.RequestTimeout,
		RateLimitRPS: c.RateLimitRPS,
	}
}

// TitlePolicy loads the title policy file, if any, and applies TitleMaxLength.
func (c Config) TitlePolicy() (title.Policy, error) {
	p, err := title.LoadPolicy(c.TitlePolicyPath)
	if err != nil {
		return title.Policy{}, err
	}
	if c.TitleMaxLength > 0 {
		p.MaxLength = c.TitleMaxLength
	}
	return p, p.Validate()
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) str(key, fallback string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return fallback
}

func (e *env) int(key string, fallback int) int {
	v, ok := e.raw(key)
	if !ok {
		return fallback
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return fallback
	}
	return out
}

func (e *env) float(key string, fallback float64) float64 {
	v, ok := e.raw(key)
	if !ok {
		return fallback
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return fallback
	}
	return out
}

// duration accepts Go duration strings and bare numbers of seconds.
func (e *env) duration(key string, fallback time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return fallback
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return fallback
	}
	return out
}
