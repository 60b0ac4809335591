package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shpitdev/partcopy/internal/app"
	"github.com/shpitdev/partcopy/internal/config"
	"github.com/shpitdev/partcopy/internal/generate/ollama"
	"github.com/shpitdev/partcopy/internal/logging"
	"github.com/shpitdev/partcopy/internal/version"
	"github.com/shpitdev/partcopy/pkg/pipeline/redact"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

func runError(format string, args ...any) error {
	return &exitError{code: 1, err: fmt.Errorf(format, args...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		// A second signal gets the default behavior and terminates the process.
		stop()
	}()

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(os.Stderr, err))
}

func exitCode(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(w, "error: %s\n", redact.Secrets(err.Error()))
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Flag and argument errors from cobra itself.
	return 2
}

// globals are the flags shared by every command.
type globals struct {
	envFile  string
	logLevel string
	logFile  string
	dev      bool

	generator string
	host      string
	model     string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "partcopy",
		Short: "Generate titles and descriptions for industrial parts",
		Long: `partcopy reads a CSV of part numbers and manufacturers, asks a local language
model for a title and description per part, and writes the results to a new CSV.

Configuration comes from a .env file and the environment; flags win over both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Current,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.envFile, "env-file", ".env", "Dotenv file to read before the environment")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error (env: LOG_LEVEL)")
	pf.StringVar(&g.logFile, "log-file", "", "JSON log file path, empty keeps the configured one (env: LOG_FILE)")
	pf.BoolVar(&g.dev, "dev", false, "Use the development console log layout")
	pf.StringVar(&g.generator, "generator", "", "Generator backend: ollama or gemini (env: GENERATOR)")
	pf.StringVar(&g.host, "host", "", "Inference service URL (env: OLLAMA_HOST)")
	pf.StringVar(&g.model, "model", "", "Model name (env: OLLAMA_MODEL or GEMINI_MODEL)")

	root.AddCommand(
		newProcessCmd(g),
		newTestCmd(g),
		newSetupCmd(g),
		newCheckCmd(g),
	)
	return root
}

// load reads configuration and applies the shared flag overrides.
func (g *globals) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(g.envFile)
	if err != nil {
		return cfg, configError("config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if flags.Changed("log-file") {
		cfg.LogFile = g.logFile
	}
	if flags.Changed("generator") {
		cfg.Generator = strings.ToLower(strings.TrimSpace(g.generator))
	}
	if flags.Changed("host") {
		cfg.OllamaHost = g.host
	}
	if flags.Changed("model") {
		if cfg.Generator == config.GeneratorGemini {
			cfg.GeminiModel = g.model
		} else {
			cfg.OllamaModel = g.model
		}
	}
	return cfg, nil
}

func (g *globals) env(cfg config.Config) (app.Env, func(), error) {
	logger, cleanup, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Development: g.dev})
	if err != nil {
		return app.Env{}, nil, configError("logging: %w", err)
	}
	return app.Env{Config: cfg, Logger: logger}, cleanup, nil
}

func newProcessCmd(g *globals) *cobra.Command {
	var (
		output      string
		outputDir   string
		specsPath   string
		noSpecs     bool
		batchSize   int
		maxRetries  int
		retryDelay  time.Duration
		timeout     time.Duration
		rateLimit   float64
		titlePolicy string
		maxTitleLen int
	)
	cmd := &cobra.Command{
		Use:   "process <input.csv>",
		Short: "Generate content for every row of an input CSV",
		Long: `Streams the input CSV row by row and writes an output CSV with Title, Description
and Status columns appended. Rows are written as they finish, so an interrupted run
keeps everything processed so far.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("specs") {
				cfg.SpecsPath, cfg.SpecsExplicit = specsPath, true
			}
			if noSpecs {
				cfg.SpecsPath, cfg.SpecsExplicit = "", false
			}
			if flags.Changed("batch-size") {
				cfg.BatchSize = batchSize
			}
			if flags.Changed("max-retries") {
				cfg.MaxRetries = maxRetries
			}
			if flags.Changed("retry-delay") {
				cfg.RetryDelay = retryDelay
			}
			if flags.Changed("request-timeout") {
				cfg.RequestTimeout = timeout
			}
			if flags.Changed("rate-limit-rps") {
				cfg.RateLimitRPS = rateLimit
			}
			if flags.Changed("title-policy") {
				cfg.TitlePolicyPath = titlePolicy
			}
			if flags.Changed("max-title-length") {
				cfg.TitleMaxLength = maxTitleLen
			}
			if flags.Changed("output-dir") {
				cfg.OutputDir = outputDir
			}
			if err := cfg.Validate(); err != nil {
				return configError("config: %w", err)
			}

			env, cleanup, err := g.env(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			sum, err := app.Process(cmd.Context(), env, app.ProcessRequest{InputPath: args[0], OutputPath: output})
			if sum.OutputPath != "" && sum.Rows > 0 {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d rows (ok=%d fallback=%d failed=%d) written to %s\n",
					sum.Rows, sum.OK, sum.Fallback, sum.Failed, sum.OutputPath)
			}
			if err != nil {
				return runError("process: %w", err)
			}
			if sum.Cancelled {
				return runError("process: interrupted after %d rows", sum.Rows)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "", "Output CSV path (default: <output-dir>/processed_<timestamp>.csv)")
	f.StringVar(&outputDir, "output-dir", "", "Directory for timestamped output files (env: OUTPUT_DIR)")
	f.StringVar(&specsPath, "specs", "", "Specification CSV merged into prompts (env: SPECS_CSV_PATH)")
	f.BoolVar(&noSpecs, "no-specs", false, "Skip the specification CSV")
	f.IntVar(&batchSize, "batch-size", 0, "Rows between progress tallies (env: BATCH_SIZE)")
	f.IntVar(&maxRetries, "max-retries", 0, "Total generation attempts per row (env: MAX_RETRIES)")
	f.DurationVar(&retryDelay, "retry-delay", 0, "Base delay between attempts (env: RETRY_DELAY)")
	f.DurationVar(&timeout, "request-timeout", 0, "Per-attempt request timeout (env: REQUEST_TIMEOUT)")
	f.Float64Var(&rateLimit, "rate-limit-rps", 0, "Global request rate limit, 0 disables (env: RATE_LIMIT_RPS)")
	f.StringVar(&titlePolicy, "title-policy", "", "YAML title policy file (env: TITLE_POLICY_PATH)")
	f.IntVar(&maxTitleLen, "max-title-length", 0, "Override the title length bound (env: TITLE_MAX_LENGTH)")
	return cmd
}

func newTestCmd(g *globals) *cobra.Command {
	var partNumber, manufacturer string
	cmd := &cobra.Command{
		Use:   "test [part-number] [manufacturer]",
		Short: "Generate content for a single part and print it",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				partNumber = args[0]
			}
			if len(args) > 1 {
				manufacturer = args[1]
			}
			if strings.TrimSpace(partNumber) == "" {
				return configError("test requires --part-number")
			}
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			env, cleanup, err := g.env(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := app.Test(cmd.Context(), env, app.TestRequest{PartNumber: partNumber, Manufacturer: manufacturer})
			if err != nil {
				return runError("test: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Title (%d chars): %s\n", len([]rune(res.Title)), res.Title)
			_, _ = fmt.Fprintf(out, "Description: %s\n", res.Description)
			_, _ = fmt.Fprintf(out, "Status: %s (attempts=%d, specs matched=%t)\n", res.Status, res.Attempt.Attempts, res.SpecsMatched)
			return nil
		},
	}
	cmd.Flags().StringVarP(&partNumber, "part-number", "p", "", "Part number to describe")
	cmd.Flags().StringVarP(&manufacturer, "manufacturer", "m", "", "Manufacturer of the part")
	return cmd
}

func newSetupCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Pull the configured model if it is not installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			env, cleanup, err := g.env(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			errOut := cmd.ErrOrStderr()
			last := ""
			err = app.Setup(cmd.Context(), env, func(p ollama.PullProgress) {
				line := p.Status
				if p.Total > 0 {
					line = fmt.Sprintf("%s %d%%", p.Status, p.Completed*100/p.Total)
				}
				if line != last {
					_, _ = fmt.Fprintln(errOut, line)
					last = line
				}
			})
			if err != nil {
				env.Logger.Error("setup failed", zap.Error(err))
				return runError("setup: %w", err)
			}
			return nil
		},
	}
}

func newCheckCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the inference service is reachable and the model is installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			rep, err := app.Check(cmd.Context(), cfg)
			if err != nil {
				return runError("check: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "generator: %s\n", rep.Generator)
			if rep.Host != "" {
				_, _ = fmt.Fprintf(out, "host: %s\n", rep.Host)
			}
			_, _ = fmt.Fprintf(out, "model: %s (installed=%t)\n", rep.Model, rep.ModelInstalled)
			if len(rep.Models) > 0 {
				_, _ = fmt.Fprintf(out, "available: %s\n", strings.Join(rep.Models, ", "))
			}
			if !rep.ModelInstalled {
				return runError("check: model %s is not installed; run `partcopy setup`", rep.Model)
			}
			return nil
		},
	}
}
