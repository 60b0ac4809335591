// Package pipeline streams input rows through generation and writes one output row
// per input row.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shpitdev/partcopy/internal/generate"
	"github.com/shpitdev/partcopy/internal/product"
	"github.com/shpitdev/partcopy/internal/prompt"
	"github.com/shpitdev/partcopy/internal/response"
	"github.com/shpitdev/partcopy/internal/specs"
	"github.com/shpitdev/partcopy/internal/title"
	"github.com/shpitdev/partcopy/pkg/pipeline/core"
	"github.com/shpitdev/partcopy/pkg/pipeline/schema"
	"go.uber.org/zap"
)

// ErrSinkWrite marks a failure to write or close the output. It aborts the run.
var ErrSinkWrite = errors.New("pipeline: sink write failed")

// Source streams the rows of a tabular input.
type Source interface {
	Header() []string
	Peek(k int) ([][]string, error)
	Next() ([]string, error)
}

// Sink receives output rows in order.
type Sink interface {
	Write(row []string) error
	Close() error
}

// OpenSink creates the output for a header. It is called only after the input schema
// has been resolved.
type OpenSink func(header []string) (Sink, error)

type Options struct {
	// Client is required.
	Client   *generate.Client
	Detector schema.Detector
	// Specs may be nil.
	Specs    *specs.Index
	Prompt   *prompt.Builder
	Enforcer *title.Enforcer
	Observer core.Observer

	// BatchSize sets how often a running tally is reported through OnLog.
	BatchSize  int
	RunID      string
	OutputPath string
}

// Pipeline processes rows one at a time. Shared state is read-only during a run.
type Pipeline struct {
	client    *generate.Client
	detector  schema.Detector
	specs     *specs.Index
	prompt    *prompt.Builder
	enforcer  *title.Enforcer
	observer  core.Observer
	batchSize int
	runID     string
	output    string
}

func New(opts Options) (*Pipeline, error) {
	if opts.Client == nil {
		return nil, errors.New("pipeline: generation client is required")
	}
	p := &Pipeline{
		client:    opts.Client,
		detector:  opts.Detector,
		specs:     opts.Specs,
		prompt:    opts.Prompt,
		enforcer:  opts.Enforcer,
		observer:  opts.Observer,
		batchSize: opts.BatchSize,
		runID:     opts.RunID,
		output:    opts.OutputPath,
	}
	if p.enforcer == nil {
		p.enforcer = title.Default()
	}
	if p.prompt == nil {
		p.prompt = prompt.Default(p.enforcer.MaxLength())
	}
	if p.observer == nil {
		p.observer = core.NopObserver{}
	}
	if p.batchSize < 1 {
		p.batchSize = 10
	}
	return p, nil
}

// Run processes every row of src and writes it through a sink obtained from open.
// total is the estimated row count, or core.TotalUnknown.
//
// Cancellation is checked between rows; a row in flight always completes. The summary
// is always reported to the observer, including on run-level failure.
func (p *Pipeline) Run(ctx context.Context, src Source, open OpenSink, total int) (sum core.Summary) {
	sum = core.Summary{RunID: p.runID, OutputPath: p.output, Started: time.Now()}
	defer func() {
		sum.Duration = time.Since(sum.Started)
		p.observer.OnComplete(sum)
	}()

	header := src.Header()
	size := p.detector.SampleSize
	if size <= 0 {
		size = schema.DefaultSampleSize
	}
	sample, err := src.Peek(size)
	if err != nil {
		sum.Err = fmt.Errorf("read input sample: %w", err)
		return sum
	}
	det, err := p.detector.Detect(ctx, header, sample)
	if det.AssistErr != nil {
		p.observer.OnLog(core.LevelWarn, fmt.Sprintf("input schema assist unavailable: %v", det.AssistErr))
	}
	if err != nil {
		sum.Err = fmt.Errorf("detect input schema: %w", err)
		return sum
	}
	mapping := det.Mapping
	p.observer.OnLog(core.LevelInfo, fmt.Sprintf("input schema %s: %s", det.Kind, mapping))
	if len(det.Discarded) > 0 {
		p.observer.OnLog(core.LevelWarn, fmt.Sprintf("ignored unknown columns proposed for input: %v", det.Discarded))
	}
	if mapping.Manufacturer() == "" {
		p.observer.OnLog(core.LevelWarn, "no manufacturer column found; prompts will use Unknown")
	}

	sink, err := open(OutputHeader(header))
	if err != nil {
		sum.Err = fmt.Errorf("%w: open: %v", ErrSinkWrite, err)
		return sum
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil && sum.Err == nil {
			sum.Err = fmt.Errorf("%w: close: %v", ErrSinkWrite, cerr)
		}
	}()

	for index := 1; ; index++ {
		if ctx.Err() != nil {
			sum.Cancelled = true
			p.observer.OnLog(core.LevelWarn, fmt.Sprintf("run cancelled after %d rows", sum.Rows))
			return sum
		}
		row, err := src.Next()
		if errors.Is(err, io.EOF) {
			return sum
		}
		if err != nil {
			sum.Err = fmt.Errorf("read input row %d: %w", index, err)
			return sum
		}

		rec := product.FromRow(index, header, row, mapping)
		res := p.process(context.WithoutCancel(ctx), rec, mapping)
		if err := sink.Write(outputRow(row, len(header), res)); err != nil {
			sum.Err = fmt.Errorf("%w: row %d: %v", ErrSinkWrite, index, err)
			return sum
		}

		sum.Rows++
		switch res.Status {
		case core.StatusOK:
			sum.OK++
		case core.StatusFallback:
			sum.Fallback++
		default:
			sum.Failed++
		}
		p.observer.OnProgress(core.Progress{Index: index, Total: total, Status: res.Status, PartNumber: rec.PartNumber})
		if sum.Rows%p.batchSize == 0 {
			p.observer.OnLog(core.LevelInfo, fmt.Sprintf(
				"processed %d rows: ok=%d fallback=%d failed=%d elapsed=%s",
				sum.Rows, sum.OK, sum.Fallback, sum.Failed, time.Since(sum.Started).Round(time.Millisecond),
			))
		}
	}
}

// ProcessOne runs a single part through the same steps as a pipeline row.
func (p *Pipeline) ProcessOne(ctx context.Context, partNumber, manufacturer string) Result {
	header := []string{"Part Number", "Manufacturer"}
	mapping := schema.NewColumnMapping(
		schema.Binding{Role: schema.RolePartNumber, Column: header[0]},
		schema.Binding{Role: schema.RoleManufacturer, Column: header[1]},
	)
	rec := product.FromRow(1, header, []string{partNumber, manufacturer}, mapping)
	return p.process(ctx, rec, mapping)
}

func (p *Pipeline) process(ctx context.Context, rec *product.Record, mapping schema.ColumnMapping) Result {
	if rec.PartNumber == "" {
		return Result{
			Title:       p.enforcer.Fallback("", rec.Manufacturer),
			Description: MarkerSkipped + " no part number in row",
			Status:      core.StatusFallback,
		}
	}

	var res Result
	res.SpecsAdded, res.SpecsMatched = specs.Merge(rec, p.specs)

	text, err := p.prompt.Build(rec, rec.Context(mapping))
	if err != nil {
		return p.failed(rec, res, generate.Attempt{LastKind: core.FailureRejected}, err)
	}

	var reply response.Reply
	client := p.client.With(zap.Int("row", rec.Index), zap.String("part_number", rec.PartNumber))
	_, attempt, err := client.GenerateCheck(ctx, text, func(raw string) error {
		r, perr := response.Parse(raw)
		if perr == nil {
			reply = r
		}
		return perr
	})
	res.Attempt = attempt
	if err != nil {
		return p.failed(rec, res, attempt, err)
	}

	res.Title = p.enforcer.Enforce(reply.Title, title.Hints{PartNumber: rec.PartNumber, Manufacturer: rec.Manufacturer})
	res.Description = reply.Description
	res.Status = core.StatusOK
	return res
}

func (p *Pipeline) failed(rec *product.Record, res Result, a generate.Attempt, err error) Result {
	res.Title = p.enforcer.Fallback(rec.PartNumber, rec.Manufacturer)
	res.Description = failedDescription(a, err)
	res.Status = core.StatusFailed
	p.observer.OnLog(core.LevelWarn, fmt.Sprintf("row %d (%s) failed: %s", rec.Index, rec.PartNumber, res.Description))
	return res
}
