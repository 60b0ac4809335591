package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shpitdev/partcopy/internal/generate"
	"github.com/shpitdev/partcopy/internal/observer"
	"github.com/shpitdev/partcopy/internal/pipeline"
	"github.com/shpitdev/partcopy/internal/specs"
	"github.com/shpitdev/partcopy/pkg/pipeline/core"
	"github.com/shpitdev/partcopy/pkg/pipeline/io/local"
	"github.com/shpitdev/partcopy/pkg/pipeline/schema"
	"github.com/shpitdev/partcopy/pkg/pipeline/worker"
)

var (
	partRe = regexp.MustCompile(`(?m)^Part Number: (.*)$`)
	mfrRe  = regexp.MustCompile(`(?m)^Manufacturer: (.*)$`)
)

func fields(prompt string) (string, string) {
	pn, mfr := "", ""
	if m := partRe.FindStringSubmatch(prompt); m != nil {
		pn = m[1]
	}
	if m := mfrRe.FindStringSubmatch(prompt); m != nil {
		mfr = m[1]
	}
	return pn, mfr
}

// echo answers with a short, well-formed reply naming the part.
type echo struct {
	calls   int
	prompts []string
}

func (e *echo) Generate(_ context.Context, prompt string) (string, error) {
	e.calls++
	e.prompts = append(e.prompts, prompt)
	pn, mfr := fields(prompt)
	return fmt.Sprintf("Title: %s – %s Expansion Coupling\nDescription: The %s %s is a coupling.", pn, mfr, mfr, pn), nil
}

type memSink struct {
	header  []string
	rows    [][]string
	closed  bool
	failErr error
}

func (s *memSink) open(header []string) (pipeline.Sink, error) {
	s.header = header
	return s, nil
}

func (s *memSink) Write(row []string) error {
	if s.failErr != nil {
		return s.failErr
	}
	s.rows = append(s.rows, append([]string(nil), row...))
	return nil
}

func (s *memSink) Close() error {
	s.closed = true
	return nil
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newPipeline(t *testing.T, gen core.Generator, opts pipeline.Options) *pipeline.Pipeline {
	t.Helper()
	opts.Client = generate.New(gen, worker.RetryPolicy{MaxAttempts: 3, Delay: 2 * time.Second},
		generate.WithRetryOptions(worker.WithSleeper(noSleep)))
	p, err := pipeline.New(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

func reader(t *testing.T, csv string) *local.Reader {
	t.Helper()
	r, err := local.NewReader(strings.NewReader(csv), local.EncodingUTF8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func TestRun_WellFormedReplyIsKept(t *testing.T) {
	t.Parallel()

	gen := &echo{}
	rec := &observer.Recorder{}
	p := newPipeline(t, gen, pipeline.Options{Observer: rec, RunID: "run-1"})
	sink := &memSink{}

	sum := p.Run(context.Background(), reader(t, "Part Number,Manufacturer\nXJG104HDG,Eaton Crouse-Hinds\n"), sink.open, 1)
	if sum.Err != nil {
		t.Fatalf("unexpected error: %v", sum.Err)
	}
	if got := strings.Join(sink.header, ","); got != "Part Number,Manufacturer,Title,Description,Status" {
		t.Fatalf("unexpected header %q", got)
	}
	if len(sink.rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(sink.rows))
	}
	row := sink.rows[0]
	if row[2] != "XJG104HDG – Eaton Crouse-Hinds Expansion Coupling" || row[4] != "ok" {
		t.Fatalf("unexpected row %q", row)
	}
	if !sink.closed {
		t.Fatalf("sink must be closed")
	}
	if sum.RunID != "run-1" || sum.Rows != 1 || sum.OK != 1 || sum.Cancelled {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if got := rec.Progress(); len(got) != 1 || got[0].Index != 1 || got[0].Total != 1 || got[0].Status != core.StatusOK {
		t.Fatalf("unexpected progress %+v", got)
	}
	if len(rec.Summaries()) != 1 {
		t.Fatalf("expected one completion event")
	}
}

func TestRun_LongTitleIsEnforced(t *testing.T) {
	t.Parallel()

	long := "HDA36100 – Square D 100 Amperes 600 Volts 3-Pole Thermal Magnetic Molded Case Circuit Breaker for Commercial and Industrial Use"
	gen := core.GenerateFunc(func(context.Context, string) (string, error) {
		return "Title: " + long + "\nDescription: A breaker.", nil
	})
	p := newPipeline(t, gen, pipeline.Options{})
	sink := &memSink{}

	sum := p.Run(context.Background(), reader(t, "Part Number,Manufacturer\nHDA36100,Square D\n"), sink.open, core.TotalUnknown)
	if sum.Err != nil || len(sink.rows) != 1 {
		t.Fatalf("unexpected run: %+v rows=%d", sum, len(sink.rows))
	}
	got := sink.rows[0][2]
	if utf8.RuneCountInString(got) > 80 {
		t.Fatalf("title over bound (%d): %q", utf8.RuneCountInString(got), got)
	}
	for _, want := range []string{"HDA36100", "Square D", "100A", "3P"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %q", want, got)
		}
	}
}

func TestRun_ExhaustedTransportMarksRowFailed(t *testing.T) {
	t.Parallel()

	calls := 0
	gen := core.GenerateFunc(func(context.Context, string) (string, error) {
		calls++
		return "", core.Fail(core.FailureConnectionRefused, errors.New("dial tcp 127.0.0.1:11434: connect: connection refused"))
	})
	p := newPipeline(t, gen, pipeline.Options{})
	sink := &memSink{}

	sum := p.Run(context.Background(), reader(t, "Part Number,Manufacturer\nXJG104HDG,Eaton Crouse-Hinds\nQO120,Square D\n"), sink.open, 2)
	if sum.Err != nil {
		t.Fatalf("per-row failures must not fail the run: %v", sum.Err)
	}
	if calls != 6 {
		t.Fatalf("expected 3 attempts per row, got %d calls", calls)
	}
	if sum.Failed != 2 || sum.Rows != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	row := sink.rows[0]
	if row[2] != "XJG104HDG – Eaton Crouse-Hinds" || row[4] != "failed" {
		t.Fatalf("unexpected failed row %q", row)
	}
	if !strings.HasPrefix(row[3], pipeline.MarkerFailed) || !strings.Contains(row[3], "kind=connection_refused attempts=3") {
		t.Fatalf("expected diagnostic description, got %q", row[3])
	}
}

func TestRun_MalformedReplyIsRetried(t *testing.T) {
	t.Parallel()

	replies := []string{"Sure! Here is some content without labels.", "Title: QO120 – Square D Breaker\nDescription: A plug-on breaker."}
	calls := 0
	gen := core.GenerateFunc(func(context.Context, string) (string, error) {
		r := replies[calls]
		calls++
		return r, nil
	})
	p := newPipeline(t, gen, pipeline.Options{})

	res := p.ProcessOne(context.Background(), "QO120", "Square D")
	if res.Status != core.StatusOK || res.Attempt.Attempts != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Title != "QO120 – Square D Breaker" || res.Description != "A plug-on breaker." {
		t.Fatalf("unexpected content %+v", res)
	}
}

func TestRun_MalformedExhaustionKeepsRawText(t *testing.T) {
	t.Parallel()

	gen := core.GenerateFunc(func(context.Context, string) (string, error) {
		return "I cannot help with that part.", nil
	})
	p := newPipeline(t, gen, pipeline.Options{})

	res := p.ProcessOne(context.Background(), "QO120", "")
	if res.Status != core.StatusFailed || res.Title != "QO120" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Description, "malformed_response") || !strings.Contains(res.Description, "I cannot help with that part.") {
		t.Fatalf("expected raw text in diagnostic, got %q", res.Description)
	}
}

func TestRun_MergesSpecificationsCaseInsensitively(t *testing.T) {
	t.Parallel()

	specSrc := reader(t, "Part Number,Voltage,Material\nxjg104hdg ,600V,N/A\n")
	ix, err := specs.Build(specSrc, schema.HeuristicMapping(specSrc.Header()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gen := &echo{}
	p := newPipeline(t, gen, pipeline.Options{Specs: ix})
	sink := &memSink{}

	sum := p.Run(context.Background(), reader(t, "Part Number,Manufacturer\nXJG104HDG,Eaton Crouse-Hinds\n"), sink.open, 1)
	if sum.Err != nil {
		t.Fatalf("unexpected error: %v", sum.Err)
	}
	if len(gen.prompts) != 1 || !strings.Contains(gen.prompts[0], "- Voltage 600V") {
		t.Fatalf("expected merged spec in prompt, got %q", gen.prompts)
	}
	if strings.Contains(gen.prompts[0], "Material") {
		t.Fatalf("N/A values must not be merged")
	}
}

func TestRun_InputColumnsWinOverSpecs(t *testing.T) {
	t.Parallel()

	specSrc := reader(t, "Part Number,Voltage\nQO120,240V\n")
	ix, err := specs.Build(specSrc, schema.HeuristicMapping(specSrc.Header()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gen := &echo{}
	p := newPipeline(t, gen, pipeline.Options{Specs: ix})
	sink := &memSink{}

	p.Run(context.Background(), reader(t, "Part Number,Manufacturer,Voltage\nQO120,Square D,120V\n"), sink.open, 1)
	if !strings.Contains(gen.prompts[0], "- Voltage 120V") || strings.Contains(gen.prompts[0], "240V") {
		t.Fatalf("input value must not be overwritten, got %q", gen.prompts[0])
	}
	if got := sink.rows[0][2]; got != "120V" {
		t.Fatalf("input columns must be written through unchanged, got %q", got)
	}
}

func TestRun_BlankPartNumberFallsBack(t *testing.T) {
	t.Parallel()

	gen := &echo{}
	p := newPipeline(t, gen, pipeline.Options{})
	sink := &memSink{}

	sum := p.Run(context.Background(), reader(t, "Part Number,Manufacturer\n ,Eaton\nQO120,Square D\n"), sink.open, 2)
	if sum.Fallback != 1 || sum.OK != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if gen.calls != 1 {
		t.Fatalf("blank part numbers must not call the generator, got %d calls", gen.calls)
	}
	if row := sink.rows[0]; row[2] != "Eaton" || row[4] != "fallback" || !strings.HasPrefix(row[3], pipeline.MarkerSkipped) {
		t.Fatalf("unexpected fallback row %q", row)
	}
	if sink.rows[1][0] != "QO120" {
		t.Fatalf("rows must keep input order, got %q", sink.rows[1])
	}
}

func TestRun_CancellationStopsAtRowBoundary(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inner := &echo{}
	gen := core.GenerateFunc(func(c context.Context, prompt string) (string, error) {
		cancel()
		if c.Err() != nil {
			t.Errorf("the row in flight must not observe cancellation")
		}
		return inner.Generate(c, prompt)
	})
	rec := &observer.Recorder{}
	p := newPipeline(t, gen, pipeline.Options{Observer: rec})
	sink := &memSink{}

	sum := p.Run(ctx, reader(t, "Part Number,Manufacturer\nA1,X\nA2,X\nA3,X\n"), sink.open, 3)
	if !sum.Cancelled || sum.Err != nil {
		t.Fatalf("expected a cancelled summary, got %+v", sum)
	}
	if sum.Rows != 1 || len(sink.rows) != 1 || sink.rows[0][4] != "ok" {
		t.Fatalf("expected the in-flight row to complete, got rows=%d", len(sink.rows))
	}
	if !sink.closed {
		t.Fatalf("sink must be closed on cancellation")
	}
	if s := rec.Summaries(); len(s) != 1 || !s[0].Cancelled {
		t.Fatalf("expected cancelled completion event, got %+v", s)
	}
}

func TestRun_SinkFailureAborts(t *testing.T) {
	t.Parallel()

	gen := &echo{}
	p := newPipeline(t, gen, pipeline.Options{})
	sink := &memSink{failErr: errors.New("disk full")}

	sum := p.Run(context.Background(), reader(t, "Part Number,Manufacturer\nA1,X\nA2,X\n"), sink.open, 2)
	if !errors.Is(sum.Err, pipeline.ErrSinkWrite) {
		t.Fatalf("expected ErrSinkWrite, got %v", sum.Err)
	}
	if gen.calls != 1 || sum.Rows != 0 || !sink.closed {
		t.Fatalf("run must stop at the failing row: calls=%d rows=%d closed=%t", gen.calls, sum.Rows, sink.closed)
	}
}

func TestRun_UnresolvedSchemaIsFatal(t *testing.T) {
	t.Parallel()

	opened := false
	p := newPipeline(t, &echo{}, pipeline.Options{})

	sum := p.Run(context.Background(), reader(t, "Foo,Bar\n1,2\n"), func([]string) (pipeline.Sink, error) {
		opened = true
		return &memSink{}, nil
	}, 1)
	if !errors.Is(sum.Err, schema.ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", sum.Err)
	}
	if opened {
		t.Fatalf("output must not be created when the input schema is unresolved")
	}
}

func TestRun_AssistedDetectionFindsSpecColumns(t *testing.T) {
	t.Parallel()

	gen := &echo{}
	assist := core.GenerateFunc(func(context.Context, string) (string, error) {
		return `{"part_number_column": "Cat #", "manufacturer_column": "Brand", "relevant_spec_columns": ["Amps"]}`, nil
	})
	rec := &observer.Recorder{}
	p := newPipeline(t, gen, pipeline.Options{Detector: schema.Detector{Assist: assist}, Observer: rec})
	sink := &memSink{}

	sum := p.Run(context.Background(), reader(t, "Cat #,Brand,Amps\nQO120,Square D,20\n"), sink.open, 1)
	if sum.Err != nil || sum.OK != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	pn, mfr := fields(gen.prompts[0])
	if pn != "QO120" || mfr != "Square D" {
		t.Fatalf("unexpected prompt fields %q %q", pn, mfr)
	}
	found := false
	for _, l := range rec.Logs() {
		if strings.Contains(l, "input schema detected") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected detection log, got %v", rec.Logs())
	}
}

func TestRun_ProgressTallyEveryBatch(t *testing.T) {
	t.Parallel()

	rec := &observer.Recorder{}
	p := newPipeline(t, &echo{}, pipeline.Options{Observer: rec, BatchSize: 2})
	sink := &memSink{}

	var sb strings.Builder
	sb.WriteString("Part Number,Manufacturer\n")
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&sb, "P%d,M\n", i)
	}
	p.Run(context.Background(), reader(t, sb.String()), sink.open, 5)

	tallies := 0
	for _, l := range rec.Logs() {
		if strings.HasPrefix(l, "info: processed ") {
			tallies++
		}
	}
	if tallies != 2 {
		t.Fatalf("expected 2 tally lines, got %d in %v", tallies, rec.Logs())
	}
}

func TestNew_RequiresClient(t *testing.T) {
	t.Parallel()

	if _, err := pipeline.New(pipeline.Options{}); err == nil {
		t.Fatalf("expected error")
	}
}
