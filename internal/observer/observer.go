// Package observer decouples pipeline events from the code that displays them.
package observer

import (
	"sync"
	"sync/atomic"

	"github.com/shpitdev/partcopy/pkg/pipeline/core"
)

// DefaultBuffer is the event queue length used when Async is given a non-positive size.
const DefaultBuffer = 256

type eventKind int

const (
	eventProgress eventKind = iota
	eventLog
	eventComplete
)

type event struct {
	kind     eventKind
	progress core.Progress
	level    core.LogLevel
	message  string
	summary  core.Summary
}

// Dispatcher forwards events to another Observer on its own goroutine.
//
// OnProgress and OnLog never block the caller: when the queue is full the event is
// dropped and counted. OnComplete is always delivered.
type Dispatcher struct {
	next   core.Observer
	events chan event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
}

// Async starts a Dispatcher in front of next. Callers must Close it.
func Async(next core.Observer, buffer int) *Dispatcher {
	if next == nil {
		next = core.NopObserver{}
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	d := &Dispatcher{
		next:   next,
		events: make(chan event, buffer),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.events {
		switch ev.kind {
		case eventProgress:
			d.next.OnProgress(ev.progress)
		case eventLog:
			d.next.OnLog(ev.level, ev.message)
		case eventComplete:
			d.next.OnComplete(ev.summary)
		}
	}
}

func (d *Dispatcher) OnProgress(p core.Progress) {
	d.offer(event{kind: eventProgress, progress: p})
}

func (d *Dispatcher) OnLog(level core.LogLevel, message string) {
	d.offer(event{kind: eventLog, level: level, message: message})
}

func (d *Dispatcher) OnComplete(s core.Summary) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	d.events <- event{kind: eventComplete, summary: s}
}

func (d *Dispatcher) offer(ev event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.events <- ev:
	default:
		d.dropped.Add(1)
	}
}

// Dropped reports how many progress and log events were discarded.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events, delivers everything queued, and waits for the
// forwarding goroutine to exit. It is safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()
	<-d.done
}

// Funcs adapts plain functions to core.Observer. Nil fields are ignored.
type Funcs struct {
	Progress func(core.Progress)
	Log      func(core.LogLevel, string)
	Complete func(core.Summary)
}

func (f Funcs) OnProgress(p core.Progress) {
	if f.Progress != nil {
		f.Progress(p)
	}
}

func (f Funcs) OnLog(level core.LogLevel, message string) {
	if f.Log != nil {
		f.Log(level, message)
	}
}

func (f Funcs) OnComplete(s core.Summary) {
	if f.Complete != nil {
		f.Complete(s)
	}
}

type multi []core.Observer

// Multi fans every event out to each non-nil observer in order.
func Multi(observers ...core.Observer) core.Observer {
	out := make(multi, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multi) OnProgress(p core.Progress) {
	for _, o := range m {
		o.OnProgress(p)
	}
}

func (m multi) OnLog(level core.LogLevel, message string) {
	for _, o := range m {
		o.OnLog(level, message)
	}
}

func (m multi) OnComplete(s core.Summary) {
	for _, o := range m {
		o.OnComplete(s)
	}
}

// Recorder keeps every event in memory. It is safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	progress  []core.Progress
	logs      []string
	summaries []core.Summary
}

func (r *Recorder) OnProgress(p core.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *Recorder) OnLog(level core.LogLevel, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, level.String()+": "+message)
}

func (r *Recorder) OnComplete(s core.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
}

func (r *Recorder) Progress() []core.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Progress(nil), r.progress...)
}

func (r *Recorder) Logs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}

func (r *Recorder) Summaries() []core.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Summary(nil), r.summaries...)
}
