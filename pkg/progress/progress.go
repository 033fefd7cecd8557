// Package progress implements tangram's structured progress stream: a
// shared handle that long-running operations (checkin,
// checkout, spawn, sync) write log lines, diagnostics, and indicator
// updates into, and whose consumer receives a coalesced event stream
// terminated by an Output or Error event.
package progress

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tangramdev/tangram/pkg/tgerror"
)

// EventKind discriminates the consumer-facing event variants.
type EventKind string

const (
	EventLog        EventKind = "log"
	EventDiagnostic EventKind = "diagnostic"
	EventIndicators EventKind = "indicators"
	EventOutput     EventKind = "output"
	EventError      EventKind = "error"
)

// Level is a log line's severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Indicator is one named spinner or counter snapshot.
type Indicator struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Current uint64 `json:"current"`
	Total   uint64 `json:"total,omitempty"`
	// Running is true between Start and Finish.
	Running bool `json:"running"`
}

// Event is one element of the consumer stream: exactly one of the payload
// fields is set, selected by Kind.
type Event struct {
	Kind       EventKind           `json:"kind"`
	Level      Level               `json:"level,omitempty"`
	Message    string              `json:"message,omitempty"`
	Diagnostic *tgerror.Diagnostic `json:"diagnostic,omitempty"`
	Indicators []Indicator         `json:"indicators,omitempty"`
	Output     interface{}         `json:"output,omitempty"`
	Error      *tgerror.Error      `json:"error,omitempty"`
}

// indicator is the internal, mutation-friendly form. Current is atomic;
// Increment and Set take the handle lock only to look the indicator up.
type indicator struct {
	title   string
	current atomic.Uint64
	total   uint64
	running bool
}

// Handle is the producer side. It is safe for concurrent use; the consumer
// drains Events().
type Handle struct {
	mu         sync.Mutex
	indicators map[string]*indicator
	order      []string

	events chan Event
	stopCh chan struct{}
	done   sync.Once

	tick time.Duration
	last []Indicator
}

// DefaultTick is the indicator coalescing interval.
const DefaultTick = 100 * time.Millisecond

// New constructs a Handle and starts its coalescing ticker. The caller
// must eventually call Output or Error exactly once to terminate the
// stream.
func New(tick time.Duration) *Handle {
	if tick <= 0 {
		tick = DefaultTick
	}
	h := &Handle{
		indicators: make(map[string]*indicator),
		events:     make(chan Event, 256),
		stopCh:     make(chan struct{}),
		tick:       tick,
	}
	go h.run()
	return h
}

// Events returns the consumer stream. The Output or Error event is
// terminal: nothing follows it, and consumers stop there rather than
// waiting for a channel close (producers may still hold the handle).
func (h *Handle) Events() <-chan Event { return h.events }

func (h *Handle) run() {
	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.flushIndicators()
		case <-h.stopCh:
			return
		}
	}
}

// flushIndicators emits an Indicators event if the snapshot changed
// since the previous tick; identical snapshots are suppressed.
func (h *Handle) flushIndicators() {
	snap := h.Snapshot()
	h.mu.Lock()
	same := len(snap) == len(h.last)
	if same {
		for i := range snap {
			if snap[i] != h.last[i] {
				same = false
				break
			}
		}
	}
	if !same {
		h.last = snap
	}
	h.mu.Unlock()
	if same {
		return
	}
	h.send(Event{Kind: EventIndicators, Indicators: snap})
}

// Snapshot returns the current indicator states in Start order.
func (h *Handle) Snapshot() []Indicator {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Indicator, 0, len(h.order))
	for _, name := range h.order {
		ind := h.indicators[name]
		out = append(out, Indicator{
			Name:    name,
			Title:   ind.title,
			Current: ind.current.Load(),
			Total:   ind.total,
			Running: ind.running,
		})
	}
	return out
}

func (h *Handle) send(e Event) {
	select {
	case h.events <- e:
	case <-h.stopCh:
	}
}

// Log emits a log line.
func (h *Handle) Log(level Level, msg string) {
	h.send(Event{Kind: EventLog, Level: level, Message: msg})
}

// Diagnostic emits a structured diagnostic (e.g. a solver conflict core).
func (h *Handle) Diagnostic(d tgerror.Diagnostic) {
	h.send(Event{Kind: EventDiagnostic, Diagnostic: &d})
}

// Start registers a named indicator. total of 0 means indeterminate
// (spinner).
func (h *Handle) Start(name, title string, total uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.indicators[name]; !ok {
		h.order = append(h.order, name)
	}
	ind := &indicator{title: title, total: total, running: true}
	h.indicators[name] = ind
}

// Finish marks the named indicator complete.
func (h *Handle) Finish(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ind, ok := h.indicators[name]; ok {
		ind.running = false
	}
}

// Increment adds n to the named indicator. The lookup holds the handle
// lock briefly; the addition itself is an atomic add outside it.
func (h *Handle) Increment(name string, n uint64) {
	h.mu.Lock()
	ind, ok := h.indicators[name]
	h.mu.Unlock()
	if ok {
		ind.current.Add(n)
	}
}

// Set replaces the named indicator's current value.
func (h *Handle) Set(name string, n uint64) {
	h.mu.Lock()
	ind, ok := h.indicators[name]
	h.mu.Unlock()
	if ok {
		ind.current.Store(n)
	}
}

// Output terminates the stream with a final value. The events channel is
// left open (see Events); a prior terminal event wins.
func (h *Handle) Output(v interface{}) {
	h.finish(Event{Kind: EventOutput, Output: v})
}

// Error terminates the stream with a structured error.
func (h *Handle) Error(e *tgerror.Error) {
	h.finish(Event{Kind: EventError, Error: e})
}

func (h *Handle) finish(terminal Event) {
	h.done.Do(func() {
		// final indicator snapshot so consumers see completed counters
		snap := h.Snapshot()
		if len(snap) > 0 {
			h.send(Event{Kind: EventIndicators, Indicators: snap})
		}
		h.send(terminal)
		close(h.stopCh)
	})
}

// Names returns the registered indicator names, sorted, for tests.
func (h *Handle) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.indicators))
	for name := range h.indicators {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
