// Package dispatcher classifies raw stream frames and fans them out to registered handlers.
package dispatcher

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/tradesync/internal/observability"
)

// Handler consumes one event.
type Handler func(ctx context.Context, ev Event) error

// Middleware transforms an event before delivery. Returning nil drops the event.
type Middleware func(ctx context.Context, ev *Event) *Event

// Options configures a Dispatcher.
type Options struct {
	// MaxWorkers bounds concurrent handler invocations per event. Defaults to GOMAXPROCS.
	MaxWorkers int
	Logger     observability.Logger
	Clock      func() time.Time
}

type handlerEntry struct {
	id string
	fn Handler
}

type middlewareEntry struct {
	id string
	fn Middleware
}

// TypeStats counts dispatch results for one event type.
type TypeStats struct {
	Dispatched int64
	Dropped    int64
	Unhandled  int64
	Failed     int64
}

// Stats is a point-in-time view of dispatcher activity.
type Stats struct {
	ParseErrors int64
	ByType      map[EventType]TypeStats
}

// HandlerError aggregates the failures of every handler that failed for one event.
type HandlerError struct {
	EventType      EventType
	ConnectionID   string
	HandlerCount   int
	FailedHandlers []string
	Errors         []error
}

func (e *HandlerError) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{"dispatch " + string(e.EventType)}
	if e.ConnectionID != "" {
		parts = append(parts, "connection="+e.ConnectionID)
	}
	parts = append(parts, fmt.Sprintf("failed_handlers=%v/%d", e.FailedHandlers, e.HandlerCount))
	for _, err := range e.Errors {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the handler errors for errors.Is/As.
func (e *HandlerError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return append([]error(nil), e.Errors...)
}

// Dispatcher routes events to handlers by type.
type Dispatcher struct {
	maxWorkers int
	logger     observability.Logger
	now        func() time.Time
	metrics    *dispatchMetrics

	mu          sync.RWMutex
	handlers    map[EventType][]handlerEntry
	middlewares []middlewareEntry

	statsMu     sync.Mutex
	parseErrors int64
	byType      map[EventType]TypeStats
}

// New constructs a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.GOMAXPROCS(0)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Dispatcher{
		maxWorkers: opts.MaxWorkers,
		logger:     observability.OrDefault(opts.Logger),
		now:        opts.Clock,
		metrics:    newDispatchMetrics(),
		handlers:   make(map[EventType][]handlerEntry),
		byType:     make(map[EventType]TypeStats),
	}
}

// RegisterHandler adds fn under id for the event type. Registering an existing id replaces its
// function in place; it reports whether a new entry was added.
func (d *Dispatcher) RegisterHandler(eventType EventType, id string, fn Handler) bool {
	if fn == nil || strings.TrimSpace(id) == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.handlers[eventType]
	for i := range entries {
		if entries[i].id == id {
			entries[i].fn = fn
			return false
		}
	}
	d.handlers[eventType] = append(entries, handlerEntry{id: id, fn: fn})
	return true
}

// UnregisterHandler removes the handler registered under id. It reports whether one was removed.
func (d *Dispatcher) UnregisterHandler(eventType EventType, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.handlers[eventType]
	for i := range entries {
		if entries[i].id != id {
			continue
		}
		next := make([]handlerEntry, 0, len(entries)-1)
		next = append(next, entries[:i]...)
		next = append(next, entries[i+1:]...)
		if len(next) == 0 {
			delete(d.handlers, eventType)
		} else {
			d.handlers[eventType] = next
		}
		return true
	}
	return false
}

// Use appends a middleware under id. Re-using an id replaces it in place.
func (d *Dispatcher) Use(id string, fn Middleware) bool {
	if fn == nil || strings.TrimSpace(id) == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.middlewares {
		if d.middlewares[i].id == id {
			d.middlewares[i].fn = fn
			return false
		}
	}
	d.middlewares = append(d.middlewares, middlewareEntry{id: id, fn: fn})
	return true
}

// RemoveMiddleware removes the middleware registered under id.
func (d *Dispatcher) RemoveMiddleware(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.middlewares {
		if d.middlewares[i].id != id {
			continue
		}
		next := make([]middlewareEntry, 0, len(d.middlewares)-1)
		next = append(next, d.middlewares[:i]...)
		d.middlewares = append(next, d.middlewares[i+1:]...)
		return true
	}
	return false
}

// HandlerCount reports how many handlers are registered for the type.
func (d *Dispatcher) HandlerCount(eventType EventType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[eventType])
}

// DispatchRawMessage parses a frame and dispatches the resulting event.
func (d *Dispatcher) DispatchRawMessage(ctx context.Context, message []byte, connectionID string) error {
	ev, err := Parse(message, connectionID, d.now())
	if err != nil {
		d.statsMu.Lock()
		d.parseErrors++
		d.statsMu.Unlock()
		d.metrics.recordEvent(ctx, EventUnknown, "parse_error")
		d.logger.Warn("dispatcher: unparseable frame",
			observability.F("connection", connectionID),
			observability.F("bytes", len(message)),
			observability.F("error", err))
		return err
	}
	return d.DispatchEvent(ctx, ev)
}

// DispatchEvent runs the middleware chain, then every handler for the event type concurrently.
// A failing or panicking handler never prevents the others from running.
func (d *Dispatcher) DispatchEvent(ctx context.Context, ev Event) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = d.now()
	}
	d.mu.RLock()
	middlewares := append([]middlewareEntry(nil), d.middlewares...)
	d.mu.RUnlock()

	originalType := ev.Type
	current := &ev
	for _, mw := range middlewares {
		current = d.applyMiddleware(ctx, mw, current)
		if current == nil {
			d.count(originalType, func(s *TypeStats) { s.Dropped++ })
			d.metrics.recordEvent(ctx, originalType, "dropped")
			return nil
		}
	}
	ev = *current

	d.mu.RLock()
	targets := make([]handlerEntry, 0, len(d.handlers[ev.Type])+len(d.handlers[EventAny]))
	targets = append(targets, d.handlers[ev.Type]...)
	if ev.Type != EventAny {
		targets = append(targets, d.handlers[EventAny]...)
	}
	d.mu.RUnlock()

	d.count(ev.Type, func(s *TypeStats) { s.Dispatched++ })
	if len(targets) == 0 {
		d.count(ev.Type, func(s *TypeStats) { s.Unhandled++ })
		d.metrics.recordEvent(ctx, ev.Type, "unhandled")
		return nil
	}

	var (
		mu       sync.Mutex
		failures []error
		failedBy []string
	)
	record := func(id string, err error) {
		mu.Lock()
		failures = append(failures, err)
		failedBy = append(failedBy, id)
		mu.Unlock()
	}

	if len(targets) == 1 {
		if err := d.invoke(ctx, targets[0], ev); err != nil {
			record(targets[0].id, err)
		}
	} else {
		workers := d.maxWorkers
		if workers > len(targets) {
			workers = len(targets)
		}
		p := pool.New().WithMaxGoroutines(workers)
		for _, target := range targets {
			entry := target
			p.Go(func() {
				if err := d.invoke(ctx, entry, ev); err != nil {
					record(entry.id, err)
				}
			})
		}
		p.Wait()
	}

	if len(failures) == 0 {
		d.metrics.recordEvent(ctx, ev.Type, "delivered")
		return nil
	}
	d.count(ev.Type, func(s *TypeStats) { s.Failed++ })
	d.metrics.recordEvent(ctx, ev.Type, "failed")
	herr := &HandlerError{
		EventType:      ev.Type,
		ConnectionID:   ev.ConnectionID,
		HandlerCount:   len(targets),
		FailedHandlers: failedBy,
		Errors:         failures,
	}
	d.logger.Warn("dispatcher: handler failed",
		observability.F("event_type", string(ev.Type)),
		observability.F("connection", ev.ConnectionID),
		observability.F("handlers", failedBy),
		observability.F("error", herr))
	return herr
}

func (d *Dispatcher) invoke(ctx context.Context, entry handlerEntry, ev Event) (err error) {
	start := d.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panic: %v", entry.id, r)
		}
		d.metrics.recordHandler(ctx, ev.Type, entry.id, d.now().Sub(start), err != nil)
	}()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("handler %s: %w", entry.id, err)
	}
	if err := entry.fn(ctx, ev); err != nil {
		return fmt.Errorf("handler %s: %w", entry.id, err)
	}
	return nil
}

func (d *Dispatcher) applyMiddleware(ctx context.Context, mw middlewareEntry, ev *Event) (out *Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher: middleware panic",
				observability.F("middleware", mw.id),
				observability.F("event_type", string(ev.Type)),
				observability.F("panic", fmt.Sprint(r)))
			out = nil
		}
	}()
	return mw.fn(ctx, ev)
}

func (d *Dispatcher) count(eventType EventType, mutate func(*TypeStats)) {
	d.statsMu.Lock()
	s := d.byType[eventType]
	mutate(&s)
	d.byType[eventType] = s
	d.statsMu.Unlock()
}

// Stats returns a snapshot of dispatch counters.
func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	out := Stats{ParseErrors: d.parseErrors, ByType: make(map[EventType]TypeStats, len(d.byType))}
	for k, v := range d.byType {
		out.ByType[k] = v
	}
	return out
}
