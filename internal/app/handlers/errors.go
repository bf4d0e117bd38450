package handlers

import (
	"context"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/app/dispatcher"
	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/observability"
	"github.com/coachpo/tradesync/lib/ring"
)

// ErrorOptions configures an Error handler.
type ErrorOptions struct {
	Normalizer Normalizer
	// Escalate is invoked for fatal-class errors.
	Escalate    func(ctx context.Context, ev exchange.ErrorEvent)
	HistorySize int
	Logger      observability.Logger
}

// Error records exchange error frames and escalates fatal ones.
type Error struct {
	normalizer Normalizer
	escalate   func(context.Context, exchange.ErrorEvent)
	logger     observability.Logger
	history    *ring.Buffer[exchange.ErrorEvent]
}

// NewError constructs an Error handler.
func NewError(opts ErrorOptions) *Error {
	return &Error{
		normalizer: opts.Normalizer,
		escalate:   opts.Escalate,
		logger:     observability.OrDefault(opts.Logger),
		history:    ring.New[exchange.ErrorEvent](historySize(opts.HistorySize)),
	}
}

// Handle classifies and records an error frame.
func (h *Error) Handle(ctx context.Context, ev dispatcher.Event) error {
	if h.normalizer == nil {
		return nil
	}
	event, err := h.normalizer.ErrorEvent(ev.Payload)
	if err != nil {
		return err
	}
	event.ConnectionID = ev.ConnectionID
	event.ReceivedAt = ev.ReceivedAt
	h.history.Push(event)

	fields := []observability.Field{
		observability.F("connection", event.ConnectionID),
		observability.F("code", event.Code),
		observability.F("message", event.Message),
		observability.F("class", string(event.Class)),
	}
	switch event.Class {
	case errs.ClassFatal:
		h.logger.Error("exchange error: fatal", fields...)
		if h.escalate != nil {
			h.escalate(ctx, event)
		}
	case errs.ClassTransient:
		h.logger.Warn("exchange error: transient", fields...)
	default:
		h.logger.Warn("exchange error", fields...)
	}
	return nil
}

// History returns recent error events, oldest first.
func (h *Error) History() []exchange.ErrorEvent { return h.history.Snapshot() }

// Last returns the most recent error event.
func (h *Error) Last() (exchange.ErrorEvent, bool) { return h.history.Last() }
