// Package errs provides structured error types and helpers for tradesync services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an exchange-specific error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates an exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeDataQuality indicates incomplete or implausible upstream data.
	CodeDataQuality Code = "data_quality"
)

// CanonicalCode captures exchange-agnostic error categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalOrderNotFound indicates that the referenced order does not exist.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalPositionNotFound indicates that no open position exists for the symbol.
	CanonicalPositionNotFound CanonicalCode = "position_not_found"
	// CanonicalInsufficientBalance indicates insufficient balance for the requested operation.
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	// CanonicalInvalidSymbol indicates an unsupported or malformed symbol.
	CanonicalInvalidSymbol CanonicalCode = "invalid_symbol"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
	// CanonicalInvalidCredentials indicates malformed or revoked API credentials.
	CanonicalInvalidCredentials CanonicalCode = "invalid_credentials"
	// CanonicalSessionExpired indicates an expired stream session token.
	CanonicalSessionExpired CanonicalCode = "session_expired"
)

// Class groups failures by how the system reacts to them.
type Class string

const (
	// ClassUnknown marks errors that were never classified.
	ClassUnknown Class = ""
	// ClassTransient failures are retried with backoff.
	ClassTransient Class = "transient"
	// ClassDataQuality failures are flagged on the affected record and processing continues.
	ClassDataQuality Class = "data_quality"
	// ClassLogic failures are inconsistencies that are repaired before persisting.
	ClassLogic Class = "logic"
	// ClassFatal failures abort the connection-level operation without retry.
	ClassFatal Class = "fatal"
)

// E captures structured error information produced across the tradesync stack.
type E struct {
	Exchange    string
	Code        Code
	Class       Class
	HTTP        int
	RawCode     string
	RawMsg      string
	Message     string
	Canonical   CanonicalCode
	Metadata    map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange:    strings.TrimSpace(exchange),
		Code:        code,
		Class:       defaultClass(code),
		HTTP:        0,
		RawCode:     "",
		RawMsg:      "",
		Message:     "",
		Canonical:   CanonicalUnknown,
		Metadata:    nil,
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func defaultClass(code Code) Class {
	switch code {
	case CodeRateLimited, CodeNetwork, CodeUnavailable, CodeConflict, CodeExchange:
		return ClassTransient
	case CodeAuth:
		return ClassFatal
	case CodeInvalid, CodeDataQuality:
		return ClassDataQuality
	default:
		return ClassUnknown
	}
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithClass overrides the class derived from the error code.
func WithClass(class Class) Option {
	return func(e *E) {
		e.Class = class
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Class != ClassUnknown {
		parts = append(parts, "class="+string(e.Class))
	}
	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// ClassOf reports the class of the first classified envelope in the chain.
func ClassOf(err error) Class {
	for err != nil {
		var envelope *E
		if !errors.As(err, &envelope) {
			return ClassUnknown
		}
		if envelope.Class != ClassUnknown {
			return envelope.Class
		}
		err = envelope.cause
	}
	return ClassUnknown
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return ClassOf(err) == ClassFatal
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// CodeOf returns the code of the outermost envelope, or empty when err carries none.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}
