// Package errs provides the structured error envelope and the error taxonomy
// used across the trading agent.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Kind identifies a failure category and the policy attached to it.
type Kind string

const (
	// KindUnknown captures uncategorized failures.
	KindUnknown Kind = "unknown"
	// KindMalformedEvent marks an inbound event that failed validation. The
	// event is dropped and logged.
	KindMalformedEvent Kind = "malformed_event"
	// KindRiskViolation marks an intent refused by the risk ledger. It is a
	// business outcome and ends the order as rejected.
	KindRiskViolation Kind = "risk_violation"
	// KindBrokerTransient marks a broker failure known not to have been
	// processed. It is retried with backoff.
	KindBrokerTransient Kind = "broker_transient"
	// KindBrokerAmbiguous marks a broker failure whose outcome is unknown. It
	// must be reconciled before any retry.
	KindBrokerAmbiguous Kind = "broker_ambiguous"
	// KindBrokerRejected marks a definitive refusal by the broker.
	KindBrokerRejected Kind = "broker_rejected"
	// KindPersistenceFailure marks a transition that could not be recorded.
	KindPersistenceFailure Kind = "persistence_failure"
	// KindConfiguration marks invalid startup configuration.
	KindConfiguration Kind = "configuration"
	// KindNotFound indicates a missing resource.
	KindNotFound Kind = "not_found"
	// KindConflict indicates an illegal state change.
	KindConflict Kind = "conflict"
)

// E captures structured error information.
type E struct {
	Kind     Kind
	Op       string
	Symbol   string
	OrderKey string
	Message  string
	HTTP     int

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and kind.
func New(op string, kind Kind, opts ...Option) *E {
	e := &E{Op: strings.TrimSpace(op), Kind: kind}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithSymbol records the instrument involved.
func WithSymbol(symbol string) Option {
	return func(e *E) {
		e.Symbol = strings.TrimSpace(symbol)
	}
}

// WithOrderKey records the order idempotency key involved.
func WithOrderKey(key string) Option {
	return func(e *E) {
		e.OrderKey = strings.TrimSpace(key)
	}
}

// WithHTTP records an upstream HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = string(KindUnknown)
	}
	parts = append(parts, "kind="+kind)
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.OrderKey != "" {
		parts = append(parts, "order="+e.OrderKey)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the underlying cause.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// KindOf returns the kind of the first envelope in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries an envelope of the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Malformed is a shorthand for a KindMalformedEvent envelope.
func Malformed(op, symbol, message string) *E {
	return New(op, KindMalformedEvent, WithSymbol(symbol), WithMessage(message))
}

// Persistence wraps a storage failure for an order transition.
func Persistence(op, orderKey string, cause error) *E {
	return New(op, KindPersistenceFailure, WithOrderKey(orderKey), WithCause(cause))
}

// Configuration wraps a configuration failure.
func Configuration(message string) *E {
	return New("config", KindConfiguration, WithMessage(message))
}
