// Package broker defines the Broker interface and provides implementations
// for executing orders and managing accounts across different brokerages.
package broker

import (
	"context"

	"sentinel/internal/domain"
	"sentinel/internal/errs"
)

// Broker abstracts brokerage operations for order execution and account
// management. Failures are classified with errs kinds: BrokerTransient
// (known not processed, safe to retry), BrokerAmbiguous (outcome unknown,
// reconcile before retrying), BrokerRejected (definitive refusal) and
// NotFound.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends an order using order.Key as the client order id.
	SubmitOrder(ctx context.Context, order domain.Order) (domain.BrokerOrder, error)

	// GetOrderByClientID looks an order up by client order id.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.BrokerOrder, error)

	// CancelOrder requests cancellation of an open order by broker id. The
	// outcome is reported through StreamUpdates.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (domain.AccountInfo, error)

	// StreamUpdates delivers order updates to handler in order until ctx is
	// cancelled or the stream drops. Updates sent while no stream is open
	// may be lost, so callers reconcile open orders after resubscribing.
	StreamUpdates(ctx context.Context, handler func(domain.BrokerUpdate)) error
}

// Transient wraps a failure known not to have reached the broker.
func Transient(op string, cause error) error {
	return errs.New(op, errs.KindBrokerTransient, errs.WithCause(cause))
}

// Ambiguous wraps a failure whose outcome at the broker is unknown.
func Ambiguous(op string, cause error) error {
	return errs.New(op, errs.KindBrokerAmbiguous, errs.WithCause(cause))
}

// Rejected wraps a definitive refusal.
func Rejected(op, message string, cause error) error {
	return errs.New(op, errs.KindBrokerRejected, errs.WithMessage(message), errs.WithCause(cause))
}

// NotFound reports an unknown order.
func NotFound(op, id string) error {
	return errs.New(op, errs.KindNotFound, errs.WithOrderKey(id), errs.WithMessage("order not found"))
}
