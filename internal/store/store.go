// Package store persists order lifecycle transitions, fills and positions,
// and archives market events for replay.
package store

import (
	"context"
	"errors"
	"fmt"

	"sentinel/internal/config"
	"sentinel/internal/domain"
)

// ErrDuplicateFill is returned by Append when the transition carries a fill
// that was already recorded. Nothing is written in that case.
var ErrDuplicateFill = errors.New("fill already recorded")

// ErrNotFound is returned when a requested order does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable record of the execution manager. Every Append writes
// the transition log row, the materialized order row and, when the
// transition carries a new fill, the fill and position rows in one
// transaction.
type Store interface {
	// Append records tr and returns its log sequence number.
	Append(ctx context.Context, tr domain.OrderTransition) (int64, error)

	// LoadOpenOrders returns every order not in a terminal status.
	LoadOpenOrders(ctx context.Context) ([]domain.Order, error)

	// LoadPositions returns every materialized position, flat ones included.
	LoadPositions(ctx context.Context) ([]domain.Position, error)

	// LoadAppliedFillIDs returns the ids of every recorded fill.
	LoadAppliedFillIDs(ctx context.Context) ([]string, error)

	// LoadTransitions returns the log for orderKey in sequence order, or the
	// whole log when orderKey is empty.
	LoadTransitions(ctx context.Context, orderKey string) ([]domain.OrderTransition, error)

	// GetOrder returns the materialized order for key or ErrNotFound.
	GetOrder(ctx context.Context, key string) (domain.Order, error)

	// ListOrders returns orders with status (all when empty), most recently
	// updated first, up to limit.
	ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error)

	// Close releases the underlying connections.
	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

// Open migrates and opens the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.Storage) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		if err := Migrate(ctx, "postgres", cfg.DatabaseURL, MigrateUp); err != nil {
			return nil, err
		}
		return NewPostgresStore(ctx, cfg)
	case "sqlite", "":
		if err := Migrate(ctx, "sqlite", cfg.SQLitePath, MigrateUp); err != nil {
			return nil, err
		}
		return NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
