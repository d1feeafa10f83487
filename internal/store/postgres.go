package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sentinel/internal/config"
	"sentinel/internal/domain"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to cfg.DatabaseURL.
func NewPostgresStore(ctx context.Context, cfg config.Storage) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool for instrumentation.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const (
	pgInsertTransitionSQL = `
INSERT INTO order_transitions (order_key, from_status, to_status, order_state, fill, reason, at)
VALUES (@order_key, @from_status, @to_status, @order_state::jsonb, @fill::jsonb, @reason, @at)
RETURNING seq;
`

	pgUpsertOrderSQL = `
INSERT INTO orders (
    order_key,
    broker_id,
    symbol,
    side,
    order_type,
    time_in_force,
    qty,
    limit_price,
    filled_qty,
    filled_avg_price,
    status,
    reason,
    strategy,
    created_at,
    updated_at,
    expires_at
)
VALUES (
    @order_key,
    @broker_id,
    @symbol,
    @side,
    @order_type,
    @time_in_force,
    @qty::numeric,
    @limit_price::numeric,
    @filled_qty::numeric,
    @filled_avg_price::numeric,
    @status,
    @reason,
    @strategy,
    @created_at,
    @updated_at,
    @expires_at
)
ON CONFLICT (order_key) DO UPDATE SET
    broker_id = EXCLUDED.broker_id,
    filled_qty = EXCLUDED.filled_qty,
    filled_avg_price = EXCLUDED.filled_avg_price,
    status = EXCLUDED.status,
    reason = EXCLUDED.reason,
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at;
`

	pgInsertFillSQL = `
INSERT INTO fills (fill_id, order_key, symbol, side, qty, price, filled_at)
VALUES (@fill_id, @order_key, @symbol, @side, @qty::numeric, @price::numeric, @filled_at)
ON CONFLICT (fill_id) DO NOTHING;
`

	pgEnsurePositionSQL = `
INSERT INTO positions (symbol, qty, avg_entry_price, realized_pnl, updated_at)
VALUES (@symbol, 0, 0, 0, @updated_at)
ON CONFLICT (symbol) DO NOTHING;
`

	pgLockPositionSQL = `
SELECT symbol, qty::text, avg_entry_price::text, realized_pnl::text, updated_at
FROM positions
WHERE symbol = @symbol
FOR UPDATE;
`

	pgUpdatePositionSQL = `
UPDATE positions
SET qty = @qty::numeric,
    avg_entry_price = @avg_entry_price::numeric,
    realized_pnl = @realized_pnl::numeric,
    updated_at = @updated_at
WHERE symbol = @symbol;
`

	pgOrderSelectBase = `
SELECT
    order_key,
    broker_id,
    symbol,
    side,
    order_type,
    time_in_force,
    qty::text,
    limit_price::text,
    filled_qty::text,
    filled_avg_price::text,
    status,
    reason,
    strategy,
    created_at,
    updated_at,
    expires_at
FROM orders
`

	pgTransitionSelectBase = `
SELECT seq, order_key, from_status, to_status, order_state::text, fill::text, reason, at
FROM order_transitions
`
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres store: nil pool")
	}
	return s.pool, nil
}

// WithTransaction runs fn inside a read-committed transaction.
func (s *PostgresStore) WithTransaction(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("postgres store: begin tx: %w", err)
	}
	if runErr := fn(ctx, tx); runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("postgres store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres store: commit tx: %w", err)
	}
	return nil
}

// Append records tr, its order row and any new fill in one transaction.
func (s *PostgresStore) Append(ctx context.Context, tr domain.OrderTransition) (int64, error) {
	orderJSON, fillJSON, err := encodeTransition(tr)
	if err != nil {
		return 0, err
	}

	var seq int64
	err = s.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		args := pgx.NamedArgs{
			"order_key":   tr.OrderKey,
			"from_status": string(tr.From),
			"to_status":   string(tr.To),
			"order_state": orderJSON,
			"fill":        fillJSON,
			"reason":      tr.Reason,
			"at":          tr.At,
		}
		if err := tx.QueryRow(ctx, pgInsertTransitionSQL, args).Scan(&seq); err != nil {
			return fmt.Errorf("postgres store: insert transition: %w", err)
		}
		if err := upsertOrderWith(ctx, tx, tr.Order); err != nil {
			return err
		}
		if tr.Fill != nil {
			return applyFillWith(ctx, tx, *tr.Fill)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func upsertOrderWith(ctx context.Context, exec execer, o domain.Order) error {
	var expiresAt *time.Time
	if !o.ExpiresAt.IsZero() {
		expiresAt = &o.ExpiresAt
	}
	args := pgx.NamedArgs{
		"order_key":        o.Key,
		"broker_id":        o.BrokerID,
		"symbol":           o.Symbol,
		"side":             string(o.Side),
		"order_type":       string(o.Type),
		"time_in_force":    string(o.TimeInForce),
		"qty":              o.Qty.String(),
		"limit_price":      o.LimitPrice.String(),
		"filled_qty":       o.FilledQty.String(),
		"filled_avg_price": o.FilledAvgPrice.String(),
		"status":           string(o.Status),
		"reason":           o.Reason,
		"strategy":         o.Strategy,
		"created_at":       o.CreatedAt,
		"updated_at":       o.UpdatedAt,
		"expires_at":       expiresAt,
	}
	if _, err := exec.Exec(ctx, pgUpsertOrderSQL, args); err != nil {
		return fmt.Errorf("postgres store: upsert order: %w", err)
	}
	return nil
}

func applyFillWith(ctx context.Context, tx pgx.Tx, f domain.Fill) error {
	tag, err := tx.Exec(ctx, pgInsertFillSQL, pgx.NamedArgs{
		"fill_id":   f.ID,
		"order_key": f.OrderKey,
		"symbol":    f.Symbol,
		"side":      string(f.Side),
		"qty":       f.Qty.String(),
		"price":     f.Price.String(),
		"filled_at": f.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("postgres store: insert fill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateFill
	}

	if _, err := tx.Exec(ctx, pgEnsurePositionSQL, pgx.NamedArgs{"symbol": f.Symbol, "updated_at": f.Timestamp}); err != nil {
		return fmt.Errorf("postgres store: ensure position: %w", err)
	}
	pos, err := scanPgPosition(tx.QueryRow(ctx, pgLockPositionSQL, pgx.NamedArgs{"symbol": f.Symbol}))
	if err != nil {
		return fmt.Errorf("postgres store: lock position: %w", err)
	}
	next := pos.ApplyFill(f)
	if _, err := tx.Exec(ctx, pgUpdatePositionSQL, pgx.NamedArgs{
		"symbol":          next.Symbol,
		"qty":             next.Qty.String(),
		"avg_entry_price": next.AvgEntryPrice.String(),
		"realized_pnl":    next.RealizedPnL.String(),
		"updated_at":      next.UpdatedAt,
	}); err != nil {
		return fmt.Errorf("postgres store: update position: %w", err)
	}
	return nil
}

// LoadOpenOrders returns every non-terminal order, oldest first.
func (s *PostgresStore) LoadOpenOrders(ctx context.Context) ([]domain.Order, error) {
	return s.queryOrders(ctx, pgOrderSelectBase+" WHERE status = ANY(@statuses) ORDER BY created_at, order_key",
		pgx.NamedArgs{"statuses": openStatusStrings()})
}

// LoadPositions returns every materialized position.
func (s *PostgresStore) LoadPositions(ctx context.Context) ([]domain.Position, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `SELECT symbol, qty::text, avg_entry_price::text, realized_pnl::text, updated_at FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPgPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadAppliedFillIDs returns every recorded fill id.
func (s *PostgresStore) LoadAppliedFillIDs(ctx context.Context) ([]string, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `SELECT fill_id FROM fills ORDER BY fill_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query fills: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// LoadTransitions returns the log in sequence order.
func (s *PostgresStore) LoadTransitions(ctx context.Context, orderKey string) ([]domain.OrderTransition, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	query := pgTransitionSelectBase
	args := pgx.NamedArgs{}
	if orderKey != "" {
		query += " WHERE order_key = @order_key"
		args["order_key"] = orderKey
	}
	query += " ORDER BY seq"

	rows, err := pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderTransition
	for rows.Next() {
		var (
			seq                       int64
			key, from, to, orderState string
			fill                      *string
			reason                    string
			at                        time.Time
		)
		if err := rows.Scan(&seq, &key, &from, &to, &orderState, &fill, &reason, &at); err != nil {
			return nil, err
		}
		tr, err := decodeTransition(seq, key, from, to, orderState, fill, reason, at.UTC())
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// GetOrder returns the materialized order for key.
func (s *PostgresStore) GetOrder(ctx context.Context, key string) (domain.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return domain.Order{}, err
	}
	o, err := scanPgOrder(pool.QueryRow(ctx, pgOrderSelectBase+" WHERE order_key = @order_key", pgx.NamedArgs{"order_key": key}))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, ErrNotFound
	}
	return o, err
}

// ListOrders returns orders with status, most recently updated first.
func (s *PostgresStore) ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	query := pgOrderSelectBase
	args := pgx.NamedArgs{"limit": clampLimit(limit)}
	if status != "" {
		query += " WHERE status = @status"
		args["status"] = string(status)
	}
	query += " ORDER BY updated_at DESC, order_key LIMIT @limit"
	return s.queryOrders(ctx, query, args)
}

func (s *PostgresStore) queryOrders(ctx context.Context, query string, args pgx.NamedArgs) ([]domain.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanPgOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanPgOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                       domain.Order
		side, typ, tif, status  string
		qty, limit, filled, avg string
		expiresAt               *time.Time
	)
	if err := row.Scan(&o.Key, &o.BrokerID, &o.Symbol, &side, &typ, &tif, &qty, &limit,
		&filled, &avg, &status, &o.Reason, &o.Strategy, &o.CreatedAt, &o.UpdatedAt, &expiresAt); err != nil {
		return o, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	if expiresAt != nil {
		o.ExpiresAt = expiresAt.UTC()
	}
	if err := parseDecimal(qty, &o.Qty); err != nil {
		return o, err
	}
	if err := parseDecimal(limit, &o.LimitPrice); err != nil {
		return o, err
	}
	if err := parseDecimal(filled, &o.FilledQty); err != nil {
		return o, err
	}
	if err := parseDecimal(avg, &o.FilledAvgPrice); err != nil {
		return o, err
	}
	return o, nil
}

func scanPgPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                  domain.Position
		qty, avg, realized string
	)
	if err := row.Scan(&p.Symbol, &qty, &avg, &realized, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	if err := parseDecimal(qty, &p.Qty); err != nil {
		return p, err
	}
	if err := parseDecimal(avg, &p.AvgEntryPrice); err != nil {
		return p, err
	}
	if err := parseDecimal(realized, &p.RealizedPnL); err != nil {
		return p, err
	}
	return p, nil
}
