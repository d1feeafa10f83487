package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sentinel/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store backed by a SQLite database. It is used for
// paper trading, local runs and tests. Writes are serialized through a
// single connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath. The schema
// must already be migrated; Open does both.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	return &SQLiteStore{db: db}, nil
}

// sqliteDSN turns a file path into a modernc DSN with WAL, foreign keys and
// a busy timeout, creating the parent directory when needed.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

const (
	sqliteInsertTransition = `
INSERT INTO order_transitions (order_key, from_status, to_status, order_state, fill, reason, at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqliteUpsertOrder = `
INSERT INTO orders (
    order_key, broker_id, symbol, side, order_type, time_in_force, qty, limit_price,
    filled_qty, filled_avg_price, status, reason, strategy, created_at, updated_at, expires_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (order_key) DO UPDATE SET
    broker_id = excluded.broker_id,
    filled_qty = excluded.filled_qty,
    filled_avg_price = excluded.filled_avg_price,
    status = excluded.status,
    reason = excluded.reason,
    updated_at = excluded.updated_at,
    expires_at = excluded.expires_at`

	sqliteInsertFill = `
INSERT INTO fills (fill_id, order_key, symbol, side, qty, price, filled_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (fill_id) DO NOTHING`

	sqliteSelectPosition = `
SELECT symbol, qty, avg_entry_price, realized_pnl, updated_at FROM positions WHERE symbol = ?`

	sqliteUpsertPosition = `
INSERT INTO positions (symbol, qty, avg_entry_price, realized_pnl, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (symbol) DO UPDATE SET
    qty = excluded.qty,
    avg_entry_price = excluded.avg_entry_price,
    realized_pnl = excluded.realized_pnl,
    updated_at = excluded.updated_at`

	sqliteOrderColumns = `
SELECT order_key, broker_id, symbol, side, order_type, time_in_force, qty, limit_price,
       filled_qty, filled_avg_price, status, reason, strategy, created_at, updated_at, expires_at
FROM orders`

	sqliteTransitionColumns = `
SELECT seq, order_key, from_status, to_status, order_state, fill, reason, at
FROM order_transitions`
)

// ---------------------------------------------------------------------------
// Store implementation
// ---------------------------------------------------------------------------

// Append records tr, its order row and any new fill in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, tr domain.OrderTransition) (int64, error) {
	orderJSON, fillJSON, err := encodeTransition(tr)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, sqliteInsertTransition,
		tr.OrderKey, string(tr.From), string(tr.To), orderJSON, fillJSON, tr.Reason, unixNanos(tr.At))
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert transition: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: transition seq: %w", err)
	}

	o := tr.Order
	if _, err := tx.ExecContext(ctx, sqliteUpsertOrder,
		o.Key, o.BrokerID, o.Symbol, string(o.Side), string(o.Type), string(o.TimeInForce),
		o.Qty.String(), o.LimitPrice.String(), o.FilledQty.String(), o.FilledAvgPrice.String(),
		string(o.Status), o.Reason, o.Strategy,
		unixNanos(o.CreatedAt), unixNanos(o.UpdatedAt), unixNanos(o.ExpiresAt),
	); err != nil {
		return 0, fmt.Errorf("sqlite: upsert order: %w", err)
	}

	if f := tr.Fill; f != nil {
		res, err := tx.ExecContext(ctx, sqliteInsertFill,
			f.ID, f.OrderKey, f.Symbol, string(f.Side), f.Qty.String(), f.Price.String(), unixNanos(f.Timestamp))
		if err != nil {
			return 0, fmt.Errorf("sqlite: insert fill: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, ErrDuplicateFill
		}

		pos, err := scanPosition(tx.QueryRowContext(ctx, sqliteSelectPosition, f.Symbol))
		if errors.Is(err, sql.ErrNoRows) {
			pos = domain.Position{Symbol: f.Symbol}
		} else if err != nil {
			return 0, fmt.Errorf("sqlite: load position: %w", err)
		}
		next := pos.ApplyFill(*f)
		if _, err := tx.ExecContext(ctx, sqliteUpsertPosition,
			next.Symbol, next.Qty.String(), next.AvgEntryPrice.String(), next.RealizedPnL.String(), unixNanos(next.UpdatedAt),
		); err != nil {
			return 0, fmt.Errorf("sqlite: upsert position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit tx: %w", err)
	}
	return seq, nil
}

// LoadOpenOrders returns every non-terminal order, oldest first.
func (s *SQLiteStore) LoadOpenOrders(ctx context.Context) ([]domain.Order, error) {
	statuses := openStatusStrings()
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	query := sqliteOrderColumns + " WHERE status IN (?" + strings.Repeat(", ?", len(statuses)-1) + ") ORDER BY created_at, order_key"
	return s.queryOrders(ctx, query, args...)
}

// LoadPositions returns every materialized position.
func (s *SQLiteStore) LoadPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, qty, avg_entry_price, realized_pnl, updated_at FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadAppliedFillIDs returns every recorded fill id.
func (s *SQLiteStore) LoadAppliedFillIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fill_id FROM fills ORDER BY fill_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query fills: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadTransitions returns the log in sequence order.
func (s *SQLiteStore) LoadTransitions(ctx context.Context, orderKey string) ([]domain.OrderTransition, error) {
	query := sqliteTransitionColumns
	var args []any
	if orderKey != "" {
		query += " WHERE order_key = ?"
		args = append(args, orderKey)
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderTransition
	for rows.Next() {
		var (
			seq                       int64
			key, from, to, orderState string
			fill                      sql.NullString
			reason                    string
			at                        int64
		)
		if err := rows.Scan(&seq, &key, &from, &to, &orderState, &fill, &reason, &at); err != nil {
			return nil, err
		}
		var fillJSON *string
		if fill.Valid {
			fillJSON = &fill.String
		}
		tr, err := decodeTransition(seq, key, from, to, orderState, fillJSON, reason, fromNanos(at))
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// GetOrder returns the materialized order for key.
func (s *SQLiteStore) GetOrder(ctx context.Context, key string) (domain.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, sqliteOrderColumns+" WHERE order_key = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, ErrNotFound
	}
	return o, err
}

// ListOrders returns orders with status, most recently updated first.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	query := sqliteOrderColumns
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY updated_at DESC, order_key LIMIT ?"
	args = append(args, clampLimit(limit))
	return s.queryOrders(ctx, query, args...)
}

func (s *SQLiteStore) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Row helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o                               domain.Order
		side, typ, tif, status          string
		qty, limit, filled, avg         string
		createdAt, updatedAt, expiresAt int64
	)
	if err := row.Scan(&o.Key, &o.BrokerID, &o.Symbol, &side, &typ, &tif, &qty, &limit,
		&filled, &avg, &status, &o.Reason, &o.Strategy, &createdAt, &updatedAt, &expiresAt); err != nil {
		return o, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = fromNanos(createdAt)
	o.UpdatedAt = fromNanos(updatedAt)
	o.ExpiresAt = fromNanos(expiresAt)
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

func scanPosition(row rowScanner) (domain.Position, error) {
	var (
		p                  domain.Position
		qty, avg, realized string
		updatedAt          int64
	)
	if err := row.Scan(&p.Symbol, &qty, &avg, &realized, &updatedAt); err != nil {
		return p, err
	}
	p.UpdatedAt = fromNanos(updatedAt)
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

// unixNanos stores the zero time as 0.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
