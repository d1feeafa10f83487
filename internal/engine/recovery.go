package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/domain"
	"sentinel/internal/errs"
	"sentinel/internal/util"
)

// RecoveryReport summarizes a startup recovery.
type RecoveryReport struct {
	Positions  int `json:"positions"`
	OpenOrders int `json:"open_orders"`
	Fills      int `json:"fills"`
	// Resolved is the number of open orders that reached a terminal status.
	Resolved int `json:"resolved"`
	// Mismatches lists symbols whose broker position differs from the ledger.
	Mismatches []string      `json:"mismatches,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Recover rebuilds the ledger and the order table from the store, then
// reconciles every open order against the broker. It must complete before
// market data is processed.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	start := m.opts.Now()
	var rep RecoveryReport

	positions, err := m.store.LoadPositions(ctx)
	if err != nil {
		return rep, errs.Persistence("engine.Recover", "", err)
	}
	open, err := m.store.LoadOpenOrders(ctx)
	if err != nil {
		return rep, errs.Persistence("engine.Recover", "", err)
	}
	fills, err := m.store.LoadAppliedFillIDs(ctx)
	if err != nil {
		return rep, errs.Persistence("engine.Recover", "", err)
	}
	rep.Positions, rep.OpenOrders, rep.Fills = len(positions), len(open), len(fills)

	m.ledger.Restore(positions, open, fills)

	entries := make([]*entry, 0, len(open))
	m.mu.Lock()
	for _, o := range open {
		e := &entry{order: o}
		e.publish()
		m.orders[o.Key] = e
		entries = append(entries, e)
	}
	m.mu.Unlock()

	m.log.Info("state restored", "positions", rep.Positions, "open_orders", rep.OpenOrders, "fills", rep.Fills)

	for _, e := range entries {
		e.mu.Lock()
		err := m.reconcileLocked(ctx, e)
		terminal := e.order.Terminal()
		e.mu.Unlock()
		if err != nil {
			return rep, fmt.Errorf("reconcile %s: %w", e.order.Key, err)
		}
		if terminal {
			rep.Resolved++
		}
	}

	rep.Mismatches = m.comparePositions(ctx)
	rep.Duration = m.opts.Now().Sub(start)
	m.recoveredOnce.Do(func() { close(m.recovered) })
	m.log.Info("recovery complete", "resolved", rep.Resolved, "still_open", rep.OpenOrders-rep.Resolved,
		"mismatches", len(rep.Mismatches), "duration", rep.Duration)
	return rep, nil
}

// ReconcileOpen asks the broker about every open submitted order and adopts
// its record. It returns the number of orders that closed as a result.
func (m *Manager) ReconcileOpen(ctx context.Context) int {
	closed := 0
	for _, e := range m.openEntries() {
		e.mu.Lock()
		if e.order.Status.Submitted() {
			if err := m.reconcileLocked(ctx, e); err != nil {
				m.log.Warn("reconciling open order", "order", e.order.Key, "error", err)
			} else if e.order.Terminal() {
				closed++
			}
			e.checkedAt = m.opts.Now()
		}
		e.mu.Unlock()
		if ctx.Err() != nil {
			break
		}
	}
	return closed
}

// reconcileLocked resolves an open order against the broker. Orders that
// never reached Submitted cannot exist at the broker and are cancelled.
func (m *Manager) reconcileLocked(ctx context.Context, e *entry) error {
	o := e.order
	if o.Terminal() {
		return nil
	}
	if !o.Status.Submitted() {
		return m.close(ctx, e, domain.OrderStatusCancelled, "not submitted before restart", nil)
	}

	var found domain.BrokerOrder
	err := util.Retry(ctx, m.opts.SubmitAttempts, m.opts.RetryBaseDelay, func() error {
		bo, err := m.broker.GetOrderByClientID(ctx, o.Key)
		if errs.Is(err, errs.KindNotFound) {
			return util.Permanent(err)
		}
		if err != nil {
			m.opts.Metrics.BrokerError(ctx, string(errs.KindOf(err)))
			return err
		}
		found = bo
		return nil
	})
	switch {
	case errs.Is(err, errs.KindNotFound):
		if o.Status == domain.OrderStatusSubmitted {
			m.log.Info("submitted order unknown to broker", "order", o.Key)
			return m.close(ctx, e, domain.OrderStatusRejected, "not found at broker", nil)
		}
		m.log.Warn("acknowledged order unknown to broker", "order", o.Key, "status", o.Status)
		return m.close(ctx, e, domain.OrderStatusCancelled, "not found at broker", nil)
	case err != nil:
		return err
	}
	return m.adopt(ctx, e, found)
}

// comparePositions warns about broker positions that differ from the
// ledger. The ledger is not corrected; the broker positions are informative.
func (m *Manager) comparePositions(ctx context.Context) []string {
	held, err := m.broker.GetPositions(ctx)
	if err != nil {
		m.log.Warn("broker positions unavailable, skipping comparison", "error", err)
		return nil
	}
	view := m.ledger.Snapshot()
	seen := make(map[string]bool, len(held))
	var mismatches []string
	for _, p := range held {
		seen[p.Symbol] = true
		if local := view.Position(p.Symbol).Qty; !local.Equal(p.Qty) {
			m.log.Warn("position mismatch", "symbol", p.Symbol, "ledger", local, "broker", p.Qty)
			mismatches = append(mismatches, p.Symbol)
		}
	}
	for _, p := range view.Positions() {
		if !seen[p.Symbol] && !p.Qty.Equal(decimal.Zero) {
			m.log.Warn("position mismatch", "symbol", p.Symbol, "ledger", p.Qty, "broker", decimal.Zero)
			mismatches = append(mismatches, p.Symbol)
		}
	}
	return mismatches
}
