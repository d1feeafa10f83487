package engine

import (
	"context"
	"log/slog"
	"sync/atomic"

	"sentinel/internal/risk"
)

// RiskGuard halts trading and cancels open orders once the drawdown from
// peak equity reaches the configured limit. The drawdown predicate already
// refuses new reservations; the guard also pulls resting orders.
type RiskGuard struct {
	ledger  *risk.Ledger
	manager *Manager
	log     *slog.Logger

	tripped atomic.Bool
}

// NewRiskGuard creates a RiskGuard.
func NewRiskGuard(ledger *risk.Ledger, manager *Manager) *RiskGuard {
	return &RiskGuard{
		ledger:  ledger,
		manager: manager,
		log:     slog.Default().With("component", "risk_guard"),
	}
}

// Check trips the guard when drawdown reached MaxDrawdown. It reports
// whether the guard is tripped. A tripped guard stays tripped until Reset.
func (g *RiskGuard) Check(ctx context.Context) bool {
	if g.tripped.Load() {
		return true
	}
	view := g.ledger.Snapshot()
	limit := view.Limits.MaxDrawdown
	if !limit.IsPositive() || view.Drawdown.LessThan(limit) {
		return false
	}
	if !g.tripped.CompareAndSwap(false, true) {
		return true
	}

	g.log.Error("drawdown limit breached, halting", "alert", true,
		"drawdown", view.Drawdown, "limit", limit, "equity", view.Equity, "peak", view.PeakEquity)
	res, err := g.manager.Halt(ctx, "drawdown limit breached")
	if err != nil {
		g.log.Error("cancelling orders after drawdown halt", "error", err)
	}
	g.log.Warn("drawdown halt engaged", "cancelled", len(res.Orders))
	return true
}

// Tripped reports whether the guard halted trading.
func (g *RiskGuard) Tripped() bool {
	return g.tripped.Load()
}

// Reset re-arms the guard after an operator resume. It does not lift the
// ledger halt; a drawdown still at the limit trips it again on the next
// Check.
func (g *RiskGuard) Reset() {
	g.tripped.Store(false)
}
