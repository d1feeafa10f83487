// Package engine coordinates order execution, the risk ledger and the
// decision policy. Manager owns the order lifecycle; Engine turns each
// market event into at most one order.
package engine

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"sentinel/internal/domain"
	"sentinel/internal/errs"
	"sentinel/internal/risk"
	"sentinel/internal/signal"
	"sentinel/internal/strategy"
	"sentinel/internal/telemetry"
)

// SignalSink receives every snapshot the engine computes.
type SignalSink interface {
	SetSignal(snap domain.SignalSnapshot)
}

// Engine runs signal -> decision -> execution for one event at a time per
// instrument. HandleEvent is safe for concurrent use across instruments.
type Engine struct {
	signals *signal.Engine
	policy  strategy.Policy
	ledger  *risk.Ledger
	manager *Manager
	guard   *RiskGuard
	sink    SignalSink
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithSignalSink forwards snapshots to sink.
func WithSignalSink(sink SignalSink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithRiskGuard checks drawdown after every mark.
func WithRiskGuard(g *RiskGuard) EngineOption {
	return func(e *Engine) { e.guard = g }
}

// WithMetrics records event and decision counters.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an Engine wired with the given dependencies.
func NewEngine(signals *signal.Engine, policy strategy.Policy, ledger *risk.Ledger, manager *Manager, opts ...EngineOption) *Engine {
	e := &Engine{
		signals: signals,
		policy:  policy,
		ledger:  ledger,
		manager: manager,
		log:     slog.Default().With("component", "engine", "policy", policy.Name()),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// HandleEvent processes one normalized market event. Malformed events are
// dropped and logged; the returned error is reserved for failures the agent
// must act on, such as a transition that could not be recorded.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.MarketEvent) error {
	snap, err := e.signals.Update(ev.Symbol, ev)
	if err != nil {
		if errs.Is(err, errs.KindMalformedEvent) {
			e.metrics.Malformed(ctx, ev.Source)
			e.log.Warn("dropping malformed event", "symbol", ev.Symbol, "source", ev.Source, "error", err)
			return nil
		}
		return err
	}
	e.metrics.Event(ctx, ev.Symbol)

	e.ledger.Mark(ev.Symbol, decimal.NewFromFloat(ev.Price))
	if e.sink != nil {
		e.sink.SetSignal(snap)
	}
	if e.guard != nil {
		e.guard.Check(ctx)
	}

	d := e.policy.Decide(snap, e.ledger.Snapshot())
	if d.IsHold() {
		e.metrics.Decision(ctx, "hold")
		return nil
	}
	intent := *d.Intent
	e.metrics.Decision(ctx, string(intent.Side))
	e.log.Info("trade decided", "symbol", intent.Symbol, "side", intent.Side, "qty", intent.Qty,
		"limit", intent.LimitPrice, "key", intent.Key, "reason", d.Reason)

	o, err := e.manager.Submit(ctx, intent)
	if err != nil {
		if errs.Is(err, errs.KindPersistenceFailure) {
			return err
		}
		e.log.Warn("order submission failed", "key", intent.Key, "status", o.Status, "error", err)
	}
	return nil
}
