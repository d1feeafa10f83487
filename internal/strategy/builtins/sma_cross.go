package builtins

import (
	"github.com/shopspring/decimal"

	"sentinel/internal/domain"
	"sentinel/internal/risk"
	"sentinel/internal/signal"
	"sentinel/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Policy = (*SMACross)(nil)

// SMACross implements a moving average crossover policy. It buys when the
// fast SMA is above the slow SMA and the book is flat, and closes positions
// when the averages cross back or price crosses the trailing ATR stop.
type SMACross struct {
	p Params
}

// NewSMACross creates a new SMACross policy.
func NewSMACross(p Params) *SMACross {
	if p.StopATR == 0 {
		p.StopATR = 2
	}
	return &SMACross{p: p}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Decide applies the crossover rules.
func (s *SMACross) Decide(snap domain.SignalSnapshot, view risk.View) strategy.Decision {
	if !snap.Confident {
		return strategy.Hold("warming up")
	}
	iv := view.Instrument(snap.Symbol)
	if stop, hit := trailingStop(snap, iv.Position, s.p); hit {
		return exit(s.Name(), snap, view, iv, s.p, "price crossed stop "+stop.StringFixed(4))
	}

	trend, ok := snap.Value(signal.ValueTrend)
	if !ok {
		return strategy.Hold("trend unavailable")
	}
	pos := iv.Position.Qty

	switch {
	case trend > 0 && pos.IsNegative():
		return exit(s.Name(), snap, view, iv, s.p, "fast above slow")
	case trend < 0 && pos.IsPositive():
		return exit(s.Name(), snap, view, iv, s.p, "fast below slow")
	case trend > 0 && pos.IsZero():
		return s.enter(snap, view, iv)
	}
	return strategy.Hold("no crossover")
}

func (s *SMACross) enter(snap domain.SignalSnapshot, view risk.View, iv risk.InstrumentView) strategy.Decision {
	side := domain.OrderSideBuy
	if pending(iv, side) {
		return strategy.Hold("order outstanding")
	}
	if s.p.MaxPositions > 0 && view.OpenPositions() >= s.p.MaxPositions {
		return strategy.Hold("max positions reached")
	}
	if snap.Price <= 0 || s.p.RiskPerTrade <= 0 {
		return strategy.Hold("no sizing basis")
	}

	// Fixed notional entry of RiskPerTrade, clamped to capacity.
	limit := strategy.LimitPrice(snap.Price, side, s.p.LimitOffsetBps)
	desired := decimal.NewFromFloat(s.p.RiskPerTrade).Div(limit)
	qty := strategy.Size(view, snap.Symbol, side, desired, limit, s.p.LotSize)
	if qty.IsZero() {
		return strategy.Hold("no reservable capacity")
	}

	return strategy.Trade(domain.OrderIntent{
		Key:         strategy.IntentKey(s.Name(), snap, side),
		Symbol:      snap.Symbol,
		Side:        side,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceDay,
		Qty:         qty,
		LimitPrice:  limit,
		Strategy:    s.Name(),
		Reason:      "fast crossed above slow",
	})
}
