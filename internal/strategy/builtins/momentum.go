// Package builtins provides the decision policies that ship with sentinel.
package builtins

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"sentinel/internal/domain"
	"sentinel/internal/risk"
	"sentinel/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Policy = (*Momentum)(nil)

// Params configures the built-in policies.
type Params struct {
	// Threshold is the momentum magnitude that triggers an entry or exit.
	Threshold float64
	// RiskPerTrade is the currency amount lost if the stop distance is hit.
	RiskPerTrade float64
	// StopATR is the stop distance in multiples of ATR.
	StopATR        float64
	LimitOffsetBps float64
	LotSize        int64
	// MaxPositions caps the number of simultaneously open instruments.
	MaxPositions int
	AllowShort   bool
}

// Momentum enters in the direction of a momentum threshold crossing and
// exits when momentum reverses or price crosses a trailing stop StopATR
// times ATR behind the best price since entry. Entries are sized so that a
// stop of StopATR times ATR (or one volatility move, whichever is wider)
// risks RiskPerTrade.
type Momentum struct {
	p Params
}

// NewMomentum creates a Momentum policy.
func NewMomentum(p Params) *Momentum {
	if p.StopATR == 0 {
		p.StopATR = 2
	}
	return &Momentum{p: p}
}

// Name returns "momentum".
func (m *Momentum) Name() string {
	return "momentum"
}

// Decide applies the momentum rules.
func (m *Momentum) Decide(snap domain.SignalSnapshot, view risk.View) strategy.Decision {
	if !snap.Confident {
		return strategy.Hold("warming up")
	}
	iv := view.Instrument(snap.Symbol)
	if stop, hit := trailingStop(snap, iv.Position, m.p); hit {
		return exit(m.Name(), snap, view, iv, m.p, fmt.Sprintf("price %.4f crossed stop %s", snap.Price, stop.StringFixed(4)))
	}

	mom, ok := snap.Value("momentum")
	if !ok {
		return strategy.Hold("momentum unavailable")
	}
	pos := iv.Position.Qty

	switch {
	case mom >= m.p.Threshold && !pos.IsPositive():
		return m.enter(snap, view, iv, domain.OrderSideBuy, mom)
	case mom <= -m.p.Threshold && pos.IsPositive():
		return exit(m.Name(), snap, view, iv, m.p, fmt.Sprintf("momentum %.4f reversed", mom))
	case mom <= -m.p.Threshold && m.p.AllowShort && !pos.IsNegative():
		return m.enter(snap, view, iv, domain.OrderSideSell, mom)
	case mom >= m.p.Threshold && pos.IsNegative():
		return exit(m.Name(), snap, view, iv, m.p, fmt.Sprintf("momentum %.4f reversed", mom))
	}
	return strategy.Hold("no crossing")
}

func (m *Momentum) enter(snap domain.SignalSnapshot, view risk.View, iv risk.InstrumentView, side domain.OrderSide, mom float64) strategy.Decision {
	if pending(iv, side) {
		return strategy.Hold("order outstanding")
	}
	if iv.Position.Qty.IsZero() && m.p.MaxPositions > 0 && view.OpenPositions() >= m.p.MaxPositions {
		return strategy.Hold("max positions reached")
	}

	atr, _ := snap.Value("atr")
	vol, _ := snap.Value("volatility")
	stop := math.Max(atr*m.p.StopATR, snap.Price*vol)
	if stop <= 0 || m.p.RiskPerTrade <= 0 {
		return strategy.Hold("no stop distance")
	}
	desired := decimal.NewFromFloat(m.p.RiskPerTrade / stop)
	// Flip: cover the opposite position as part of the entry.
	desired = desired.Add(iv.Position.Qty.Abs())

	limit := strategy.LimitPrice(snap.Price, side, m.p.LimitOffsetBps)
	qty := strategy.Size(view, snap.Symbol, side, desired, limit, m.p.LotSize)
	if qty.IsZero() {
		return strategy.Hold("no reservable capacity")
	}

	return strategy.Trade(domain.OrderIntent{
		Key:         strategy.IntentKey(m.Name(), snap, side),
		Symbol:      snap.Symbol,
		Side:        side,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceDay,
		Qty:         qty,
		LimitPrice:  limit,
		Strategy:    m.Name(),
		Reason:      fmt.Sprintf("momentum %.4f crossed %.4f", mom, m.p.Threshold),
	})
}

// exit closes the whole position of iv, bounded by reservable capacity.
func exit(policy string, snap domain.SignalSnapshot, view risk.View, iv risk.InstrumentView, p Params, reason string) strategy.Decision {
	side := domain.OrderSideSell
	if iv.Position.Qty.IsNegative() {
		side = domain.OrderSideBuy
	}
	if pending(iv, side) {
		return strategy.Hold("order outstanding")
	}
	limit := strategy.LimitPrice(snap.Price, side, p.LimitOffsetBps)
	qty := strategy.Size(view, snap.Symbol, side, iv.Position.Qty.Abs(), limit, 1)
	if qty.IsZero() {
		return strategy.Hold("no reservable capacity")
	}
	return strategy.Trade(domain.OrderIntent{
		Key:         strategy.IntentKey(policy, snap, side),
		Symbol:      snap.Symbol,
		Side:        side,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceDay,
		Qty:         qty,
		LimitPrice:  limit,
		Strategy:    policy,
		Reason:      reason,
	})
}

// pending reports whether a reservation on side is still open for iv.
func pending(iv risk.InstrumentView, side domain.OrderSide) bool {
	if side == domain.OrderSideBuy {
		return iv.ReservedBuy.IsPositive()
	}
	return iv.ReservedSell.IsPositive()
}
