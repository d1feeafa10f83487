package risk

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/domain"
)

// InstrumentView is the ledger's state for one instrument.
type InstrumentView struct {
	Symbol   string          `json:"symbol"`
	Position domain.Position `json:"position"`
	// ReservedBuy and ReservedSell are the unfilled quantities of open
	// reservations on each side.
	ReservedBuy  decimal.Decimal `json:"reserved_buy"`
	ReservedSell decimal.Decimal `json:"reserved_sell"`
	// WorstLong and WorstShort bound the signed position reachable if every
	// buy (respectively sell) reservation fills.
	WorstLong  decimal.Decimal `json:"worst_long"`
	WorstShort decimal.Decimal `json:"worst_short"`
	// Price is the reference price used to value exposure.
	Price    decimal.Decimal `json:"price"`
	Exposure decimal.Decimal `json:"exposure"`
}

// View is an immutable snapshot of the ledger handed to the decision engine
// and the status API.
type View struct {
	At             time.Time                 `json:"at"`
	Limits         domain.RiskLimits         `json:"limits"`
	Instruments    map[string]InstrumentView `json:"instruments"`
	Exposure       decimal.Decimal           `json:"exposure"`
	RealizedPnL    decimal.Decimal           `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal           `json:"unrealized_pnl"`
	Equity         decimal.Decimal           `json:"equity"`
	PeakEquity     decimal.Decimal           `json:"peak_equity"`
	Drawdown       decimal.Decimal           `json:"drawdown"`
	OrdersInWindow int                       `json:"orders_in_window"`
	Reservations   int                       `json:"reservations"`
	Halted         bool                      `json:"halted"`
}

// Instrument returns the view of symbol; unknown symbols are flat.
func (v View) Instrument(symbol string) InstrumentView {
	if iv, ok := v.Instruments[symbol]; ok {
		return iv
	}
	return InstrumentView{Symbol: symbol, Position: domain.Position{Symbol: symbol}}
}

// Position returns the confirmed position of symbol.
func (v View) Position(symbol string) domain.Position {
	return v.Instrument(symbol).Position
}

// Positions returns the non-flat positions sorted by symbol.
func (v View) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(v.Instruments))
	for _, iv := range v.Instruments {
		if !iv.Position.Qty.IsZero() {
			out = append(out, iv.Position)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenPositions counts instruments with a non-zero position.
func (v View) OpenPositions() int {
	n := 0
	for _, iv := range v.Instruments {
		if !iv.Position.Qty.IsZero() {
			n++
		}
	}
	return n
}

// Reservable returns the largest quantity on side that the capacity limits
// (per-instrument position and aggregate exposure) would still admit for
// symbol, valuing it at price when the instrument has no reference price.
// Rate and drawdown limits are not reflected.
func (v View) Reservable(symbol string, side domain.OrderSide, price decimal.Decimal) decimal.Decimal {
	if v.Halted {
		return decimal.Zero
	}
	iv := v.Instrument(symbol)
	ref := iv.Price
	if ref.IsZero() {
		ref = price
	}

	var qty decimal.Decimal
	switch side {
	case domain.OrderSideBuy:
		qty = v.Limits.MaxPositionQty.Sub(iv.WorstLong)
	case domain.OrderSideSell:
		qty = v.Limits.MaxPositionQty.Add(iv.WorstShort)
	default:
		return decimal.Zero
	}
	if !v.Limits.MaxPositionQty.IsPositive() {
		qty = decimal.Zero
	}

	if v.Limits.MaxAggregateExposure.IsPositive() && ref.IsPositive() {
		// Largest |worst| the instrument may reach without exceeding the
		// aggregate limit, given every other instrument unchanged.
		others := v.Exposure.Sub(iv.Exposure)
		maxAbs := v.Limits.MaxAggregateExposure.Sub(others).Div(ref)
		var aggQty decimal.Decimal
		if side == domain.OrderSideBuy {
			if iv.WorstShort.Abs().GreaterThan(maxAbs) {
				aggQty = decimal.Zero
			} else {
				aggQty = maxAbs.Sub(iv.WorstLong)
			}
		} else {
			if iv.WorstLong.Abs().GreaterThan(maxAbs) {
				aggQty = decimal.Zero
			} else {
				aggQty = maxAbs.Add(iv.WorstShort)
			}
		}
		qty = decimal.Min(qty, aggQty)
	}

	if qty.IsNegative() {
		return decimal.Zero
	}
	return qty
}

// exposureOf values the worst reachable absolute position at price.
func exposureOf(worstLong, worstShort, price decimal.Decimal) decimal.Decimal {
	return decimal.Max(worstLong.Abs(), worstShort.Abs()).Mul(price)
}
