package builtins

import (
	"github.com/shopspring/decimal"

	"sentinel/internal/domain"
)

// trailingStop returns the stop price for pos and whether price crossed it.
// The stop sits StopATR times ATR behind the better of the entry price and
// the best price since entry, so it only ever tightens.
func trailingStop(snap domain.SignalSnapshot, pos domain.Position, p Params) (decimal.Decimal, bool) {
	if pos.Qty.IsZero() || p.StopATR <= 0 || snap.Price <= 0 {
		return decimal.Zero, false
	}
	atr, ok := snap.Value("atr")
	if !ok || atr <= 0 {
		return decimal.Zero, false
	}
	dist := decimal.NewFromFloat(atr * p.StopATR)
	price := decimal.NewFromFloat(snap.Price)
	anchor := pos.AvgEntryPrice

	if pos.Qty.IsPositive() {
		if pos.BestPrice.GreaterThan(anchor) {
			anchor = pos.BestPrice
		}
		stop := anchor.Sub(dist)
		return stop, price.LessThanOrEqual(stop)
	}
	if pos.BestPrice.IsPositive() && pos.BestPrice.LessThan(anchor) {
		anchor = pos.BestPrice
	}
	stop := anchor.Add(dist)
	return stop, price.GreaterThanOrEqual(stop)
}
