package strategy

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sentinel/internal/domain"
	"sentinel/internal/risk"
)

// intentNamespace scopes deterministic idempotency keys.
var intentNamespace = uuid.MustParse("6f1d3c52-9a7e-4d8b-b0a4-2f5c8e91d7a3")

// Decision is the outcome of a policy: either Hold or an intent.
type Decision struct {
	Intent *domain.OrderIntent
	Reason string
}

// Hold returns a no-trade decision.
func Hold(reason string) Decision {
	return Decision{Reason: reason}
}

// Trade returns a decision carrying intent.
func Trade(intent domain.OrderIntent) Decision {
	return Decision{Intent: &intent, Reason: intent.Reason}
}

// IsHold reports whether no order is proposed.
func (d Decision) IsHold() bool {
	return d.Intent == nil
}

// IntentKey derives the idempotency key for a decision from the inputs that
// produced it, so re-deciding the same snapshot yields the same key.
func IntentKey(policy string, snap domain.SignalSnapshot, side domain.OrderSide) string {
	name := policy + "|" + snap.Symbol + "|" + string(side) + "|" + strconv.FormatInt(snap.Timestamp.UnixNano(), 10)
	return uuid.NewSHA1(intentNamespace, []byte(name)).String()
}

// LimitPrice offsets price by bps in the direction that favours a fill and
// rounds to cents.
func LimitPrice(price float64, side domain.OrderSide, bps float64) decimal.Decimal {
	p := decimal.NewFromFloat(price)
	offset := p.Mul(decimal.NewFromFloat(bps)).Div(decimal.NewFromInt(10000))
	if side == domain.OrderSideBuy {
		return p.Add(offset).Round(2)
	}
	return p.Sub(offset).Round(2)
}

// Size clamps desired to the capacity view still admits for symbol on side
// and rounds down to whole lots. A zero result means no admissible order.
func Size(view risk.View, symbol string, side domain.OrderSide, desired, price decimal.Decimal, lot int64) decimal.Decimal {
	if lot < 1 {
		lot = 1
	}
	capacity := view.Reservable(symbol, side, price)
	qty := decimal.Min(desired, capacity)
	lotSize := decimal.NewFromInt(lot)
	qty = qty.Div(lotSize).Floor().Mul(lotSize)
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return qty
}
