package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/domain"
)

// ViolationCode names the limit an intent would break.
type ViolationCode string

const (
	PositionLimitExceeded     ViolationCode = "PositionLimitExceeded"
	AggregateExposureExceeded ViolationCode = "AggregateExposureExceeded"
	OrderRateExceeded         ViolationCode = "OrderRateExceeded"
	DrawdownBreached          ViolationCode = "DrawdownBreached"
	TradingHalted             ViolationCode = "TradingHalted"
	InvalidIntent             ViolationCode = "InvalidIntent"
)

// Violation is returned by Reserve when a limit refuses an intent.
type Violation struct {
	Code      ViolationCode   `json:"code"`
	Symbol    string          `json:"symbol"`
	Limit     decimal.Decimal `json:"limit"`
	Attempted decimal.Decimal `json:"attempted"`
	Detail    string          `json:"detail,omitempty"`
}

func (v *Violation) Error() string {
	msg := fmt.Sprintf("%s for %s: attempted %s, limit %s", v.Code, v.Symbol, v.Attempted, v.Limit)
	if v.Detail != "" {
		msg += " (" + v.Detail + ")"
	}
	return msg
}

// AsViolation extracts a Violation from err's chain.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// Candidate is the state the ledger would reach if the intent were reserved.
type Candidate struct {
	Intent domain.OrderIntent
	At     time.Time
	// Price values the intent and the instrument after reservation.
	Price decimal.Decimal
	// WorstLong and WorstShort are the instrument bounds including the intent.
	WorstLong  decimal.Decimal
	WorstShort decimal.Decimal
	// Exposure is the aggregate exposure including the intent.
	Exposure decimal.Decimal
	// Increases is true when the intent can grow the absolute position.
	Increases bool
}

// Predicate is one pluggable risk rule. It returns nil to admit the
// candidate. Predicates run under the ledger lock and must not block.
type Predicate interface {
	Name() string
	Check(view View, c Candidate) *Violation
}

// DefaultPredicates returns the standard rule set in evaluation order.
func DefaultPredicates() []Predicate {
	return []Predicate{
		PositionLimit{},
		AggregateExposure{},
		Drawdown{},
		OrderRate{},
	}
}

// PositionLimit bounds the worst reachable absolute position per instrument
// on the side the intent adds to.
type PositionLimit struct{}

func (PositionLimit) Name() string { return "position_limit" }

func (PositionLimit) Check(view View, c Candidate) *Violation {
	limit := view.Limits.MaxPositionQty
	if !limit.IsPositive() {
		return nil
	}
	var reach decimal.Decimal
	if c.Intent.Side == domain.OrderSideBuy {
		reach = c.WorstLong
	} else {
		reach = c.WorstShort.Neg()
	}
	if reach.GreaterThan(limit) {
		return &Violation{
			Code:      PositionLimitExceeded,
			Symbol:    c.Intent.Symbol,
			Limit:     limit,
			Attempted: reach,
		}
	}
	return nil
}

// AggregateExposure bounds the summed worst-case notional. Intents that do
// not raise exposure are always admitted.
type AggregateExposure struct{}

func (AggregateExposure) Name() string { return "aggregate_exposure" }

func (AggregateExposure) Check(view View, c Candidate) *Violation {
	limit := view.Limits.MaxAggregateExposure
	if !limit.IsPositive() {
		return nil
	}
	if c.Exposure.GreaterThan(limit) && c.Exposure.GreaterThan(view.Exposure) {
		return &Violation{
			Code:      AggregateExposureExceeded,
			Symbol:    c.Intent.Symbol,
			Limit:     limit,
			Attempted: c.Exposure,
		}
	}
	return nil
}

// OrderRate bounds the number of reservations in the trailing window.
type OrderRate struct{}

func (OrderRate) Name() string { return "order_rate" }

func (OrderRate) Check(view View, c Candidate) *Violation {
	max := view.Limits.MaxOrders
	if max <= 0 {
		return nil
	}
	if view.OrdersInWindow+1 > max {
		return &Violation{
			Code:      OrderRateExceeded,
			Symbol:    c.Intent.Symbol,
			Limit:     decimal.NewFromInt(int64(max)),
			Attempted: decimal.NewFromInt(int64(view.OrdersInWindow + 1)),
			Detail:    "window " + view.Limits.OrderWindow.String(),
		}
	}
	return nil
}

// Drawdown refuses position-increasing intents once equity has fallen from
// its peak by at least the limit. Reducing intents stay allowed so the book
// can be flattened.
type Drawdown struct{}

func (Drawdown) Name() string { return "drawdown" }

func (Drawdown) Check(view View, c Candidate) *Violation {
	limit := view.Limits.MaxDrawdown
	if !limit.IsPositive() || !c.Increases {
		return nil
	}
	if view.Drawdown.GreaterThanOrEqual(limit) {
		return &Violation{
			Code:      DrawdownBreached,
			Symbol:    c.Intent.Symbol,
			Limit:     limit,
			Attempted: view.Drawdown,
		}
	}
	return nil
}
