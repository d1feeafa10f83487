// Package domain defines the core types shared across the trading agent:
// market events, signals, orders, fills, positions, and risk limits.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() decimal.Decimal {
	if s == OrderSideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType is the pricing style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce controls how long an order rests at the broker.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
)

// OrderStatus is a state of the order lifecycle.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusReserved        OrderStatus = "reserved"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusRejected        OrderStatus = "rejected"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Instrument describes a tradable symbol.
type Instrument struct {
	Symbol    string          `json:"symbol"`
	Tradable  bool            `json:"tradable"`
	Shortable bool            `json:"shortable"`
	MinQty    decimal.Decimal `json:"min_qty"`
}

// MarketEvent is a normalized trade print for one instrument.
type MarketEvent struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Exchange  string    `json:"exchange,omitempty"`
	ID        string    `json:"id,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// SignalSnapshot is the indicator state of one instrument after an event.
// Confident is false until every indicator has filled its warm-up window.
type SignalSnapshot struct {
	Symbol    string             `json:"symbol"`
	Timestamp time.Time          `json:"timestamp"`
	Price     float64            `json:"price"`
	Values    map[string]float64 `json:"values"`
	Confident bool               `json:"confident"`
}

// Value returns the named indicator value and whether it is present.
func (s SignalSnapshot) Value(name string) (float64, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// ---------------------------------------------------------------------------
// Orders and fills
// ---------------------------------------------------------------------------

// OrderIntent is a proposed trade produced by a policy. Key is the
// client-generated idempotency key and becomes the order's identity.
type OrderIntent struct {
	Key         string          `json:"key"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Type        OrderType       `json:"type"`
	TimeInForce TimeInForce     `json:"time_in_force"`
	Qty         decimal.Decimal `json:"qty"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	Strategy    string          `json:"strategy,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Order is the execution manager's record of one order.
type Order struct {
	Key            string          `json:"key"`
	BrokerID       string          `json:"broker_id,omitempty"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Type           OrderType       `json:"type"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	Qty            decimal.Decimal `json:"qty"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	Status         OrderStatus     `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	Strategy       string          `json:"strategy,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ExpiresAt      time.Time       `json:"expires_at,omitempty"`
}

// NewOrder builds a Created order from an intent.
func NewOrder(intent OrderIntent, now time.Time) Order {
	typ := intent.Type
	if typ == "" {
		typ = OrderTypeLimit
	}
	tif := intent.TimeInForce
	if tif == "" {
		tif = TimeInForceDay
	}
	return Order{
		Key:         intent.Key,
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Type:        typ,
		TimeInForce: tif,
		Qty:         intent.Qty,
		LimitPrice:  intent.LimitPrice,
		Status:      OrderStatusCreated,
		Reason:      intent.Reason,
		Strategy:    intent.Strategy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Intent recovers the intent that produced the order.
func (o Order) Intent() OrderIntent {
	return OrderIntent{
		Key:         o.Key,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Type:        o.Type,
		TimeInForce: o.TimeInForce,
		Qty:         o.Qty,
		LimitPrice:  o.LimitPrice,
		Strategy:    o.Strategy,
		Reason:      o.Reason,
	}
}

// RemainingQty is the unfilled quantity.
func (o Order) RemainingQty() decimal.Decimal {
	r := o.Qty.Sub(o.FilledQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Terminal reports whether the order has reached a final state.
func (o Order) Terminal() bool {
	return o.Status.Terminal()
}

// Fill is a broker-confirmed execution. ID identifies the execution and is
// the deduplication key.
type Fill struct {
	ID        string          `json:"id"`
	OrderKey  string          `json:"order_key"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// SignedQty is Qty with the side's sign applied.
func (f Fill) SignedQty() decimal.Decimal {
	return f.Qty.Mul(f.Side.Sign())
}

// OrderTransition is one durable step of an order's lifecycle. Order holds
// the state after the transition.
type OrderTransition struct {
	Seq      int64       `json:"seq"`
	OrderKey string      `json:"order_key"`
	From     OrderStatus `json:"from"`
	To       OrderStatus `json:"to"`
	Order    Order       `json:"order"`
	Fill     *Fill       `json:"fill,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	At       time.Time   `json:"at"`
}

// BrokerEvent is the kind of an inbound broker notification.
type BrokerEvent string

const (
	BrokerEventAccepted    BrokerEvent = "accepted"
	BrokerEventPartialFill BrokerEvent = "partial_fill"
	BrokerEventFill        BrokerEvent = "fill"
	BrokerEventCanceled    BrokerEvent = "canceled"
	BrokerEventExpired     BrokerEvent = "expired"
	BrokerEventRejected    BrokerEvent = "rejected"
)

// BrokerUpdate is an acknowledgement or execution report from the broker.
type BrokerUpdate struct {
	Event         BrokerEvent     `json:"event"`
	ClientOrderID string          `json:"client_order_id"`
	BrokerOrderID string          `json:"broker_order_id"`
	FillID        string          `json:"fill_id,omitempty"`
	FillQty       decimal.Decimal `json:"fill_qty"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	// FilledQty is the broker's cumulative filled quantity after this
	// event; zero when unknown.
	FilledQty decimal.Decimal `json:"filled_qty"`
	Reason    string          `json:"reason,omitempty"`
	At        time.Time       `json:"at"`
}

// BrokerOrder is the broker's authoritative view of an order.
type BrokerOrder struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	Status         OrderStatus     `json:"status"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ---------------------------------------------------------------------------
// Positions, accounts and limits
// ---------------------------------------------------------------------------

// Position is the confirmed holding in one instrument. Qty is signed:
// positive for long, negative for short.
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	// BestPrice is the most favourable price seen since the position was
	// opened: the high for a long, the low for a short.
	BestPrice decimal.Decimal `json:"best_price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// UnrealizedPnL values the open quantity at the mark price. A zero mark
// contributes nothing.
func (p Position) UnrealizedPnL() decimal.Decimal {
	if p.MarkPrice.IsZero() || p.Qty.IsZero() {
		return decimal.Zero
	}
	return p.MarkPrice.Sub(p.AvgEntryPrice).Mul(p.Qty)
}

// ApplyFill returns the position after f. Fills that reduce or flip the
// position realize P&L against the average entry price.
func (p Position) ApplyFill(f Fill) Position {
	next := p
	next.Symbol = f.Symbol
	next.UpdatedAt = f.Timestamp
	signed := f.SignedQty()

	switch {
	case p.Qty.IsZero() || p.Qty.Sign() == signed.Sign():
		total := p.Qty.Add(signed)
		cost := p.AvgEntryPrice.Mul(p.Qty.Abs()).Add(f.Price.Mul(f.Qty))
		next.Qty = total
		if !total.IsZero() {
			next.AvgEntryPrice = cost.Div(total.Abs())
		}
		if p.Qty.IsZero() {
			next.BestPrice = f.Price
		}
	default:
		closing := decimal.Min(p.Qty.Abs(), f.Qty)
		pnl := f.Price.Sub(p.AvgEntryPrice).Mul(closing)
		if p.Qty.IsNegative() {
			pnl = pnl.Neg()
		}
		next.RealizedPnL = p.RealizedPnL.Add(pnl)
		next.Qty = p.Qty.Add(signed)
		switch {
		case next.Qty.IsZero():
			next.AvgEntryPrice = decimal.Zero
			next.BestPrice = decimal.Zero
		case next.Qty.Sign() != p.Qty.Sign():
			next.AvgEntryPrice = f.Price
			next.BestPrice = f.Price
		}
	}
	return next
}

// Marked returns p valued at price, with BestPrice advanced when price is
// more favourable to the open position.
func (p Position) Marked(price decimal.Decimal) Position {
	p.MarkPrice = price
	switch {
	case p.Qty.IsPositive() && (p.BestPrice.IsZero() || price.GreaterThan(p.BestPrice)):
		p.BestPrice = price
	case p.Qty.IsNegative() && (p.BestPrice.IsZero() || price.LessThan(p.BestPrice)):
		p.BestPrice = price
	}
	return p
}

// AccountInfo is a snapshot of the brokerage account.
type AccountInfo struct {
	Equity      decimal.Decimal `json:"equity"`
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power"`
}

// RiskLimits are static risk bounds loaded once at startup.
type RiskLimits struct {
	// MaxPositionQty bounds the absolute worst-case quantity per instrument.
	MaxPositionQty decimal.Decimal `json:"max_position_qty"`
	// MaxAggregateExposure bounds the summed worst-case notional across
	// instruments.
	MaxAggregateExposure decimal.Decimal `json:"max_aggregate_exposure"`
	// MaxOrders is the number of reservations allowed per OrderWindow.
	MaxOrders   int           `json:"max_orders"`
	OrderWindow time.Duration `json:"order_window"`
	// MaxDrawdown bounds the fall of equity from its peak, in currency.
	MaxDrawdown    decimal.Decimal `json:"max_drawdown"`
	StartingEquity decimal.Decimal `json:"starting_equity"`
}
