package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/domain"
	"sentinel/internal/errs"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// FillMode controls how the simulator executes accepted orders.
type FillMode int

const (
	// FillImmediately fills every accepted order in full at once.
	FillImmediately FillMode = iota
	// FillManual leaves orders resting until Fill, Expire or CancelOrder.
	FillManual
)

// fault is a queued failure for the next SubmitOrder call.
type fault struct {
	kind errs.Kind
	// processed records the order before failing, as a timeout after the
	// broker accepted the request would.
	processed bool
}

// SimulatorBroker implements the Broker interface for paper trading and
// tests. Orders, positions and cash are held in memory; updates are queued
// and delivered by StreamUpdates or Drain.
type SimulatorBroker struct {
	mu        sync.Mutex
	mode      FillMode
	now       func() time.Time
	cash      decimal.Decimal
	prices    map[string]decimal.Decimal
	orders    map[string]*domain.BrokerOrder // by client order id
	byID      map[string]string              // broker id -> client order id
	positions map[string]domain.Position
	faults    []fault
	submits   int
	nextID    int64
	fills     map[string]int

	pending []domain.BrokerUpdate
	notify  chan struct{}
	drop    chan struct{}
	down    bool
}

// SimulatorOption configures a SimulatorBroker.
type SimulatorOption func(*SimulatorBroker)

// WithFillMode selects how orders are executed.
func WithFillMode(mode FillMode) SimulatorOption {
	return func(b *SimulatorBroker) { b.mode = mode }
}

// WithStartingCash sets the initial cash balance.
func WithStartingCash(cash decimal.Decimal) SimulatorOption {
	return func(b *SimulatorBroker) { b.cash = cash }
}

// WithSimulatorClock overrides the time source.
func WithSimulatorClock(now func() time.Time) SimulatorOption {
	return func(b *SimulatorBroker) { b.now = now }
}

// NewSimulatorBroker creates a SimulatorBroker with no orders or positions.
func NewSimulatorBroker(opts ...SimulatorOption) *SimulatorBroker {
	b := &SimulatorBroker{
		mode:      FillImmediately,
		now:       time.Now,
		cash:      decimal.NewFromInt(100_000),
		prices:    make(map[string]decimal.Decimal),
		orders:    make(map[string]*domain.BrokerOrder),
		byID:      make(map[string]string),
		positions: make(map[string]domain.Position),
		fills:     make(map[string]int),
		notify:    make(chan struct{}, 1),
		drop:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetPrice records the last traded price of symbol, used to fill market
// orders and value positions.
func (b *SimulatorBroker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	b.prices[symbol] = price
	b.mu.Unlock()
}

// FailNextSubmit queues a failure of the given kind for the next
// SubmitOrder call. With processed set the order is recorded first, so the
// caller cannot tell whether it reached the broker.
func (b *SimulatorBroker) FailNextSubmit(kind errs.Kind, processed bool) {
	b.mu.Lock()
	b.faults = append(b.faults, fault{kind: kind, processed: processed})
	b.mu.Unlock()
}

// SubmitCalls returns the number of SubmitOrder calls received.
func (b *SimulatorBroker) SubmitCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

// OrderCount returns the number of distinct orders the broker holds.
func (b *SimulatorBroker) OrderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// SubmitOrder records the order. A client order id seen before is refused
// as a duplicate, the way a real brokerage refuses it.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, order domain.Order) (domain.BrokerOrder, error) {
	const op = "simulator.SubmitOrder"
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++

	if len(b.faults) > 0 {
		f := b.faults[0]
		b.faults = b.faults[1:]
		if f.processed {
			if _, dup := b.orders[order.Key]; !dup {
				b.acceptLocked(order)
			}
		}
		return domain.BrokerOrder{}, errs.New(op, f.kind, errs.WithOrderKey(order.Key), errs.WithMessage("injected fault"))
	}

	if _, dup := b.orders[order.Key]; dup {
		return domain.BrokerOrder{}, errs.New(op, errs.KindBrokerAmbiguous,
			errs.WithOrderKey(order.Key), errs.WithMessage("client_order_id must be unique"))
	}
	if order.Type == domain.OrderTypeMarket && !b.prices[order.Symbol].IsPositive() {
		return domain.BrokerOrder{}, Rejected(op, "no price for market order", nil)
	}
	if !order.Qty.IsPositive() {
		return domain.BrokerOrder{}, Rejected(op, "quantity must be positive", nil)
	}

	return b.acceptLocked(order), nil
}

// acceptLocked records order and returns the broker's acknowledgement. In
// FillImmediately mode the fill is queued after the acknowledgement, so the
// returned copy shows the order as accepted and unfilled.
func (b *SimulatorBroker) acceptLocked(order domain.Order) domain.BrokerOrder {
	b.nextID++
	bo := &domain.BrokerOrder{
		ID:            fmt.Sprintf("sim-%06d", b.nextID),
		ClientOrderID: order.Key,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           order.Qty,
		Status:        domain.OrderStatusAccepted,
		UpdatedAt:     b.now(),
	}
	b.orders[order.Key] = bo
	b.byID[bo.ID] = order.Key
	ack := *bo
	b.emitLocked(domain.BrokerUpdate{
		Event:         domain.BrokerEventAccepted,
		ClientOrderID: bo.ClientOrderID,
		BrokerOrderID: bo.ID,
		At:            bo.UpdatedAt,
	})
	if b.mode == FillImmediately {
		b.fillLocked(bo, bo.Qty, b.fillPriceLocked(order))
	}
	return ack
}

func (b *SimulatorBroker) fillPriceLocked(order domain.Order) decimal.Decimal {
	if order.Type == domain.OrderTypeLimit && order.LimitPrice.IsPositive() {
		return order.LimitPrice
	}
	return b.prices[order.Symbol]
}

// Fill executes qty of the order at price. It fails when the order is
// unknown, closed, or qty exceeds the remaining quantity.
func (b *SimulatorBroker) Fill(clientOrderID string, qty, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bo, ok := b.orders[clientOrderID]
	if !ok {
		return NotFound("simulator.Fill", clientOrderID)
	}
	if bo.Status.Terminal() {
		return fmt.Errorf("order %s is %s", clientOrderID, bo.Status)
	}
	if qty.GreaterThan(bo.Qty.Sub(bo.FilledQty)) {
		return fmt.Errorf("fill %s exceeds remaining %s", qty, bo.Qty.Sub(bo.FilledQty))
	}
	b.fillLocked(bo, qty, price)
	return nil
}

func (b *SimulatorBroker) fillLocked(bo *domain.BrokerOrder, qty, price decimal.Decimal) {
	prevNotional := bo.FilledAvgPrice.Mul(bo.FilledQty)
	bo.FilledQty = bo.FilledQty.Add(qty)
	bo.FilledAvgPrice = prevNotional.Add(price.Mul(qty)).Div(bo.FilledQty)
	bo.UpdatedAt = b.now()

	event := domain.BrokerEventPartialFill
	bo.Status = domain.OrderStatusPartiallyFilled
	if bo.FilledQty.GreaterThanOrEqual(bo.Qty) {
		event = domain.BrokerEventFill
		bo.Status = domain.OrderStatusFilled
	}

	fill := domain.Fill{Symbol: bo.Symbol, Side: bo.Side, Qty: qty, Price: price, Timestamp: bo.UpdatedAt}
	pos := b.positions[bo.Symbol]
	pos = pos.ApplyFill(fill)
	b.positions[bo.Symbol] = pos
	b.cash = b.cash.Sub(fill.SignedQty().Mul(price))

	b.fills[bo.ID]++
	b.emitLocked(domain.BrokerUpdate{
		Event:         event,
		ClientOrderID: bo.ClientOrderID,
		BrokerOrderID: bo.ID,
		FillID:        fmt.Sprintf("%s-fill-%d", bo.ID, b.fills[bo.ID]),
		FillQty:       qty,
		FillPrice:     price,
		FilledQty:     bo.FilledQty,
		At:            bo.UpdatedAt,
	})
}

// Expire closes a resting order as expired.
func (b *SimulatorBroker) Expire(clientOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bo, ok := b.orders[clientOrderID]
	if !ok {
		return NotFound("simulator.Expire", clientOrderID)
	}
	if bo.Status.Terminal() {
		return nil
	}
	b.closeLocked(bo, domain.OrderStatusExpired, domain.BrokerEventExpired, "time in force elapsed")
	return nil
}

func (b *SimulatorBroker) closeLocked(bo *domain.BrokerOrder, status domain.OrderStatus, event domain.BrokerEvent, reason string) {
	bo.Status = status
	bo.UpdatedAt = b.now()
	b.emitLocked(domain.BrokerUpdate{
		Event:         event,
		ClientOrderID: bo.ClientOrderID,
		BrokerOrderID: bo.ID,
		FilledQty:     bo.FilledQty,
		Reason:        reason,
		At:            bo.UpdatedAt,
	})
}

// GetOrderByClientID looks an order up by client order id.
func (b *SimulatorBroker) GetOrderByClientID(_ context.Context, clientOrderID string) (domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bo, ok := b.orders[clientOrderID]
	if !ok {
		return domain.BrokerOrder{}, NotFound("simulator.GetOrderByClientID", clientOrderID)
	}
	return *bo, nil
}

// CancelOrder cancels a resting order. A closed order is refused as not
// cancelable, the way a real brokerage refuses it.
func (b *SimulatorBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	const op = "simulator.CancelOrder"
	b.mu.Lock()
	defer b.mu.Unlock()
	key, ok := b.byID[brokerOrderID]
	if !ok {
		return NotFound(op, brokerOrderID)
	}
	bo := b.orders[key]
	if bo.Status.Terminal() {
		return Rejected(op, "order is not cancelable: "+string(bo.Status), nil)
	}
	b.closeLocked(bo, domain.OrderStatusCancelled, domain.BrokerEventCanceled, "canceled by request")
	return nil
}

// GetPositions returns the non-flat simulated positions sorted by symbol.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions := make([]domain.Position, 0, len(b.positions))
	for sym, p := range b.positions {
		if p.Qty.IsZero() {
			continue
		}
		p.MarkPrice = b.prices[sym]
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// GetAccount values cash plus positions at the last known prices.
func (b *SimulatorBroker) GetAccount(_ context.Context) (domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.cash
	for sym, p := range b.positions {
		price := b.prices[sym]
		if !price.IsPositive() {
			price = p.AvgEntryPrice
		}
		equity = equity.Add(p.Qty.Mul(price))
	}
	return domain.AccountInfo{Equity: equity, Cash: b.cash, BuyingPower: decimal.Max(b.cash, decimal.Zero)}, nil
}

// StreamUpdates delivers queued updates in order until ctx is cancelled or
// Disconnect drops the stream.
func (b *SimulatorBroker) StreamUpdates(ctx context.Context, handler func(domain.BrokerUpdate)) error {
	b.mu.Lock()
	b.down = false
	b.mu.Unlock()
	for {
		for _, u := range b.Drain() {
			handler(u)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-b.drop:
			return Transient("simulator.StreamUpdates", errors.New("stream disconnected"))
		case <-b.notify:
		}
	}
}

// Disconnect ends the open update stream. Queued updates and those emitted
// before the next StreamUpdates call are lost, as on a dropped connection.
func (b *SimulatorBroker) Disconnect() {
	b.mu.Lock()
	b.pending = nil
	b.down = true
	b.mu.Unlock()
	select {
	case b.drop <- struct{}{}:
	default:
	}
}

// Drain removes and returns every queued update.
func (b *SimulatorBroker) Drain() []domain.BrokerUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

func (b *SimulatorBroker) emitLocked(u domain.BrokerUpdate) {
	if b.down {
		return
	}
	b.pending = append(b.pending, u)
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// String summarises the simulator state for logs.
func (b *SimulatorBroker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("simulator orders=%d cash=%s", len(b.orders), b.cash.StringFixed(2))
}
