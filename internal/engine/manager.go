package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sentinel/internal/broker"
	"sentinel/internal/domain"
	"sentinel/internal/errs"
	"sentinel/internal/risk"
	"sentinel/internal/store"
	"sentinel/internal/telemetry"
	"sentinel/internal/util"
)

// ErrClosed is returned by Submit once the manager stopped accepting orders.
var ErrClosed = errors.New("execution manager closed")

// Publisher receives every durable transition.
type Publisher interface {
	Publish(tr domain.OrderTransition)
}

// Options tunes the execution manager.
type Options struct {
	// SubmitAttempts bounds broker submission attempts per order.
	SubmitAttempts int
	RetryBaseDelay time.Duration
	// StuckAfter is how long an open submitted order may go without an
	// update or a broker query before Sweep reconciles it.
	StuckAfter time.Duration
	// Retention is how long terminal orders stay in memory.
	Retention time.Duration
	// IOCWindow is the local lifetime of immediate-or-cancel orders.
	IOCWindow time.Duration
	Calendar  *util.TradingCalendar
	Publisher Publisher
	Metrics   *telemetry.Metrics
	// OnFatal is called when a transition cannot be recorded.
	OnFatal func(error)
	Now     func() time.Time
}

func (o *Options) withDefaults() {
	if o.SubmitAttempts < 1 {
		o.SubmitAttempts = 5
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 200 * time.Millisecond
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.IOCWindow <= 0 {
		o.IOCWindow = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// entry is the manager's state for one order. mu serializes every
// operation on the order; view is the last durable state for readers.
type entry struct {
	mu    sync.Mutex
	order domain.Order
	view  atomic.Pointer[domain.Order]

	cancelRequested bool
	// expiring closes a broker cancellation as Expired.
	expiring bool
	// checkedAt is the last time Sweep asked the broker about the order.
	checkedAt time.Time
}

func (e *entry) publish() {
	o := e.order
	e.view.Store(&o)
}

func (e *entry) load() domain.Order {
	if o := e.view.Load(); o != nil {
		return *o
	}
	return domain.Order{}
}

// HaltResult reports the outcome of Halt.
type HaltResult struct {
	// WasRunning is false when trading was already halted.
	WasRunning bool     `json:"was_running"`
	Orders     []string `json:"orders"`
}

// Manager is the order execution manager. It drives each order through the
// lifecycle state machine, records every transition before treating it as
// done, and reconciles broker acknowledgements and fills into the ledger.
type Manager struct {
	broker broker.Broker
	store  store.Store
	ledger *risk.Ledger
	opts   Options
	log    *slog.Logger

	mu       sync.Mutex
	orders   map[string]*entry
	closed   bool
	inflight sync.WaitGroup

	// recovered is closed once Recover has finished; Follow holds broker
	// updates until then.
	recovered     chan struct{}
	recoveredOnce sync.Once
}

// NewManager creates a Manager.
func NewManager(b broker.Broker, s store.Store, ledger *risk.Ledger, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		broker: b,
		store:  s,
		ledger: ledger,
		opts:   opts,
		log:    slog.Default().With("component", "execution"),
		orders: make(map[string]*entry),

		recovered: make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

// Submit drives intent from Created to Submitted and sends it to the broker.
// A key seen before returns the existing order without a second broker
// order. A risk refusal ends the order as Rejected and is not an error.
func (m *Manager) Submit(ctx context.Context, intent domain.OrderIntent) (domain.Order, error) {
	if intent.Key == "" {
		intent.Key = uuid.NewString()
	}
	if o, ok := m.Get(intent.Key); ok {
		return o, nil
	}
	if o, err := m.store.GetOrder(ctx, intent.Key); err == nil {
		return o, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Order{}, errs.Persistence("engine.Submit", intent.Key, err)
	}

	e, existing, err := m.admit(intent.Key)
	if err != nil {
		return domain.Order{}, err
	}
	if existing != nil {
		// Same key in flight: wait for its submission to settle.
		existing.mu.Lock()
		o := existing.order
		existing.mu.Unlock()
		return o, nil
	}
	defer m.inflight.Done()
	defer e.mu.Unlock()

	start := m.opts.Now()
	order := domain.NewOrder(intent, start)
	order.ExpiresAt = m.expiry(order)
	e.order = domain.Order{Key: order.Key}
	if err := m.transition(ctx, e, domain.OrderStatusCreated, "", nil, func(o *domain.Order) { *o = order }); err != nil {
		m.forget(order.Key)
		return domain.Order{}, err
	}

	res, err := m.ledger.Reserve(intent)
	if err != nil {
		code := "unknown"
		if v, ok := risk.AsViolation(err); ok {
			code = string(v.Code)
		}
		m.opts.Metrics.Violation(ctx, code)
		m.log.Info("order refused by risk ledger", "order", order.Key, "symbol", order.Symbol, "side", order.Side, "qty", order.Qty, "violation", err)
		if terr := m.transition(ctx, e, domain.OrderStatusRejected, err.Error(), nil, nil); terr != nil {
			return e.order, terr
		}
		return e.order, nil
	}

	if err := m.transition(ctx, e, domain.OrderStatusReserved, "", nil, nil); err != nil {
		m.ledger.Release(res)
		return e.order, err
	}
	// Submitted is recorded before the broker sees the order, so a crash
	// during the call is resolved by asking the broker on restart.
	if err := m.transition(ctx, e, domain.OrderStatusSubmitted, "", nil, nil); err != nil {
		m.ledger.Release(res)
		return e.order, err
	}

	err = m.send(ctx, e)
	m.opts.Metrics.SubmitDuration(ctx, m.opts.Now().Sub(start))
	return e.order, err
}

// admit registers a new locked entry for key, or returns the existing one.
func (m *Manager) admit(key string) (*entry, *entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}
	if e, ok := m.orders[key]; ok {
		return nil, e, nil
	}
	e := &entry{}
	e.mu.Lock()
	m.orders[key] = e
	m.inflight.Add(1)
	return e, nil, nil
}

func (m *Manager) forget(key string) {
	m.mu.Lock()
	delete(m.orders, key)
	m.mu.Unlock()
}

func (m *Manager) expiry(o domain.Order) time.Time {
	switch o.TimeInForce {
	case domain.TimeInForceDay:
		if m.opts.Calendar != nil {
			return m.opts.Calendar.NextClose(o.CreatedAt)
		}
		return o.CreatedAt.Add(24 * time.Hour)
	case domain.TimeInForceIOC:
		return o.CreatedAt.Add(m.opts.IOCWindow)
	}
	return time.Time{}
}

// send submits a Submitted order with bounded retries. Transient failures
// are retried with backoff; an ambiguous failure is resolved by looking the
// order up by its key before any further submission.
func (m *Manager) send(ctx context.Context, e *entry) error {
	bo := util.NewBackOff(m.opts.RetryBaseDelay)
	reconcile := false
	var lastErr error
	for attempt := 1; ; attempt++ {
		done, err := m.attempt(ctx, e, &reconcile)
		if done {
			return err
		}
		lastErr = err
		if attempt >= m.opts.SubmitAttempts {
			break
		}
		select {
		case <-ctx.Done():
			m.log.Warn("submission interrupted, left for reconciliation", "order", e.order.Key, "error", lastErr)
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}

	if reconcile {
		m.log.Error("submission outcome unknown after retries, left for reconciliation",
			"alert", true, "order", e.order.Key, "attempts", m.opts.SubmitAttempts, "error", lastErr)
		return lastErr
	}
	m.log.Error("submission failed after retries", "alert", true, "order", e.order.Key,
		"attempts", m.opts.SubmitAttempts, "error", lastErr)
	if err := m.close(ctx, e, domain.OrderStatusRejected, "broker unavailable: "+lastErr.Error(), nil); err != nil {
		return err
	}
	return lastErr
}

// attempt makes one submission step. done reports that the order reached a
// broker-confirmed or final state; otherwise err is the retryable cause.
func (m *Manager) attempt(ctx context.Context, e *entry, reconcile *bool) (done bool, err error) {
	key := e.order.Key
	if *reconcile {
		found, err := m.broker.GetOrderByClientID(ctx, key)
		switch {
		case err == nil:
			*reconcile = false
			m.log.Info("ambiguous submission resolved, order found at broker", "order", key, "broker_id", found.ID)
			return true, m.adopt(ctx, e, found)
		case !errs.Is(err, errs.KindNotFound):
			m.opts.Metrics.BrokerError(ctx, string(errs.KindOf(err)))
			return false, err
		}
		*reconcile = false
		m.log.Info("ambiguous submission resolved, order not at broker", "order", key)
	}

	ack, err := m.broker.SubmitOrder(ctx, e.order)
	if err == nil {
		return true, m.adopt(ctx, e, ack)
	}
	kind := errs.KindOf(err)
	m.opts.Metrics.BrokerError(ctx, string(kind))
	switch kind {
	case errs.KindBrokerTransient:
		m.log.Warn("transient broker failure, retrying", "order", key, "error", err)
		return false, err
	case errs.KindBrokerRejected:
		m.log.Warn("order rejected by broker", "order", key, "error", err)
		return true, m.close(ctx, e, domain.OrderStatusRejected, "rejected by broker: "+err.Error(), nil)
	default:
		m.log.Warn("ambiguous broker failure, reconciling before retry", "order", key, "error", err)
		*reconcile = true
		return false, err
	}
}

// ---------------------------------------------------------------------------
// Broker notifications
// ---------------------------------------------------------------------------

// HandleUpdate applies a broker acknowledgement or execution report. Fills
// are recorded before they reach the ledger and count once per fill id.
func (m *Manager) HandleUpdate(ctx context.Context, u domain.BrokerUpdate) error {
	e := m.entry(u.ClientOrderID)
	if e == nil {
		m.log.Warn("update for unknown order", "client_order_id", u.ClientOrderID, "event", u.Event)
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	setID := brokerID(u.BrokerOrderID)
	switch u.Event {
	case domain.BrokerEventAccepted:
		if e.order.Status != domain.OrderStatusSubmitted {
			return nil
		}
		return m.transition(ctx, e, domain.OrderStatusAccepted, "", nil, setID)
	case domain.BrokerEventPartialFill, domain.BrokerEventFill:
		fill := domain.Fill{ID: u.FillID, Qty: u.FillQty, Price: u.FillPrice, Timestamp: u.At}
		if fill.ID == "" {
			fill.ID = u.BrokerOrderID + "-" + u.FilledQty.String()
		}
		return m.applyFill(ctx, e, fill, u.FilledQty, setID)
	case domain.BrokerEventCanceled:
		status := domain.OrderStatusCancelled
		if e.expiring {
			status = domain.OrderStatusExpired
		}
		return m.close(ctx, e, status, reasonOr(u.Reason, "canceled at broker"), setID)
	case domain.BrokerEventExpired:
		return m.close(ctx, e, domain.OrderStatusExpired, reasonOr(u.Reason, "expired at broker"), setID)
	case domain.BrokerEventRejected:
		return m.close(ctx, e, domain.OrderStatusRejected, reasonOr(u.Reason, "rejected by broker"), setID)
	}
	return nil
}

// adopt brings e in line with the broker's record of the order.
func (m *Manager) adopt(ctx context.Context, e *entry, bo domain.BrokerOrder) error {
	setID := brokerID(bo.ID)
	closedAtBroker := bo.Status == domain.OrderStatusCancelled ||
		bo.Status == domain.OrderStatusExpired ||
		bo.Status == domain.OrderStatusRejected

	if e.order.Status == domain.OrderStatusSubmitted && !(closedAtBroker && bo.FilledQty.IsZero()) {
		if err := m.transition(ctx, e, domain.OrderStatusAccepted, "", nil, setID); err != nil {
			return err
		}
	}

	if delta := bo.FilledQty.Sub(e.order.FilledQty); delta.IsPositive() {
		price := bo.FilledAvgPrice
		if prev := e.order.FilledAvgPrice.Mul(e.order.FilledQty); prev.IsPositive() {
			price = bo.FilledAvgPrice.Mul(bo.FilledQty).Sub(prev).Div(delta)
		}
		at := bo.UpdatedAt
		if at.IsZero() {
			at = m.opts.Now()
		}
		fill := domain.Fill{
			ID:        "reconcile-" + bo.ID + "-" + bo.FilledQty.String(),
			Qty:       delta,
			Price:     price,
			Timestamp: at,
		}
		if err := m.applyFill(ctx, e, fill, bo.FilledQty, setID); err != nil {
			return err
		}
	}

	if closedAtBroker {
		return m.close(ctx, e, bo.Status, "broker reports "+string(bo.Status), setID)
	}
	return nil
}

// applyFill records fill and moves it into the ledger. cumulative is the
// broker's filled quantity after the fill when known; quantity already
// accounted for is not applied again.
func (m *Manager) applyFill(ctx context.Context, e *entry, fill domain.Fill, cumulative decimal.Decimal, mutate func(*domain.Order)) error {
	cur := e.order
	fill.OrderKey, fill.Symbol, fill.Side = cur.Key, cur.Symbol, cur.Side
	if !fill.Qty.IsPositive() {
		m.log.Warn("ignoring fill with non-positive quantity", "order", cur.Key, "fill", fill.ID)
		return nil
	}
	if cumulative.IsPositive() {
		if !cumulative.GreaterThan(cur.FilledQty) {
			m.log.Debug("fill already accounted", "order", cur.Key, "fill", fill.ID, "cumulative", cumulative)
			return nil
		}
		if delta := cumulative.Sub(cur.FilledQty); delta.LessThan(fill.Qty) {
			fill.Qty = delta
		}
	}

	filled := cur.FilledQty.Add(fill.Qty)
	avg := cur.FilledAvgPrice.Mul(cur.FilledQty).Add(fill.Price.Mul(fill.Qty)).Div(filled)
	to := domain.OrderStatusPartiallyFilled
	if filled.GreaterThanOrEqual(cur.Qty) {
		to = domain.OrderStatusFilled
	}
	if cur.Terminal() {
		m.log.Warn("fill after order closed", "order", cur.Key, "status", cur.Status, "fill", fill.ID, "qty", fill.Qty)
		to = cur.Status
	}

	err := m.transition(ctx, e, to, "", &fill, func(o *domain.Order) {
		if mutate != nil {
			mutate(o)
		}
		o.FilledQty = filled
		o.FilledAvgPrice = avg
	})
	if errors.Is(err, store.ErrDuplicateFill) {
		m.log.Debug("duplicate fill ignored", "order", cur.Key, "fill", fill.ID)
		return nil
	}
	if err != nil {
		return err
	}

	if m.ledger.ApplyFill(fill) {
		m.opts.Metrics.Fill(ctx, fill.Symbol)
	}
	if e.order.Terminal() {
		m.ledger.Release(risk.Reservation{Key: cur.Key, Symbol: cur.Symbol})
	}
	m.log.Info("fill applied", "order", cur.Key, "symbol", fill.Symbol, "side", fill.Side,
		"qty", fill.Qty, "price", fill.Price, "filled", filled, "status", e.order.Status)
	return nil
}

// close moves e to a terminal status and releases its unfilled reservation.
func (m *Manager) close(ctx context.Context, e *entry, status domain.OrderStatus, reason string, mutate func(*domain.Order)) error {
	if e.order.Terminal() {
		return nil
	}
	if status == domain.OrderStatusRejected && !domain.CanTransition(e.order.Status, status) {
		status = domain.OrderStatusCancelled
	}
	if err := m.transition(ctx, e, status, reason, nil, mutate); err != nil {
		return err
	}
	m.ledger.Release(risk.Reservation{Key: e.order.Key, Symbol: e.order.Symbol})
	return nil
}

// transition records cur -> to and only then updates the in-memory order.
func (m *Manager) transition(ctx context.Context, e *entry, to domain.OrderStatus, reason string, fill *domain.Fill, mutate func(*domain.Order)) error {
	cur := e.order
	switch {
	case cur.Status == "" && to == domain.OrderStatusCreated:
	case fill != nil && cur.Status == to && to.Terminal():
	case domain.CanTransition(cur.Status, to):
	default:
		return errs.New("engine.transition", errs.KindConflict, errs.WithOrderKey(cur.Key),
			errs.WithMessage(fmt.Sprintf("illegal transition %s -> %s", cur.Status, to)))
	}

	now := m.opts.Now()
	next := cur
	if mutate != nil {
		mutate(&next)
	}
	next.Status = to
	next.UpdatedAt = now
	if reason != "" {
		next.Reason = reason
	}
	tr := domain.OrderTransition{
		OrderKey: next.Key,
		From:     cur.Status,
		To:       to,
		Order:    next,
		Fill:     fill,
		Reason:   reason,
		At:       now,
	}

	// Recording must outlive a cancelled caller.
	seq, err := m.store.Append(context.WithoutCancel(ctx), tr)
	if errors.Is(err, store.ErrDuplicateFill) {
		return err
	}
	if err != nil {
		m.opts.Metrics.PersistenceFailure(ctx)
		perr := errs.Persistence("engine.transition", next.Key, err)
		m.log.Error("transition not recorded", "order", next.Key, "from", cur.Status, "to", to, "error", err)
		if m.opts.OnFatal != nil {
			m.opts.OnFatal(perr)
		}
		return perr
	}

	tr.Seq = seq
	e.order = next
	e.publish()
	m.opts.Metrics.Transition(ctx, string(to))
	if m.opts.Publisher != nil {
		m.opts.Publisher.Publish(tr)
	}
	m.log.Debug("order transition", "order", next.Key, "seq", seq, "from", cur.Status, "to", to, "reason", reason)
	return nil
}

// ---------------------------------------------------------------------------
// Cancellation and expiry
// ---------------------------------------------------------------------------

// Cancel cancels an open order. Orders the broker never saw close at once;
// submitted orders get a broker cancel and close when the broker confirms.
// Cancelling a closed order returns it unchanged.
func (m *Manager) Cancel(ctx context.Context, key, reason string) (domain.Order, error) {
	e := m.entry(key)
	if e == nil {
		return domain.Order{}, errs.New("engine.Cancel", errs.KindNotFound, errs.WithOrderKey(key), errs.WithMessage("unknown order"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := m.cancelLocked(ctx, e, reasonOr(reason, "cancelled by request"), false)
	return e.order, err
}

func (m *Manager) cancelLocked(ctx context.Context, e *entry, reason string, expire bool) error {
	if e.order.Terminal() {
		return nil
	}
	target := domain.OrderStatusCancelled
	if expire {
		target = domain.OrderStatusExpired
	}
	if !e.order.Status.Submitted() {
		return m.close(ctx, e, target, reason, nil)
	}

	id := e.order.BrokerID
	if id == "" {
		bo, err := m.broker.GetOrderByClientID(ctx, e.order.Key)
		if errs.Is(err, errs.KindNotFound) {
			return m.close(ctx, e, target, reason+" (never reached broker)", nil)
		}
		if err != nil {
			return err
		}
		if err := m.adopt(ctx, e, bo); err != nil {
			return err
		}
		if e.order.Terminal() {
			return nil
		}
		id = bo.ID
	}
	if e.cancelRequested {
		return nil
	}
	if err := m.broker.CancelOrder(ctx, id); err != nil {
		m.opts.Metrics.BrokerError(ctx, string(errs.KindOf(err)))
		if !errs.Is(err, errs.KindNotFound) && !errs.Is(err, errs.KindBrokerRejected) {
			return err
		}
		// The broker refuses to cancel orders it already closed; its record
		// carries any fills the update stream never delivered.
		m.log.Warn("cancel refused by broker, reconciling", "order", e.order.Key, "broker_id", id, "error", err)
		if rerr := m.reconcileLocked(ctx, e); rerr != nil {
			return rerr
		}
		if e.order.Terminal() {
			return nil
		}
		return err
	}
	e.cancelRequested = true
	e.expiring = expire
	m.log.Info("cancel requested", "order", e.order.Key, "broker_id", id, "reason", reason)
	return nil
}

// CancelAll cancels every open order and returns the affected keys.
func (m *Manager) CancelAll(ctx context.Context, reason string) ([]string, error) {
	var (
		keys []string
		all  []error
	)
	for _, e := range m.openEntries() {
		e.mu.Lock()
		if !e.order.Terminal() {
			if err := m.cancelLocked(ctx, e, reason, false); err != nil {
				all = append(all, fmt.Errorf("cancel %s: %w", e.order.Key, err))
			} else {
				keys = append(keys, e.order.Key)
			}
		}
		e.mu.Unlock()
	}
	sort.Strings(keys)
	return keys, errors.Join(all...)
}

// Halt engages the ledger kill switch and cancels every open order through
// the normal cancellation path. Calling it again is harmless.
func (m *Manager) Halt(ctx context.Context, reason string) (HaltResult, error) {
	reason = reasonOr(reason, "operator halt")
	was := m.ledger.Halt()
	keys, err := m.CancelAll(ctx, reason)
	if was {
		m.log.Warn("trading halted", "reason", reason, "orders", len(keys))
	}
	return HaltResult{WasRunning: was, Orders: keys}, err
}

// Resume lifts a halt.
func (m *Manager) Resume() {
	m.ledger.Resume()
	m.log.Info("trading resumed")
}

// ExpireStale expires every open order whose time in force elapsed before
// now. Busy orders are skipped until the next call.
func (m *Manager) ExpireStale(ctx context.Context, now time.Time) int {
	n := 0
	for _, e := range m.openEntries() {
		if !e.mu.TryLock() {
			continue
		}
		o := e.order
		if !o.Terminal() && !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt) {
			if err := m.cancelLocked(ctx, e, "time in force elapsed", true); err != nil {
				m.log.Warn("expiring order", "order", o.Key, "error", err)
			} else {
				n++
			}
		}
		e.mu.Unlock()
	}
	return n
}

// Sweep expires stale orders, reconciles open orders the broker has not
// reported on within StuckAfter, and forgets terminal orders past retention.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.opts.Now()
	if n := m.ExpireStale(ctx, now); n > 0 {
		m.log.Info("expired stale orders", "count", n)
	}

	for _, e := range m.openEntries() {
		if !e.mu.TryLock() {
			continue
		}
		o := e.order
		last := o.UpdatedAt
		if e.checkedAt.After(last) {
			last = e.checkedAt
		}
		if o.Status.Submitted() && now.Sub(last) > m.opts.StuckAfter {
			e.checkedAt = now
			if err := m.reconcileLocked(ctx, e); err != nil {
				m.log.Warn("reconciling quiet order", "order", o.Key, "status", o.Status, "error", err)
			}
		}
		e.mu.Unlock()
	}

	cutoff := now.Add(-m.opts.Retention)
	m.mu.Lock()
	for key, e := range m.orders {
		if o := e.load(); o.Terminal() && o.UpdatedAt.Before(cutoff) {
			delete(m.orders, key)
		}
	}
	m.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Read views and lifecycle
// ---------------------------------------------------------------------------

func (m *Manager) entry(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[key]
}

func (m *Manager) openEntries() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entry, 0, len(m.orders))
	for _, e := range m.orders {
		if o := e.load(); o.Key != "" && !o.Terminal() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].load().CreatedAt.Before(out[j].load().CreatedAt) })
	return out
}

// Get returns the last durable state of the order with key.
func (m *Manager) Get(key string) (domain.Order, bool) {
	e := m.entry(key)
	if e == nil {
		return domain.Order{}, false
	}
	o := e.load()
	return o, o.Key != ""
}

// Orders returns every order held in memory, newest first.
func (m *Manager) Orders() []domain.Order {
	m.mu.Lock()
	out := make([]domain.Order, 0, len(m.orders))
	for _, e := range m.orders {
		if o := e.load(); o.Key != "" {
			out = append(out, o)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Open returns the non-terminal orders, oldest first.
func (m *Manager) Open() []domain.Order {
	entries := m.openEntries()
	out := make([]domain.Order, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.load())
	}
	return out
}

// Close stops accepting submissions and waits until in-flight submissions
// have reached a durable state or ctx expires.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight submissions: %w", ctx.Err())
	}
}

func brokerID(id string) func(*domain.Order) {
	return func(o *domain.Order) {
		if id != "" {
			o.BrokerID = id
		}
	}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
