// Package risk implements the risk ledger: the in-memory mirror of positions
// and reserved capacity that gates every order before submission.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/domain"
)

// Reservation is risk capacity held for an order until it fills or is
// released.
type Reservation struct {
	Key    string           `json:"key"`
	Symbol string           `json:"symbol"`
	Side   domain.OrderSide `json:"side"`
	// Qty is the unfilled quantity still reserved.
	Qty   decimal.Decimal `json:"qty"`
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}

// book is the per-instrument state. Its mutex serializes every decision for
// the instrument and is always taken before Ledger.mu.
type book struct {
	mu           sync.Mutex
	symbol       string
	position     domain.Position
	reservations map[string]*Reservation
	lastPrice    decimal.Decimal
}

func (b *book) refPrice() decimal.Decimal {
	if b.position.MarkPrice.IsPositive() {
		return b.position.MarkPrice
	}
	if b.lastPrice.IsPositive() {
		return b.lastPrice
	}
	return b.position.AvgEntryPrice
}

func (b *book) summary() InstrumentView {
	var buy, sell decimal.Decimal
	for _, r := range b.reservations {
		if r.Side == domain.OrderSideBuy {
			buy = buy.Add(r.Qty)
		} else {
			sell = sell.Add(r.Qty)
		}
	}
	worstLong := b.position.Qty.Add(buy)
	worstShort := b.position.Qty.Sub(sell)
	price := b.refPrice()
	return InstrumentView{
		Symbol:       b.symbol,
		Position:     b.position,
		ReservedBuy:  buy,
		ReservedSell: sell,
		WorstLong:    worstLong,
		WorstShort:   worstShort,
		Price:        price,
		Exposure:     exposureOf(worstLong, worstShort, price),
	}
}

// Ledger is the single source of truth for "can we trade this?". Reserve,
// Release, ApplyFill and Mark hold the instrument lock and then the global
// lock; none of them perform I/O.
type Ledger struct {
	limits     domain.RiskLimits
	predicates []Predicate
	now        func() time.Time

	booksMu sync.Mutex
	books   map[string]*book

	mu           sync.Mutex
	summaries    map[string]InstrumentView
	appliedFills map[string]struct{}
	orderTimes   []time.Time
	reservations int
	peakEquity   decimal.Decimal
	halted       bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPredicates appends custom predicates after the defaults.
func WithPredicates(p ...Predicate) Option {
	return func(l *Ledger) {
		l.predicates = append(l.predicates, p...)
	}
}

// WithRules replaces the predicate set entirely.
func WithRules(p ...Predicate) Option {
	return func(l *Ledger) {
		l.predicates = p
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates an empty ledger enforcing limits.
func NewLedger(limits domain.RiskLimits, opts ...Option) *Ledger {
	l := &Ledger{
		limits:       limits,
		predicates:   DefaultPredicates(),
		now:          time.Now,
		books:        make(map[string]*book),
		summaries:    make(map[string]InstrumentView),
		appliedFills: make(map[string]struct{}),
		peakEquity:   limits.StartingEquity,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the configured limits.
func (l *Ledger) Limits() domain.RiskLimits {
	return l.limits
}

func (l *Ledger) book(symbol string) *book {
	l.booksMu.Lock()
	defer l.booksMu.Unlock()
	b, ok := l.books[symbol]
	if !ok {
		b = &book{
			symbol:       symbol,
			position:     domain.Position{Symbol: symbol},
			reservations: make(map[string]*Reservation),
		}
		l.books[symbol] = b
	}
	return b
}

// ---------------------------------------------------------------------------
// Reservation gate
// ---------------------------------------------------------------------------

// Reserve admits intent if every predicate passes against the confirmed
// exposure plus all outstanding reservations plus the intent. Reserving the
// same key twice returns the existing reservation.
func (l *Ledger) Reserve(intent domain.OrderIntent) (Reservation, error) {
	if v := validateIntent(intent); v != nil {
		return Reservation{}, v
	}

	b := l.book(intent.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, ok := b.reservations[intent.Key]; ok {
		return *r, nil
	}

	price := b.refPrice()
	if price.IsZero() {
		price = intent.LimitPrice
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneOrdersLocked(now)
	view := l.viewLocked(now)
	if l.halted {
		return Reservation{}, &Violation{Code: TradingHalted, Symbol: intent.Symbol, Attempted: intent.Qty}
	}

	cand := l.candidate(b, intent, price, view, now)
	for _, p := range l.predicates {
		if v := p.Check(view, cand); v != nil {
			return Reservation{}, v
		}
	}

	res := &Reservation{
		Key:    intent.Key,
		Symbol: intent.Symbol,
		Side:   intent.Side,
		Qty:    intent.Qty,
		Price:  price,
		At:     now,
	}
	b.reservations[intent.Key] = res
	if intent.LimitPrice.IsPositive() {
		b.lastPrice = intent.LimitPrice
	}
	l.orderTimes = append(l.orderTimes, now)
	l.reservations++
	l.summaries[b.symbol] = b.summary()
	return *res, nil
}

func (l *Ledger) candidate(b *book, intent domain.OrderIntent, price decimal.Decimal, view View, now time.Time) Candidate {
	cur := view.Instrument(b.symbol)
	worstLong, worstShort := cur.WorstLong, cur.WorstShort
	if intent.Side == domain.OrderSideBuy {
		worstLong = worstLong.Add(intent.Qty)
	} else {
		worstShort = worstShort.Sub(intent.Qty)
	}

	ref := cur.Price
	if ref.IsZero() {
		ref = price
	}
	exposure := view.Exposure.Sub(cur.Exposure).Add(exposureOf(worstLong, worstShort, ref))

	pos := b.position.Qty
	increases := pos.IsZero() ||
		(intent.Side == domain.OrderSideBuy && pos.IsPositive()) ||
		(intent.Side == domain.OrderSideSell && pos.IsNegative()) ||
		intent.Qty.GreaterThan(pos.Abs())

	return Candidate{
		Intent:     intent,
		At:         now,
		Price:      ref,
		WorstLong:  worstLong,
		WorstShort: worstShort,
		Exposure:   exposure,
		Increases:  increases,
	}
}

func validateIntent(intent domain.OrderIntent) *Violation {
	switch {
	case intent.Key == "":
		return &Violation{Code: InvalidIntent, Symbol: intent.Symbol, Detail: "missing idempotency key"}
	case intent.Symbol == "":
		return &Violation{Code: InvalidIntent, Detail: "missing symbol"}
	case !intent.Side.Valid():
		return &Violation{Code: InvalidIntent, Symbol: intent.Symbol, Detail: "unknown side " + string(intent.Side)}
	case !intent.Qty.IsPositive():
		return &Violation{Code: InvalidIntent, Symbol: intent.Symbol, Attempted: intent.Qty, Detail: "quantity must be positive"}
	case intent.LimitPrice.IsNegative():
		return &Violation{Code: InvalidIntent, Symbol: intent.Symbol, Detail: "negative limit price"}
	}
	return nil
}

// Release returns the unfilled part of a reservation. Releasing an unknown
// or already released reservation is a no-op.
func (l *Ledger) Release(r Reservation) bool {
	b := l.book(r.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.reservations[r.Key]; !ok {
		return false
	}
	delete(b.reservations, r.Key)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.reservations--
	l.summaries[b.symbol] = b.summary()
	return true
}

// ApplyFill moves filled quantity from the order's reservation into the
// confirmed position. Each Fill.ID is applied at most once; duplicates
// return false and change nothing.
func (l *Ledger) ApplyFill(f domain.Fill) bool {
	b := l.book(f.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.appliedFills[f.ID]; seen {
		return false
	}
	l.appliedFills[f.ID] = struct{}{}

	mark := b.position.MarkPrice
	b.position = b.position.ApplyFill(f)
	b.position.MarkPrice = mark
	if mark.IsZero() {
		b.lastPrice = f.Price
	}

	if r, ok := b.reservations[f.OrderKey]; ok {
		r.Qty = r.Qty.Sub(f.Qty)
		if !r.Qty.IsPositive() {
			delete(b.reservations, f.OrderKey)
			l.reservations--
		}
	}

	l.summaries[b.symbol] = b.summary()
	l.updatePeakLocked()
	return true
}

// Mark records the latest traded price of symbol for valuation.
func (l *Ledger) Mark(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	b := l.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.position = b.position.Marked(price)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.summaries[b.symbol] = b.summary()
	l.updatePeakLocked()
}

// ---------------------------------------------------------------------------
// Kill switch
// ---------------------------------------------------------------------------

// Halt refuses every later reservation until Resume. It reports whether the
// ledger was running before the call.
func (l *Ledger) Halt() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	was := !l.halted
	l.halted = true
	return was
}

// Resume lifts a halt.
func (l *Ledger) Resume() {
	l.mu.Lock()
	l.halted = false
	l.mu.Unlock()
}

// Halted reports whether the kill switch is engaged.
func (l *Ledger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// ---------------------------------------------------------------------------
// Snapshot and recovery
// ---------------------------------------------------------------------------

// Snapshot returns an immutable view of the ledger.
func (l *Ledger) Snapshot() View {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneOrdersLocked(now)
	return l.viewLocked(now)
}

// Restore replaces the ledger state with recovered positions, reservations
// for every open order that may still fill, and the ids of fills already
// applied. It must run before any concurrent use.
func (l *Ledger) Restore(positions []domain.Position, open []domain.Order, appliedFills []string) {
	l.booksMu.Lock()
	l.books = make(map[string]*book)
	l.booksMu.Unlock()

	for _, p := range positions {
		b := l.book(p.Symbol)
		b.position = p
	}

	count := 0
	for _, o := range open {
		switch o.Status {
		case domain.OrderStatusReserved, domain.OrderStatusSubmitted,
			domain.OrderStatusAccepted, domain.OrderStatusPartiallyFilled:
		default:
			continue
		}
		rem := o.RemainingQty()
		if !rem.IsPositive() {
			continue
		}
		b := l.book(o.Symbol)
		b.reservations[o.Key] = &Reservation{
			Key:    o.Key,
			Symbol: o.Symbol,
			Side:   o.Side,
			Qty:    rem,
			Price:  o.LimitPrice,
			At:     o.UpdatedAt,
		}
		if o.LimitPrice.IsPositive() {
			b.lastPrice = o.LimitPrice
		}
		count++
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.summaries = make(map[string]InstrumentView)
	l.booksMu.Lock()
	for sym, b := range l.books {
		l.summaries[sym] = b.summary()
	}
	l.booksMu.Unlock()
	l.appliedFills = make(map[string]struct{}, len(appliedFills))
	for _, id := range appliedFills {
		l.appliedFills[id] = struct{}{}
	}
	l.reservations = count
	l.orderTimes = nil
	l.peakEquity = l.limits.StartingEquity
	l.updatePeakLocked()
}

// Reservation returns the outstanding reservation for key on symbol.
func (l *Ledger) Reservation(symbol, key string) (Reservation, bool) {
	b := l.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.reservations[key]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

func (l *Ledger) pruneOrdersLocked(now time.Time) {
	if l.limits.OrderWindow <= 0 {
		l.orderTimes = l.orderTimes[:0]
		return
	}
	cutoff := now.Add(-l.limits.OrderWindow)
	i := 0
	for i < len(l.orderTimes) && !l.orderTimes[i].After(cutoff) {
		i++
	}
	l.orderTimes = l.orderTimes[i:]
}

func (l *Ledger) pnlLocked() (realized, unrealized decimal.Decimal) {
	for _, s := range l.summaries {
		realized = realized.Add(s.Position.RealizedPnL)
		unrealized = unrealized.Add(s.Position.UnrealizedPnL())
	}
	return realized, unrealized
}

func (l *Ledger) updatePeakLocked() {
	realized, unrealized := l.pnlLocked()
	equity := l.limits.StartingEquity.Add(realized).Add(unrealized)
	if equity.GreaterThan(l.peakEquity) {
		l.peakEquity = equity
	}
}

func (l *Ledger) viewLocked(now time.Time) View {
	instruments := make(map[string]InstrumentView, len(l.summaries))
	var exposure decimal.Decimal
	for sym, s := range l.summaries {
		instruments[sym] = s
		exposure = exposure.Add(s.Exposure)
	}
	realized, unrealized := l.pnlLocked()
	equity := l.limits.StartingEquity.Add(realized).Add(unrealized)
	drawdown := l.peakEquity.Sub(equity)
	if drawdown.IsNegative() {
		drawdown = decimal.Zero
	}
	return View{
		At:             now,
		Limits:         l.limits,
		Instruments:    instruments,
		Exposure:       exposure,
		RealizedPnL:    realized,
		UnrealizedPnL:  unrealized,
		Equity:         equity,
		PeakEquity:     l.peakEquity,
		Drawdown:       drawdown,
		OrdersInWindow: len(l.orderTimes),
		Reservations:   l.reservations,
		Halted:         l.halted,
	}
}
