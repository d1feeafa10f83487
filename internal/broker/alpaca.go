package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"golang.org/x/time/rate"

	"sentinel/internal/config"
	"sentinel/internal/domain"
	"sentinel/internal/errs"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
// Calls are throttled to the configured requests per minute.
type AlpacaBroker struct {
	client  *alpaca.Client
	limiter *rate.Limiter
	log     *slog.Logger

	mu         sync.Mutex
	lastUpdate time.Time
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(cfg config.Alpaca) *AlpacaBroker {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 200
	}
	burst := rpm / 60
	if burst < 1 {
		burst = 1
	}
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60), burst),
		log:     slog.Default().With("broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

func (b *AlpacaBroker) wait(ctx context.Context, op string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return Transient(op, err)
	}
	return nil
}

// SubmitOrder sends an order to the Alpaca API for execution.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, order domain.Order) (domain.BrokerOrder, error) {
	const op = "alpaca.SubmitOrder"
	if err := b.wait(ctx, op); err != nil {
		return domain.BrokerOrder{}, err
	}

	qty := order.Qty
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(order.Side),
		Type:          alpaca.OrderType(order.Type),
		TimeInForce:   alpaca.TimeInForce(order.TimeInForce),
		ClientOrderID: order.Key,
	}
	if order.Type == domain.OrderTypeLimit {
		limit := order.LimitPrice
		req.LimitPrice = &limit
	}

	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		return domain.BrokerOrder{}, classify(op, order.Key, err)
	}
	return toBrokerOrder(*placed), nil
}

// GetOrderByClientID looks up an order by its client order id.
func (b *AlpacaBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.BrokerOrder, error) {
	const op = "alpaca.GetOrderByClientID"
	if err := b.wait(ctx, op); err != nil {
		return domain.BrokerOrder{}, err
	}
	o, err := b.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		return domain.BrokerOrder{}, classify(op, clientOrderID, err)
	}
	return toBrokerOrder(*o), nil
}

// CancelOrder requests cancellation of an open order via the Alpaca API.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	const op = "alpaca.CancelOrder"
	if err := b.wait(ctx, op); err != nil {
		return err
	}
	if err := b.client.CancelOrder(brokerOrderID); err != nil {
		return classify(op, brokerOrderID, err)
	}
	return nil
}

// GetPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	const op = "alpaca.GetPositions"
	if err := b.wait(ctx, op); err != nil {
		return nil, err
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, classify(op, "", err)
	}
	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		pos := domain.Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
		}
		if p.CurrentPrice != nil {
			pos.MarkPrice = *p.CurrentPrice
		}
		out = append(out, pos)
	}
	return out, nil
}

// GetAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	const op = "alpaca.GetAccount"
	if err := b.wait(ctx, op); err != nil {
		return domain.AccountInfo{}, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return domain.AccountInfo{}, classify(op, "", err)
	}
	return domain.AccountInfo{
		Equity:      acct.Equity,
		Cash:        acct.Cash,
		BuyingPower: acct.BuyingPower,
	}, nil
}

// StreamUpdates subscribes to the trade_updates stream and blocks until ctx
// is cancelled or the connection ends. A new subscription resumes after the
// last update this broker delivered.
func (b *AlpacaBroker) StreamUpdates(ctx context.Context, handler func(domain.BrokerUpdate)) error {
	const op = "alpaca.StreamUpdates"
	req := alpaca.StreamTradeUpdatesRequest{}
	b.mu.Lock()
	if !b.lastUpdate.IsZero() {
		req.Since = b.lastUpdate.Add(time.Nanosecond)
	}
	b.mu.Unlock()

	b.log.Info("trade update stream starting", "since", req.Since)
	err := b.client.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
		b.mu.Lock()
		if tu.At.After(b.lastUpdate) {
			b.lastUpdate = tu.At
		}
		b.mu.Unlock()
		u, ok := FromTradeUpdate(tu)
		if !ok {
			b.log.Debug("ignoring trade update", "event", tu.Event, "client_order_id", tu.Order.ClientOrderID)
			return
		}
		handler(u)
	}, req)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = errors.New("stream closed by server")
	}
	return errs.New(op, errs.KindBrokerTransient, errs.WithCause(err))
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

// FromTradeUpdate maps an Alpaca trade update onto a BrokerUpdate. Events
// with no lifecycle meaning return false.
func FromTradeUpdate(tu alpaca.TradeUpdate) (domain.BrokerUpdate, bool) {
	u := domain.BrokerUpdate{
		ClientOrderID: tu.Order.ClientOrderID,
		BrokerOrderID: tu.Order.ID,
		At:            tu.At,
	}
	if tu.Timestamp != nil {
		u.At = *tu.Timestamp
	}

	switch tu.Event {
	case "new", "accepted", "pending_new":
		u.Event = domain.BrokerEventAccepted
	case "fill", "partial_fill":
		u.Event = domain.BrokerEventFill
		if tu.Event == "partial_fill" {
			u.Event = domain.BrokerEventPartialFill
		}
		if tu.Qty != nil {
			u.FillQty = *tu.Qty
		}
		if tu.Price != nil {
			u.FillPrice = *tu.Price
		}
		u.FilledQty = tu.Order.FilledQty
		u.FillID = tu.ExecutionID
		if u.FillID == "" {
			// Cumulative filled quantity identifies the execution within
			// the order.
			u.FillID = tu.Order.ID + "-" + tu.Order.FilledQty.String()
		}
	case "canceled", "replaced":
		u.Event = domain.BrokerEventCanceled
	case "expired", "done_for_day":
		u.Event = domain.BrokerEventExpired
	case "rejected":
		u.Event = domain.BrokerEventRejected
		u.Reason = "rejected by broker"
	default:
		return u, false
	}
	return u, true
}

func toBrokerOrder(o alpaca.Order) domain.BrokerOrder {
	bo := domain.BrokerOrder{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		FilledQty:     o.FilledQty,
		Status:        mapStatus(string(o.Status)),
		UpdatedAt:     o.UpdatedAt,
	}
	if o.Qty != nil {
		bo.Qty = *o.Qty
	}
	if o.FilledAvgPrice != nil {
		bo.FilledAvgPrice = *o.FilledAvgPrice
	}
	return bo
}

// mapStatus converts an Alpaca order status into the local lifecycle.
func mapStatus(status string) domain.OrderStatus {
	switch status {
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "replaced":
		return domain.OrderStatusCancelled
	case "expired", "done_for_day":
		return domain.OrderStatusExpired
	case "rejected":
		return domain.OrderStatusRejected
	default:
		// new, accepted, pending_new, pending_cancel, pending_replace,
		// accepted_for_bidding, stopped, suspended, calculated.
		return domain.OrderStatusAccepted
	}
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

// classify maps an Alpaca client error onto the broker error taxonomy.
func classify(op, id string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		opts := []errs.Option{errs.WithCause(err), errs.WithOrderKey(id), errs.WithHTTP(apiErr.StatusCode), errs.WithMessage(apiErr.Message)}
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return errs.New(op, errs.KindNotFound, opts...)
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusServiceUnavailable:
			return errs.New(op, errs.KindBrokerTransient, opts...)
		case apiErr.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(strings.ToLower(apiErr.Message), "client_order_id"):
			// Duplicate client order id: an earlier attempt reached the broker.
			return errs.New(op, errs.KindBrokerAmbiguous, opts...)
		case apiErr.StatusCode >= 500:
			return errs.New(op, errs.KindBrokerAmbiguous, opts...)
		default:
			return errs.New(op, errs.KindBrokerRejected, opts...)
		}
	}

	if isConnectFailure(err) {
		return errs.New(op, errs.KindBrokerTransient, errs.WithCause(err), errs.WithOrderKey(id))
	}
	// Timeouts, resets and unknown transport failures may have been
	// processed.
	return errs.New(op, errs.KindBrokerAmbiguous, errs.WithCause(err), errs.WithOrderKey(id))
}

// isConnectFailure reports errors raised before any request byte was sent.
func isConnectFailure(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

// Holidays returns the weekdays in [from, to] on which the exchange holds no
// session, according to the Alpaca trading calendar.
func (b *AlpacaBroker) Holidays(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	if err := b.wait(ctx, "broker.Holidays"); err != nil {
		return nil, err
	}
	days, err := b.client.GetCalendar(alpaca.GetCalendarRequest{Start: from, End: to})
	if err != nil {
		return nil, classify("broker.Holidays", "", err)
	}
	return closedWeekdays(days, from, to), nil
}

// closedWeekdays lists the weekdays between from and to that are missing
// from the session calendar. Days are returned at noon UTC so they keep
// their date in exchange time.
func closedWeekdays(days []alpaca.CalendarDay, from, to time.Time) []time.Time {
	open := make(map[string]bool, len(days))
	for _, d := range days {
		open[d.Date] = true
	}
	var closed []time.Time
	start := time.Date(from.Year(), from.Month(), from.Day(), 12, 0, 0, 0, time.UTC)
	for day := start; !day.After(to); day = day.AddDate(0, 0, 1) {
		switch day.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		if !open[day.Format("2006-01-02")] {
			closed = append(closed, day)
		}
	}
	return closed
}
