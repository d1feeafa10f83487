package broker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"sentinel/internal/config"
	"sentinel/internal/domain"
	"sentinel/internal/errs"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func limitOrder(key string, side domain.OrderSide, qty, price string) domain.Order {
	return domain.Order{
		Key:         key,
		Symbol:      "AAPL",
		Side:        side,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceDay,
		Qty:         d(qty),
		LimitPrice:  d(price),
		Status:      domain.OrderStatusSubmitted,
	}
}

func TestAlpacaBrokerName(t *testing.T) {
	b := NewAlpacaBroker(config.Alpaca{APIKey: "key", APISecret: "secret", BaseURL: "https://paper-api.alpaca.markets"})
	if got := b.Name(); got != "alpaca" {
		t.Errorf("AlpacaBroker.Name() = %q, want %q", got, "alpaca")
	}
}

func TestSimulatorBrokerName(t *testing.T) {
	b := NewSimulatorBroker()
	if got := b.Name(); got != "simulator" {
		t.Errorf("SimulatorBroker.Name() = %q, want %q", got, "simulator")
	}
}

func TestSimulatorImmediateFill(t *testing.T) {
	b := NewSimulatorBroker()
	ctx := context.Background()

	ack, err := b.SubmitOrder(ctx, limitOrder("k1", domain.OrderSideBuy, "10", "100"))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if ack.Status != domain.OrderStatusAccepted || !ack.FilledQty.IsZero() {
		t.Fatalf("ack = %+v, want accepted and unfilled", ack)
	}

	updates := b.Drain()
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	if updates[0].Event != domain.BrokerEventAccepted {
		t.Errorf("first update = %s, want accepted", updates[0].Event)
	}
	fill := updates[1]
	if fill.Event != domain.BrokerEventFill || !fill.FillQty.Equal(d("10")) || !fill.FilledQty.Equal(d("10")) {
		t.Errorf("fill update = %+v", fill)
	}
	if fill.FillID == "" {
		t.Error("fill update has no fill id")
	}

	positions, _ := b.GetPositions(ctx)
	if len(positions) != 1 || !positions[0].Qty.Equal(d("10")) {
		t.Errorf("positions = %+v", positions)
	}
	acct, _ := b.GetAccount(ctx)
	if !acct.Cash.Equal(d("99000")) {
		t.Errorf("cash = %s, want 99000", acct.Cash)
	}
}

func TestSimulatorRefusesDuplicateClientOrderID(t *testing.T) {
	b := NewSimulatorBroker(WithFillMode(FillManual))
	ctx := context.Background()
	if _, err := b.SubmitOrder(ctx, limitOrder("dup", domain.OrderSideBuy, "1", "10")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := b.SubmitOrder(ctx, limitOrder("dup", domain.OrderSideBuy, "1", "10"))
	if !errs.Is(err, errs.KindBrokerAmbiguous) {
		t.Fatalf("second submit err = %v, want ambiguous", err)
	}
	if b.OrderCount() != 1 {
		t.Errorf("OrderCount = %d, want 1", b.OrderCount())
	}
}

func TestSimulatorInjectedFaults(t *testing.T) {
	b := NewSimulatorBroker(WithFillMode(FillManual))
	ctx := context.Background()

	b.FailNextSubmit(errs.KindBrokerTransient, false)
	if _, err := b.SubmitOrder(ctx, limitOrder("a", domain.OrderSideBuy, "1", "10")); !errs.Is(err, errs.KindBrokerTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
	if _, err := b.GetOrderByClientID(ctx, "a"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("unprocessed order lookup err = %v, want not found", err)
	}

	b.FailNextSubmit(errs.KindBrokerAmbiguous, true)
	if _, err := b.SubmitOrder(ctx, limitOrder("b", domain.OrderSideBuy, "1", "10")); !errs.Is(err, errs.KindBrokerAmbiguous) {
		t.Fatalf("err = %v, want ambiguous", err)
	}
	bo, err := b.GetOrderByClientID(ctx, "b")
	if err != nil {
		t.Fatalf("processed order lookup: %v", err)
	}
	if bo.Status != domain.OrderStatusAccepted {
		t.Errorf("status = %s, want accepted", bo.Status)
	}
}

func TestSimulatorPartialFillAndCancel(t *testing.T) {
	b := NewSimulatorBroker(WithFillMode(FillManual))
	ctx := context.Background()
	ack, _ := b.SubmitOrder(ctx, limitOrder("p", domain.OrderSideSell, "10", "50"))
	b.Drain()

	if err := b.Fill("p", d("4"), d("50")); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if err := b.Fill("p", d("7"), d("50")); err == nil {
		t.Error("overfill accepted")
	}
	if err := b.CancelOrder(ctx, ack.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	updates := b.Drain()
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	if updates[0].Event != domain.BrokerEventPartialFill || !updates[0].FilledQty.Equal(d("4")) {
		t.Errorf("partial = %+v", updates[0])
	}
	if updates[1].Event != domain.BrokerEventCanceled {
		t.Errorf("cancel = %+v", updates[1])
	}
	bo, _ := b.GetOrderByClientID(ctx, "p")
	if bo.Status != domain.OrderStatusCancelled || !bo.FilledQty.Equal(d("4")) {
		t.Errorf("order = %+v", bo)
	}
}

func TestSimulatorStreamUpdates(t *testing.T) {
	b := NewSimulatorBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan domain.BrokerUpdate, 4)
	go func() { _ = b.StreamUpdates(ctx, func(u domain.BrokerUpdate) { got <- u }) }()

	if _, err := b.SubmitOrder(ctx, limitOrder("s", domain.OrderSideBuy, "1", "10")); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	for _, want := range []domain.BrokerEvent{domain.BrokerEventAccepted, domain.BrokerEventFill} {
		select {
		case u := <-got:
			if u.Event != want {
				t.Errorf("event = %s, want %s", u.Event, want)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestFromTradeUpdate(t *testing.T) {
	qty, price := d("5"), d("12.5")
	tu := alpaca.TradeUpdate{
		Event:       "partial_fill",
		ExecutionID: "exec-1",
		Qty:         &qty,
		Price:       &price,
		Order:       alpaca.Order{ID: "b-1", ClientOrderID: "k", FilledQty: d("5")},
	}
	u, ok := FromTradeUpdate(tu)
	if !ok {
		t.Fatal("partial_fill not mapped")
	}
	if u.Event != domain.BrokerEventPartialFill || u.FillID != "exec-1" || !u.FilledQty.Equal(d("5")) {
		t.Errorf("update = %+v", u)
	}

	if _, ok := FromTradeUpdate(alpaca.TradeUpdate{Event: "pending_cancel"}); ok {
		t.Error("pending_cancel should be ignored")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"not found", &alpaca.APIError{StatusCode: http.StatusNotFound}, errs.KindNotFound},
		{"rate limited", &alpaca.APIError{StatusCode: http.StatusTooManyRequests}, errs.KindBrokerTransient},
		{"duplicate client id", &alpaca.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "client_order_id must be unique"}, errs.KindBrokerAmbiguous},
		{"insufficient funds", &alpaca.APIError{StatusCode: http.StatusForbidden, Message: "insufficient buying power"}, errs.KindBrokerRejected},
		{"server error", &alpaca.APIError{StatusCode: http.StatusBadGateway}, errs.KindBrokerAmbiguous},
		{"dial failure", &net.OpError{Op: "dial", Err: errors.New("refused")}, errs.KindBrokerTransient},
		{"timeout", context.DeadlineExceeded, errs.KindBrokerAmbiguous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errs.KindOf(classify("op", "k", tt.err)); got != tt.want {
				t.Errorf("classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClosedWeekdays(t *testing.T) {
	// Week of Independence Day 2024: Thursday the 4th is closed.
	from := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 7, 7, 0, 0, 0, 0, time.UTC)
	days := []alpaca.CalendarDay{
		{Date: "2024-07-01"}, {Date: "2024-07-02"}, {Date: "2024-07-03"}, {Date: "2024-07-05"},
	}

	got := closedWeekdays(days, from, to)
	if len(got) != 1 || got[0].Format("2006-01-02") != "2024-07-04" {
		t.Errorf("closed = %v, want [2024-07-04]", got)
	}
}
