package engine

import (
	"context"
	"testing"
	"time"

	"sentinel/internal/broker"
	"sentinel/internal/domain"
	"sentinel/internal/risk"
	"sentinel/internal/store"
)

// persistUntil records the lifecycle of intent up to and including last, as
// a manager that crashed right after that transition would have left it.
func persistUntil(t *testing.T, s store.Store, intent domain.OrderIntent, last domain.OrderStatus) domain.Order {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Add(-time.Minute)
	o := domain.NewOrder(intent, now)
	o.Status = ""
	for _, to := range []domain.OrderStatus{
		domain.OrderStatusCreated, domain.OrderStatusReserved, domain.OrderStatusSubmitted,
	} {
		from := o.Status
		o.Status = to
		o.UpdatedAt = now
		if _, err := s.Append(ctx, domain.OrderTransition{OrderKey: o.Key, From: from, To: to, Order: o, At: now}); err != nil {
			t.Fatalf("Append %s: %v", to, err)
		}
		if to == last {
			break
		}
	}
	return o
}

func TestRecoverSubmittedOrderFilledAtBroker(t *testing.T) {
	h := newHarness(t, broker.FillManual)
	ctx := context.Background()
	o := persistUntil(t, h.store, buyIntent("r1", "10"), domain.OrderStatusSubmitted)

	// The broker accepted and filled the order while the agent was down.
	if _, err := h.broker.SubmitOrder(ctx, o); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if err := h.broker.Fill("r1", d("10"), d("100")); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	h.broker.Drain()

	rep, err := h.m.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if rep.OpenOrders != 1 || rep.Resolved != 1 {
		t.Errorf("report = %+v", rep)
	}
	got, _ := h.m.Get("r1")
	if got.Status != domain.OrderStatusFilled || got.BrokerID == "" {
		t.Fatalf("order = %s/%q, want filled with broker id", got.Status, got.BrokerID)
	}
	if pos := h.ledger.Snapshot().Position("AAPL"); !pos.Qty.Equal(d("10")) {
		t.Errorf("ledger position = %s, want 10", pos.Qty)
	}
	if len(rep.Mismatches) != 0 {
		t.Errorf("mismatches = %v", rep.Mismatches)
	}

	// A second restart finds nothing open and keeps the position once.
	ledger := risk.NewLedger(testLimits())
	m2 := NewManager(h.broker, h.store, ledger, Options{})
	rep, err = m2.Recover(ctx)
	if err != nil {
		t.Fatalf("second Recover: %v", err)
	}
	if rep.OpenOrders != 0 {
		t.Errorf("open orders after second recovery = %d", rep.OpenOrders)
	}
	if pos := ledger.Snapshot().Position("AAPL"); !pos.Qty.Equal(d("10")) {
		t.Errorf("ledger position after second recovery = %s, want 10", pos.Qty)
	}
	if n := h.broker.SubmitCalls(); n != 1 {
		t.Errorf("SubmitCalls = %d, want 1", n)
	}
}

func TestRecoverSubmittedOrderUnknownToBroker(t *testing.T) {
	h := newHarness(t, broker.FillManual)
	persistUntil(t, h.store, buyIntent("r2", "5"), domain.OrderStatusSubmitted)

	if _, err := h.m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got, _ := h.m.Get("r2")
	if got.Status != domain.OrderStatusRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
	if _, held := h.ledger.Reservation("AAPL", "r2"); held {
		t.Error("reservation not released")
	}
	if h.broker.SubmitCalls() != 0 {
		t.Error("recovery resubmitted the order")
	}
}

func TestRecoverUnsubmittedOrdersAreCancelled(t *testing.T) {
	h := newHarness(t, broker.FillManual)
	persistUntil(t, h.store, buyIntent("r3", "5"), domain.OrderStatusCreated)
	persistUntil(t, h.store, buyIntent("r4", "5"), domain.OrderStatusReserved)

	rep, err := h.m.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if rep.Resolved != 2 {
		t.Errorf("resolved = %d, want 2", rep.Resolved)
	}
	for _, key := range []string{"r3", "r4"} {
		if o, _ := h.m.Get(key); o.Status != domain.OrderStatusCancelled {
			t.Errorf("%s status = %s, want cancelled", key, o.Status)
		}
	}
	if v := h.ledger.Snapshot(); v.Reservations != 0 {
		t.Errorf("reservations = %d, want 0", v.Reservations)
	}
}

func TestRecoverKeepsRestingOrderOpen(t *testing.T) {
	h := newHarness(t, broker.FillManual)
	ctx := context.Background()
	if _, err := h.m.Submit(ctx, buyIntent("r5", "10")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.broker.Fill("r5", d("3"), d("100")); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	h.pump(t)

	// Restart: the broker filled more while the agent was down.
	if err := h.broker.Fill("r5", d("2"), d("100")); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	h.broker.Drain()

	ledger := risk.NewLedger(testLimits())
	m2 := NewManager(h.broker, h.store, ledger, Options{})
	rep, err := m2.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if rep.Resolved != 0 {
		t.Errorf("resolved = %d, want 0", rep.Resolved)
	}
	o, _ := m2.Get("r5")
	if o.Status != domain.OrderStatusPartiallyFilled || !o.FilledQty.Equal(d("5")) {
		t.Fatalf("order = %s filled %s, want partially_filled 5", o.Status, o.FilledQty)
	}
	if pos := ledger.Snapshot().Position("AAPL"); !pos.Qty.Equal(d("5")) {
		t.Errorf("ledger position = %s, want 5", pos.Qty)
	}
	res, held := ledger.Reservation("AAPL", "r5")
	if !held || !res.Qty.Equal(d("5")) {
		t.Errorf("reservation = %+v (held %v), want 5 remaining", res, held)
	}
}

func TestRecoverReportsPositionMismatch(t *testing.T) {
	h := newHarness(t, broker.FillImmediately)
	ctx := context.Background()

	// A position opened outside the agent.
	o := domain.NewOrder(domain.OrderIntent{
		Key: "manual", Symbol: "MSFT", Side: domain.OrderSideBuy,
		Qty: d("7"), LimitPrice: d("300"), Type: domain.OrderTypeLimit,
	}, time.Now())
	if _, err := h.broker.SubmitOrder(ctx, o); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	h.broker.Drain()

	rep, err := h.m.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(rep.Mismatches) != 1 || rep.Mismatches[0] != "MSFT" {
		t.Errorf("mismatches = %v, want [MSFT]", rep.Mismatches)
	}
	if pos := h.ledger.Snapshot().Position("MSFT"); !pos.Qty.IsZero() {
		t.Errorf("ledger adopted broker position %s", pos.Qty)
	}
}
