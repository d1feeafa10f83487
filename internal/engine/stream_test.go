package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"sentinel/internal/broker"
	"sentinel/internal/domain"
	"sentinel/internal/risk"
)

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// staleLookupBroker answers order lookups with a fixed record taken before
// the order filled and reports when its stream delivers the first update.
type staleLookupBroker struct {
	*broker.SimulatorBroker
	stale domain.BrokerOrder
	seen  chan struct{}
	once  sync.Once
}

func (b *staleLookupBroker) GetOrderByClientID(context.Context, string) (domain.BrokerOrder, error) {
	return b.stale, nil
}

func (b *staleLookupBroker) StreamUpdates(ctx context.Context, handler func(domain.BrokerUpdate)) error {
	return b.SimulatorBroker.StreamUpdates(ctx, func(u domain.BrokerUpdate) {
		b.once.Do(func() { close(b.seen) })
		handler(u)
	})
}

func TestFollowHoldsUpdatesUntilRecovered(t *testing.T) {
	h := newHarness(t, broker.FillManual)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := persistUntil(t, h.store, buyIntent("f1", "10"), domain.OrderStatusSubmitted)
	if _, err := h.broker.SubmitOrder(ctx, o); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	stale, err := h.broker.GetOrderByClientID(ctx, "f1")
	if err != nil {
		t.Fatalf("GetOrderByClientID: %v", err)
	}
	if err := h.broker.Fill("f1", d("10"), d("100")); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	b := &staleLookupBroker{SimulatorBroker: h.broker, stale: stale, seen: make(chan struct{})}
	ledger := risk.NewLedger(testLimits())
	m := NewManager(b, h.store, ledger, Options{SubmitAttempts: 3, RetryBaseDelay: time.Millisecond})

	done := make(chan struct{})
	go func() {
		m.Follow(ctx)
		close(done)
	}()
	select {
	case <-b.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("stream delivered nothing")
	}

	// The broker lookup misses the fill; only the held stream update has it.
	if _, err := m.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	waitUntil(t, "held fill applied", func() bool {
		got, _ := m.Get("f1")
		return got.Status == domain.OrderStatusFilled
	})
	if pos := ledger.Snapshot().Position("AAPL"); !pos.Qty.Equal(d("10")) {
		t.Errorf("ledger position = %s, want 10", pos.Qty)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after cancellation")
	}
}

func TestFollowReconcilesAfterReconnect(t *testing.T) {
	h := newHarness(t, broker.FillManual)
	h.m = NewManager(h.broker, h.store, h.ledger, Options{SubmitAttempts: 3, RetryBaseDelay: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := h.m.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	done := make(chan struct{})
	go func() {
		h.m.Follow(ctx)
		close(done)
	}()

	if _, err := h.m.Submit(ctx, buyIntent("f2", "10")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The fill lands while the stream is down, so its update is lost.
	h.broker.Disconnect()
	if err := h.broker.Fill("f2", d("10"), d("100")); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	waitUntil(t, "order reconciled", func() bool {
		got, _ := h.m.Get("f2")
		return got.Status == domain.OrderStatusFilled
	})
	if pos := h.ledger.Snapshot().Position("AAPL"); !pos.Qty.Equal(d("10")) {
		t.Errorf("ledger position = %s, want 10", pos.Qty)
	}
	if _, held := h.ledger.Reservation("AAPL", "f2"); held {
		t.Error("reservation not released")
	}
	ids, err := h.store.LoadAppliedFillIDs(ctx)
	if err != nil {
		t.Fatalf("LoadAppliedFillIDs: %v", err)
	}
	if len(ids) != 1 || !strings.HasPrefix(ids[0], "reconcile-") {
		t.Errorf("recorded fills = %v, want one reconciled fill", ids)
	}

	cancel()
	<-done
}
