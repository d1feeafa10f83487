package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTypesExist(t *testing.T) {
	order := Order{}
	if order.Key != "" {
		t.Error("expected empty Key for zero-value Order")
	}
	if order.Side != "" || order.Type != "" || order.Status != "" {
		t.Error("expected empty enums for zero-value Order")
	}
	if !order.Qty.IsZero() || !order.FilledQty.IsZero() || !order.FilledAvgPrice.IsZero() {
		t.Error("expected zero Qty/FilledQty/FilledAvgPrice for zero-value Order")
	}
	if !order.CreatedAt.IsZero() || !order.UpdatedAt.IsZero() {
		t.Error("expected zero timestamps for zero-value Order")
	}

	if OrderSideBuy != "buy" {
		t.Errorf("OrderSideBuy = %q, want %q", OrderSideBuy, "buy")
	}
	if OrderStatusCancelled != "cancelled" {
		t.Errorf("OrderStatusCancelled = %q, want %q", OrderStatusCancelled, "cancelled")
	}
	if OrderTypeMarket != "market" {
		t.Errorf("OrderTypeMarket = %q, want %q", OrderTypeMarket, "market")
	}
}

func TestNewOrderDefaults(t *testing.T) {
	now := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	o := NewOrder(OrderIntent{Key: "k1", Symbol: "AAPL", Side: OrderSideBuy, Qty: d("10")}, now)

	if o.Status != OrderStatusCreated {
		t.Errorf("Status = %q, want %q", o.Status, OrderStatusCreated)
	}
	if o.Type != OrderTypeLimit {
		t.Errorf("Type = %q, want %q", o.Type, OrderTypeLimit)
	}
	if o.TimeInForce != TimeInForceDay {
		t.Errorf("TimeInForce = %q, want %q", o.TimeInForce, TimeInForceDay)
	}
	if !o.RemainingQty().Equal(d("10")) {
		t.Errorf("RemainingQty = %s, want 10", o.RemainingQty())
	}
	if got := o.Intent(); got.Key != "k1" || got.Symbol != "AAPL" {
		t.Errorf("Intent() = %+v", got)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusCreated, OrderStatusReserved, true},
		{OrderStatusCreated, OrderStatusSubmitted, false},
		{OrderStatusReserved, OrderStatusSubmitted, true},
		{OrderStatusSubmitted, OrderStatusAccepted, true},
		{OrderStatusSubmitted, OrderStatusFilled, true},
		{OrderStatusAccepted, OrderStatusRejected, false},
		{OrderStatusPartiallyFilled, OrderStatusPartiallyFilled, true},
		{OrderStatusFilled, OrderStatusCancelled, false},
		{OrderStatusRejected, OrderStatusReserved, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range OpenStatuses() {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if OrderStatus("bogus").Valid() {
		t.Error("unknown status reported as valid")
	}
}

func TestPositionApplyFill(t *testing.T) {
	ts := time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)
	p := Position{Symbol: "AAPL"}

	p = p.ApplyFill(Fill{Symbol: "AAPL", Side: OrderSideBuy, Qty: d("10"), Price: d("100"), Timestamp: ts})
	p = p.ApplyFill(Fill{Symbol: "AAPL", Side: OrderSideBuy, Qty: d("10"), Price: d("110"), Timestamp: ts})
	if !p.Qty.Equal(d("20")) {
		t.Fatalf("Qty = %s, want 20", p.Qty)
	}
	if !p.AvgEntryPrice.Equal(d("105")) {
		t.Fatalf("AvgEntryPrice = %s, want 105", p.AvgEntryPrice)
	}

	p = p.ApplyFill(Fill{Symbol: "AAPL", Side: OrderSideSell, Qty: d("5"), Price: d("115"), Timestamp: ts})
	if !p.Qty.Equal(d("15")) {
		t.Errorf("Qty = %s, want 15", p.Qty)
	}
	if !p.RealizedPnL.Equal(d("50")) {
		t.Errorf("RealizedPnL = %s, want 50", p.RealizedPnL)
	}
	if !p.AvgEntryPrice.Equal(d("105")) {
		t.Errorf("AvgEntryPrice changed on reduce: %s", p.AvgEntryPrice)
	}

	// Flip through zero to short 5 at 100.
	p = p.ApplyFill(Fill{Symbol: "AAPL", Side: OrderSideSell, Qty: d("20"), Price: d("100"), Timestamp: ts})
	if !p.Qty.Equal(d("-5")) {
		t.Errorf("Qty = %s, want -5", p.Qty)
	}
	if !p.AvgEntryPrice.Equal(d("100")) {
		t.Errorf("AvgEntryPrice = %s, want 100", p.AvgEntryPrice)
	}
	if !p.RealizedPnL.Equal(d("-25")) {
		t.Errorf("RealizedPnL = %s, want -25", p.RealizedPnL)
	}

	p.MarkPrice = d("90")
	if !p.UnrealizedPnL().Equal(d("50")) {
		t.Errorf("UnrealizedPnL = %s, want 50", p.UnrealizedPnL())
	}
}

func TestPositionBestPrice(t *testing.T) {
	ts := time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)
	p := Position{Symbol: "AAPL"}.ApplyFill(Fill{Symbol: "AAPL", Side: OrderSideBuy, Qty: d("10"), Price: d("100"), Timestamp: ts})
	if !p.BestPrice.Equal(d("100")) {
		t.Fatalf("BestPrice after entry = %s, want 100", p.BestPrice)
	}
	p = p.Marked(d("104")).Marked(d("102"))
	if !p.BestPrice.Equal(d("104")) || !p.MarkPrice.Equal(d("102")) {
		t.Errorf("long best/mark = %s/%s, want 104/102", p.BestPrice, p.MarkPrice)
	}

	// Flip to short 5 at 101; the low since then is tracked.
	p = p.ApplyFill(Fill{Symbol: "AAPL", Side: OrderSideSell, Qty: d("15"), Price: d("101"), Timestamp: ts})
	if !p.BestPrice.Equal(d("101")) {
		t.Fatalf("BestPrice after flip = %s, want 101", p.BestPrice)
	}
	p = p.Marked(d("97")).Marked(d("99"))
	if !p.BestPrice.Equal(d("97")) {
		t.Errorf("short best = %s, want 97", p.BestPrice)
	}

	p = p.ApplyFill(Fill{Symbol: "AAPL", Side: OrderSideBuy, Qty: d("5"), Price: d("99"), Timestamp: ts})
	if !p.Qty.IsZero() || !p.BestPrice.IsZero() {
		t.Errorf("flat position = %s best %s, want 0 best 0", p.Qty, p.BestPrice)
	}
}
