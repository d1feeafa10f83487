package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/domain"
	"sentinel/internal/risk"
)

// stubPolicy is a minimal Policy implementation used in registry tests.
type stubPolicy struct {
	name string
}

func (s *stubPolicy) Name() string { return s.name }
func (s *stubPolicy) Decide(_ domain.SignalSnapshot, _ risk.View) Decision {
	return Hold("stub")
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubPolicy{name: "test-policy"})

	got, ok := r.Get("test-policy")
	if !ok {
		t.Fatal("Get returned false for registered policy")
	}
	if got.Name() != "test-policy" {
		t.Errorf("Get returned policy with Name() = %q, want %q", got.Name(), "test-policy")
	}
}

func TestRegistryGet_NotFound(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("nonexistent"); ok {
		t.Error("Get returned true for unregistered policy")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubPolicy{name: "beta"})
	r.Register(&stubPolicy{name: "alpha"})

	names := r.List()
	if len(names) != 2 {
		t.Fatalf("List returned %d names, want 2", len(names))
	}
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List returned %v, want [alpha beta]", names)
	}
}

func TestIntentKeyDeterministic(t *testing.T) {
	snap := domain.SignalSnapshot{Symbol: "AAPL", Timestamp: time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)}

	a := IntentKey("momentum", snap, domain.OrderSideBuy)
	b := IntentKey("momentum", snap, domain.OrderSideBuy)
	if a != b {
		t.Errorf("IntentKey not deterministic: %s != %s", a, b)
	}
	if c := IntentKey("momentum", snap, domain.OrderSideSell); c == a {
		t.Error("IntentKey ignores side")
	}
	snap.Timestamp = snap.Timestamp.Add(time.Nanosecond)
	if c := IntentKey("momentum", snap, domain.OrderSideBuy); c == a {
		t.Error("IntentKey ignores timestamp")
	}
}

func TestLimitPrice(t *testing.T) {
	if got := LimitPrice(100, domain.OrderSideBuy, 10); !got.Equal(decimal.RequireFromString("100.1")) {
		t.Errorf("buy limit = %s, want 100.1", got)
	}
	if got := LimitPrice(100, domain.OrderSideSell, 10); !got.Equal(decimal.RequireFromString("99.9")) {
		t.Errorf("sell limit = %s, want 99.9", got)
	}
}

func TestSizeClampsToCapacityAndLots(t *testing.T) {
	limits := domain.RiskLimits{
		MaxPositionQty:       decimal.NewFromInt(250),
		MaxAggregateExposure: decimal.NewFromInt(1000000),
		MaxOrders:            100,
		OrderWindow:          time.Minute,
		StartingEquity:       decimal.NewFromInt(100000),
	}
	view := risk.NewLedger(limits).Snapshot()
	price := decimal.NewFromInt(10)

	if got := Size(view, "AAPL", domain.OrderSideBuy, decimal.NewFromInt(1000), price, 100); !got.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Size = %s, want 200", got)
	}
	if got := Size(view, "AAPL", domain.OrderSideBuy, decimal.NewFromInt(37), price, 1); !got.Equal(decimal.NewFromInt(37)) {
		t.Errorf("Size = %s, want 37", got)
	}
	if got := Size(view, "AAPL", domain.OrderSideBuy, decimal.NewFromInt(50), price, 100); !got.IsZero() {
		t.Errorf("Size = %s, want 0 below one lot", got)
	}
}

func TestDecisionHold(t *testing.T) {
	if !Hold("x").IsHold() {
		t.Error("Hold().IsHold() = false")
	}
	d := Trade(domain.OrderIntent{Key: "k", Reason: "r"})
	if d.IsHold() || d.Reason != "r" {
		t.Errorf("Trade() = %+v", d)
	}
}
