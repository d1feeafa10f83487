package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"sentinel/internal/broker"
	"sentinel/internal/config"
	"sentinel/internal/domain"
	"sentinel/internal/engine"
	"sentinel/internal/live"
	"sentinel/internal/risk"
	"sentinel/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	srv    *Server
	http   *httptest.Server
	broker *broker.SimulatorBroker
	deps   Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), config.Storage{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	model := live.NewLiveModel(100)
	ledger := risk.NewLedger(domain.RiskLimits{
		MaxPositionQty:       d("100"),
		MaxAggregateExposure: d("1000000"),
		MaxOrders:            100,
		OrderWindow:          time.Minute,
		MaxDrawdown:          d("5000"),
		StartingEquity:       d("100000"),
	})
	b := broker.NewSimulatorBroker(broker.WithFillMode(broker.FillManual))
	m := engine.NewManager(b, st, ledger, engine.Options{Publisher: model, RetryBaseDelay: time.Millisecond})

	deps := Deps{Manager: m, Ledger: ledger, Store: st, Model: model, Health: NewHealth(), Guard: engine.NewRiskGuard(ledger, m)}
	deps.Health.Set(StatusRunning)
	srv := NewServer("127.0.0.1:0", "", deps)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &fixture{srv: srv, http: hs, broker: b, deps: deps}
}

func (f *fixture) submit(t *testing.T, key string) domain.Order {
	t.Helper()
	o, err := f.deps.Manager.Submit(context.Background(), domain.OrderIntent{
		Key: key, Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Qty: d("10"), LimitPrice: d("100"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return o
}

func (f *fixture) get(t *testing.T, path string, want int, out any) {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("GET %s status = %d, want %d", path, resp.StatusCode, want)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", path, err)
		}
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "h1")

	var got HealthResponse
	f.get(t, "/api/health", http.StatusOK, &got)
	if got.Status != StatusRunning || got.OpenOrders != 1 || got.Halted {
		t.Errorf("health = %+v", got)
	}
}

func TestOrdersEndpoints(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "o1")
	f.submit(t, "o2")

	var open []domain.Order
	f.get(t, "/api/orders", http.StatusOK, &open)
	if len(open) != 2 {
		t.Errorf("open orders = %d, want 2", len(open))
	}

	var accepted []domain.Order
	f.get(t, "/api/orders?status=accepted&limit=1", http.StatusOK, &accepted)
	if len(accepted) != 1 {
		t.Errorf("accepted orders with limit 1 = %d", len(accepted))
	}

	f.get(t, "/api/orders?status=bogus", http.StatusBadRequest, nil)
	f.get(t, "/api/orders?limit=x", http.StatusBadRequest, nil)

	var one OrderResponse
	f.get(t, "/api/orders/o1", http.StatusOK, &one)
	if one.Order.Key != "o1" || one.Order.Status != domain.OrderStatusAccepted {
		t.Errorf("order = %+v", one.Order)
	}
	if len(one.Transitions) != 4 {
		t.Errorf("transitions = %d, want 4", len(one.Transitions))
	}

	f.get(t, "/api/orders/missing", http.StatusNotFound, nil)
}

func TestPositionsAndRisk(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "p1")
	if err := f.broker.Fill("p1", d("10"), d("100")); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	for _, u := range f.broker.Drain() {
		if err := f.deps.Manager.HandleUpdate(context.Background(), u); err != nil {
			t.Fatalf("HandleUpdate: %v", err)
		}
	}
	f.deps.Ledger.Mark("AAPL", d("105"))

	var positions []PositionResponse
	f.get(t, "/api/positions", http.StatusOK, &positions)
	if len(positions) != 1 {
		t.Fatalf("positions = %+v", positions)
	}
	if !positions[0].Qty.Equal(d("10")) || !positions[0].UnrealizedPnL.Equal(d("50")) {
		t.Errorf("position = %+v", positions[0])
	}

	var view risk.View
	f.get(t, "/api/risk", http.StatusOK, &view)
	if !view.Limits.MaxPositionQty.Equal(d("100")) || !view.Equity.Equal(d("100050")) {
		t.Errorf("risk view limits=%s equity=%s", view.Limits.MaxPositionQty, view.Equity)
	}
}

func TestHaltIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "x1")

	post := func() engine.HaltResult {
		resp, err := http.Post(f.http.URL+"/api/halt", "application/json", strings.NewReader(`{"reason":"test"}`))
		if err != nil {
			t.Fatalf("POST /api/halt: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var res engine.HaltResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return res
	}

	first := post()
	if !first.WasRunning || len(first.Orders) != 1 || first.Orders[0] != "x1" {
		t.Errorf("first halt = %+v", first)
	}
	if !f.deps.Ledger.Halted() {
		t.Error("ledger not halted")
	}
	if got := f.deps.Health.Status(); got != StatusHalted {
		t.Errorf("health = %s, want halted", got)
	}
	resp, err := f.deps.Health.GRPC().Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("grpc Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("grpc status = %s, want NOT_SERVING", resp.Status)
	}

	// The broker confirms the cancel; a second halt finds nothing to cancel.
	for _, u := range f.broker.Drain() {
		if err := f.deps.Manager.HandleUpdate(context.Background(), u); err != nil {
			t.Fatalf("HandleUpdate: %v", err)
		}
	}
	second := post()
	if second.WasRunning || len(second.Orders) != 0 {
		t.Errorf("second halt = %+v", second)
	}
}

func TestResumeRearmsRiskGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.deps.Manager.Submit(ctx, domain.OrderIntent{
		Key: "g1", Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Qty: d("60"), LimitPrice: d("100"),
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.broker.Fill("g1", d("60"), d("100")); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	for _, u := range f.broker.Drain() {
		if err := f.deps.Manager.HandleUpdate(ctx, u); err != nil {
			t.Fatalf("HandleUpdate: %v", err)
		}
	}

	// 60 shares marked from 100 to 10: 5400 below peak.
	f.deps.Ledger.Mark("AAPL", d("10"))
	if !f.deps.Guard.Check(ctx) {
		t.Fatal("guard did not trip")
	}

	resp, err := http.Post(f.http.URL+"/api/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/resume: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if f.deps.Guard.Tripped() {
		t.Error("guard still tripped after resume")
	}
	if f.deps.Ledger.Halted() {
		t.Error("ledger still halted after resume")
	}

	// A recovered mark leaves it armed; a second breach halts again.
	f.deps.Ledger.Mark("AAPL", d("100"))
	if f.deps.Guard.Check(ctx) {
		t.Error("guard tripped without drawdown")
	}
	f.deps.Ledger.Mark("AAPL", d("10"))
	if !f.deps.Guard.Check(ctx) || !f.deps.Ledger.Halted() {
		t.Error("second breach did not halt")
	}
}

func TestStreamDeliversTransitions(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/stream?backlog=0"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	// Wait for the subscription before producing transitions.
	for f.deps.Model.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("stream never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	f.submit(t, "s1")

	want := []domain.OrderStatus{
		domain.OrderStatusCreated, domain.OrderStatusReserved,
		domain.OrderStatusSubmitted, domain.OrderStatusAccepted,
	}
	for _, status := range want {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		var tr domain.OrderTransition
		if err := json.Unmarshal(data, &tr); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if tr.OrderKey != "s1" || tr.To != status {
			t.Errorf("transition = %s -> %s for %s, want %s", tr.From, tr.To, tr.OrderKey, status)
		}
	}
}

func TestHealthSync(t *testing.T) {
	h := NewHealth()
	h.Sync(true)
	if h.Status() != StatusStarting {
		t.Errorf("Sync changed starting to %s", h.Status())
	}
	h.Set(StatusRunning)
	h.Sync(true)
	if h.Status() != StatusHalted {
		t.Errorf("status = %s, want halted", h.Status())
	}
	h.Sync(false)
	if h.Status() != StatusRunning {
		t.Errorf("status = %s, want running", h.Status())
	}
}
