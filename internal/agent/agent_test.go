package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"sentinel/internal/api"
	"sentinel/internal/config"
	"sentinel/internal/domain"
	"sentinel/internal/errs"
	"sentinel/internal/risk"
	"sentinel/internal/store"
	"sentinel/internal/strategy"
	"sentinel/pkg/sentinel"
)

const testConfig = `
storage:
  driver: sqlite
market:
  source: replay
  symbols: [AAPL]
  replay_date: "2024-06-03"
  workers: 2
signals:
  fast_window: 2
  slow_window: 3
  momentum_window: 2
  volatility_window: 3
  atr_window: 2
trading:
  paper_mode: true
  broker: simulator
server:
  host: 127.0.0.1
risk:
  max_position_qty: 100
  max_aggregate_exposure: 1000000
  max_orders: 50
  max_drawdown: 5000
  starting_equity: 100000
execution:
  retry_base_delay: 1ms
  shutdown_grace: 5s
`

// buyOnce proposes a single buy on the first snapshot it sees.
type buyOnce struct{ fired bool }

func (p *buyOnce) Name() string { return "buy_once" }

func (p *buyOnce) Decide(snap domain.SignalSnapshot, _ risk.View) strategy.Decision {
	if p.fired {
		return strategy.Hold("already traded")
	}
	p.fired = true
	return strategy.Trade(domain.OrderIntent{
		Key:         strategy.IntentKey(p.Name(), snap, domain.OrderSideBuy),
		Symbol:      snap.Symbol,
		Side:        domain.OrderSideBuy,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceDay,
		Qty:         decimal.NewFromInt(5),
		LimitPrice:  strategy.LimitPrice(snap.Price, domain.OrderSideBuy, 0),
		Strategy:    p.Name(),
		Reason:      "test",
	})
}

type holdAll struct{}

func (holdAll) Name() string { return "hold" }

func (holdAll) Decide(domain.SignalSnapshot, risk.View) strategy.Decision {
	return strategy.Hold("observing")
}

// loadConfig writes the test configuration into dir and loads it with
// storage rooted there and the API on an ephemeral port.
func loadConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	path := filepath.Join(dir, "sentinel.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Storage.SQLitePath = filepath.Join(dir, "sentinel.db")
	cfg.Storage.ArchiveDir = filepath.Join(dir, "archive")
	cfg.Server.Port = 0
	return cfg
}

func writeArchive(t *testing.T, dir string, prices ...float64) {
	t.Helper()
	start := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	events := make([]domain.MarketEvent, len(prices))
	for i, p := range prices {
		events[i] = domain.MarketEvent{
			Symbol:    "AAPL",
			Timestamp: start.Add(time.Duration(i) * time.Second),
			Price:     p,
			Size:      100,
			ID:        "t" + string(rune('a'+i)),
		}
	}
	if err := store.NewEventArchive(dir).WriteEvents(context.Background(), events); err != nil {
		t.Fatalf("WriteEvents: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// start runs a in the background and returns a stop function that cancels
// it and returns Run's error.
func start(t *testing.T, a *Agent) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	eventually(t, "agent running", func() bool { return a.Health().Status() == api.StatusRunning })
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("agent did not stop")
			return nil
		}
	}
}

func TestReplayTradesAndRecoversAfterRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := loadConfig(t, dir)
	writeArchive(t, cfg.Storage.ArchiveDir, 100, 100.5, 101, 101.5)

	a, err := New(context.Background(), cfg, WithPolicy(&buyOnce{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := start(t, a)

	var filled domain.Order
	eventually(t, "filled order", func() bool {
		for _, o := range a.Manager().Orders() {
			if o.Status == domain.OrderStatusFilled {
				filled = o
				return true
			}
		}
		return false
	})

	client := sentinel.NewClient("http://" + a.Addr())
	h, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != string(api.StatusRunning) || h.Events == 0 {
		t.Errorf("health = %+v", h)
	}
	positions, err := client.Positions(context.Background())
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 || !positions[0].Qty.Equal(decimal.NewFromInt(5)) {
		t.Errorf("positions = %+v", positions)
	}

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := a.Health().Status(); got != api.StatusStopping {
		t.Errorf("status after shutdown = %s", got)
	}

	// A fresh agent on the same database rebuilds the position from the
	// recorded transitions before it serves.
	b, err := New(context.Background(), cfg, WithPolicy(holdAll{}))
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	stop = start(t, b)
	defer stop()

	pos := b.Ledger().Snapshot().Position("AAPL")
	if !pos.Qty.Equal(decimal.NewFromInt(5)) {
		t.Errorf("recovered position = %s, want 5", pos.Qty)
	}
	got, ok := b.Manager().Get(filled.Key)
	if ok && got.Status != domain.OrderStatusFilled {
		t.Errorf("recovered order status = %s", got.Status)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown strategy", func(c *config.Config) { c.Strategy.Name = "martingale" }},
		{"no symbols", func(c *config.Config) { c.Market.Symbols = nil }},
		{"bad replay date", func(c *config.Config) { c.Market.ReplayDate = "03/06/2024" }},
		{"unknown storage driver", func(c *config.Config) { c.Storage.Driver = "mysql" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadConfig(t, t.TempDir())
			tt.mutate(cfg)
			if _, err := New(context.Background(), cfg); !errs.Is(err, errs.KindConfiguration) {
				t.Errorf("New error = %v, want configuration error", err)
			}
		})
	}
}

func TestSelectPolicy(t *testing.T) {
	for _, name := range []string{"momentum", "sma-cross"} {
		p, err := selectPolicy(config.StrategyConfig{Name: name})
		if err != nil {
			t.Fatalf("selectPolicy(%q): %v", name, err)
		}
		if p.Name() != name {
			t.Errorf("policy name = %q, want %q", p.Name(), name)
		}
	}
}

func TestSelectPolicyAppliesShortAndStopSettings(t *testing.T) {
	cfg := config.StrategyConfig{
		Name:              "momentum",
		MomentumThreshold: 0.002,
		RiskPerTrade:      500,
		LotSize:           1,
		StopATR:           4,
	}
	ledger := risk.NewLedger(domain.RiskLimits{
		MaxPositionQty:       decimal.NewFromInt(100),
		MaxAggregateExposure: decimal.NewFromInt(1000000),
		MaxOrders:            10,
		OrderWindow:          time.Minute,
		StartingEquity:       decimal.NewFromInt(100000),
	})
	snap := domain.SignalSnapshot{
		Symbol:    "AAPL",
		Timestamp: time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC),
		Price:     100,
		Values:    map[string]float64{"momentum": -0.01, "atr": 1, "volatility": 0.001},
		Confident: true,
	}

	p, err := selectPolicy(cfg)
	if err != nil {
		t.Fatalf("selectPolicy: %v", err)
	}
	if dec := p.Decide(snap, ledger.Snapshot()); !dec.IsHold() {
		t.Errorf("short entry with allow_short unset = %+v, want hold", dec.Intent)
	}

	cfg.AllowShort = true
	if p, err = selectPolicy(cfg); err != nil {
		t.Fatalf("selectPolicy: %v", err)
	}
	dec := p.Decide(snap, ledger.Snapshot())
	if dec.IsHold() || dec.Intent.Side != domain.OrderSideSell {
		t.Fatalf("Decide = %+v, want sell with allow_short", dec)
	}
	// 500 / (stop_atr 4 * ATR 1) = 125, clamped to the 100 position limit.
	if !dec.Intent.Qty.Equal(decimal.NewFromInt(100)) {
		t.Errorf("qty = %s, want 100", dec.Intent.Qty)
	}

	// A wider stop sizes smaller: 500 / (10 * 1) = 50.
	cfg.StopATR = 10
	if p, err = selectPolicy(cfg); err != nil {
		t.Fatalf("selectPolicy: %v", err)
	}
	if dec := p.Decide(snap, ledger.Snapshot()); dec.IsHold() || !dec.Intent.Qty.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Decide with stop_atr 10 = %+v, want sell 50", dec)
	}
}
