// Package agent assembles the trading agent from configuration and runs it:
// recovery, market ingestion, execution, the status API and an ordered
// graceful shutdown.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"sentinel/internal/api"
	"sentinel/internal/broker"
	"sentinel/internal/config"
	"sentinel/internal/domain"
	"sentinel/internal/engine"
	"sentinel/internal/errs"
	"sentinel/internal/live"
	"sentinel/internal/market"
	"sentinel/internal/pipeline"
	"sentinel/internal/risk"
	"sentinel/internal/signal"
	"sentinel/internal/store"
	"sentinel/internal/strategy"
	"sentinel/internal/strategy/builtins"
	"sentinel/internal/telemetry"
	"sentinel/internal/util"
)

const (
	meterName       = "sentinel"
	historyCapacity = 1000
)

// Agent owns every long-lived component of the trading process.
type Agent struct {
	cfg *config.Config
	log *slog.Logger

	telemetry *telemetry.Provider
	metrics   *telemetry.Metrics
	store     store.Store
	broker    broker.Broker
	sim       *broker.SimulatorBroker
	ledger    *risk.Ledger
	manager   *engine.Manager
	engine    *engine.Engine
	model     *live.LiveModel
	health    *api.Health
	api       *api.Server
	sequencer *market.Sequencer
	sources   []market.Source
	archive   *store.EventArchive
	pool      *pipeline.Pool

	fatal chan error
}

// Option overrides a component normally built from configuration.
type Option func(*options)

type options struct {
	broker broker.Broker
	policy strategy.Policy
	source market.Source
}

// WithBroker uses b instead of the configured broker.
func WithBroker(b broker.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithPolicy uses p instead of the configured strategy.
func WithPolicy(p strategy.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithSource uses src instead of the configured market source.
func WithSource(src market.Source) Option {
	return func(o *options) { o.source = src }
}

// New validates cfg and builds the agent. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &Agent{
		cfg:   cfg,
		log:   slog.Default().With("component", "agent"),
		model: live.NewLiveModel(historyCapacity),
		fatal: make(chan error, 1),
	}

	policy := o.policy
	if policy == nil {
		var err error
		if policy, err = selectPolicy(cfg.Strategy); err != nil {
			return nil, err
		}
	}

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("initialising telemetry: %w", err)
	}
	a.telemetry = provider
	meter := provider.Meter(meterName)
	if a.metrics, err = telemetry.NewMetrics(meter); err != nil {
		provider.Shutdown(ctx)
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	if a.store, err = store.Open(ctx, cfg.Storage); err != nil {
		provider.Shutdown(ctx)
		return nil, err
	}
	if pg, ok := a.store.(*store.PostgresStore); ok {
		if err := telemetry.RegisterPoolStats(meter, pg.Pool()); err != nil {
			a.log.Warn("pool stats unavailable", "error", err)
		}
	}

	a.broker = o.broker
	if a.broker == nil {
		a.broker = newBroker(cfg)
	}
	a.sim, _ = a.broker.(*broker.SimulatorBroker)

	calendar := util.NewTradingCalendar()
	if ab, ok := a.broker.(*broker.AlpacaBroker); ok {
		a.loadHolidays(ctx, ab, calendar)
	}

	limits := cfg.RiskLimits()
	if limits.StartingEquity.Sign() <= 0 {
		acct, err := a.broker.GetAccount(ctx)
		if err != nil {
			a.store.Close()
			provider.Shutdown(ctx)
			return nil, fmt.Errorf("seeding starting equity from broker account: %w", err)
		}
		limits.StartingEquity = acct.Equity
		a.log.Info("starting equity from broker account", "equity", acct.Equity.StringFixed(2), "cash", acct.Cash.StringFixed(2))
	}
	a.ledger = risk.NewLedger(limits)
	a.manager = engine.NewManager(a.broker, a.store, a.ledger, engine.Options{
		SubmitAttempts: cfg.Execution.SubmitAttempts,
		RetryBaseDelay: cfg.Execution.RetryBaseDelay,
		Calendar:       calendar,
		Publisher:      a.model,
		Metrics:        a.metrics,
		OnFatal:        a.fail,
	})

	signals := signal.NewEngine(signal.StandardFactory(signal.Windows{
		Fast:       cfg.Signals.FastWindow,
		Slow:       cfg.Signals.SlowWindow,
		Momentum:   cfg.Signals.MomentumWindow,
		Volatility: cfg.Signals.VolatilityWindow,
		ATR:        cfg.Signals.ATRWindow,
	}))
	guard := engine.NewRiskGuard(a.ledger, a.manager)
	a.engine = engine.NewEngine(signals, policy, a.ledger, a.manager,
		engine.WithSignalSink(a.model),
		engine.WithRiskGuard(guard),
		engine.WithMetrics(a.metrics),
	)

	a.sequencer = market.NewSequencer(cfg.Market.Symbols)
	if o.source != nil {
		a.sources = []market.Source{o.source}
	} else {
		src, err := a.newSource()
		if err != nil {
			a.store.Close()
			provider.Shutdown(ctx)
			return nil, err
		}
		a.sources = []market.Source{src}
	}
	if cfg.Market.Archive && cfg.Market.Source != "replay" {
		a.archive = store.NewEventArchive(cfg.Storage.ArchiveDir)
	}

	a.health = api.NewHealth()
	a.api = api.NewServer(cfg.HTTPAddr(), cfg.GRPCAddr(), api.Deps{
		Manager: a.manager,
		Ledger:  a.ledger,
		Store:   a.store,
		Model:   a.model,
		Health:  a.health,
		Guard:   guard,
	})

	a.log.Info("agent configured",
		"broker", a.broker.Name(),
		"source", a.sources[0].Name(),
		"policy", policy.Name(),
		"symbols", cfg.Market.Symbols,
		"storage", cfg.Storage.Driver,
	)
	return a, nil
}

// selectPolicy registers the built-in policies and returns the configured one.
func selectPolicy(cfg config.StrategyConfig) (strategy.Policy, error) {
	p := builtins.Params{
		Threshold:      cfg.MomentumThreshold,
		RiskPerTrade:   cfg.RiskPerTrade,
		LimitOffsetBps: cfg.LimitOffsetBps,
		StopATR:        cfg.StopATR,
		LotSize:        cfg.LotSize,
		MaxPositions:   cfg.MaxPositions,
		AllowShort:     cfg.AllowShort,
	}
	reg := strategy.NewRegistry()
	reg.Register(builtins.NewMomentum(p))
	reg.Register(builtins.NewSMACross(p))

	policy, ok := reg.Get(cfg.Name)
	if !ok {
		return nil, errs.Configuration(fmt.Sprintf("unknown strategy.name %q (available: %v)", cfg.Name, reg.List()))
	}
	return policy, nil
}

func newBroker(cfg *config.Config) broker.Broker {
	if cfg.Trading.Broker == "alpaca" {
		return broker.NewAlpacaBroker(cfg.Alpaca)
	}
	return broker.NewSimulatorBroker(broker.WithStartingCash(decimal.NewFromFloat(cfg.Risk.StartingEquity)))
}

// loadHolidays seeds calendar with exchange closures for the coming months.
// Without them day orders expire at the weekday close, which only matters
// on holidays.
func (a *Agent) loadHolidays(ctx context.Context, ab *broker.AlpacaBroker, calendar *util.TradingCalendar) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	now := time.Now()
	days, err := ab.Holidays(ctx, now.AddDate(0, 0, -7), now.AddDate(0, 3, 0))
	if err != nil {
		a.log.Warn("trading calendar unavailable, assuming weekday sessions", "error", err)
		return
	}
	calendar.SetHolidays(days)
	a.log.Debug("trading calendar loaded", "holidays", len(days))
}

func (a *Agent) newSource() (market.Source, error) {
	switch a.cfg.Market.Source {
	case "alpaca":
		return market.NewAlpacaSource(a.cfg.Alpaca, a.cfg.Market.Symbols), nil
	case "rabbitmq":
		return market.NewRabbitSource(a.cfg.RabbitMQ), nil
	default:
		day, err := time.Parse("2006-01-02", a.cfg.Market.ReplayDate)
		if err != nil {
			return nil, errs.Configuration(fmt.Sprintf("invalid market.replay_date %q", a.cfg.Market.ReplayDate))
		}
		return market.NewReplaySource(store.NewEventArchive(a.cfg.Storage.ArchiveDir), a.cfg.Market.Symbols, day), nil
	}
}

// Health returns the lifecycle state tracker.
func (a *Agent) Health() *api.Health { return a.health }

// Manager returns the order execution manager.
func (a *Agent) Manager() *engine.Manager { return a.manager }

// Ledger returns the risk ledger.
func (a *Agent) Ledger() *risk.Ledger { return a.ledger }

// Addr returns the bound status API address.
func (a *Agent) Addr() string { return a.api.HTTPAddr() }

// fail records the first fatal error; Run shuts down when it sees it.
func (a *Agent) fail(err error) {
	select {
	case a.fatal <- err:
	default:
	}
}

// Run recovers state, starts every component and blocks until ctx is
// cancelled or a fatal error occurs, then shuts down in order. The fatal
// error, if any, is returned.
func (a *Agent) Run(ctx context.Context) error {
	var lifecycle conc.WaitGroup
	if err := a.api.Start(&lifecycle); err != nil {
		a.closeStorage()
		return errs.New("agent.start", errs.KindConfiguration, errs.WithCause(err))
	}

	// Broker updates and the pool keep running while sources stop, so
	// in-flight orders can still settle. The stream is subscribed before
	// recovery; the manager holds its updates until recovery is done.
	bgCtx, stopBackground := context.WithCancel(context.Background())
	lifecycle.Go(func() { a.manager.Follow(bgCtx) })

	a.health.Set(api.StatusRecovering)
	report, err := a.manager.Recover(ctx)
	if err != nil {
		a.log.Error("recovery failed", "error", err)
		a.shutdown(shutdownConfig{stopBackground: stopBackground, lifecycle: &lifecycle})
		return fmt.Errorf("recovering state: %w", err)
	}
	a.log.Info("recovery complete",
		"positions", report.Positions,
		"open_orders", report.OpenOrders,
		"fills", report.Fills,
		"resolved", report.Resolved,
		"mismatches", len(report.Mismatches),
		"duration", report.Duration,
	)

	a.pool = pipeline.New(bgCtx, a.engine.HandleEvent, pipeline.Options{
		Workers:   a.cfg.Market.Workers,
		QueueSize: a.cfg.Market.QueueSize,
		OnError: func(ev domain.MarketEvent, err error) {
			if errs.Is(err, errs.KindPersistenceFailure) {
				a.fail(err)
				return
			}
			a.log.Error("event handling failed", "symbol", ev.Symbol, "error", err)
		},
	})

	srcCtx, stopSources := context.WithCancel(ctx)
	var sources conc.WaitGroup
	for _, src := range a.sources {
		sources.Go(func() {
			a.log.Info("market source starting", "source", src.Name())
			if err := src.Run(srcCtx, a.ingest); err != nil {
				a.log.Error("market source failed", "source", src.Name(), "error", err)
				a.fail(fmt.Errorf("market source %s: %w", src.Name(), err))
				return
			}
			a.log.Info("market source finished", "source", src.Name())
		})
	}

	lifecycle.Go(func() { a.sweepLoop(bgCtx) })
	lifecycle.Go(func() { a.statusLoop(bgCtx) })

	a.health.Set(api.StatusRunning)
	a.health.Sync(a.ledger.Halted())
	a.log.Info("agent running", "addr", a.Addr())

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown requested")
	case runErr = <-a.fatal:
		a.log.Error("fatal error, shutting down", "error", runErr)
	}

	a.shutdown(shutdownConfig{
		stopSources:    stopSources,
		sources:        &sources,
		stopBackground: stopBackground,
		lifecycle:      &lifecycle,
	})
	return runErr
}

// ingest sequences one raw event and hands it to the pipeline.
func (a *Agent) ingest(ctx context.Context, ev domain.MarketEvent) {
	ev, err := a.sequencer.Accept(ev)
	switch {
	case errors.Is(err, market.ErrUntracked):
		return
	case err != nil:
		a.metrics.Malformed(ctx, ev.Source)
		a.log.Warn("dropping malformed event", "symbol", ev.Symbol, "source", ev.Source, "error", err)
		return
	}

	if a.sim != nil {
		a.sim.SetPrice(ev.Symbol, decimal.NewFromFloat(ev.Price))
	}
	if a.archive != nil {
		if err := a.archive.Record(ctx, ev); err != nil {
			a.log.Warn("archiving event", "symbol", ev.Symbol, "error", err)
		}
	}
	if err := a.pool.Submit(ctx, ev); err != nil && ctx.Err() == nil {
		a.log.Warn("event not queued", "symbol", ev.Symbol, "error", err)
	}
}

// sweepLoop expires stale orders, reconciles stuck submissions and keeps the
// health state in step with the kill switch.
func (a *Agent) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Execution.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.manager.Sweep(ctx)
			a.health.Sync(a.ledger.Halted())
			if a.archive != nil {
				if err := a.archive.Flush(ctx); err != nil {
					a.log.Warn("flushing event archive", "error", err)
				}
			}
		}
	}
}

func (a *Agent) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Execution.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reportStatus()
		}
	}
}

// reportStatus logs positions, open orders, equity and drawdown.
func (a *Agent) reportStatus() {
	view := a.ledger.Snapshot()
	_, events := a.model.LastEvent()
	a.log.Info("status",
		"positions", view.OpenPositions(),
		"open_orders", len(a.manager.Open()),
		"equity", view.Equity.StringFixed(2),
		"drawdown", view.Drawdown.StringFixed(2),
		"exposure", view.Exposure.StringFixed(2),
		"halted", view.Halted,
		"events", events,
		"queued", a.pool.Depth(),
	)
	for _, p := range view.Positions() {
		a.log.Info("position",
			"symbol", p.Symbol,
			"qty", p.Qty.String(),
			"avg_price", p.AvgEntryPrice.StringFixed(4),
			"mark", p.MarkPrice.StringFixed(4),
			"unrealized_pnl", p.UnrealizedPnL().StringFixed(2),
		)
	}
}
