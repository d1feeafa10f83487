package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"sentinel/internal/domain"
	"sentinel/internal/errs"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the sentinel agent.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Server    Server          `yaml:"server"`
	Alpaca    Alpaca          `yaml:"alpaca"`
	RabbitMQ  RabbitMQ        `yaml:"rabbitmq"`
	Logging   Logging         `yaml:"logging"`
	Telemetry Telemetry       `yaml:"telemetry"`
	Market    MarketConfig    `yaml:"market"`
	Signals   SignalConfig    `yaml:"signals"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Trading   TradingConfig   `yaml:"trading"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
}

// Storage selects and configures the persistence backend.
type Storage struct {
	// Driver is "postgres" or "sqlite".
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	ArchiveDir  string `yaml:"archive_dir"`
	MaxConns    int32  `yaml:"max_conns"`
	MinConns    int32  `yaml:"min_conns"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	StreamURL string `yaml:"stream_url"`
	Feed      string `yaml:"feed"`
	// RequestsPerMinute throttles trading API calls.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// RabbitMQ configures the inbound market-data bus.
type RabbitMQ struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Telemetry configures OpenTelemetry metric export.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// MarketConfig selects the market event source and the instruments to trade.
type MarketConfig struct {
	// Source is "alpaca", "rabbitmq" or "replay".
	Source  string   `yaml:"source"`
	Symbols []string `yaml:"symbols"`
	// ReplayDate selects the archive day for the replay source (YYYY-MM-DD).
	ReplayDate string `yaml:"replay_date"`
	// Archive enables writing normalized events to the parquet archive.
	Archive bool `yaml:"archive"`
	Workers int  `yaml:"workers"`
	// QueueSize is the per-worker event buffer.
	QueueSize int `yaml:"queue_size"`
}

// SignalConfig sets indicator windows.
type SignalConfig struct {
	FastWindow       int `yaml:"fast_window"`
	SlowWindow       int `yaml:"slow_window"`
	MomentumWindow   int `yaml:"momentum_window"`
	VolatilityWindow int `yaml:"volatility_window"`
	ATRWindow        int `yaml:"atr_window"`
}

// StrategyConfig selects the decision policy and its parameters.
type StrategyConfig struct {
	Name              string  `yaml:"name"`
	MaxPositions      int     `yaml:"max_positions"`
	MomentumThreshold float64 `yaml:"momentum_threshold"`
	RiskPerTrade      float64 `yaml:"risk_per_trade"`
	LimitOffsetBps    float64 `yaml:"limit_offset_bps"`
	LotSize           int64   `yaml:"lot_size"`
	// StopATR is the trailing stop distance in multiples of ATR.
	StopATR    float64 `yaml:"stop_atr"`
	AllowShort bool    `yaml:"allow_short"`
}

// TradingConfig defines execution mode.
type TradingConfig struct {
	PaperMode bool `yaml:"paper_mode"`
	// AccountType is "paper" or "live" and selects the Alpaca endpoint.
	AccountType string `yaml:"account_type"`
	// Broker is "alpaca" or "simulator".
	Broker string `yaml:"broker"`
}

// RiskConfig holds the raw risk limits.
type RiskConfig struct {
	MaxPositionQty       float64       `yaml:"max_position_qty"`
	MaxAggregateExposure float64       `yaml:"max_aggregate_exposure"`
	MaxOrders            int           `yaml:"max_orders"`
	OrderWindow          time.Duration `yaml:"order_window"`
	MaxDrawdown          float64       `yaml:"max_drawdown"`
	StartingEquity       float64       `yaml:"starting_equity"`
}

// ExecutionConfig tunes the order execution manager.
type ExecutionConfig struct {
	SubmitAttempts int           `yaml:"submit_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StatusInterval time.Duration `yaml:"status_interval"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New("config.load", errs.KindConfiguration, errs.WithCause(err))
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.New("config.parse", errs.KindConfiguration, errs.WithCause(err))
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_STREAM_URL"); v != "" {
		cfg.Alpaca.StreamURL = v
	}

	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		cfg.RabbitMQ.URL = v
	}

	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}

	// Standard Alpaca env vars (highest priority, the SDK's canonical names).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/sentinel.db"
	}
	if cfg.Storage.ArchiveDir == "" {
		cfg.Storage.ArchiveDir = "data/archive"
	}
	if cfg.Storage.MaxConns == 0 {
		cfg.Storage.MaxConns = 5
	}
	if cfg.Storage.MinConns == 0 {
		cfg.Storage.MinConns = 2
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Trading.AccountType == "" {
		cfg.Trading.AccountType = "paper"
	}
	if cfg.Trading.Broker == "" {
		if cfg.Trading.PaperMode && cfg.Alpaca.APIKey == "" {
			cfg.Trading.Broker = "simulator"
		} else {
			cfg.Trading.Broker = "alpaca"
		}
	}
	if cfg.Alpaca.BaseURL == "" {
		if cfg.Trading.AccountType == "live" {
			cfg.Alpaca.BaseURL = "https://api.alpaca.markets"
		} else {
			cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
		}
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Alpaca.RequestsPerMinute == 0 {
		cfg.Alpaca.RequestsPerMinute = 200
	}
	if cfg.RabbitMQ.Exchange == "" {
		cfg.RabbitMQ.Exchange = "market.trades"
	}
	if cfg.RabbitMQ.Prefetch == 0 {
		cfg.RabbitMQ.Prefetch = 256
	}
	if cfg.Market.Source == "" {
		cfg.Market.Source = "alpaca"
	}
	if cfg.Market.Workers == 0 {
		cfg.Market.Workers = 8
	}
	if cfg.Market.QueueSize == 0 {
		cfg.Market.QueueSize = 1024
	}
	if cfg.Signals.FastWindow == 0 {
		cfg.Signals.FastWindow = 10
	}
	if cfg.Signals.SlowWindow == 0 {
		cfg.Signals.SlowWindow = 30
	}
	if cfg.Signals.MomentumWindow == 0 {
		cfg.Signals.MomentumWindow = 20
	}
	if cfg.Signals.VolatilityWindow == 0 {
		cfg.Signals.VolatilityWindow = 30
	}
	if cfg.Signals.ATRWindow == 0 {
		cfg.Signals.ATRWindow = 14
	}
	if cfg.Strategy.Name == "" {
		cfg.Strategy.Name = "momentum"
	}
	if cfg.Strategy.MomentumThreshold == 0 {
		cfg.Strategy.MomentumThreshold = 0.002
	}
	if cfg.Strategy.RiskPerTrade == 0 {
		cfg.Strategy.RiskPerTrade = 500
	}
	if cfg.Strategy.LimitOffsetBps == 0 {
		cfg.Strategy.LimitOffsetBps = 5
	}
	if cfg.Strategy.LotSize == 0 {
		cfg.Strategy.LotSize = 1
	}
	if cfg.Strategy.StopATR == 0 {
		cfg.Strategy.StopATR = 2
	}
	if cfg.Risk.OrderWindow == 0 {
		cfg.Risk.OrderWindow = time.Minute
	}
	if cfg.Execution.SubmitAttempts == 0 {
		cfg.Execution.SubmitAttempts = 5
	}
	if cfg.Execution.RetryBaseDelay == 0 {
		cfg.Execution.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.Execution.SweepInterval == 0 {
		cfg.Execution.SweepInterval = 30 * time.Second
	}
	if cfg.Execution.StatusInterval == 0 {
		cfg.Execution.StatusInterval = 2 * time.Minute
	}
	if cfg.Execution.ShutdownGrace == 0 {
		cfg.Execution.ShutdownGrace = 15 * time.Second
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks that the configuration is complete enough to start. All
// problems are reported together as one configuration error.
func (c *Config) Validate() error {
	var problems []string

	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			problems = append(problems, "storage.database_url is required for postgres")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			problems = append(problems, "storage.sqlite_path is required for sqlite")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch c.Trading.Broker {
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			problems = append(problems, "alpaca credentials are required for the alpaca broker")
		}
	case "simulator":
	default:
		problems = append(problems, fmt.Sprintf("unknown trading.broker %q", c.Trading.Broker))
	}
	if c.Trading.AccountType != "paper" && c.Trading.AccountType != "live" {
		problems = append(problems, fmt.Sprintf("unknown trading.account_type %q", c.Trading.AccountType))
	}

	switch c.Market.Source {
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			problems = append(problems, "alpaca credentials are required for the alpaca source")
		}
	case "rabbitmq":
		if c.RabbitMQ.URL == "" {
			problems = append(problems, "rabbitmq.url is required for the rabbitmq source")
		}
	case "replay":
		if c.Market.ReplayDate == "" {
			problems = append(problems, "market.replay_date is required for the replay source")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown market.source %q", c.Market.Source))
	}
	if len(c.Market.Symbols) == 0 {
		problems = append(problems, "market.symbols must list at least one symbol")
	}

	if c.Strategy.StopATR < 0 {
		problems = append(problems, "strategy.stop_atr must not be negative")
	}

	if c.Risk.MaxPositionQty <= 0 {
		problems = append(problems, "risk.max_position_qty must be positive")
	}
	if c.Risk.MaxAggregateExposure <= 0 {
		problems = append(problems, "risk.max_aggregate_exposure must be positive")
	}
	if c.Risk.MaxOrders <= 0 {
		problems = append(problems, "risk.max_orders must be positive")
	}
	if c.Risk.MaxDrawdown <= 0 {
		problems = append(problems, "risk.max_drawdown must be positive")
	}
	if c.Signals.FastWindow >= c.Signals.SlowWindow {
		problems = append(problems, "signals.fast_window must be smaller than signals.slow_window")
	}

	if len(problems) > 0 {
		return errs.Configuration(strings.Join(problems, "; "))
	}
	return nil
}

// RiskLimits converts the raw risk section into domain limits.
func (c *Config) RiskLimits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxPositionQty:       decimal.NewFromFloat(c.Risk.MaxPositionQty),
		MaxAggregateExposure: decimal.NewFromFloat(c.Risk.MaxAggregateExposure),
		MaxOrders:            c.Risk.MaxOrders,
		OrderWindow:          c.Risk.OrderWindow,
		MaxDrawdown:          decimal.NewFromFloat(c.Risk.MaxDrawdown),
		StartingEquity:       decimal.NewFromFloat(c.Risk.StartingEquity),
	}
}

// HTTPAddr is the status API listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GRPCAddr is the gRPC health listen address, or "" when disabled.
func (c *Config) GRPCAddr() string {
	if c.Server.GRPCPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.GRPCPort)
}
