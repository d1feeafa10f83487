// sentinel-replay publishes an archived trading day onto the RabbitMQ market
// data exchange, optionally paced at a multiple of the original speed.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/domain"
	"sentinel/internal/market"
	"sentinel/internal/store"
	"sentinel/internal/util"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "Path to the sentinel YAML configuration")
		date    = flag.String("date", "", "Archive day to replay (YYYY-MM-DD)")
		symbols = flag.String("symbols", "", "Comma-separated symbols (default: market.symbols)")
		speed   = flag.Float64("speed", 0, "Replay speed multiple; 0 publishes without pacing")
	)
	flag.Parse()

	path := *cfgPath
	if path == "" {
		path = os.Getenv("SENTINEL_CONFIG")
	}
	if path == "" {
		path = "config/sentinel.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	day, err := time.Parse("2006-01-02", *date)
	if err != nil {
		log.Fatalf("invalid -date %q: %v", *date, err)
	}
	universe := cfg.Market.Symbols
	if *symbols != "" {
		universe = strings.Split(*symbols, ",")
	}
	if cfg.RabbitMQ.URL == "" {
		log.Fatal("rabbitmq.url is required")
	}

	pub, err := market.NewRabbitPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
	if err != nil {
		log.Fatalf("rabbitmq: %v", err)
	}
	defer pub.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src := market.NewReplaySource(store.NewEventArchive(cfg.Storage.ArchiveDir), universe, day)
	src.Speed = *speed

	var published, failed atomic.Int64
	start := time.Now()
	err = src.Run(ctx, func(ctx context.Context, ev domain.MarketEvent) {
		if err := pub.Publish(ctx, ev); err != nil {
			if failed.Add(1) == 1 {
				slog.Error("publish failed", "symbol", ev.Symbol, "error", err)
			}
			return
		}
		published.Add(1)
	})
	if err != nil {
		log.Fatalf("replay: %v", err)
	}
	slog.Info("replay published",
		"day", *date,
		"events", published.Load(),
		"failed", failed.Load(),
		"exchange", cfg.RabbitMQ.Exchange,
		"duration", time.Since(start),
	)
}
