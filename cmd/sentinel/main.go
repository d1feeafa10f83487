package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sentinel/internal/agent"
	"sentinel/internal/config"
	"sentinel/internal/util"
)

const defaultConfigPath = "config/sentinel.yaml"

func main() {
	cfgFlag := flag.String("config", "", "Path to the sentinel YAML configuration")
	flag.Parse()

	cfg, err := config.Load(resolveConfigPath(*cfgFlag))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(ctx, cfg)
	if err != nil {
		slog.Error("agent startup failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("sentinel starting on %s (broker=%s, source=%s)\n", cfg.HTTPAddr(), cfg.Trading.Broker, cfg.Market.Source)
	if err := a.Run(ctx); err != nil {
		slog.Error("agent stopped with error", "error", err)
		os.Exit(1)
	}
}

// resolveConfigPath prefers the flag, then SENTINEL_CONFIG, then the default.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("SENTINEL_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}
