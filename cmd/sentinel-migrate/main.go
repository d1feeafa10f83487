package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/store"
	"sentinel/internal/util"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath = flag.String("config", "", "Path to the sentinel YAML configuration (storage section is used)")
		driver  = flag.String("driver", "", "Database driver override: postgres or sqlite")
		dsn     = flag.String("database", "", "Database URL or SQLite path override")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for the database")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}
	direction := store.MigrateDirection(args[0])
	if direction != store.MigrateUp && direction != store.MigrateDown {
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}

	var storage config.Storage
	if *cfgPath != "" || os.Getenv("SENTINEL_CONFIG") != "" {
		path := *cfgPath
		if path == "" {
			path = os.Getenv("SENTINEL_CONFIG")
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		storage = cfg.Storage
		util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))
	}
	if *driver != "" {
		storage.Driver = *driver
	}
	target := storage.DatabaseURL
	if storage.Driver == "sqlite" {
		target = storage.SQLitePath
	}
	if *dsn != "" {
		target = *dsn
	}
	if storage.Driver == "" || target == "" {
		return errors.New("a database is required: pass -config or -driver with -database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	return store.Migrate(ctx, storage.Driver, target, direction)
}
