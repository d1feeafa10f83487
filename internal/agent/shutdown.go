package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"

	"sentinel/internal/api"
)

type shutdownConfig struct {
	stopSources    context.CancelFunc
	sources        *conc.WaitGroup
	stopBackground context.CancelFunc
	lifecycle      *conc.WaitGroup
}

// shutdown stops the agent in dependency order: sources, the event
// pipeline, in-flight submissions, background loops and the broker stream,
// the API, then storage and telemetry. Each step gets the configured grace
// period; a step that overruns is logged and the next one proceeds.
// Accepted but unfilled orders stay open for the next startup to reconcile.
func (a *Agent) shutdown(cfg shutdownConfig) {
	a.health.Set(api.StatusStopping)
	grace := a.cfg.Execution.ShutdownGrace
	start := time.Now()

	shutdownStep := func(name string, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		a.log.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			a.log.Error("shutdown step failed", "step", name, "error", err)
		} else {
			a.log.Debug("shutdown step completed", "step", name)
		}
	}

	if cfg.stopSources != nil {
		shutdownStep("stopping market sources", func(stepCtx context.Context) error {
			cfg.stopSources()
			return wait(stepCtx, cfg.sources)
		})
	}
	if a.pool != nil {
		shutdownStep("draining event pipeline", func(stepCtx context.Context) error {
			return waitFor(stepCtx, a.pool.Close)
		})
	}
	shutdownStep("finishing in-flight submissions", a.manager.Close)
	if a.archive != nil {
		shutdownStep("flushing event archive", a.archive.Flush)
	}
	if cfg.stopBackground != nil {
		cfg.stopBackground()
	}
	shutdownStep("stopping status api", a.api.Shutdown)
	shutdownStep("waiting for lifecycle goroutines", func(stepCtx context.Context) error {
		return wait(stepCtx, cfg.lifecycle)
	})
	a.closeStorage()
	a.log.Info("shutdown complete", "duration", time.Since(start))
}

// closeStorage releases the store and flushes telemetry.
func (a *Agent) closeStorage() {
	if err := a.store.Close(); err != nil {
		a.log.Error("closing store", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Execution.ShutdownGrace)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.log.Error("shutting down telemetry", "error", err)
	}
}

func wait(ctx context.Context, wg *conc.WaitGroup) error {
	if wg == nil {
		return nil
	}
	return waitFor(ctx, wg.Wait)
}

// waitFor runs fn and waits for it to return or ctx to expire.
func waitFor(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out: %w", ctx.Err())
	}
}
