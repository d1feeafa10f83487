package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"sentinel/internal/domain"
	"sentinel/internal/errs"
	"sentinel/internal/util"
)

// Follow applies the broker update stream until ctx is cancelled. Updates
// are held until Recover has finished, so subscribing before recovery loses
// nothing. A dropped stream is resubscribed with backoff and every open
// order is reconciled, since updates sent while disconnected are gone.
func (m *Manager) Follow(ctx context.Context) {
	var resyncs conc.WaitGroup
	defer resyncs.Wait()

	b := util.NewBackOff(m.opts.RetryBaseDelay)
	for session := 0; ; session++ {
		if session > 0 {
			resyncs.Go(func() {
				select {
				case <-m.recovered:
				case <-ctx.Done():
					return
				}
				if n := m.ReconcileOpen(ctx); n > 0 {
					m.log.Info("orders closed by resync after reconnect", "count", n)
				}
			})
		}

		var delivered atomic.Bool
		err := m.broker.StreamUpdates(ctx, func(u domain.BrokerUpdate) {
			select {
			case <-m.recovered:
			case <-ctx.Done():
				return
			}
			delivered.Store(true)
			if err := m.HandleUpdate(ctx, u); err != nil && !errs.Is(err, errs.KindPersistenceFailure) {
				m.log.Warn("broker update not applied", "order", u.ClientOrderID, "event", u.Event, "error", err)
			}
		})
		if ctx.Err() != nil {
			return
		}
		if delivered.Load() {
			b.Reset()
		}
		wait := b.NextBackOff()
		m.log.Warn("broker update stream dropped, resubscribing", "error", err, "wait", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
