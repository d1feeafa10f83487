// Package pipeline routes market events to a fixed set of workers so that
// events of one instrument are handled in arrival order while different
// instruments proceed in parallel.
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	"sentinel/internal/domain"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pipeline closed")

// Handler processes one event. A returned error is passed to the pool's
// error callback; the worker continues with the next event.
type Handler func(ctx context.Context, ev domain.MarketEvent) error

// Options tunes a Pool.
type Options struct {
	Workers   int
	QueueSize int
	// OnError is called from the worker goroutine for every handler error.
	OnError func(ev domain.MarketEvent, err error)
}

// Pool is a sharded worker pool. Each shard owns one goroutine and one
// buffered queue; a symbol always maps to the same shard.
type Pool struct {
	handler Handler
	onError func(domain.MarketEvent, error)
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	shards []chan domain.MarketEvent

	wg        conc.WaitGroup
	processed atomic.Int64
	failed    atomic.Int64
}

// New starts a Pool whose workers run handler with ctx.
func New(ctx context.Context, handler Handler, opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 256
	}
	p := &Pool{
		handler: handler,
		onError: opts.OnError,
		log:     slog.Default().With("component", "pipeline"),
		shards:  make([]chan domain.MarketEvent, opts.Workers),
	}
	for i := range p.shards {
		ch := make(chan domain.MarketEvent, opts.QueueSize)
		p.shards[i] = ch
		p.wg.Go(func() { p.work(ctx, ch) })
	}
	p.log.Info("pipeline started", "workers", opts.Workers, "queue_size", opts.QueueSize)
	return p
}

func (p *Pool) work(ctx context.Context, ch <-chan domain.MarketEvent) {
	for ev := range ch {
		err := p.handler(ctx, ev)
		p.processed.Add(1)
		if err == nil {
			continue
		}
		p.failed.Add(1)
		if p.onError != nil {
			p.onError(ev, err)
		} else {
			p.log.Error("event handler failed", "symbol", ev.Symbol, "error", err)
		}
	}
}

// Shard returns the worker index of symbol.
func (p *Pool) Shard(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// Submit enqueues ev on its symbol's shard, blocking while the queue is
// full. It fails with ErrClosed after Close and with ctx's error when ctx
// ends first.
func (p *Pool) Submit(ctx context.Context, ev domain.MarketEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.shards[p.Shard(ev.Symbol)] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake and waits until every queued event was handled.
// Calling Close again is a no-op.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("pipeline drained", "processed", p.processed.Load(), "failed", p.failed.Load())
}

// Processed returns the number of events handled so far.
func (p *Pool) Processed() int64 {
	return p.processed.Load()
}

// Depth returns the number of queued events across shards.
func (p *Pool) Depth() int {
	n := 0
	for _, ch := range p.shards {
		n += len(ch)
	}
	return n
}
