package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sentinel/internal/domain"
)

var t0 = time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)

func TestPoolPreservesPerSymbolOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string][]int{}
	)
	p := New(context.Background(), func(_ context.Context, ev domain.MarketEvent) error {
		mu.Lock()
		seen[ev.Symbol] = append(seen[ev.Symbol], int(ev.Size))
		mu.Unlock()
		return nil
	}, Options{Workers: 4, QueueSize: 8})

	symbols := []string{"AAPL", "MSFT", "NVDA", "TSLA", "AMZN"}
	for i := 0; i < 200; i++ {
		for _, s := range symbols {
			ev := domain.MarketEvent{Symbol: s, Timestamp: t0.Add(time.Duration(i) * time.Second), Price: 1, Size: float64(i)}
			if err := p.Submit(context.Background(), ev); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}
	p.Close()

	if p.Processed() != int64(200*len(symbols)) {
		t.Errorf("Processed = %d, want %d", p.Processed(), 200*len(symbols))
	}
	for _, s := range symbols {
		got := seen[s]
		if len(got) != 200 {
			t.Fatalf("%s: %d events, want 200", s, len(got))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("%s: event %d out of order (got %d)", s, i, v)
			}
		}
	}
}

func TestPoolShardIsStable(t *testing.T) {
	p := New(context.Background(), func(context.Context, domain.MarketEvent) error { return nil }, Options{Workers: 3})
	defer p.Close()
	for _, s := range []string{"AAPL", "MSFT", "X"} {
		first := p.Shard(s)
		if first < 0 || first >= 3 {
			t.Fatalf("Shard(%s) = %d out of range", s, first)
		}
		if again := p.Shard(s); again != first {
			t.Errorf("Shard(%s) changed from %d to %d", s, first, again)
		}
	}
}

func TestPoolSubmitAfterClose(t *testing.T) {
	p := New(context.Background(), func(context.Context, domain.MarketEvent) error { return nil }, Options{})
	p.Close()
	p.Close()
	if err := p.Submit(context.Background(), domain.MarketEvent{Symbol: "AAPL"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close = %v, want ErrClosed", err)
	}
}

func TestPoolSubmitBlocksUntilContextDone(t *testing.T) {
	release := make(chan struct{})
	p := New(context.Background(), func(context.Context, domain.MarketEvent) error {
		<-release
		return nil
	}, Options{Workers: 1, QueueSize: 1})

	ev := domain.MarketEvent{Symbol: "AAPL"}
	// One event in the handler, one in the queue.
	for i := 0; i < 2; i++ {
		if err := p.Submit(context.Background(), ev); err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
	}
	// Wait until the worker picked the first event up and the queue is full.
	deadline := time.Now().Add(2 * time.Second)
	for p.Depth() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Submit(ctx, ev); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit on full queue = %v, want deadline exceeded", err)
	}

	close(release)
	p.Close()
	if p.Processed() != 2 {
		t.Errorf("Processed = %d, want 2", p.Processed())
	}
}

func TestPoolReportsHandlerErrors(t *testing.T) {
	var (
		mu     sync.Mutex
		failed []string
	)
	boom := errors.New("boom")
	p := New(context.Background(), func(_ context.Context, ev domain.MarketEvent) error {
		if ev.Symbol == "BAD" {
			return boom
		}
		return nil
	}, Options{Workers: 2, OnError: func(ev domain.MarketEvent, err error) {
		mu.Lock()
		defer mu.Unlock()
		if errors.Is(err, boom) {
			failed = append(failed, ev.Symbol)
		}
	}})

	for _, s := range []string{"OK", "BAD", "OK", "BAD"} {
		if err := p.Submit(context.Background(), domain.MarketEvent{Symbol: s}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Close()
	if len(failed) != 2 {
		t.Errorf("failed = %v, want two BAD events", failed)
	}
}
