package market

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"sentinel/internal/domain"
	"sentinel/internal/errs"
)

var t0 = time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)

func TestNormalize(t *testing.T) {
	ev, err := Normalize(domain.MarketEvent{Symbol: " aapl ", Timestamp: t0, Price: 190.5, Size: 10})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.Symbol != "AAPL" {
		t.Errorf("Symbol = %q, want AAPL", ev.Symbol)
	}

	bad := []domain.MarketEvent{
		{Symbol: "", Timestamp: t0, Price: 1},
		{Symbol: "AAPL", Price: 1},
		{Symbol: "AAPL", Timestamp: t0, Price: -1},
		{Symbol: "AAPL", Timestamp: t0, Price: math.Inf(1)},
		{Symbol: "AAPL", Timestamp: t0, Price: 1, Size: -5},
	}
	for i, ev := range bad {
		if _, err := Normalize(ev); !errs.Is(err, errs.KindMalformedEvent) {
			t.Errorf("case %d: error = %v, want malformed event", i, err)
		}
	}
}

func TestSequencerOrdering(t *testing.T) {
	s := NewSequencer([]string{"AAPL", "msft"})

	if _, err := s.Accept(domain.MarketEvent{Symbol: "AAPL", Timestamp: t0.Add(time.Second), Price: 1}); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	// Equal timestamps are allowed.
	if _, err := s.Accept(domain.MarketEvent{Symbol: "AAPL", Timestamp: t0.Add(time.Second), Price: 2}); err != nil {
		t.Fatalf("Accept equal timestamp: %v", err)
	}
	if _, err := s.Accept(domain.MarketEvent{Symbol: "AAPL", Timestamp: t0, Price: 3}); !errs.Is(err, errs.KindMalformedEvent) {
		t.Errorf("Accept(out of order) error = %v, want malformed event", err)
	}
	// Ordering is per symbol.
	if _, err := s.Accept(domain.MarketEvent{Symbol: "MSFT", Timestamp: t0, Price: 3}); err != nil {
		t.Errorf("Accept(MSFT): %v", err)
	}
	if _, err := s.Accept(domain.MarketEvent{Symbol: "TSLA", Timestamp: t0, Price: 3}); !errors.Is(err, ErrUntracked) {
		t.Errorf("Accept(TSLA) error = %v, want ErrUntracked", err)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"symbol":"aapl","timestamp":"2024-06-03T14:30:00Z","price":190.25,"size":100,"exchange":"V"}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Symbol != "AAPL" || ev.Price != 190.25 || ev.Size != 100 || !ev.Timestamp.Equal(t0) {
		t.Errorf("decoded = %+v", ev)
	}
	if ev.Source != "rabbitmq" {
		t.Errorf("Source = %q, want rabbitmq", ev.Source)
	}

	for _, body := range []string{`not json`, `{"symbol":"AAPL","price":0,"timestamp":"2024-06-03T14:30:00Z"}`} {
		if _, err := DecodeEvent([]byte(body)); !errs.Is(err, errs.KindMalformedEvent) {
			t.Errorf("DecodeEvent(%q) error = %v, want malformed event", body, err)
		}
	}
}

func TestFromAlpacaTrade(t *testing.T) {
	ev := FromAlpacaTrade(stream.Trade{ID: 42, Symbol: "AAPL", Exchange: "V", Price: 190.1, Size: 25, Timestamp: t0})
	want := domain.MarketEvent{Symbol: "AAPL", Timestamp: t0, Price: 190.1, Size: 25, Exchange: "V", ID: "42", Source: "alpaca"}
	if ev != want {
		t.Errorf("FromAlpacaTrade = %+v, want %+v", ev, want)
	}
}

type fakeReader struct {
	events []domain.MarketEvent
}

func (f fakeReader) ReadEvents(_ context.Context, _ []string, _ time.Time) ([]domain.MarketEvent, error) {
	return append([]domain.MarketEvent(nil), f.events...), nil
}

func TestReplaySourceDeliversInTimestampOrder(t *testing.T) {
	reader := fakeReader{events: []domain.MarketEvent{
		{Symbol: "MSFT", Timestamp: t0.Add(2 * time.Second), Price: 3},
		{Symbol: "AAPL", Timestamp: t0, Price: 1},
		{Symbol: "AAPL", Timestamp: t0.Add(time.Second), Price: 2},
	}}
	src := NewReplaySource(reader, nil, t0)

	var got []float64
	err := src.Run(context.Background(), func(_ context.Context, ev domain.MarketEvent) {
		if ev.Source != "replay" {
			t.Errorf("Source = %q, want replay", ev.Source)
		}
		got = append(got, ev.Price)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("delivered prices = %v, want [1 2 3]", got)
	}
}

func TestReplaySourceStopsOnCancel(t *testing.T) {
	reader := fakeReader{events: []domain.MarketEvent{
		{Symbol: "AAPL", Timestamp: t0, Price: 1},
		{Symbol: "AAPL", Timestamp: t0.Add(time.Second), Price: 2},
	}}
	src := NewReplaySource(reader, nil, t0)

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err := src.Run(ctx, func(context.Context, domain.MarketEvent) {
		n++
		cancel()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Errorf("delivered %d events after cancel, want 1", n)
	}
}
