// Package market ingests trade prints from external feeds and normalizes them
// into domain.MarketEvent values for the trading pipeline.
package market

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"sentinel/internal/domain"
	"sentinel/internal/errs"
)

// Handler receives normalized events. Implementations may block to apply
// backpressure to the source.
type Handler func(ctx context.Context, ev domain.MarketEvent)

// Source is a market event feed. Run blocks until ctx is cancelled or the
// feed is exhausted, reconnecting on transient failures.
type Source interface {
	// Name returns the source identifier used in logs and events.
	Name() string

	// Run delivers events to h in feed order.
	Run(ctx context.Context, h Handler) error
}

// ErrUntracked is returned by Sequencer.Accept for symbols outside the
// configured universe.
var ErrUntracked = errors.New("untracked symbol")

// Normalize upper-cases the symbol and validates the event fields.
func Normalize(ev domain.MarketEvent) (domain.MarketEvent, error) {
	ev.Symbol = strings.ToUpper(strings.TrimSpace(ev.Symbol))
	switch {
	case ev.Symbol == "":
		return ev, errs.Malformed("market.Normalize", "", "empty symbol")
	case ev.Timestamp.IsZero():
		return ev, errs.Malformed("market.Normalize", ev.Symbol, "missing timestamp")
	case math.IsNaN(ev.Price) || math.IsInf(ev.Price, 0) || ev.Price <= 0:
		return ev, errs.Malformed("market.Normalize", ev.Symbol, "price must be positive")
	case math.IsNaN(ev.Size) || ev.Size < 0:
		return ev, errs.Malformed("market.Normalize", ev.Symbol, "negative size")
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return ev, nil
}

// Sequencer normalizes events and enforces non-decreasing timestamps per
// symbol. It is safe for concurrent use.
type Sequencer struct {
	mu      sync.Mutex
	last    map[string]time.Time
	symbols map[string]struct{}
}

// NewSequencer creates a Sequencer. When symbols is empty every symbol is
// tracked.
func NewSequencer(symbols []string) *Sequencer {
	s := &Sequencer{last: make(map[string]time.Time)}
	if len(symbols) > 0 {
		s.symbols = make(map[string]struct{}, len(symbols))
		for _, sym := range symbols {
			s.symbols[strings.ToUpper(strings.TrimSpace(sym))] = struct{}{}
		}
	}
	return s
}

// Accept returns the normalized event, ErrUntracked for symbols outside the
// universe, or a MalformedEvent error for invalid or out-of-order events.
// Rejected events leave the sequencer unchanged.
func (s *Sequencer) Accept(ev domain.MarketEvent) (domain.MarketEvent, error) {
	ev, err := Normalize(ev)
	if err != nil {
		return ev, err
	}
	if s.symbols != nil {
		if _, ok := s.symbols[ev.Symbol]; !ok {
			return ev, ErrUntracked
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.last[ev.Symbol]; ok && ev.Timestamp.Before(last) {
		return ev, errs.Malformed("market.Sequencer", ev.Symbol,
			"timestamp "+ev.Timestamp.Format(time.RFC3339Nano)+" before "+last.Format(time.RFC3339Nano))
	}
	s.last[ev.Symbol] = ev.Timestamp
	return ev, nil
}

// Symbols returns the tracked universe, or nil when unrestricted.
func (s *Sequencer) Symbols() []string {
	if s.symbols == nil {
		return nil
	}
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	return out
}
