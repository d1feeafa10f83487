// Package signal maintains incremental indicator state per instrument and
// turns each market event into a signal snapshot.
package signal

import (
	"math"
	"sync"
	"time"

	"sentinel/internal/domain"
	"sentinel/internal/errs"
)

// Derived value names.
const (
	ValueTrend = "trend"
)

// state is one instrument's indicators and ordering watermark.
type state struct {
	mu         sync.Mutex
	last       time.Time
	count      int64
	indicators []Indicator
}

// Engine holds one indicator state per instrument. Updates for the same
// instrument are serialized; different instruments proceed in parallel.
type Engine struct {
	factory Factory

	mu     sync.Mutex
	states map[string]*state
}

// NewEngine creates an Engine that builds indicators with factory.
func NewEngine(factory Factory) *Engine {
	return &Engine{
		factory: factory,
		states:  make(map[string]*state),
	}
}

func (e *Engine) state(symbol string) *state {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[symbol]
	if !ok {
		st = &state{indicators: e.factory()}
		e.states[symbol] = st
	}
	return st
}

// Update folds ev into symbol's state and returns the resulting snapshot.
// Malformed or out-of-order events return a MalformedEvent error and leave
// the state untouched.
func (e *Engine) Update(symbol string, ev domain.MarketEvent) (domain.SignalSnapshot, error) {
	if err := validate(symbol, ev); err != nil {
		return domain.SignalSnapshot{}, err
	}

	st := e.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	if ev.Timestamp.Before(st.last) {
		return domain.SignalSnapshot{}, errs.Malformed("signal.update", symbol,
			"event at "+ev.Timestamp.Format(time.RFC3339Nano)+" precedes "+st.last.Format(time.RFC3339Nano))
	}

	for _, ind := range st.indicators {
		ind.Update(ev)
	}
	st.last = ev.Timestamp
	st.count++

	return snapshot(symbol, ev, st.indicators), nil
}

// Count returns the number of events applied to symbol.
func (e *Engine) Count(symbol string) int64 {
	e.mu.Lock()
	st, ok := e.states[symbol]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.count
}

// Reset discards symbol's state.
func (e *Engine) Reset(symbol string) {
	e.mu.Lock()
	delete(e.states, symbol)
	e.mu.Unlock()
}

func validate(symbol string, ev domain.MarketEvent) error {
	switch {
	case symbol == "" || ev.Symbol != symbol:
		return errs.Malformed("signal.update", symbol, "symbol mismatch: event for "+ev.Symbol)
	case ev.Timestamp.IsZero():
		return errs.Malformed("signal.update", symbol, "missing timestamp")
	case math.IsNaN(ev.Price) || math.IsInf(ev.Price, 0) || ev.Price <= 0:
		return errs.Malformed("signal.update", symbol, "non-positive price")
	case math.IsNaN(ev.Size) || ev.Size < 0:
		return errs.Malformed("signal.update", symbol, "negative size")
	}
	return nil
}

func snapshot(symbol string, ev domain.MarketEvent, indicators []Indicator) domain.SignalSnapshot {
	values := make(map[string]float64, len(indicators)+1)
	confident := true
	for _, ind := range indicators {
		values[ind.Name()] = ind.Value()
		if !ind.Ready() {
			confident = false
		}
	}
	fast, okFast := values["sma_fast"]
	slow, okSlow := values["sma_slow"]
	if okFast && okSlow {
		switch {
		case fast > slow:
			values[ValueTrend] = 1
		case fast < slow:
			values[ValueTrend] = -1
		default:
			values[ValueTrend] = 0
		}
	}
	return domain.SignalSnapshot{
		Symbol:    symbol,
		Timestamp: ev.Timestamp,
		Price:     ev.Price,
		Values:    values,
		Confident: confident,
	}
}
