package signal

import (
	"math"

	"sentinel/internal/domain"
)

// Indicator is an incremental, per-instrument computation over market
// events. Implementations keep only their own window state.
type Indicator interface {
	// Name is the key under which the value appears in a snapshot.
	Name() string
	// Update folds one event into the state.
	Update(ev domain.MarketEvent)
	// Value returns the current value; meaningful once Ready.
	Value() float64
	// Ready reports whether the warm-up window is satisfied.
	Ready() bool
}

// Factory builds a fresh indicator set for a new instrument.
type Factory func() []Indicator

// Windows configures the standard indicator set.
type Windows struct {
	Fast       int
	Slow       int
	Momentum   int
	Volatility int
	ATR        int
}

// StandardFactory returns the built-in indicator set.
func StandardFactory(w Windows) Factory {
	return func() []Indicator {
		return []Indicator{
			NewSMA("sma_fast", w.Fast),
			NewSMA("sma_slow", w.Slow),
			NewEMA("ema", w.Slow),
			NewMomentum("momentum", w.Momentum),
			NewVolatility("volatility", w.Volatility),
			NewATR("atr", w.ATR),
			NewVWAP("vwap"),
		}
	}
}

// ring is a fixed-capacity FIFO of floats.
type ring struct {
	buf  []float64
	head int
	n    int
}

func newRing(size int) *ring {
	if size < 1 {
		size = 1
	}
	return &ring{buf: make([]float64, size)}
}

// push appends v and returns the evicted value when the ring was full.
func (r *ring) push(v float64) (float64, bool) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++
		return 0, false
	}
	old := r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	return old, true
}

func (r *ring) full() bool { return r.n == len(r.buf) }

// oldest returns the first value in the window.
func (r *ring) oldest() float64 { return r.buf[r.head] }

// ---------------------------------------------------------------------------
// Moving averages
// ---------------------------------------------------------------------------

// SMA is a simple moving average of trade prices.
type SMA struct {
	name string
	win  *ring
	sum  float64
}

// NewSMA creates an SMA over window events.
func NewSMA(name string, window int) *SMA {
	return &SMA{name: name, win: newRing(window)}
}

func (s *SMA) Name() string { return s.name }

func (s *SMA) Update(ev domain.MarketEvent) {
	if old, evicted := s.win.push(ev.Price); evicted {
		s.sum -= old
	}
	s.sum += ev.Price
}

func (s *SMA) Value() float64 {
	if s.win.n == 0 {
		return 0
	}
	return s.sum / float64(s.win.n)
}

func (s *SMA) Ready() bool { return s.win.full() }

// EMA is an exponential moving average seeded with the first price.
type EMA struct {
	name   string
	alpha  float64
	warmup int
	count  int
	value  float64
}

// NewEMA creates an EMA with smoothing 2/(window+1).
func NewEMA(name string, window int) *EMA {
	if window < 1 {
		window = 1
	}
	return &EMA{name: name, alpha: 2 / float64(window+1), warmup: window}
}

func (e *EMA) Name() string { return e.name }

func (e *EMA) Update(ev domain.MarketEvent) {
	if e.count == 0 {
		e.value = ev.Price
	} else {
		e.value += e.alpha * (ev.Price - e.value)
	}
	e.count++
}

func (e *EMA) Value() float64 { return e.value }
func (e *EMA) Ready() bool    { return e.count >= e.warmup }

// ---------------------------------------------------------------------------
// Momentum and volatility
// ---------------------------------------------------------------------------

// Momentum is the rate of change of price over a window: p/p[-n] - 1.
type Momentum struct {
	name string
	win  *ring
	last float64
}

// NewMomentum creates a rate-of-change indicator over window events.
func NewMomentum(name string, window int) *Momentum {
	return &Momentum{name: name, win: newRing(window + 1)}
}

func (m *Momentum) Name() string { return m.name }

func (m *Momentum) Update(ev domain.MarketEvent) {
	m.win.push(ev.Price)
	m.last = ev.Price
}

func (m *Momentum) Value() float64 {
	base := m.win.oldest()
	if m.win.n == 0 || base == 0 {
		return 0
	}
	return m.last/base - 1
}

func (m *Momentum) Ready() bool { return m.win.full() }

// Volatility is the sample standard deviation of log returns.
type Volatility struct {
	name  string
	win   *ring
	sum   float64
	sumSq float64
	prev  float64
}

// NewVolatility creates a volatility estimate over window returns.
func NewVolatility(name string, window int) *Volatility {
	return &Volatility{name: name, win: newRing(window)}
}

func (v *Volatility) Name() string { return v.name }

func (v *Volatility) Update(ev domain.MarketEvent) {
	if v.prev > 0 {
		r := math.Log(ev.Price / v.prev)
		if old, evicted := v.win.push(r); evicted {
			v.sum -= old
			v.sumSq -= old * old
		}
		v.sum += r
		v.sumSq += r * r
	}
	v.prev = ev.Price
}

func (v *Volatility) Value() float64 {
	n := float64(v.win.n)
	if n < 2 {
		return 0
	}
	mean := v.sum / n
	variance := (v.sumSq - n*mean*mean) / (n - 1)
	if variance < 0 {
		return 0
	}
	return math.Sqrt(variance)
}

func (v *Volatility) Ready() bool { return v.win.full() }

// ATR is a Wilder-smoothed average of absolute price change between
// consecutive trades, a tick-level stand-in for the bar true range.
type ATR struct {
	name   string
	period int
	count  int
	prev   float64
	value  float64
}

// NewATR creates an ATR with the given smoothing period.
func NewATR(name string, period int) *ATR {
	if period < 1 {
		period = 1
	}
	return &ATR{name: name, period: period}
}

func (a *ATR) Name() string { return a.name }

func (a *ATR) Update(ev domain.MarketEvent) {
	if a.prev == 0 {
		a.prev = ev.Price
		return
	}
	tr := math.Abs(ev.Price - a.prev)
	a.prev = ev.Price
	a.count++
	if a.count <= a.period {
		a.value += (tr - a.value) / float64(a.count)
		return
	}
	a.value = (a.value*float64(a.period-1) + tr) / float64(a.period)
}

func (a *ATR) Value() float64 { return a.value }
func (a *ATR) Ready() bool    { return a.count >= a.period }

// VWAP is the cumulative volume-weighted average price.
type VWAP struct {
	name   string
	pv     float64
	volume float64
	last   float64
}

// NewVWAP creates a session VWAP.
func NewVWAP(name string) *VWAP {
	return &VWAP{name: name}
}

func (w *VWAP) Name() string { return w.name }

func (w *VWAP) Update(ev domain.MarketEvent) {
	w.pv += ev.Price * ev.Size
	w.volume += ev.Size
	w.last = ev.Price
}

func (w *VWAP) Value() float64 {
	if w.volume == 0 {
		return w.last
	}
	return w.pv / w.volume
}

func (w *VWAP) Ready() bool { return w.last > 0 }
