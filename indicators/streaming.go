package indicators

import (
	"fmt"

	"github.com/rustyeddy/paperbot/market"
)

// Window is a fixed-size rolling mean. Push is O(1): the running sum is
// adjusted by the value entering and the value leaving the ring.
type Window struct {
	ring  []float64
	next  int
	count int
	sum   float64
}

func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{ring: make([]float64, size)}
}

func (w *Window) Size() int { return len(w.ring) }

// Push adds v, evicting the oldest value once the window is full.
func (w *Window) Push(v float64) {
	if w.count == len(w.ring) {
		w.sum -= w.ring[w.next]
	} else {
		w.count++
	}
	w.ring[w.next] = v
	w.sum += v
	w.next = (w.next + 1) % len(w.ring)
}

func (w *Window) Full() bool { return w.count == len(w.ring) }

// Mean of the values currently held; 0 when empty.
func (w *Window) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

func (w *Window) Reset() {
	for i := range w.ring {
		w.ring[i] = 0
	}
	w.next, w.count, w.sum = 0, 0, 0
}

// SimpleMA is a streaming Simple Moving Average indicator.
type SimpleMA struct {
	name   string
	field  Field
	window *Window
}

// NewMA creates a Simple Moving Average of closes with the given period.
func NewMA(period int) *SimpleMA {
	return NewMAOf("SMA", Close, period)
}

// NewVolumeMA averages candle volume.
func NewVolumeMA(period int) *SimpleMA {
	return NewMAOf("VMA", Volume, period)
}

func NewMAOf(prefix string, field Field, period int) *SimpleMA {
	w := NewWindow(period)
	return &SimpleMA{
		name:   fmt.Sprintf("%s(%d)", prefix, w.Size()),
		field:  field,
		window: w,
	}
}

func (m *SimpleMA) Name() string { return m.name }

func (m *SimpleMA) Warmup() int { return m.window.Size() }

func (m *SimpleMA) Reset() { m.window.Reset() }

func (m *SimpleMA) Update(c market.Candle) { m.window.Push(m.field(c)) }

func (m *SimpleMA) Ready() bool { return m.window.Full() }

func (m *SimpleMA) Value() float64 {
	if !m.Ready() {
		return 0
	}
	return m.window.Mean()
}

// ExponentialMA is a streaming Exponential Moving Average indicator.
type ExponentialMA struct {
	period     int
	multiplier float64
	ema        float64
	count      int
	warmupSum  float64
}

// NewEMA creates a new Exponential Moving Average indicator with the given period.
func NewEMA(period int) *ExponentialMA {
	if period < 1 {
		period = 1
	}
	return &ExponentialMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *ExponentialMA) Name() string {
	return fmt.Sprintf("EMA(%d)", e.period)
}

func (e *ExponentialMA) Warmup() int {
	return e.period
}

func (e *ExponentialMA) Reset() {
	e.ema = 0
	e.count = 0
	e.warmupSum = 0
}

func (e *ExponentialMA) Update(c market.Candle) {
	if e.count < e.period {
		// Seed with the SMA of the first period closes.
		e.warmupSum += c.Close
		e.count++
		if e.count == e.period {
			e.ema = e.warmupSum / float64(e.period)
		}
		return
	}
	e.ema = (c.Close-e.ema)*e.multiplier + e.ema
}

func (e *ExponentialMA) Ready() bool {
	return e.count >= e.period
}

func (e *ExponentialMA) Value() float64 {
	if !e.Ready() {
		return 0
	}
	return e.ema
}

// New builds a moving average by kind ("sma" or "ema").
func New(kind string, period int) (Indicator, error) {
	switch kind {
	case "", "sma":
		return NewMA(period), nil
	case "ema":
		return NewEMA(period), nil
	default:
		return nil, fmt.Errorf("unknown moving average %q (supported: sma, ema)", kind)
	}
}
