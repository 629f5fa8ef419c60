// Package indicators provides streaming technical indicators.
package indicators

import "github.com/rustyeddy/paperbot/market"

// Indicator computes a single streaming value from candles.
// It is deterministic and safe to use in live, replay, and backtests.
type Indicator interface {
	// Name returns a stable identifier like "SMA(20)".
	Name() string

	// Warmup returns how many updates are needed before Ready() can be true.
	Warmup() int

	// Reset clears all internal state.
	Reset()

	// Update consumes the next *closed* candle and updates internal state.
	Update(c market.Candle)

	// Ready reports whether Value() is meaningful (warmup completed).
	Ready() bool

	// Value returns the current value, or 0 when !Ready().
	Value() float64
}

// Field selects which candle value an indicator consumes.
type Field func(market.Candle) float64

func Close(c market.Candle) float64  { return c.Close }
func Volume(c market.Candle) float64 { return c.Volume }
