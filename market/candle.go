package market

import (
	"fmt"
	"time"
)

// Candle is the venue-agnostic OHLCV bar every adapter normalizes into.
// Candles are immutable once produced.
type Candle struct {
	Venue     string
	Symbol    string
	Timeframe Timeframe
	OpenTime  time.Time

	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// CloseTime is the instant the bar completes.
func (c Candle) CloseTime() time.Time {
	return c.OpenTime.Add(c.Timeframe.Duration())
}

// Body is the absolute open/close distance.
func (c Candle) Body() float64 {
	return abs(c.Close - c.Open)
}

// Range is high minus low.
func (c Candle) Range() float64 {
	return c.High - c.Low
}

// UpperWick is the distance from the top of the body to the high.
func (c Candle) UpperWick() float64 {
	return c.High - max(c.Open, c.Close)
}

// LowerWick is the distance from the bottom of the body to the low.
func (c Candle) LowerWick() float64 {
	return min(c.Open, c.Close) - c.Low
}

func (c Candle) Bullish() bool { return c.Close > c.Open }
func (c Candle) Bearish() bool { return c.Close < c.Open }

// Key identifies the stream a candle belongs to.
func (c Candle) Key() string {
	return fmt.Sprintf("%s/%s/%s", c.Venue, c.Symbol, c.Timeframe)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
