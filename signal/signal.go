// Package signal turns candle history into scored trading signals.
package signal

import (
	"time"
)

// Direction is the bias a signal expresses.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	// Flat asks for any open position to be exited.
	Flat Direction = "flat"
)

// Opposes reports whether d calls for exiting a position held in side.
func (d Direction) Opposes(side Direction) bool {
	switch side {
	case Long:
		return d == Short || d == Flat
	case Short:
		return d == Long || d == Flat
	}
	return false
}

// Signal is ephemeral: it is not guaranteed to produce an order.
type Signal struct {
	ID          string
	AccountID   string
	Venue       string
	Symbol      string
	Timeframe   string
	Strategy    string
	Direction   Direction
	Confidence  float64
	GeneratedAt time.Time

	// CandleTimes are the open times of the candles the signal was derived from.
	CandleTimes []time.Time
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
