package market

import (
	"context"
	"errors"
	"time"
)

// ErrVenueTimeout is returned when an upstream venue call exceeds its
// deadline or the venue is being skipped by its circuit breaker.
var ErrVenueTimeout = errors.New("venue timeout")

// Feed is the market data boundary. Poll returns candles for one
// symbol/timeframe with OpenTime strictly after `after`, oldest first.
// Implementations may block on upstream I/O and must honor ctx.
type Feed interface {
	Poll(ctx context.Context, symbol string, tf Timeframe, after time.Time) ([]Candle, error)
}

// FeedFunc adapts a function to Feed.
type FeedFunc func(ctx context.Context, symbol string, tf Timeframe, after time.Time) ([]Candle, error)

func (f FeedFunc) Poll(ctx context.Context, symbol string, tf Timeframe, after time.Time) ([]Candle, error) {
	return f(ctx, symbol, tf, after)
}
