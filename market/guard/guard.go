// Package guard bounds upstream market-data calls with a per-call timeout
// and a circuit breaker that skips a venue after repeated timeouts.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/rustyeddy/paperbot/market"
	"github.com/rustyeddy/paperbot/metrics"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultFailures = 3
	DefaultCooldown = 30 * time.Second
)

type Options struct {
	Venue string

	// Timeout bounds every Poll.
	Timeout time.Duration

	// Failures is the number of consecutive timeouts that opens the breaker.
	Failures int

	// Cooldown is how long an open breaker skips the venue before letting a
	// single probe through.
	Cooldown time.Duration
}

// Feed wraps an upstream feed. Only timeouts count against the breaker;
// any other upstream error is passed through untouched.
type Feed struct {
	inner   market.Feed
	opts    Options
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

func New(inner market.Feed, opts Options, log zerolog.Logger) *Feed {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Failures <= 0 {
		opts.Failures = DefaultFailures
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}

	f := &Feed{
		inner: inner,
		opts:  opts,
		log:   log.With().Str("venue", opts.Venue).Logger(),
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Venue,
		MaxRequests: 1,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(opts.Failures)
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, market.ErrVenueTimeout)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("venue breaker state change")
		},
	})
	return f
}

// Open reports whether the venue is currently being skipped.
func (f *Feed) Open() bool {
	return f.breaker.State() == gobreaker.StateOpen
}

func (f *Feed) Poll(ctx context.Context, symbol string, tf market.Timeframe, after time.Time) ([]market.Candle, error) {
	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.poll(ctx, symbol, tf, after)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%s: circuit open: %w", f.opts.Venue, market.ErrVenueTimeout)
	case err != nil:
		if errors.Is(err, market.ErrVenueTimeout) {
			metrics.VenueTimeouts.WithLabelValues(f.opts.Venue).Inc()
		}
		return nil, err
	}
	candles, _ := out.([]market.Candle)
	return candles, nil
}

type result struct {
	candles []market.Candle
	err     error
}

// poll runs the upstream call in its own goroutine so a feed that ignores
// its context still cannot hold the caller past the deadline.
func (f *Feed) poll(ctx context.Context, symbol string, tf market.Timeframe, after time.Time) ([]market.Candle, error) {
	tctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		cs, err := f.inner.Poll(tctx, symbol, tf, after)
		done <- result{cs, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%s %s: %w", f.opts.Venue, symbol, market.ErrVenueTimeout)
		}
		return r.candles, r.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s %s: no response within %s: %w", f.opts.Venue, symbol, f.opts.Timeout, market.ErrVenueTimeout)
	}
}
