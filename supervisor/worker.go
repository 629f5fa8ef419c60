package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/market"
	"github.com/rustyeddy/paperbot/risk"
	"github.com/rustyeddy/paperbot/signal"
	"github.com/rustyeddy/paperbot/sim"
)

// Heartbeat is called by a worker to report that it is alive and healthy.
type Heartbeat func()

// DefaultHeartbeatEvery is the pipeline's beat period when none is set.
const DefaultHeartbeatEvery = 30 * time.Second

// Runner is one incarnation of a worker. Run blocks until ctx is cancelled
// or the worker fails. A nil or context error return means a clean stop.
type Runner interface {
	Run(ctx context.Context, beat Heartbeat) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, beat Heartbeat) error

func (f RunnerFunc) Run(ctx context.Context, beat Heartbeat) error { return f(ctx, beat) }

// Pipeline is the standard worker: it polls the feed for each symbol,
// runs the signal engine, manages exits and submits entries.
type Pipeline struct {
	Symbols   []string
	Timeframe market.Timeframe
	// Interval between poll cycles.
	Interval time.Duration
	// HeartbeatEvery is how often a healthy pipeline beats between
	// cycles. It must be shorter than the supervisor's heartbeat timeout.
	HeartbeatEvery time.Duration

	Feed    market.Feed
	Signals *signal.Engine
	Exec    *sim.Engine
	Log     zerolog.Logger

	// Cursor is the open time of the last candle processed per symbol.
	// Incarnations of the same worker may share it so a restart resumes
	// where the previous one stopped.
	Cursor map[string]time.Time

	// retry holds the unsubmitted signals of a candle whose processing
	// failed after the signal engine consumed it.
	retry map[string]pendingSignals
}

type pendingSignals struct {
	at   time.Time
	sigs []signal.Signal
}

// Run polls every Interval and beats every HeartbeatEvery while the last
// cycle succeeded. A failed or panicking cycle withholds the beat until a
// later cycle succeeds; only account-level failures end the run.
func (p *Pipeline) Run(ctx context.Context, beat Heartbeat) error {
	interval := p.Interval
	if interval <= 0 {
		interval = p.Timeframe.Duration()
	}
	every := p.HeartbeatEvery
	if every <= 0 {
		every = DefaultHeartbeatEvery
	}
	poll := time.NewTicker(interval)
	defer poll.Stop()
	pulse := time.NewTicker(every)
	defer pulse.Stop()

	if n, err := p.Exec.CancelPending(ctx, time.Now().UTC()); err != nil {
		p.Log.Warn().Err(err).Msg("cancel stale orders")
	} else if n > 0 {
		p.Log.Info().Int("orders", n).Msg("cancelled stale orders")
	}

	healthy, failures := false, 0
	cycle := func() error {
		err := p.safeCycle(ctx)
		switch {
		case err == nil:
			healthy, failures = true, 0
			beat()
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case fatal(err):
			return err
		}
		if failures == 0 {
			p.Log.Error().Err(err).Msg("cycle failed; heartbeat withheld")
		} else {
			p.Log.Debug().Err(err).Int("failures", failures+1).Msg("cycle failed again")
		}
		healthy = false
		failures++
		return nil
	}

	if err := cycle(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			if err := cycle(); err != nil {
				return err
			}
		case <-pulse.C:
			if healthy {
				beat()
			}
		}
	}
}

func (p *Pipeline) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return p.Cycle(ctx)
}

// fatal reports whether a cycle error must stop the worker. The sim engine
// already retried a conflicting close once.
func fatal(err error) bool {
	return errors.Is(err, sim.ErrLiquidated) ||
		errors.Is(err, sim.ErrAccountFrozen) ||
		errors.Is(err, journal.ErrConflict)
}

// Cycle runs one poll over every symbol. Data integrity problems, venue
// timeouts and order rejections are absorbed; anything else is returned.
func (p *Pipeline) Cycle(ctx context.Context) error {
	if p.Cursor == nil {
		p.Cursor = make(map[string]time.Time)
	}
	if p.retry == nil {
		p.retry = make(map[string]pendingSignals)
	}
	for _, sym := range p.Symbols {
		if err := ctx.Err(); err != nil {
			return err
		}
		candles, err := p.Feed.Poll(ctx, sym, p.Timeframe, p.Cursor[sym])
		switch {
		case errors.Is(err, market.ErrVenueTimeout):
			p.Log.Warn().Err(err).Str("symbol", sym).Msg("venue timeout, skipping cycle")
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.Log.Warn().Err(err).Str("symbol", sym).Msg("poll failed")
			continue
		}

		for _, c := range candles {
			if err := p.candle(ctx, c); err != nil {
				return err
			}
			if c.OpenTime.After(p.Cursor[sym]) {
				p.Cursor[sym] = c.OpenTime
			}
		}
	}
	return nil
}

func (p *Pipeline) candle(ctx context.Context, c market.Candle) error {
	var sigs []signal.Signal
	if r, ok := p.retry[c.Symbol]; ok && r.at.Equal(c.OpenTime) {
		sigs = r.sigs
	} else {
		var err error
		sigs, err = p.Signals.OnCandle(c)
		if err != nil {
			var ie *market.IntegrityError
			if !errors.As(err, &ie) {
				return err
			}
			// A gap is still a real price; stale candles are not.
			if ie.Kind != market.Gap {
				return nil
			}
		}
		p.retry[c.Symbol] = pendingSignals{at: c.OpenTime, sigs: sigs}
	}

	if _, err := p.Exec.OnCandle(ctx, c, sigs); err != nil {
		return err
	}

	for i, sig := range sigs {
		if sig.Direction == signal.Flat {
			continue
		}
		_, err := p.Exec.Submit(ctx, sig, c)
		switch {
		case err == nil, errors.Is(err, risk.ErrValidation):
		case errors.Is(err, sim.ErrAccountFrozen):
			return err
		default:
			p.retry[c.Symbol] = pendingSignals{at: c.OpenTime, sigs: sigs[i:]}
			return fmt.Errorf("submit %s: %w", sig.ID, err)
		}
	}
	delete(p.retry, c.Symbol)
	return nil
}
