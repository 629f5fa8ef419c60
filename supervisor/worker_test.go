package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/market"
	"github.com/rustyeddy/paperbot/market/replay"
	"github.com/rustyeddy/paperbot/risk"
	"github.com/rustyeddy/paperbot/signal"
	"github.com/rustyeddy/paperbot/sim"
)

func pipelineVenue() market.Venue {
	return market.Venue{
		ID:           "paper",
		AssetClasses: market.DefaultAssetClasses(),
		Symbols:      map[string]market.AssetClass{"BTC-USD": market.Crypto},
	}
}

// crossSeries is flat at 100, jumps to 110 on heavy volume at crossAt and
// then climbs.
func crossSeries(n, crossAt int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		p, v := 100.0, 1000.0
		switch {
		case i == crossAt:
			p, v = 110, 1500
		case i > crossAt:
			p = 110 + float64(i-crossAt)*0.5
		}
		out[i] = market.Candle{
			Venue: "paper", Symbol: "BTC-USD", Timeframe: market.H1,
			OpenTime: t0.Add(time.Duration(i) * time.Hour),
			Open:     p, High: p + 1, Low: p - 1, Close: p, Volume: v,
		}
	}
	return out
}

func newPipeline(t *testing.T, feed market.Feed) (*Pipeline, *journal.SQLite) {
	t.Helper()
	ctx := context.Background()

	store, err := journal.NewSQLite(filepath.Join(t.TempDir(), "pipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.EnsureAccount(ctx, journal.Account{ID: "a1", VenueID: "paper", StartingEquity: 1000, CreatedAt: t0})
	require.NoError(t, err)

	sigs, err := signal.NewEngine("a1", signal.Defaults(), zerolog.Nop())
	require.NoError(t, err)
	exec, err := sim.NewEngine(sim.Config{AccountID: "a1", Venue: pipelineVenue(), Policy: risk.DefaultPolicy()}, store, zerolog.Nop())
	require.NoError(t, err)

	return &Pipeline{
		Symbols:   []string{"BTC-USD"},
		Timeframe: market.H1,
		Interval:  time.Millisecond,
		Feed:      feed,
		Signals:   sigs,
		Exec:      exec,
		Log:       zerolog.Nop(),
	}, store
}

func TestPipelineTradesAGoldenCross(t *testing.T) {
	ctx := context.Background()
	p, store := newPipeline(t, replay.New(crossSeries(260, 210)))

	require.NoError(t, p.Cycle(ctx))

	orders, err := store.ListOrders(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, journal.Filled, orders[0].Status)

	trades, err := store.ListClosedTrades(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, journal.TakeProfit, trades[0].ExitReason)

	a, err := store.GetAccount(ctx, "a1")
	require.NoError(t, err)
	ledger, err := store.LedgerEquity(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, ledger, a.CurrentEquity, 1e-9)
	assert.Greater(t, a.CurrentEquity, 1000.0)

	// The cursor advanced; the next cycle sees nothing new.
	require.NoError(t, p.Cycle(ctx))
	orders, err = store.ListOrders(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestPipelineAbsorbsIntegrityErrors(t *testing.T) {
	ctx := context.Background()
	candles := crossSeries(40, 1000)
	// Duplicate and a gap.
	candles = append(candles[:20], append([]market.Candle{candles[19]}, candles[25:]...)...)
	p, _ := newPipeline(t, market.FeedFunc(func(context.Context, string, market.Timeframe, time.Time) ([]market.Candle, error) {
		return candles, nil
	}))

	assert.NoError(t, p.Cycle(ctx))
}

func TestPipelineBeatsThroughVenueTimeouts(t *testing.T) {
	var polls atomic.Int32
	p, _ := newPipeline(t, market.FeedFunc(func(context.Context, string, market.Timeframe, time.Time) ([]market.Candle, error) {
		polls.Add(1)
		return nil, market.ErrVenueTimeout
	}))

	ctx, cancel := context.WithCancel(context.Background())
	var beats atomic.Int32
	errc := make(chan error, 1)
	go func() {
		errc <- p.Run(ctx, func() {
			if beats.Add(1) == 3 {
				cancel()
			}
		})
	}()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.GreaterOrEqual(t, beats.Load(), int32(3))
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestPipelineReturnsStoreErrors(t *testing.T) {
	p, store := newPipeline(t, replay.New(crossSeries(5, 1000)))
	require.NoError(t, store.Close())

	err := p.Cycle(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, market.ErrDataIntegrity))
}

func TestPipelineRunAbsorbsPanickingCycles(t *testing.T) {
	var polls atomic.Int32
	p, _ := newPipeline(t, market.FeedFunc(func(context.Context, string, market.Timeframe, time.Time) ([]market.Candle, error) {
		if polls.Add(1) <= 3 {
			panic("feed exploded")
		}
		return nil, market.ErrVenueTimeout
	}))
	p.HeartbeatEvery = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var beats, pollsAtFirstBeat atomic.Int32
	errc := make(chan error, 1)
	go func() {
		errc <- p.Run(ctx, func() {
			if beats.Add(1) == 1 {
				pollsAtFirstBeat.Store(polls.Load())
			}
			if beats.Load() >= 3 {
				cancel()
			}
		})
	}()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.Greater(t, pollsAtFirstBeat.Load(), int32(3))
}

func TestPipelineRunWithholdsBeatWhileFailing(t *testing.T) {
	p, store := newPipeline(t, replay.New(crossSeries(5, 1000)))
	p.HeartbeatEvery = time.Millisecond
	require.NoError(t, store.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var beats atomic.Int32
	err := p.Run(ctx, func() { beats.Add(1) })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, beats.Load())
}

// conflictingCloses bumps the account version before every close.
type conflictingCloses struct {
	*journal.SQLite
}

func (s *conflictingCloses) CloseTrade(ctx context.Context, c journal.Close) (journal.Account, error) {
	if err := s.SQLite.ResetAccount(ctx, "a1"); err != nil {
		return journal.Account{}, err
	}
	return s.SQLite.CloseTrade(ctx, c)
}

func TestPipelineRunStopsOnRepeatedConflict(t *testing.T) {
	p, store := newPipeline(t, replay.New(crossSeries(260, 210)))
	exec, err := sim.NewEngine(sim.Config{AccountID: "a1", Venue: pipelineVenue(), Policy: risk.DefaultPolicy()}, &conflictingCloses{store}, zerolog.Nop())
	require.NoError(t, err)
	p.Exec = exec

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = p.Run(ctx, func() {})
	require.ErrorIs(t, err, journal.ErrConflict)
}

// flakyOrders fails the first order insert.
type flakyOrders struct {
	*journal.SQLite
	failures atomic.Int32
}

func (s *flakyOrders) InsertOrder(ctx context.Context, o journal.Order) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("disk I/O error")
	}
	return s.SQLite.InsertOrder(ctx, o)
}

func TestPipelineRetriesUnfinishedCandle(t *testing.T) {
	ctx := context.Background()
	p, store := newPipeline(t, replay.New(crossSeries(260, 210)))
	fs := &flakyOrders{SQLite: store}
	fs.failures.Store(1)
	exec, err := sim.NewEngine(sim.Config{AccountID: "a1", Venue: pipelineVenue(), Policy: risk.DefaultPolicy()}, fs, zerolog.Nop())
	require.NoError(t, err)
	p.Exec = exec

	require.Error(t, p.Cycle(ctx))
	orders, err := store.ListOrders(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, orders)

	require.NoError(t, p.Cycle(ctx))
	orders, err = store.ListOrders(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, journal.Filled, orders[0].Status)
}

func TestSupervisorDegradesFailingPipeline(t *testing.T) {
	h := newHarness(t, nil)
	var polls atomic.Int32
	started := make(chan struct{})
	p, _ := newPipeline(t, market.FeedFunc(func(context.Context, string, market.Timeframe, time.Time) ([]market.Candle, error) {
		if polls.Add(1) == 1 {
			close(started)
			return nil, market.ErrVenueTimeout
		}
		panic("feed exploded")
	}))
	h.add(t, keyA, func() (Runner, error) { return p, nil })
	require.NoError(t, h.sup.Start(context.Background(), keyA))
	t.Cleanup(func() { _ = h.sup.Stop(context.Background(), keyA) })

	recv(t, started)
	require.Eventually(t, func() bool { return polls.Load() > 3 }, 2*time.Second, time.Millisecond)

	h.scanAt(t0.Add(time.Second))
	assert.Equal(t, string(Running), h.state(t, keyA).Status)

	h.scanAt(t0.Add(91 * time.Second))
	st := h.state(t, keyA)
	assert.Equal(t, string(Degraded), st.Status)
	assert.Zero(t, st.RestartCount)
}

func TestPipelineRunCancelsStaleOrders(t *testing.T) {
	p, store := newPipeline(t, market.FeedFunc(func(context.Context, string, market.Timeframe, time.Time) ([]market.Candle, error) {
		return nil, market.ErrVenueTimeout
	}))
	require.NoError(t, store.InsertOrder(context.Background(), journal.Order{ID: "stale", AccountID: "a1", Symbol: "BTC-USD", Side: "LONG", CreatedAt: t0}))

	ctx, cancel := context.WithCancel(context.Background())
	err := p.Run(ctx, func() { cancel() })
	require.ErrorIs(t, err, context.Canceled)

	o, err := store.GetOrder(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, journal.Cancelled, o.Status)
}
