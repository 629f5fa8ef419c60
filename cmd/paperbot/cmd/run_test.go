package cmd

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/paperbot/config"
	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/market"
	"github.com/rustyeddy/paperbot/readiness"
	"github.com/rustyeddy/paperbot/supervisor"
)

func newStore(t *testing.T) *journal.SQLite {
	t.Helper()
	j, err := journal.NewSQLite(filepath.Join(t.TempDir(), "paperbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func newWorker(t *testing.T, cfg *config.Config, a config.AccountConfig, j *journal.SQLite) *worker {
	t.Helper()
	log := zerolog.New(io.Discard)
	v, ok := cfg.Venue(a.Venue)
	require.True(t, ok)
	feed, err := v.NewFeed(log)
	require.NoError(t, err)
	return &worker{
		cfg:     cfg,
		account: a,
		feed:    feed,
		store:   j,
		eval:    readiness.NewEvaluator(j, cfg.Readiness, log),
		log:     log,
	}
}

func TestBuildRefusesInvalidAccount(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	j := newStore(t)

	a := cfg.Accounts[0]
	a.StartingEquity = 0
	_, err := newWorker(t, cfg, a, j).build()
	assert.ErrorContains(t, err, "starting_equity")

	r, err := newWorker(t, cfg, cfg.Accounts[1], j).build()
	require.NoError(t, err)
	p, ok := r.(*supervisor.Pipeline)
	require.True(t, ok)
	assert.Equal(t, cfg.Accounts[1].Strategy.Symbols, p.Symbols)
	assert.Empty(t, p.Cursor)
}

func TestBuildSharesCursorAcrossIncarnations(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	j := newStore(t)
	w := newWorker(t, cfg, cfg.Accounts[1], j)

	first, err := w.build()
	require.NoError(t, err)
	first.(*supervisor.Pipeline).Cursor["BTC-USD"] = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	second, err := w.build()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), second.(*supervisor.Pipeline).Cursor["BTC-USD"])
}

func TestResumeCursorFromLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j := newStore(t)
	_, err := j.EnsureAccount(ctx, journal.Account{ID: "a1", VenueID: "paper", StartingEquity: 1000})
	require.NoError(t, err)

	t0 := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	for i, sym := range []string{"BTC-USD", "BTC-USD", "ETH-USD"} {
		require.NoError(t, j.InsertOrder(ctx, journal.Order{
			ID:        "o" + string(rune('1'+i)),
			AccountID: "a1",
			Symbol:    sym,
			Side:      "LONG",
			CreatedAt: t0.Add(time.Duration(i) * time.Hour),
		}))
	}

	cursor, err := resumeCursor(ctx, j, "a1", market.M15)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour-15*time.Minute), cursor["BTC-USD"])
	assert.Equal(t, t0.Add(2*time.Hour-15*time.Minute), cursor["ETH-USD"])
}

func TestResetAccountClearsWorker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j := newStore(t)
	_, err := j.EnsureAccount(ctx, journal.Account{ID: "a1", VenueID: "paper", StartingEquity: 1000})
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, j.SaveWorkerState(ctx, journal.WorkerState{
		AccountID:           "a1",
		VenueID:             "paper",
		Status:              string(supervisor.Stopped),
		ConsecutiveFailures: 6,
		RestartCount:        6,
		Reason:              "escalated: 6 crashes in 1h0m0s",
		UpdatedAt:           now,
	}))
	require.NoError(t, j.RecordCrash(ctx, "a1", "paper", now))

	require.NoError(t, resetAccount(ctx, j, "a1", "", now))

	w, err := j.GetWorkerState(ctx, "a1", "paper")
	require.NoError(t, err)
	assert.Equal(t, string(supervisor.Stopped), w.Status)
	assert.Zero(t, w.ConsecutiveFailures)
	assert.Equal(t, 6, w.RestartCount)
	assert.Empty(t, w.Reason)

	n, err := j.CountCrashesSince(ctx, "a1", "paper", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Error(t, resetAccount(ctx, j, "missing", "", now))
}

func TestBuildReport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j := newStore(t)
	_, err := j.EnsureAccount(ctx, journal.Account{ID: "a1", VenueID: "paper", StartingEquity: 1000})
	require.NoError(t, err)

	r, err := buildReport(ctx, j, "a1")
	require.NoError(t, err)
	assert.Nil(t, r.Snapshot)
	assert.Zero(t, r.Open)

	_, err = buildReport(ctx, j, "missing")
	assert.ErrorIs(t, err, journal.ErrNotFound)
}

func TestPullCandles(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	v, _ := cfg.Venue("paper")
	v.Feed.Batch = 100
	feed, err := v.NewFeed(zerolog.New(io.Discard))
	require.NoError(t, err)

	candles, err := pullCandles(context.Background(), feed, "BTC-USD", market.H1, 250)
	require.NoError(t, err)
	require.Len(t, candles, 250)
	for i := 1; i < len(candles); i++ {
		assert.Equal(t, time.Hour, candles[i].OpenTime.Sub(candles[i-1].OpenTime))
	}
}

func TestDefaultWorkerStaysRunning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := config.Default()
	a := cfg.Accounts[1]
	key := supervisor.Key{AccountID: a.ID, VenueID: a.Venue}
	j := newStore(t)
	_, err := j.EnsureAccount(ctx, journal.Account{ID: a.ID, VenueID: a.Venue, StartingEquity: a.StartingEquity})
	require.NoError(t, err)

	r, err := newWorker(t, cfg, a, j).build()
	require.NoError(t, err)
	p := r.(*supervisor.Pipeline)
	require.Zero(t, p.Interval, "polls once per timeframe")
	require.Less(t, p.HeartbeatEvery, cfg.Supervisor.HeartbeatTimeout)
	p.HeartbeatEvery = 2 * time.Millisecond

	var (
		mu  sync.Mutex
		now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	)
	sup, err := supervisor.New(cfg.Supervisor, j, zerolog.New(io.Discard))
	require.NoError(t, err)
	sup.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	beats := make(chan struct{})
	require.NoError(t, sup.Add(ctx, supervisor.Spec{AccountID: a.ID, VenueID: a.Venue, Build: func() (supervisor.Runner, error) {
		return supervisor.RunnerFunc(func(ctx context.Context, beat supervisor.Heartbeat) error {
			return p.Run(ctx, func() {
				beat()
				select {
				case beats <- struct{}{}:
				case <-ctx.Done():
				}
			})
		}), nil
	}}))
	require.NoError(t, sup.Start(ctx, key))
	t.Cleanup(func() { _ = sup.Stop(context.Background(), key) })

	// Six minutes of wall time is four heartbeat windows.
	for i := 0; i < 6; i++ {
		mu.Lock()
		now = now.Add(time.Minute)
		at := now
		mu.Unlock()

		// The second beat is stamped after the clock moved.
		for range 2 {
			select {
			case <-beats:
			case <-time.After(2 * time.Second):
				t.Fatal("no heartbeat between polls")
			}
		}
		sup.Scan(ctx, at)

		states := sup.States()
		require.Len(t, states, 1)
		assert.Equal(t, string(supervisor.Running), states[0].Status, "minute %d", i+1)
	}
}
