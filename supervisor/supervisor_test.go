package supervisor

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/sim"
)

var (
	t0   = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	keyA = Key{AccountID: "a1", VenueID: "paper"}
	keyB = Key{AccountID: "a2", VenueID: "paper"}

	_ Store = (*journal.SQLite)(nil)
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// blockingRunner beats once when it starts and then on every pulse until
// its context is cancelled.
type blockingRunner struct {
	started chan struct{}
	pulse   chan struct{}
	beaten  chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan struct{}, 16),
		pulse:   make(chan struct{}),
		beaten:  make(chan struct{}),
	}
}

func (r *blockingRunner) Run(ctx context.Context, beat Heartbeat) error {
	beat()
	r.started <- struct{}{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.pulse:
			beat()
			r.beaten <- struct{}{}
		}
	}
}

func (r *blockingRunner) beat(t *testing.T) {
	t.Helper()
	r.pulse <- struct{}{}
	<-r.beaten
}

type harness struct {
	sup   *Supervisor
	store *journal.SQLite
	clk   *clock
	logs  *bytes.Buffer
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	store, err := journal.NewSQLite(filepath.Join(t.TempDir(), "sup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, id := range []string{"a1", "a2"} {
		_, err := store.EnsureAccount(context.Background(), journal.Account{ID: id, VenueID: "paper", StartingEquity: 1000, CreatedAt: t0})
		require.NoError(t, err)
	}

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	var buf bytes.Buffer
	sup, err := New(cfg, store, zerolog.New(&syncWriter{w: &buf}))
	require.NoError(t, err)

	clk := &clock{t: t0}
	sup.SetClock(clk.Now)
	return &harness{sup: sup, store: store, clk: clk, logs: &buf}
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (h *harness) add(t *testing.T, key Key, build func() (Runner, error)) {
	t.Helper()
	require.NoError(t, h.sup.Add(context.Background(), Spec{AccountID: key.AccountID, VenueID: key.VenueID, Build: build}))
}

func (h *harness) scanAt(at time.Time) {
	h.clk.Set(at)
	h.sup.Scan(context.Background(), at)
}

func (h *harness) state(t *testing.T, key Key) journal.WorkerState {
	t.Helper()
	for _, w := range h.sup.States() {
		if w.AccountID == key.AccountID && w.VenueID == key.VenueID {
			return w
		}
	}
	t.Fatalf("no state for %s", key)
	return journal.WorkerState{}
}

// waitExit blocks until the current incarnation's goroutine has returned.
func (h *harness) waitExit(t *testing.T, key Key) {
	t.Helper()
	h.sup.mu.Lock()
	done := h.sup.slots[key].done
	h.sup.mu.Unlock()
	require.NotNil(t, done)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker %s did not exit", key)
	}
}

func recv(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker")
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{Stopped, Starting, true},
		{Starting, Running, true},
		{Running, Degraded, true},
		{Degraded, Running, true},
		{Degraded, Crashed, true},
		{Running, Crashed, true},
		{Crashed, Starting, true},
		{Crashed, Stopped, true},
		{Stopped, Running, false},
		{Crashed, Running, false},
		{Running, Starting, false},
		{Stopped, Crashed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.ErrorIs(t, checkTransition(Stopped, Running), ErrInvalidTransition)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: 5 * time.Second, Max: time.Minute}
	assert.Equal(t, 5*time.Second, b.Delay(0))
	assert.Equal(t, 10*time.Second, b.Delay(1))
	assert.Equal(t, 20*time.Second, b.Delay(2))
	assert.Equal(t, 40*time.Second, b.Delay(3))
	assert.Equal(t, time.Minute, b.Delay(4))
	assert.Equal(t, time.Minute, b.Delay(60))
}

func TestHeartbeatMissesRestartWithBackoff(t *testing.T) {
	h := newHarness(t, nil)
	r := newBlockingRunner()
	builds := 0
	h.add(t, keyA, func() (Runner, error) { builds++; return r, nil })

	require.NoError(t, h.sup.Start(context.Background(), keyA))
	recv(t, r.started)
	h.scanAt(t0)
	assert.Equal(t, string(Running), h.state(t, keyA).Status)

	h.scanAt(t0.Add(90 * time.Second))
	assert.Equal(t, string(Degraded), h.state(t, keyA).Status)

	h.scanAt(t0.Add(180 * time.Second))
	assert.Equal(t, string(Degraded), h.state(t, keyA).Status)

	crash1 := t0.Add(270 * time.Second)
	h.scanAt(crash1)
	st := h.state(t, keyA)
	assert.Equal(t, string(Crashed), st.Status)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, crash1.Add(10*time.Second), st.NextRestartAt, "first restart waits base*2")
	h.waitExit(t, keyA)

	h.scanAt(crash1.Add(9 * time.Second))
	assert.Equal(t, string(Crashed), h.state(t, keyA).Status)

	restart := crash1.Add(10 * time.Second)
	h.scanAt(restart)
	assert.Equal(t, string(Starting), h.state(t, keyA).Status)
	recv(t, r.started)
	h.scanAt(restart)
	assert.Equal(t, string(Running), h.state(t, keyA).Status)
	assert.Equal(t, 2, builds)

	crash2 := restart.Add(270 * time.Second)
	h.scanAt(crash2)
	st = h.state(t, keyA)
	assert.Equal(t, string(Crashed), st.Status)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Equal(t, crash2.Add(20*time.Second), st.NextRestartAt, "second restart waits base*4")
	assert.Equal(t, 2, st.RestartCount)

	persisted, err := h.store.GetWorkerState(context.Background(), keyA.AccountID, keyA.VenueID)
	require.NoError(t, err)
	assert.Equal(t, 2, persisted.ConsecutiveFailures)
	assert.Equal(t, string(Crashed), persisted.Status)

	assert.Contains(t, h.logs.String(), "restart scheduled")
}

func TestHeartbeatRecoversFromDegraded(t *testing.T) {
	h := newHarness(t, nil)
	r := newBlockingRunner()
	h.add(t, keyA, func() (Runner, error) { return r, nil })

	require.NoError(t, h.sup.Start(context.Background(), keyA))
	recv(t, r.started)
	h.scanAt(t0)

	h.scanAt(t0.Add(100 * time.Second))
	require.Equal(t, string(Degraded), h.state(t, keyA).Status)

	r.beat(t)
	h.scanAt(t0.Add(100 * time.Second))
	assert.Equal(t, string(Running), h.state(t, keyA).Status)
	assert.Equal(t, t0.Add(100*time.Second), h.state(t, keyA).LastHeartbeatAt)
}

func TestFailuresResetAfterStableRun(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StableAfter = 2 * time.Minute })
	r := newBlockingRunner()
	h.add(t, keyA, func() (Runner, error) { return r, nil })

	require.NoError(t, h.sup.Start(context.Background(), keyA))
	recv(t, r.started)
	h.scanAt(t0)
	crash := t0.Add(270 * time.Second)
	h.scanAt(crash)
	h.waitExit(t, keyA)

	restart := crash.Add(10 * time.Second)
	h.scanAt(restart)
	recv(t, r.started)
	h.scanAt(restart)
	require.Equal(t, 1, h.state(t, keyA).ConsecutiveFailures)

	at := restart
	for i := 0; i < 3; i++ {
		at = at.Add(60 * time.Second)
		h.clk.Set(at)
		r.beat(t)
		h.scanAt(at)
	}
	st := h.state(t, keyA)
	assert.Equal(t, string(Running), st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestRepeatedCrashesEscalateToStopped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.CrashThreshold = 2 })
	h.add(t, keyA, func() (Runner, error) {
		return RunnerFunc(func(context.Context, Heartbeat) error { return errors.New("boom") }), nil
	})

	require.NoError(t, h.sup.Start(ctx, keyA))
	at := t0
	for i := 1; i <= 3; i++ {
		h.waitExit(t, keyA)
		h.scanAt(at)
		st := h.state(t, keyA)
		if i < 3 {
			require.Equal(t, string(Crashed), st.Status, "crash %d", i)
			at = st.NextRestartAt
			h.scanAt(at)
			require.Equal(t, string(Starting), h.state(t, keyA).Status)
		}
	}

	st := h.state(t, keyA)
	assert.Equal(t, string(Stopped), st.Status)
	assert.Contains(t, st.Reason, "escalated")
	assert.Contains(t, h.logs.String(), "human reset required")

	// Escalated workers stay down until reset.
	h.scanAt(at.Add(time.Hour))
	assert.Equal(t, string(Stopped), h.state(t, keyA).Status)
	assert.Error(t, h.sup.Start(ctx, keyA))

	require.NoError(t, h.sup.Reset(ctx, keyA))
	st = h.state(t, keyA)
	assert.Equal(t, string(Starting), st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
	n, err := h.store.CountCrashesSince(ctx, keyA.AccountID, keyA.VenueID, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLiquidationStopsWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.add(t, keyA, func() (Runner, error) {
		return RunnerFunc(func(context.Context, Heartbeat) error {
			return &sim.LiquidationError{AccountID: "a1", TradeID: "t1", Price: 66.67, Loss: 1.25}
		}), nil
	})

	require.NoError(t, h.sup.Start(ctx, keyA))
	h.waitExit(t, keyA)
	h.scanAt(t0)

	st := h.state(t, keyA)
	assert.Equal(t, string(Stopped), st.Status)
	assert.Contains(t, st.Reason, "liquidated")
	assert.Zero(t, st.ConsecutiveFailures, "liquidation is not retried")
	assert.Error(t, h.sup.Start(ctx, keyA))
}

func TestRefusedStartIsHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.add(t, keyA, func() (Runner, error) { return nil, errors.New("risk_fraction exceeds risk_ceiling_pct") })

	require.NoError(t, h.sup.Start(ctx, keyA))
	st := h.state(t, keyA)
	assert.Equal(t, string(Stopped), st.Status)
	assert.Contains(t, st.Reason, "refused to start")
}

func TestWorkersAreIsolated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.CrashThreshold = 1 })
	good := newBlockingRunner()
	h.add(t, keyA, func() (Runner, error) { return good, nil })
	h.add(t, keyB, func() (Runner, error) {
		return RunnerFunc(func(context.Context, Heartbeat) error { return errors.New("boom") }), nil
	})

	require.NoError(t, h.sup.Start(ctx, keyA))
	recv(t, good.started)
	require.NoError(t, h.sup.Start(ctx, keyB))

	at := t0
	for i := 0; i < 2; i++ {
		h.waitExit(t, keyB)
		h.clk.Set(at)
		good.beat(t)
		h.scanAt(at)
		if st := h.state(t, keyB); st.Status == string(Crashed) {
			at = st.NextRestartAt
			h.clk.Set(at)
			good.beat(t)
			h.scanAt(at)
		}
	}

	assert.Equal(t, string(Stopped), h.state(t, keyB).Status)
	assert.Equal(t, string(Running), h.state(t, keyA).Status)
	assert.Zero(t, h.state(t, keyA).ConsecutiveFailures)
}

// slowRunner ignores cancellation until released.
type slowRunner struct {
	live    atomic.Int32
	maxLive atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (r *slowRunner) Run(ctx context.Context, beat Heartbeat) error {
	n := r.live.Add(1)
	defer r.live.Add(-1)
	for {
		m := r.maxLive.Load()
		if n <= m || r.maxLive.CompareAndSwap(m, n) {
			break
		}
	}
	beat()
	r.started <- struct{}{}
	<-ctx.Done()
	<-r.release
	return ctx.Err()
}

func TestRestartWaitsForPreviousIncarnation(t *testing.T) {
	h := newHarness(t, nil)
	r := &slowRunner{started: make(chan struct{}, 4), release: make(chan struct{})}
	builds := 0
	h.add(t, keyA, func() (Runner, error) { builds++; return r, nil })

	require.NoError(t, h.sup.Start(context.Background(), keyA))
	recv(t, r.started)
	h.scanAt(t0)

	crash := t0.Add(270 * time.Second)
	h.scanAt(crash)
	require.Equal(t, string(Crashed), h.state(t, keyA).Status)

	restart := crash.Add(10 * time.Second)
	h.scanAt(restart)
	assert.Equal(t, string(Starting), h.state(t, keyA).Status)
	h.scanAt(restart.Add(time.Second))
	assert.Equal(t, 1, builds, "no second worker while the first is alive")

	close(r.release)
	h.waitExit(t, keyA)
	h.scanAt(restart.Add(2 * time.Second))
	recv(t, r.started)
	assert.Equal(t, 2, builds)
	assert.Equal(t, int32(1), r.maxLive.Load())
}

func TestAddRestoresPersistedCounters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.store.SaveWorkerState(ctx, journal.WorkerState{
		AccountID: "a1", VenueID: "paper", Status: string(Running), ConsecutiveFailures: 3, RestartCount: 7, UpdatedAt: t0,
	}))
	require.NoError(t, h.store.SaveWorkerState(ctx, journal.WorkerState{
		AccountID: "a2", VenueID: "paper", Status: string(Stopped), Reason: reasonEscalated + "6 crashes within 1h0m0s", UpdatedAt: t0,
	}))

	h.add(t, keyA, func() (Runner, error) { return newBlockingRunner(), nil })
	h.add(t, keyB, func() (Runner, error) { return newBlockingRunner(), nil })

	st := h.state(t, keyA)
	assert.Equal(t, string(Stopped), st.Status)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, 7, st.RestartCount)
	assert.True(t, h.sup.slots[keyA].resume)

	assert.True(t, h.sup.slots[keyB].held)
	assert.False(t, h.sup.slots[keyB].resume)
	assert.Error(t, h.sup.Start(ctx, keyB))

	assert.Error(t, h.sup.Add(ctx, Spec{AccountID: "a1", VenueID: "paper", Build: func() (Runner, error) { return nil, nil }}))
}

func TestStopWaitsForWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	r := newBlockingRunner()
	h.add(t, keyA, func() (Runner, error) { return r, nil })

	require.NoError(t, h.sup.Start(ctx, keyA))
	recv(t, r.started)
	require.NoError(t, h.sup.Stop(ctx, keyA))

	st := h.state(t, keyA)
	assert.Equal(t, string(Stopped), st.Status)
	assert.Equal(t, "stopped by operator", st.Reason)
	h.waitExit(t, keyA)

	// An operator stop is not held.
	require.NoError(t, h.sup.Start(ctx, keyA))
	recv(t, r.started)
	require.NoError(t, h.sup.Stop(ctx, keyA))
	assert.ErrorIs(t, h.sup.Stop(ctx, Key{AccountID: "nope", VenueID: "paper"}), ErrUnknownWorker)
}

func TestRunStartsAndShutsDown(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ScanInterval = 5 * time.Millisecond })
	r := newBlockingRunner()
	h.add(t, keyA, func() (Runner, error) { return r, nil })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.sup.Run(ctx) }()

	recv(t, r.started)
	require.Eventually(t, func() bool {
		return h.state(t, keyA).Status == string(Running)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	st := h.state(t, keyA)
	assert.Equal(t, string(Stopped), st.Status)
	assert.Empty(t, st.Reason)

	persisted, err := h.store.GetWorkerState(context.Background(), keyA.AccountID, keyA.VenueID)
	require.NoError(t, err)
	assert.Equal(t, string(Stopped), persisted.Status)
	assert.Empty(t, persisted.Reason)
	assert.NotContains(t, h.logs.String(), "worker exited")
	assert.NotContains(t, h.logs.String(), "save worker state")
}

func TestScanPersistsWithCancelledContext(t *testing.T) {
	h := newHarness(t, nil)
	r := newBlockingRunner()
	h.add(t, keyA, func() (Runner, error) { return r, nil })
	require.NoError(t, h.sup.Start(context.Background(), keyA))
	recv(t, r.started)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.clk.Set(t0.Add(time.Second))
	h.sup.Scan(ctx, t0.Add(time.Second))

	persisted, err := h.store.GetWorkerState(context.Background(), keyA.AccountID, keyA.VenueID)
	require.NoError(t, err)
	assert.Equal(t, string(Running), persisted.Status)
}
