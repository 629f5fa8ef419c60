// Package supervisor owns one worker per (account, venue). It tracks
// heartbeats, restarts crashed workers with capped exponential backoff,
// escalates repeated crashes to a human and emits daily summaries.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/metrics"
	"github.com/rustyeddy/paperbot/sim"
)

type Config struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
	BackoffBase      time.Duration `yaml:"restart_backoff_base" json:"restart_backoff_base"`
	BackoffMax       time.Duration `yaml:"restart_backoff_max" json:"restart_backoff_max"`
	CrashThreshold   int           `yaml:"crash_threshold" json:"crash_threshold"`
	CrashWindow      time.Duration `yaml:"crash_window" json:"crash_window"`
	StableAfter      time.Duration `yaml:"stable_after" json:"stable_after"`
	ScanInterval     time.Duration `yaml:"scan_interval" json:"scan_interval"`
	StopGrace        time.Duration `yaml:"stop_grace" json:"stop_grace"`
}

func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 90 * time.Second,
		BackoffBase:      5 * time.Second,
		BackoffMax:       10 * time.Minute,
		CrashThreshold:   5,
		CrashWindow:      time.Hour,
		StableAfter:      10 * time.Minute,
		ScanInterval:     time.Second,
		StopGrace:        10 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.HeartbeatTimeout <= 0:
		return fmt.Errorf("heartbeat_timeout must be positive")
	case c.BackoffBase <= 0:
		return fmt.Errorf("restart_backoff_base must be positive")
	case c.BackoffMax < c.BackoffBase:
		return fmt.Errorf("restart_backoff_max must be at least restart_backoff_base")
	case c.CrashThreshold < 1:
		return fmt.Errorf("crash_threshold must be at least 1")
	case c.CrashWindow <= 0:
		return fmt.Errorf("crash_window must be positive")
	case c.ScanInterval <= 0:
		return fmt.Errorf("scan_interval must be positive")
	case c.StopGrace < 0 || c.StableAfter < 0:
		return fmt.Errorf("stop_grace and stable_after must not be negative")
	}
	return nil
}

// Store is the slice of the persistence store the supervisor uses. Worker
// counters live there so they survive a supervisor restart.
type Store interface {
	GetWorkerState(ctx context.Context, accountID, venueID string) (journal.WorkerState, error)
	SaveWorkerState(ctx context.Context, w journal.WorkerState) error
	RecordCrash(ctx context.Context, accountID, venueID string, at time.Time) error
	CountCrashesSince(ctx context.Context, accountID, venueID string, since time.Time) (int, error)
	ClearCrashes(ctx context.Context, accountID, venueID string) error
	SummaryStore
}

// Spec registers a worker. Build is called for every incarnation; an
// error from it is a configuration failure and the worker refuses to
// start.
type Spec struct {
	AccountID string
	VenueID   string
	Build     func() (Runner, error)
}

func (s Spec) Key() Key { return Key{AccountID: s.AccountID, VenueID: s.VenueID} }

type slot struct {
	spec  Spec
	state journal.WorkerState
	log   zerolog.Logger

	// held is set when the worker was stopped by escalation, liquidation
	// or a refused start. Only Reset clears it.
	held bool
	// resume marks a worker that was running when the process last exited.
	resume bool

	cancel context.CancelFunc
	hb     *atomic.Int64
	exit   chan error
	done   chan struct{}
}

func (sl *slot) status() Status { return Status(sl.state.Status) }

const (
	reasonEscalated = "escalated: "
	reasonFrozen    = "frozen: "
	reasonRefused   = "refused to start: "
)

// heldReason reports whether a STOPPED reason requires a human reset.
func heldReason(reason string) bool {
	for _, p := range []string{reasonEscalated, reasonFrozen, reasonRefused} {
		if strings.HasPrefix(reason, p) {
			return true
		}
	}
	return false
}

type Supervisor struct {
	cfg     Config
	backoff Backoff
	store   Store
	log     zerolog.Logger

	now      func() time.Time
	notifier Notifier
	base     context.Context

	mu         sync.Mutex
	slots      map[Key]*slot
	order      []Key
	summaryDay time.Time
}

func New(cfg Config, store Store, log zerolog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:     cfg,
		backoff: Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		store:   store,
		log:     log.With().Str("component", "supervisor").Logger(),
		now:     time.Now,
		base:    context.Background(),
		slots:   make(map[Key]*slot),
	}, nil
}

// SetClock replaces the time source. now must be safe for concurrent use;
// workers read it when they heartbeat.
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

func (s *Supervisor) SetNotifier(n Notifier) { s.notifier = n }

// Add registers a worker in STOPPED state, restoring its persisted
// failure counters.
func (s *Supervisor) Add(ctx context.Context, spec Spec) error {
	if spec.AccountID == "" || spec.VenueID == "" || spec.Build == nil {
		return fmt.Errorf("supervisor: account, venue and build are required")
	}
	key := spec.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[key]; ok {
		return fmt.Errorf("worker %s already registered", key)
	}

	sl := &slot{
		spec: spec,
		log:  s.log.With().Str("account", key.AccountID).Str("venue", key.VenueID).Logger(),
		state: journal.WorkerState{
			AccountID: key.AccountID,
			VenueID:   key.VenueID,
			Status:    string(Stopped),
		},
		resume: true,
	}

	prev, err := s.store.GetWorkerState(ctx, key.AccountID, key.VenueID)
	switch {
	case errors.Is(err, journal.ErrNotFound):
	case err != nil:
		return err
	default:
		sl.state.ConsecutiveFailures = prev.ConsecutiveFailures
		sl.state.RestartCount = prev.RestartCount
		sl.state.LastHeartbeatAt = prev.LastHeartbeatAt
		sl.state.RunID = prev.RunID
		if Status(prev.Status) == Stopped && prev.Reason != "" {
			sl.state.Reason = prev.Reason
			sl.held, sl.resume = heldReason(prev.Reason), false
		}
	}

	s.slots[key] = sl
	s.order = append(s.order, key)
	metrics.WorkerStatus.WithLabelValues(key.AccountID, key.VenueID).Set(Stopped.code())
	s.persist(ctx, sl, s.now())
	return nil
}

// Start launches a STOPPED worker. Held workers must be Reset first.
func (s *Supervisor) Start(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrUnknownWorker)
	}
	if sl.held {
		return fmt.Errorf("worker %s is held (%s): reset required", key, sl.state.Reason)
	}
	if err := checkTransition(sl.status(), Starting); err != nil {
		return err
	}
	now := s.now()
	s.transition(ctx, sl, Starting, now, "")
	s.launch(ctx, sl, now)
	return nil
}

// Stop asks the worker to exit and waits up to the stop grace for it.
// A worker still running after the grace is abandoned.
func (s *Supervisor) Stop(ctx context.Context, key Key) error {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", key, ErrUnknownWorker)
	}
	if sl.status() == Stopped {
		s.mu.Unlock()
		return nil
	}
	done := sl.done
	s.kill(sl)
	s.transition(ctx, sl, Stopped, s.now(), "stopped by operator")
	sl.resume = false
	s.mu.Unlock()

	s.wait(sl.log, done)
	return nil
}

// Reset clears an escalated or liquidated worker's counters and crash
// history and starts it again. The account itself is not touched.
func (s *Supervisor) Reset(ctx context.Context, key Key) error {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", key, ErrUnknownWorker)
	}
	if sl.status() != Stopped {
		s.mu.Unlock()
		return fmt.Errorf("worker %s is %s: only stopped workers can be reset", key, sl.status())
	}
	if err := s.store.ClearCrashes(ctx, key.AccountID, key.VenueID); err != nil {
		s.mu.Unlock()
		return err
	}
	sl.held = false
	sl.state.ConsecutiveFailures = 0
	sl.state.Reason = ""
	sl.log.Info().Msg("worker reset")
	s.mu.Unlock()

	return s.Start(ctx, key)
}

// States returns every worker's current state ordered by key.
func (s *Supervisor) States() []journal.WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statesLocked()
}

func (s *Supervisor) statesLocked() []journal.WorkerState {
	out := make([]journal.WorkerState, 0, len(s.slots))
	for _, k := range s.order {
		out = append(out, s.slots[k].state)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].VenueID < out[j].VenueID
	})
	return out
}

// Run starts every resumable worker and scans until ctx is cancelled,
// then stops all workers.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	// Workers outlive ctx until shutdown has recorded their final state.
	s.base = context.WithoutCancel(ctx)
	var keys []Key
	for _, k := range s.order {
		if s.slots[k].resume {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	for _, k := range keys {
		if err := s.Start(ctx, k); err != nil {
			s.log.Error().Err(err).Str("worker", k.String()).Msg("start")
		}
	}

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}
			s.Scan(ctx, s.now())
		}
	}
}

// Scan is one pass of the scheduling loop. It never waits on a worker.
func (s *Supervisor) Scan(ctx context.Context, now time.Time) {
	now = now.UTC()
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	for _, k := range s.order {
		s.scanSlot(ctx, s.slots[k], now)
	}
	states := s.statesLocked()
	days := s.dueSummaryDays(ctx, now, states)
	s.mu.Unlock()

	for _, d := range days {
		s.emitSummaries(ctx, d, states)
	}
}

func (s *Supervisor) scanSlot(ctx context.Context, sl *slot, now time.Time) {
	if sl.exit != nil {
		select {
		case err := <-sl.exit:
			sl.exit = nil
			s.exited(ctx, sl, now, err)
			return
		default:
		}
	}

	switch sl.status() {
	case Stopped:
		return
	case Crashed:
		if !now.Before(sl.state.NextRestartAt) {
			s.transition(ctx, sl, Starting, now, "")
			s.launch(ctx, sl, now)
		}
		return
	case Starting:
		if sl.hb == nil {
			s.launch(ctx, sl, now)
			return
		}
	}
	s.checkHeartbeat(ctx, sl, now)
}

func (s *Supervisor) checkHeartbeat(ctx context.Context, sl *slot, now time.Time) {
	beat := false
	if b := sl.hb.Load(); b > 0 {
		if t := time.Unix(0, b).UTC(); t.After(sl.state.LastHeartbeatAt) {
			sl.state.LastHeartbeatAt = t
			beat = true
		}
	}

	missed := int(now.Sub(sl.state.LastHeartbeatAt) / s.cfg.HeartbeatTimeout)
	st := sl.status()
	switch {
	case missed >= 3:
		s.crash(ctx, sl, now, fmt.Sprintf("missed %d heartbeat windows", missed))
		return
	case missed >= 1:
		if st == Running {
			s.transition(ctx, sl, Degraded, now, "missed heartbeat")
		}
		return
	}

	switch st {
	case Starting:
		if sl.hb.Load() > 0 {
			sl.state.RunningSince = now
			s.transition(ctx, sl, Running, now, "")
			return
		}
	case Degraded:
		sl.state.RunningSince = now
		s.transition(ctx, sl, Running, now, "")
		return
	case Running:
		if sl.state.ConsecutiveFailures > 0 && now.Sub(sl.state.RunningSince) >= s.cfg.StableAfter {
			sl.log.Info().Int("failures", sl.state.ConsecutiveFailures).Msg("worker stable; failures reset")
			sl.state.ConsecutiveFailures = 0
			s.persist(ctx, sl, now)
			return
		}
	}
	if beat {
		s.persist(ctx, sl, now)
	}
}

func (s *Supervisor) exited(ctx context.Context, sl *slot, now time.Time, err error) {
	if sl.cancel != nil {
		sl.cancel()
	}
	sl.hb, sl.cancel = nil, nil
	if sl.status() == Stopped {
		return
	}
	switch {
	case errors.Is(err, sim.ErrLiquidated), errors.Is(err, sim.ErrAccountFrozen):
		sl.log.Error().Err(err).Msg("account frozen; worker stopped until reset")
		s.transition(ctx, sl, Stopped, now, reasonFrozen+err.Error())
		sl.held = true
	case err == nil, errors.Is(err, context.Canceled):
		s.transition(ctx, sl, Stopped, now, "worker exited")
	default:
		sl.log.Error().Err(err).Msg("worker failed")
		s.crash(ctx, sl, now, err.Error())
	}
}

// crash records a failure and either schedules a restart or escalates.
func (s *Supervisor) crash(ctx context.Context, sl *slot, now time.Time, reason string) {
	key := sl.spec.Key()
	s.kill(sl)
	sl.state.ConsecutiveFailures++

	if err := s.store.RecordCrash(ctx, key.AccountID, key.VenueID, now); err != nil {
		sl.log.Error().Err(err).Msg("record crash")
	}
	n, err := s.store.CountCrashesSince(ctx, key.AccountID, key.VenueID, now.Add(-s.cfg.CrashWindow))
	if err != nil {
		sl.log.Error().Err(err).Msg("count crashes")
	}

	if n > s.cfg.CrashThreshold {
		s.transition(ctx, sl, Crashed, now, reason)
		s.transition(ctx, sl, Stopped, now, fmt.Sprintf("%s%d crashes within %s", reasonEscalated, n, s.cfg.CrashWindow))
		sl.held = true
		sl.log.Error().Int("crashes", n).Msg("worker escalated to STOPPED; human reset required")
		return
	}

	delay := s.backoff.Delay(sl.state.ConsecutiveFailures)
	sl.state.NextRestartAt = now.Add(delay)
	sl.state.RestartCount++
	metrics.WorkerRestarts.WithLabelValues(key.AccountID, key.VenueID).Inc()
	s.transition(ctx, sl, Crashed, now, reason)
	sl.log.Info().
		Dur("delay", delay).
		Time("next_restart_at", sl.state.NextRestartAt).
		Int("failures", sl.state.ConsecutiveFailures).
		Msg("restart scheduled")
}

// launch starts a new incarnation unless the previous one has not exited
// yet, in which case a later scan retries.
func (s *Supervisor) launch(ctx context.Context, sl *slot, now time.Time) {
	if sl.done != nil {
		select {
		case <-sl.done:
		default:
			sl.log.Debug().Msg("previous incarnation still exiting")
			return
		}
	}

	r, err := sl.spec.Build()
	if err != nil {
		sl.log.Error().Err(err).Msg("worker refused to start")
		s.transition(ctx, sl, Stopped, now, reasonRefused+err.Error())
		sl.held = true
		return
	}

	runID := uuid.NewString()
	wctx, cancel := context.WithCancel(s.base)
	hb := new(atomic.Int64)
	exit := make(chan error, 1)
	done := make(chan struct{})

	sl.cancel, sl.hb, sl.exit, sl.done = cancel, hb, exit, done
	sl.state.RunID = runID
	sl.state.LastHeartbeatAt = now
	sl.state.NextRestartAt = time.Time{}
	sl.state.RunningSince = time.Time{}
	s.persist(ctx, sl, now)

	sl.log.Info().Str("run_id", runID).Msg("worker launched")
	clock := s.now
	go func() {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				exit <- fmt.Errorf("worker panic: %v", p)
			}
		}()
		exit <- r.Run(wctx, func() { hb.Store(clock().UnixNano()) })
	}()
}

// kill cancels the current incarnation without waiting for it.
func (s *Supervisor) kill(sl *slot) {
	if sl.cancel != nil {
		sl.cancel()
	}
	sl.cancel, sl.hb, sl.exit = nil, nil, nil
}

func (s *Supervisor) wait(log zerolog.Logger, done chan struct{}) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(s.cfg.StopGrace):
		log.Warn().Dur("grace", s.cfg.StopGrace).Msg("worker did not stop within grace; abandoned")
		return false
	}
}

// shutdown stops every worker. They resume on the next Run.
func (s *Supervisor) shutdown() {
	ctx := context.Background()

	s.mu.Lock()
	type pending struct {
		log  zerolog.Logger
		done chan struct{}
	}
	var waits []pending
	now := s.now()
	for _, k := range s.order {
		sl := s.slots[k]
		if sl.status() == Stopped {
			continue
		}
		waits = append(waits, pending{sl.log, sl.done})
		s.kill(sl)
		s.transition(ctx, sl, Stopped, now, "")
		sl.resume = true
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range waits {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.wait(p.log, p.done)
		}()
	}
	wg.Wait()
	s.log.Info().Int("workers", len(waits)).Msg("supervisor stopped")
}

func (s *Supervisor) transition(ctx context.Context, sl *slot, to Status, now time.Time, reason string) {
	from := sl.status()
	if from == to {
		return
	}
	if err := checkTransition(from, to); err != nil {
		sl.log.Error().Err(err).Msg("transition refused")
		return
	}
	sl.state.Status = string(to)
	sl.state.Reason = reason
	metrics.WorkerStatus.WithLabelValues(sl.state.AccountID, sl.state.VenueID).Set(to.code())

	ev := sl.log.Info()
	if to == Degraded || to == Crashed {
		ev = sl.log.Warn()
	}
	ev.Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("worker state")
	s.persist(ctx, sl, now)
}

func (s *Supervisor) persist(ctx context.Context, sl *slot, now time.Time) {
	sl.state.UpdatedAt = now
	if err := s.store.SaveWorkerState(context.WithoutCancel(ctx), sl.state); err != nil {
		sl.log.Error().Err(err).Msg("save worker state")
	}
}
