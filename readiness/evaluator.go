package readiness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/metrics"
)

type Store interface {
	GetAccount(ctx context.Context, id string) (journal.Account, error)
	ListClosedTrades(ctx context.Context, accountID string) ([]journal.Trade, error)
	SaveSnapshot(ctx context.Context, s journal.Snapshot) error
}

// Evaluator recomputes and stores snapshots. It is safe for concurrent use
// by every worker.
type Evaluator struct {
	store Store
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.Mutex
	ready map[string]bool
}

func NewEvaluator(store Store, cfg Config, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		store: store,
		cfg:   cfg,
		log:   log.With().Str("component", "readiness").Logger(),
		now:   time.Now,
		ready: make(map[string]bool),
	}
}

// SetClock replaces the evaluator's time source.
func (e *Evaluator) SetClock(now func() time.Time) { e.now = now }

// Recompute rebuilds the account's snapshot from its full trade history.
func (e *Evaluator) Recompute(ctx context.Context, accountID string) (Snapshot, error) {
	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return Snapshot{}, err
	}
	trades, err := e.store.ListClosedTrades(ctx, accountID)
	if err != nil {
		return Snapshot{}, err
	}

	s := Compute(accountID, a.StartingEquity, trades, e.now().UTC(), e.cfg)
	if err := e.store.SaveSnapshot(ctx, s.Record()); err != nil {
		return s, err
	}
	metrics.ReadyForLive.WithLabelValues(accountID).Set(metrics.Bool(s.ReadyForLive))

	e.mu.Lock()
	prev, seen := e.ready[accountID]
	e.ready[accountID] = s.ReadyForLive
	e.mu.Unlock()

	if seen && prev != s.ReadyForLive {
		e.log.Info().
			Str("account", accountID).
			Bool("ready_for_live", s.ReadyForLive).
			Strs("reasons", s.Reasons).
			Msg("readiness changed")
	}
	return s, nil
}

// OnClose recomputes after a trade closure. Its signature matches
// sim.CloseFunc.
func (e *Evaluator) OnClose(ctx context.Context, t journal.Trade, _ journal.Account) {
	if _, err := e.Recompute(ctx, t.AccountID); err != nil {
		e.log.Error().Err(err).Str("account", t.AccountID).Msg("readiness recompute")
	}
}
