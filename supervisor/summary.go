package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/paperbot/journal"
)

type DailySummary = journal.DailySummary

// Notifier delivers daily summaries to an external channel such as email
// or chat. The supervisor only produces the record.
type Notifier interface {
	NotifyDailySummary(ctx context.Context, d DailySummary) error
}

// LogNotifier writes summaries to a logger.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) NotifyDailySummary(_ context.Context, d DailySummary) error {
	n.Log.Info().
		Str("account", d.AccountID).
		Str("date", d.Date.Format("2006-01-02")).
		Int("trades_opened", d.TradesOpened).
		Int("trades_closed", d.TradesClosed).
		Float64("realized_pnl", d.RealizedPnL).
		Float64("ending_equity", d.EndingEquity).
		Str("worker_status", d.WorkerStatus).
		Bool("frozen", d.Frozen).
		Msg("daily summary")
	return nil
}

type SummaryStore interface {
	GetAccount(ctx context.Context, id string) (journal.Account, error)
	CountTradesOpenedBetween(ctx context.Context, accountID string, start, end time.Time) (int, error)
	ListTradesClosedBetween(ctx context.Context, accountID string, start, end time.Time) ([]journal.Trade, error)
	SaveDailySummary(ctx context.Context, d journal.DailySummary) (bool, error)
	LatestDailySummaryDate(ctx context.Context, accountID string) (time.Time, error)
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// BuildDailySummary assembles the record for one account and UTC day.
// Realized PnL is net of fees.
func BuildDailySummary(ctx context.Context, store SummaryStore, accountID, workerStatus string, day time.Time) (DailySummary, error) {
	start := utcDay(day)
	end := start.AddDate(0, 0, 1)

	a, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return DailySummary{}, err
	}
	opened, err := store.CountTradesOpenedBetween(ctx, accountID, start, end)
	if err != nil {
		return DailySummary{}, err
	}
	closed, err := store.ListTradesClosedBetween(ctx, accountID, start, end)
	if err != nil {
		return DailySummary{}, err
	}

	var pnl float64
	for _, t := range closed {
		if t.RealizedPnL != nil {
			pnl += *t.RealizedPnL - t.Fee
		}
	}
	return DailySummary{
		AccountID:    accountID,
		Date:         start,
		TradesOpened: opened,
		TradesClosed: len(closed),
		RealizedPnL:  pnl,
		EndingEquity: a.CurrentEquity,
		WorkerStatus: workerStatus,
		Frozen:       a.Frozen,
	}, nil
}

// dueSummaryDays returns the completed days not yet summarized. The first
// call resumes from the day after the oldest account's latest stored
// summary, so days missed while the process was down are caught up. With
// no stored summaries it anchors the current day.
func (s *Supervisor) dueSummaryDays(ctx context.Context, now time.Time, states []journal.WorkerState) []time.Time {
	today := utcDay(now)
	if s.summaryDay.IsZero() {
		s.summaryDay = s.resumeSummaryDay(ctx, today, states)
	}
	var due []time.Time
	for d := s.summaryDay; d.Before(today); d = d.AddDate(0, 0, 1) {
		due = append(due, d)
	}
	s.summaryDay = today
	return due
}

func (s *Supervisor) resumeSummaryDay(ctx context.Context, today time.Time, states []journal.WorkerState) time.Time {
	var (
		from time.Time
		seen = map[string]bool{}
	)
	for _, w := range states {
		if seen[w.AccountID] {
			continue
		}
		seen[w.AccountID] = true
		last, err := s.store.LatestDailySummaryDate(ctx, w.AccountID)
		if errors.Is(err, journal.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Warn().Err(err).Str("account", w.AccountID).Msg("latest daily summary")
			continue
		}
		next := utcDay(last).AddDate(0, 0, 1)
		if from.IsZero() || next.Before(from) {
			from = next
		}
	}
	if from.IsZero() || from.After(today) {
		return today
	}
	return from
}

var severity = map[Status]int{Running: 0, Starting: 1, Degraded: 2, Stopped: 3, Crashed: 4}

// EmitDailySummaries writes one summary per registered account for day,
// frozen and stopped accounts included, and notifies for each record that
// was not already stored. An account with several workers reports its
// worst status.
func (s *Supervisor) EmitDailySummaries(ctx context.Context, day time.Time) []DailySummary {
	return s.emitSummaries(ctx, utcDay(day), s.States())
}

func (s *Supervisor) emitSummaries(ctx context.Context, day time.Time, states []journal.WorkerState) []DailySummary {
	worst := map[string]string{}
	var accounts []string
	for _, w := range states {
		cur, seen := worst[w.AccountID]
		if !seen {
			accounts = append(accounts, w.AccountID)
		}
		if !seen || severity[Status(w.Status)] > severity[Status(cur)] {
			worst[w.AccountID] = w.Status
		}
	}

	var out []DailySummary
	for _, acct := range accounts {
		log := s.log.With().Str("account", acct).Time("date", day).Logger()
		d, err := BuildDailySummary(ctx, s.store, acct, worst[acct], day)
		if err != nil {
			log.Error().Err(err).Msg("build daily summary")
			continue
		}
		inserted, err := s.store.SaveDailySummary(ctx, d)
		if err != nil {
			log.Error().Err(err).Msg("save daily summary")
			continue
		}
		if !inserted {
			continue
		}
		out = append(out, d)
		if s.notifier != nil {
			if err := s.notifier.NotifyDailySummary(ctx, d); err != nil {
				log.Warn().Err(err).Msg("notify daily summary")
			}
		}
	}
	return out
}
