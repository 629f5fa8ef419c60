package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

// SaveSnapshot appends a performance snapshot. Snapshots are derived data
// and can be regenerated from the trade history at any time.
func (j *SQLite) SaveSnapshot(ctx context.Context, s Snapshot) error {
	reasons, err := json.Marshal(s.Reasons)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO snapshots (account_id, as_of, trade_count, win_rate, profit_factor, sharpe_ratio,
			max_drawdown_pct, ready_for_live, reasons)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.AccountID, s.AsOf.UTC(), s.TradeCount, s.WinRate, nullFloat(s.ProfitFactor), nullFloat(s.SharpeRatio),
		s.MaxDrawdownPct, s.ReadyForLive, string(reasons))
	return mapErr(err)
}

func (j *SQLite) LatestSnapshot(ctx context.Context, accountID string) (Snapshot, error) {
	var (
		s       Snapshot
		pf, sr  sql.NullFloat64
		reasons string
	)
	err := j.db.QueryRowContext(ctx, `
		SELECT account_id, as_of, trade_count, win_rate, profit_factor, sharpe_ratio,
			max_drawdown_pct, ready_for_live, reasons
		FROM snapshots WHERE account_id = ?
		ORDER BY as_of DESC, rowid DESC LIMIT 1`, accountID).
		Scan(&s.AccountID, &s.AsOf, &s.TradeCount, &s.WinRate, &pf, &sr, &s.MaxDrawdownPct, &s.ReadyForLive, &reasons)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("snapshot for %q: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, err
	}
	if pf.Valid {
		s.ProfitFactor = &pf.Float64
	}
	if sr.Valid {
		s.SharpeRatio = &sr.Float64
	}
	if reasons != "" {
		if err := json.Unmarshal([]byte(reasons), &s.Reasons); err != nil {
			return Snapshot{}, err
		}
	}
	return s, nil
}

// SaveDailySummary stores the summary unless one already exists for the
// account and date. It reports whether this call inserted it.
func (j *SQLite) SaveDailySummary(ctx context.Context, d DailySummary) (bool, error) {
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO daily_summaries (account_id, date, trades_opened, trades_closed, realized_pnl,
			ending_equity, worker_status, frozen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, date) DO NOTHING`,
		d.AccountID, d.Date.UTC().Format(dateLayout), d.TradesOpened, d.TradesClosed, d.RealizedPnL,
		d.EndingEquity, d.WorkerStatus, d.Frozen)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

const summaryCols = `account_id, date, trades_opened, trades_closed, realized_pnl, ending_equity, worker_status, frozen`

func scanSummary(s scanner) (DailySummary, error) {
	var (
		d    DailySummary
		date string
	)
	if err := s.Scan(&d.AccountID, &date, &d.TradesOpened, &d.TradesClosed, &d.RealizedPnL,
		&d.EndingEquity, &d.WorkerStatus, &d.Frozen); err != nil {
		return DailySummary{}, err
	}
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return DailySummary{}, err
	}
	d.Date = t
	return d, nil
}

func (j *SQLite) GetDailySummary(ctx context.Context, accountID string, date time.Time) (DailySummary, error) {
	d, err := scanSummary(j.db.QueryRowContext(ctx, `
		SELECT `+summaryCols+` FROM daily_summaries WHERE account_id = ? AND date = ?`,
		accountID, date.UTC().Format(dateLayout)))
	if errors.Is(err, sql.ErrNoRows) {
		return DailySummary{}, fmt.Errorf("summary %s %s: %w", accountID, date.Format(dateLayout), ErrNotFound)
	}
	return d, err
}

// LatestDailySummaryDate returns the most recent summarized day for the
// account, or ErrNotFound when none exists.
func (j *SQLite) LatestDailySummaryDate(ctx context.Context, accountID string) (time.Time, error) {
	var date sql.NullString
	if err := j.db.QueryRowContext(ctx, `
		SELECT MAX(date) FROM daily_summaries WHERE account_id = ?`, accountID).Scan(&date); err != nil {
		return time.Time{}, err
	}
	if !date.Valid {
		return time.Time{}, fmt.Errorf("summaries for %q: %w", accountID, ErrNotFound)
	}
	return time.Parse(dateLayout, date.String)
}

func (j *SQLite) ListDailySummaries(ctx context.Context, accountID string) ([]DailySummary, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+summaryCols+` FROM daily_summaries WHERE account_id = ? ORDER BY date`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailySummary
	for rows.Next() {
		d, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
