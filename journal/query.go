package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const tradeCols = `id, order_id, account_id, symbol, side, fill_price, fill_size, leverage,
	stop_loss_price, take_profit_price, fee_rate, opened_at, exit_price, realized_pnl, fee, closed_at, exit_reason`

func scanTrade(s scanner) (Trade, error) {
	var (
		t      Trade
		exit   sql.NullFloat64
		pnl    sql.NullFloat64
		closed sql.NullTime
	)
	err := s.Scan(&t.ID, &t.OrderID, &t.AccountID, &t.Symbol, &t.Side, &t.FillPrice, &t.FillSize,
		&t.Leverage, &t.StopLossPrice, &t.TakeProfitPrice, &t.FeeRate, &t.OpenedAt,
		&exit, &pnl, &t.Fee, &closed, &t.ExitReason)
	if err != nil {
		return Trade{}, err
	}
	t.ExitPrice = exit.Float64
	if pnl.Valid {
		v := pnl.Float64
		t.RealizedPnL = &v
	}
	if closed.Valid {
		c := closed.Time
		t.ClosedAt = &c
	}
	return t, nil
}

func (j *SQLite) queryTrades(ctx context.Context, query string, args ...any) ([]Trade, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT `+tradeCols+` FROM trades `+query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTrade returns a single trade by ID.
func (j *SQLite) GetTrade(ctx context.Context, id string) (Trade, error) {
	t, err := scanTrade(j.db.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Trade{}, fmt.Errorf("trade %q: %w", id, ErrNotFound)
	}
	return t, err
}

func (j *SQLite) ListTrades(ctx context.Context, accountID string) ([]Trade, error) {
	return j.queryTrades(ctx, `WHERE account_id = ? ORDER BY opened_at, id`, accountID)
}

func (j *SQLite) ListOpenTrades(ctx context.Context, accountID string) ([]Trade, error) {
	return j.queryTrades(ctx, `WHERE account_id = ? AND closed_at IS NULL ORDER BY opened_at, id`, accountID)
}

// ListClosedTrades returns closed trades in close order, the order the
// equity curve is built in.
func (j *SQLite) ListClosedTrades(ctx context.Context, accountID string) ([]Trade, error) {
	return j.queryTrades(ctx, `WHERE account_id = ? AND closed_at IS NOT NULL ORDER BY closed_at, id`, accountID)
}

// ListTradesClosedBetween returns trades whose closed_at is within [start, end).
func (j *SQLite) ListTradesClosedBetween(ctx context.Context, accountID string, start, end time.Time) ([]Trade, error) {
	return j.queryTrades(ctx, `
		WHERE account_id = ? AND closed_at >= ? AND closed_at < ?
		ORDER BY closed_at, id`, accountID, start.UTC(), end.UTC())
}

// CountTradesOpenedBetween counts trades whose opened_at is within [start, end).
func (j *SQLite) CountTradesOpenedBetween(ctx context.Context, accountID string, start, end time.Time) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades WHERE account_id = ? AND opened_at >= ? AND opened_at < ?`,
		accountID, start.UTC(), end.UTC()).Scan(&n)
	return n, err
}

// LedgerEquity recomputes equity from the trade ledger:
// starting equity + realized PnL - fees of closed trades.
func (j *SQLite) LedgerEquity(ctx context.Context, accountID string) (float64, error) {
	var starting, pnl, fees float64
	err := j.db.QueryRowContext(ctx, `
		SELECT a.starting_equity,
			COALESCE(SUM(t.realized_pnl), 0),
			COALESCE(SUM(t.fee), 0)
		FROM accounts a
		LEFT JOIN trades t ON t.account_id = a.id AND t.closed_at IS NOT NULL
		WHERE a.id = ?
		GROUP BY a.id`, accountID).Scan(&starting, &pnl, &fees)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("account %q: %w", accountID, ErrNotFound)
	}
	return starting + pnl - fees, err
}
