package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// boundsEpsilon absorbs float noise when comparing a fill to its bounds.
const boundsEpsilon = 1e-9

const orderCols = `id, account_id, signal_id, symbol, side, requested_size, leverage, max_size, max_leverage,
	stop_loss_price, take_profit_price, status, reject_code, reject_msg, created_at, updated_at`

func scanOrder(s scanner) (Order, error) {
	var (
		o   Order
		sig sql.NullString
	)
	err := s.Scan(&o.ID, &o.AccountID, &sig, &o.Symbol, &o.Side, &o.RequestedSize, &o.Leverage,
		&o.MaxSize, &o.MaxLeverage, &o.StopLossPrice, &o.TakeProfitPrice, &o.Status,
		&o.RejectCode, &o.RejectMsg, &o.CreatedAt, &o.UpdatedAt)
	o.SignalID = sig.String
	return o, err
}

// InsertOrder persists a new PENDING order.
func (j *SQLite) InsertOrder(ctx context.Context, o Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`,
		o.ID, o.AccountID, nullString(o.SignalID), o.Symbol, o.Side, o.RequestedSize, o.Leverage,
		o.MaxSize, o.MaxLeverage, o.StopLossPrice, o.TakeProfitPrice, Pending,
		o.CreatedAt.UTC(), o.CreatedAt.UTC())
	return mapErr(err)
}

func (j *SQLite) GetOrder(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(j.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, fmt.Errorf("order %q: %w", id, ErrNotFound)
	}
	return o, err
}

func (j *SQLite) ListOrders(ctx context.Context, accountID string) ([]Order, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT `+orderCols+` FROM orders WHERE account_id = ? ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// RejectOrder moves a PENDING order to REJECTED. Rejected orders are final.
func (j *SQLite) RejectOrder(ctx context.Context, id, code, msg string, at time.Time) error {
	return j.finishOrder(ctx, id, Rejected, code, msg, at)
}

func (j *SQLite) CancelOrder(ctx context.Context, id string, at time.Time) error {
	return j.finishOrder(ctx, id, Cancelled, "", "", at)
}

func (j *SQLite) finishOrder(ctx context.Context, id string, status OrderStatus, code, msg string, at time.Time) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, reject_code = ?, reject_msg = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, code, msg, at.UTC(), id, Pending)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %q: %w", id, ErrOrderState)
	}
	return nil
}

// CountOrdersSince counts orders that were not rejected, created at or
// after since.
func (j *SQLite) CountOrdersSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE account_id = ? AND created_at >= ? AND status != ?`,
		accountID, since.UTC(), Rejected).Scan(&n)
	return n, err
}

// FillOrder opens the order's trade and marks the order FILLED in one
// transaction. It refuses fills above the order's validated bounds, fills
// on frozen accounts, and a second trade for the same order.
func (j *SQLite) FillOrder(ctx context.Context, t Trade) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id = ?`, t.OrderID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("order %q: %w", t.OrderID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if o.Status != Pending {
		return fmt.Errorf("order %q is %s: %w", o.ID, o.Status, ErrOrderState)
	}
	if t.FillSize <= 0 || t.FillSize > o.MaxSize+boundsEpsilon {
		return fmt.Errorf("order %q size %.8f (max %.8f): %w", o.ID, t.FillSize, o.MaxSize, ErrBounds)
	}
	if t.Leverage < 1 || t.Leverage > o.MaxLeverage+boundsEpsilon {
		return fmt.Errorf("order %q leverage %.2f (max %.2f): %w", o.ID, t.Leverage, o.MaxLeverage, ErrBounds)
	}

	var frozen bool
	if err := tx.QueryRowContext(ctx, `SELECT frozen FROM accounts WHERE id = ?`, o.AccountID).Scan(&frozen); err != nil {
		return err
	}
	if frozen {
		return fmt.Errorf("account %q: %w", o.AccountID, ErrFrozen)
	}

	if t.OpenedAt.IsZero() {
		t.OpenedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, account_id, symbol, side, fill_price, fill_size, leverage,
			stop_loss_price, take_profit_price, fee_rate, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, o.ID, o.AccountID, o.Symbol, o.Side, t.FillPrice, t.FillSize, t.Leverage,
		t.StopLossPrice, t.TakeProfitPrice, t.FeeRate, t.OpenedAt.UTC()); err != nil {
		return mapErr(err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		Filled, t.OpenedAt.UTC(), o.ID); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit())
}

// CloseTrade realizes a trade's PnL into its account in one transaction.
// It returns ErrConflict when the account version is not c.ExpectVersion,
// leaving both rows untouched.
func (j *SQLite) CloseTrade(ctx context.Context, c Close) (Account, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var accountID string
	var closed sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT account_id, closed_at FROM trades WHERE id = ?`, c.TradeID).
		Scan(&accountID, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("trade %q: %w", c.TradeID, ErrNotFound)
	}
	if err != nil {
		return Account{}, err
	}
	if closed.Valid {
		return Account{}, fmt.Errorf("trade %q: %w", c.TradeID, ErrTradeClosed)
	}

	a, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, accountID))
	if err != nil {
		return Account{}, err
	}
	if a.Version != c.ExpectVersion {
		return Account{}, fmt.Errorf("account %q version %d, expected %d: %w", a.ID, a.Version, c.ExpectVersion, ErrConflict)
	}

	equity := a.CurrentEquity + c.PnL - c.Fee
	if equity < -boundsEpsilon {
		return Account{}, fmt.Errorf("account %q equity %.8f: %w", a.ID, equity, ErrNegative)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE trades SET exit_price = ?, realized_pnl = ?, fee = ?, closed_at = ?, exit_reason = ?
		WHERE id = ?`,
		c.ExitPrice, c.PnL, c.Fee, c.At.UTC(), c.Reason, c.TradeID); err != nil {
		return Account{}, mapErr(err)
	}

	a.CurrentEquity = equity
	a.TotalFees += c.Fee
	a.Version++
	if c.Freeze {
		a.Frozen, a.FrozenReason = true, c.FreezeReason
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET current_equity = ?, total_fees = ?, version = ?, frozen = ?, frozen_reason = ?
		WHERE id = ?`,
		a.CurrentEquity, a.TotalFees, a.Version, a.Frozen, a.FrozenReason, a.ID); err != nil {
		return Account{}, mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return Account{}, mapErr(err)
	}
	return a, nil
}
