package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/paperbot/market"
)

// SQLite is the store. Writes touching an account's equity run in a
// transaction guarded by the account version.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_loc=UTC", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One writer: SQLite serializes writes anyway, and a single pooled
	// connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

// mapErr turns driver lock contention into ErrConflict.
func mapErr(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scanner interface {
	Scan(dest ...any) error
}

// UpsertVenue stores venue configuration for reporting.
func (j *SQLite) UpsertVenue(ctx context.Context, v market.Venue) error {
	params, err := json.Marshal(v.AssetClasses)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO venues (id, name, params) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, params = excluded.params`,
		v.ID, v.Name, string(params))
	return mapErr(err)
}

// EnsureAccount creates the account when it does not exist and returns the
// stored row. An existing account keeps its ledger untouched.
func (j *SQLite) EnsureAccount(ctx context.Context, a Account) (Account, error) {
	if a.ID == "" || a.VenueID == "" {
		return Account{}, fmt.Errorf("account id and venue id are required")
	}
	if a.StartingEquity < 0 {
		return Account{}, fmt.Errorf("account %s: starting equity must be non-negative", a.ID)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Currency == "" {
		a.Currency = "USD"
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO accounts (id, venue_id, starting_equity, current_equity, currency, risk_profile, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		a.ID, a.VenueID, a.StartingEquity, a.StartingEquity, a.Currency, a.RiskProfile, a.CreatedAt.UTC())
	if err != nil {
		return Account{}, mapErr(err)
	}
	return j.GetAccount(ctx, a.ID)
}

const accountCols = `id, venue_id, starting_equity, current_equity, total_fees, currency, risk_profile, frozen, frozen_reason, version, created_at`

func scanAccount(s scanner) (Account, error) {
	var a Account
	err := s.Scan(&a.ID, &a.VenueID, &a.StartingEquity, &a.CurrentEquity, &a.TotalFees,
		&a.Currency, &a.RiskProfile, &a.Frozen, &a.FrozenReason, &a.Version, &a.CreatedAt)
	return a, err
}

func (j *SQLite) GetAccount(ctx context.Context, id string) (Account, error) {
	a, err := scanAccount(j.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("account %q: %w", id, ErrNotFound)
	}
	return a, err
}

func (j *SQLite) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResetAccount clears the frozen flag. Equity is ledger state and is not
// touched.
func (j *SQLite) ResetAccount(ctx context.Context, id string) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE accounts SET frozen = 0, frozen_reason = '', version = version + 1 WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %q: %w", id, ErrNotFound)
	}
	return nil
}
