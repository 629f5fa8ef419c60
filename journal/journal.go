// Package journal is the persistence store: an append-mostly SQLite ledger
// of accounts, orders, trades, worker health, performance snapshots and
// daily summaries. It is the only state workers share.
package journal

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is a concurrent write collision on one account: the
	// account version changed since it was read, or the database was busy.
	ErrConflict = errors.New("persistence conflict")

	// ErrBounds is returned when a fill exceeds the size or leverage the
	// order was validated at.
	ErrBounds = errors.New("fill exceeds validated bounds")

	ErrOrderState  = errors.New("order is not pending")
	ErrTradeClosed = errors.New("trade already closed")
	ErrFrozen      = errors.New("account frozen")
	ErrNegative    = errors.New("equity would go negative")
)

type OrderStatus string

const (
	Pending   OrderStatus = "PENDING"
	Filled    OrderStatus = "FILLED"
	Rejected  OrderStatus = "REJECTED"
	Cancelled OrderStatus = "CANCELLED"
)

type ExitReason string

const (
	StopLoss       ExitReason = "stop_loss"
	TakeProfit     ExitReason = "take_profit"
	SignalReversal ExitReason = "signal_reversal"
	Manual         ExitReason = "manual"
	Liquidation    ExitReason = "simulated_liquidation"
)

type Account struct {
	ID             string
	VenueID        string
	StartingEquity float64
	CurrentEquity  float64
	TotalFees      float64
	Currency       string
	RiskProfile    string
	Frozen         bool
	FrozenReason   string
	// Version is bumped on every write to the account row.
	Version   int64
	CreatedAt time.Time
}

type Order struct {
	ID            string
	AccountID     string
	SignalID      string
	Symbol        string
	Side          string
	RequestedSize float64
	Leverage      float64

	// MaxSize and MaxLeverage are the bounds computed at validation.
	MaxSize     float64
	MaxLeverage float64

	StopLossPrice   float64
	TakeProfitPrice float64
	Status          OrderStatus
	RejectCode      string
	RejectMsg       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Trade struct {
	ID              string
	OrderID         string
	AccountID       string
	Symbol          string
	Side            string
	FillPrice       float64
	FillSize        float64
	Leverage        float64
	StopLossPrice   float64
	TakeProfitPrice float64
	FeeRate         float64
	OpenedAt        time.Time

	// Set on close.
	ExitPrice   float64
	RealizedPnL *float64
	Fee         float64
	ClosedAt    *time.Time
	ExitReason  ExitReason
}

func (t Trade) Open() bool { return t.ClosedAt == nil }

// Notional is the leveraged exposure of the trade.
func (t Trade) Notional() float64 { return t.FillSize * t.Leverage }

// Close describes a trade closure. ExpectVersion is the account version the
// caller read before computing PnL.
type Close struct {
	TradeID       string
	ExitPrice     float64
	PnL           float64
	Fee           float64
	Reason        ExitReason
	At            time.Time
	ExpectVersion int64

	Freeze       bool
	FreezeReason string
}

type WorkerState struct {
	AccountID           string
	VenueID             string
	Status              string
	LastHeartbeatAt     time.Time
	ConsecutiveFailures int
	RestartCount        int
	NextRestartAt       time.Time
	RunningSince        time.Time
	RunID               string
	Reason              string
	UpdatedAt           time.Time
}

// Snapshot is a stored performance snapshot. Ratios are nil when there was
// not enough data to compute them.
type Snapshot struct {
	AccountID      string
	AsOf           time.Time
	TradeCount     int
	WinRate        float64
	ProfitFactor   *float64
	SharpeRatio    *float64
	MaxDrawdownPct float64
	ReadyForLive   bool
	Reasons        []string
}

type DailySummary struct {
	AccountID    string
	Date         time.Time
	TradesOpened int
	TradesClosed int
	RealizedPnL  float64
	EndingEquity float64
	WorkerStatus string
	Frozen       bool
}

// Reader is the read-only view handed to reporting consumers.
type Reader interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	ListTrades(ctx context.Context, accountID string) ([]Trade, error)
	ListClosedTrades(ctx context.Context, accountID string) ([]Trade, error)
	ListOpenTrades(ctx context.Context, accountID string) ([]Trade, error)
	LatestSnapshot(ctx context.Context, accountID string) (Snapshot, error)
	ListDailySummaries(ctx context.Context, accountID string) ([]DailySummary, error)
	ListWorkerStates(ctx context.Context) ([]WorkerState, error)
}

var _ Reader = (*SQLite)(nil)
