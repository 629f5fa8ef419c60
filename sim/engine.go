// Package sim is the paper execution engine: it fills validated orders at
// a deterministic price, manages exits on every candle and realizes PnL
// into the ledger atomically.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/market"
	"github.com/rustyeddy/paperbot/metrics"
	"github.com/rustyeddy/paperbot/pkg/id"
	"github.com/rustyeddy/paperbot/risk"
	"github.com/rustyeddy/paperbot/signal"
)

// Store is the slice of the persistence store the engine writes through.
type Store interface {
	GetAccount(ctx context.Context, id string) (journal.Account, error)
	ListOpenTrades(ctx context.Context, accountID string) ([]journal.Trade, error)
	CountOrdersSince(ctx context.Context, accountID string, since time.Time) (int, error)
	ListOrders(ctx context.Context, accountID string) ([]journal.Order, error)
	InsertOrder(ctx context.Context, o journal.Order) error
	RejectOrder(ctx context.Context, id, code, msg string, at time.Time) error
	CancelOrder(ctx context.Context, id string, at time.Time) error
	FillOrder(ctx context.Context, t journal.Trade) error
	CloseTrade(ctx context.Context, c journal.Close) (journal.Account, error)
}

type Config struct {
	AccountID string
	Venue     market.Venue
	Policy    risk.Policy
}

// CloseFunc is called after a trade closure commits.
type CloseFunc func(ctx context.Context, t journal.Trade, a journal.Account)

type Engine struct {
	mu      sync.Mutex
	cfg     Config
	store   Store
	log     zerolog.Logger
	onClose CloseFunc
}

func NewEngine(cfg Config, store Store, log zerolog.Logger) (*Engine, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("sim: account id is required")
	}
	if err := cfg.Venue.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("account %s: %w", cfg.AccountID, err)
	}
	return &Engine{
		cfg:   cfg,
		store: store,
		log:   log.With().Str("account", cfg.AccountID).Str("component", "sim").Logger(),
	}, nil
}

// OnClose sets the closure callback. It runs after the engine lock is
// released.
func (e *Engine) OnClose(fn CloseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = fn
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Submit validates an entry signal against the account and either fills it
// on candle c or rejects it. A rejection is returned as a *risk.Rejection
// together with the REJECTED order.
func (e *Engine) Submit(ctx context.Context, sig signal.Signal, c market.Candle) (journal.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct, err := e.store.GetAccount(ctx, e.cfg.AccountID)
	if err != nil {
		return journal.Order{}, err
	}
	open, err := e.store.ListOpenTrades(ctx, acct.ID)
	if err != nil {
		return journal.Order{}, err
	}
	at := c.CloseTime()
	today, err := e.store.CountOrdersSince(ctx, acct.ID, dayStart(at))
	if err != nil {
		return journal.Order{}, err
	}

	price := c.Close
	if _, params, err := e.cfg.Venue.Params(sig.Symbol); err == nil {
		price = FillPrice(c.Close, sig.Direction != signal.Short, params.SlippageBps)
	}

	d := risk.Evaluate(risk.Inputs{
		Policy:        e.cfg.Policy,
		Venue:         e.cfg.Venue,
		Signal:        sig,
		Price:         price,
		Equity:        acct.CurrentEquity,
		Frozen:        acct.Frozen,
		OpenPositions: len(open),
		OrdersToday:   today,
	})

	o := journal.Order{
		ID:              id.New(),
		AccountID:       acct.ID,
		SignalID:        sig.ID,
		Symbol:          sig.Symbol,
		Side:            string(sig.Direction),
		RequestedSize:   d.Size,
		Leverage:        d.Leverage,
		MaxSize:         d.Size,
		MaxLeverage:     d.Leverage,
		StopLossPrice:   d.StopLossPrice,
		TakeProfitPrice: d.TakeProfitPrice,
		Status:          journal.Pending,
		CreatedAt:       at,
	}
	// Once the order row exists it must reach a terminal status, so the
	// writes below ignore cancellation.
	ctx = context.WithoutCancel(ctx)
	if err := e.store.InsertOrder(ctx, o); err != nil {
		return journal.Order{}, err
	}

	if !d.Allowed {
		if err := e.store.RejectOrder(ctx, o.ID, d.Rejection.Code, d.Rejection.Msg, at); err != nil {
			return o, err
		}
		o.Status, o.RejectCode, o.RejectMsg = journal.Rejected, d.Rejection.Code, d.Rejection.Msg
		metrics.OrdersTotal.WithLabelValues(string(journal.Rejected)).Inc()
		metrics.RejectionsTotal.WithLabelValues(d.Rejection.Code).Inc()
		e.log.Info().
			Str("order", o.ID).
			Str("symbol", o.Symbol).
			Str("code", d.Rejection.Code).
			Msg(d.Rejection.Msg)
		return o, d.Err()
	}

	if d.Clamped {
		e.log.Warn().
			Str("symbol", o.Symbol).
			Float64("requested", d.RequestedLeverage).
			Float64("cap", d.Leverage).
			Str("asset_class", string(d.AssetClass)).
			Msg("leverage clamped to asset cap")
	}

	t := journal.Trade{
		ID:              id.New(),
		OrderID:         o.ID,
		AccountID:       acct.ID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		FillPrice:       d.Entry,
		FillSize:        d.Size,
		Leverage:        d.Leverage,
		StopLossPrice:   d.StopLossPrice,
		TakeProfitPrice: d.TakeProfitPrice,
		FeeRate:         d.Params.FeeRate,
		OpenedAt:        at,
	}
	if err := e.store.FillOrder(ctx, t); err != nil {
		code := "FILL_FAILED"
		if errors.Is(err, journal.ErrFrozen) {
			code = risk.CodeAccountFrozen
			err = fmt.Errorf("%w: %v", ErrAccountFrozen, err)
		}
		if rerr := e.store.RejectOrder(ctx, o.ID, code, err.Error(), at); rerr != nil {
			e.log.Error().Err(rerr).Str("order", o.ID).Msg("reject after failed fill")
		}
		return o, err
	}

	o.Status = journal.Filled
	metrics.OrdersTotal.WithLabelValues(string(journal.Filled)).Inc()
	e.log.Info().
		Str("order", o.ID).
		Str("trade", t.ID).
		Str("symbol", t.Symbol).
		Str("side", t.Side).
		Float64("price", t.FillPrice).
		Float64("size", t.FillSize).
		Float64("leverage", t.Leverage).
		Float64("rr", risk.RR(t.FillPrice, t.StopLossPrice, t.TakeProfitPrice)).
		Msg("filled")
	return o, nil
}

// CancelPending cancels orders that an earlier process left PENDING, such
// as after a crash between recording and filling an order. Their entry
// candle has passed, so they are never filled late.
func (e *Engine) CancelPending(ctx context.Context, at time.Time) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders, err := e.store.ListOrders(ctx, e.cfg.AccountID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range orders {
		if o.Status != journal.Pending {
			continue
		}
		if err := e.store.CancelOrder(ctx, o.ID, at); err != nil {
			if errors.Is(err, journal.ErrOrderState) {
				continue
			}
			return n, err
		}
		n++
		metrics.OrdersTotal.WithLabelValues(string(journal.Cancelled)).Inc()
		e.log.Warn().Str("order", o.ID).Str("symbol", o.Symbol).Msg("cancelled stale pending order")
	}
	return n, nil
}

type closed struct {
	trade   journal.Trade
	account journal.Account
}

// OnCandle checks every open trade on c's symbol for an exit. sigs are the
// signals produced on the same candle, used for reversal exits. Closed
// trades are returned; a liquidation also returns a *LiquidationError.
func (e *Engine) OnCandle(ctx context.Context, c market.Candle, sigs []signal.Signal) ([]journal.Trade, error) {
	e.mu.Lock()
	done, err := e.exitLocked(ctx, c, sigs)
	fn := e.onClose
	e.mu.Unlock()

	return e.notify(ctx, fn, done), err
}

func (e *Engine) exitLocked(ctx context.Context, c market.Candle, sigs []signal.Signal) ([]closed, error) {
	acct, err := e.store.GetAccount(ctx, e.cfg.AccountID)
	if err != nil {
		return nil, err
	}
	open, err := e.store.ListOpenTrades(ctx, acct.ID)
	if err != nil {
		return nil, err
	}

	slippage := 0.0
	if _, params, err := e.cfg.Venue.Params(c.Symbol); err == nil {
		slippage = params.SlippageBps
	}

	var (
		done []closed
		liq  error
	)
	for _, t := range open {
		if t.Symbol != c.Symbol || !c.CloseTime().After(t.OpenedAt) {
			continue
		}
		if _, ok := checkExit(t, c, sigs, acct.CurrentEquity, slippage); !ok {
			continue
		}
		// Equity is re-read on a conflict, so the exit is recomputed.
		decide := func(a journal.Account) (exit, bool) {
			return checkExit(t, c, sigs, a.CurrentEquity, slippage)
		}
		ct, a, err := e.closeLocked(ctx, t, acct, c.CloseTime(), decide)
		if err != nil {
			return done, err
		}
		acct = a
		if ct.ID == "" {
			continue
		}
		done = append(done, closed{ct, a})
		if ct.ExitReason == journal.Liquidation && liq == nil {
			liq = &LiquidationError{AccountID: a.ID, TradeID: ct.ID, Price: ct.ExitPrice, Loss: -*ct.RealizedPnL}
		}
	}
	return done, liq
}

// CloseAll closes every open trade that has a mark price, as a manual exit.
func (e *Engine) CloseAll(ctx context.Context, marks map[string]float64, at time.Time) ([]journal.Trade, error) {
	e.mu.Lock()
	done, err := e.closeAllLocked(ctx, marks, at)
	fn := e.onClose
	e.mu.Unlock()

	return e.notify(ctx, fn, done), err
}

func (e *Engine) closeAllLocked(ctx context.Context, marks map[string]float64, at time.Time) ([]closed, error) {
	acct, err := e.store.GetAccount(ctx, e.cfg.AccountID)
	if err != nil {
		return nil, err
	}
	open, err := e.store.ListOpenTrades(ctx, acct.ID)
	if err != nil {
		return nil, err
	}

	var done []closed
	for _, t := range open {
		mark, ok := marks[t.Symbol]
		if !ok || mark <= 0 {
			continue
		}
		decide := func(a journal.Account) (exit, bool) {
			liq := LiquidationPrice(t, lossBound(t, a.CurrentEquity))
			if beyond(t, mark, liq) {
				return exit{journal.Liquidation, liq}, true
			}
			return exit{journal.Manual, mark}, true
		}
		ct, a, err := e.closeLocked(ctx, t, acct, at, decide)
		if err != nil {
			return done, err
		}
		acct = a
		done = append(done, closed{ct, a})
	}
	return done, nil
}

// closeLocked commits one closure with the account version read in acct.
// On a version conflict it re-reads the account and retries once; a
// second conflict is returned.
func (e *Engine) closeLocked(ctx context.Context, t journal.Trade, acct journal.Account, at time.Time,
	decide func(journal.Account) (exit, bool)) (journal.Trade, journal.Account, error) {

	ctx = context.WithoutCancel(ctx)
	for attempt := 0; ; attempt++ {
		x, ok := decide(acct)
		if !ok {
			return journal.Trade{}, acct, nil
		}

		pnl := PnL(t, x.price)
		fee := t.FeeRate * t.Notional()
		freeze := false
		if x.reason == journal.Liquidation {
			pnl = -lossBound(t, acct.CurrentEquity)
			fee = 0
			freeze = true
		}
		// Fees never take equity below zero.
		fee = max(0, min(fee, acct.CurrentEquity+pnl))

		a, err := e.store.CloseTrade(ctx, journal.Close{
			TradeID:       t.ID,
			ExitPrice:     x.price,
			PnL:           pnl,
			Fee:           fee,
			Reason:        x.reason,
			At:            at,
			ExpectVersion: acct.Version,
			Freeze:        freeze,
			FreezeReason:  "simulated liquidation of trade " + t.ID,
		})
		if errors.Is(err, journal.ErrConflict) && attempt == 0 {
			e.log.Warn().Err(err).Str("trade", t.ID).Msg("close conflict; retrying with fresh read")
			fresh, rerr := e.store.GetAccount(ctx, acct.ID)
			if rerr != nil {
				return journal.Trade{}, acct, rerr
			}
			acct = fresh
			continue
		}
		if err != nil {
			return journal.Trade{}, acct, fmt.Errorf("close trade %s: %w", t.ID, err)
		}

		closedAt := at
		t.ExitPrice, t.RealizedPnL, t.Fee, t.ClosedAt, t.ExitReason = x.price, &pnl, fee, &closedAt, x.reason

		metrics.TradesClosedTotal.WithLabelValues(string(x.reason)).Inc()
		metrics.AccountEquity.WithLabelValues(a.ID).Set(a.CurrentEquity)

		ev := e.log.Info()
		if freeze {
			ev = e.log.Error()
		}
		ev.Str("trade", t.ID).
			Str("symbol", t.Symbol).
			Str("reason", string(x.reason)).
			Float64("exit", x.price).
			Float64("pnl", pnl).
			Float64("equity", a.CurrentEquity).
			Bool("frozen", a.Frozen).
			Msg("closed")
		return t, a, nil
	}
}

func (e *Engine) notify(ctx context.Context, fn CloseFunc, done []closed) []journal.Trade {
	ctx = context.WithoutCancel(ctx)
	out := make([]journal.Trade, 0, len(done))
	for _, d := range done {
		if fn != nil {
			fn(ctx, d.trade, d.account)
		}
		out = append(out, d.trade)
	}
	return out
}
