// Package readiness derives performance snapshots from trade history and
// decides whether an account may be promoted from paper to live trading.
package readiness

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rustyeddy/paperbot/journal"
)

// Ratio is a metric that may be undefined, such as profit factor with no
// losing trades. It is never infinite.
type Ratio struct {
	Value float64
	Valid bool
}

func (r Ratio) String() string {
	if !r.Valid {
		return "insufficient data"
	}
	return fmt.Sprintf("%.2f", r.Value)
}

func (r Ratio) ptr() *float64 {
	if !r.Valid {
		return nil
	}
	v := r.Value
	return &v
}

func ratioOf(p *float64) Ratio {
	if p == nil {
		return Ratio{}
	}
	return Ratio{Value: *p, Valid: true}
}

type Thresholds struct {
	MinTrades       int     `yaml:"min_trades" json:"min_trades"`
	MinWinRate      float64 `yaml:"min_win_rate" json:"min_win_rate"`
	MinProfitFactor float64 `yaml:"min_profit_factor" json:"min_profit_factor"`
	MinSharpe       float64 `yaml:"min_sharpe" json:"min_sharpe"`
	MaxDrawdownPct  float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinTrades:       20,
		MinWinRate:      0.55,
		MinProfitFactor: 1.5,
		MinSharpe:       1.0,
		MaxDrawdownPct:  0.15,
	}
}

const (
	SharpeDaily    = "daily"
	SharpePerTrade = "per_trade"

	tradingDays = 252
)

type Config struct {
	Thresholds `yaml:",inline"`
	// SharpeMode is daily (default) or per_trade.
	SharpeMode string `yaml:"sharpe_mode" json:"sharpe_mode"`
}

func DefaultConfig() Config {
	return Config{Thresholds: DefaultThresholds(), SharpeMode: SharpeDaily}
}

func (c Config) Validate() error {
	switch c.SharpeMode {
	case "", SharpeDaily, SharpePerTrade:
	default:
		return fmt.Errorf("unknown sharpe_mode %q", c.SharpeMode)
	}
	if c.MinTrades < 0 || c.MaxDrawdownPct < 0 || c.MaxDrawdownPct > 1 {
		return fmt.Errorf("readiness thresholds out of range")
	}
	return nil
}

type Snapshot struct {
	AccountID      string
	AsOf           time.Time
	TradeCount     int
	Wins           int
	WinRate        float64
	ProfitFactor   Ratio
	SharpeRatio    Ratio
	MaxDrawdownPct float64
	ReadyForLive   bool
	Reasons        []string
}

// Record converts the snapshot for storage.
func (s Snapshot) Record() journal.Snapshot {
	return journal.Snapshot{
		AccountID:      s.AccountID,
		AsOf:           s.AsOf,
		TradeCount:     s.TradeCount,
		WinRate:        s.WinRate,
		ProfitFactor:   s.ProfitFactor.ptr(),
		SharpeRatio:    s.SharpeRatio.ptr(),
		MaxDrawdownPct: s.MaxDrawdownPct,
		ReadyForLive:   s.ReadyForLive,
		Reasons:        s.Reasons,
	}
}

// FromRecord is the inverse of Record. Wins is not stored and derives from
// the win rate.
func FromRecord(r journal.Snapshot) Snapshot {
	return Snapshot{
		AccountID:      r.AccountID,
		AsOf:           r.AsOf,
		TradeCount:     r.TradeCount,
		Wins:           int(math.Round(r.WinRate * float64(r.TradeCount))),
		WinRate:        r.WinRate,
		ProfitFactor:   ratioOf(r.ProfitFactor),
		SharpeRatio:    ratioOf(r.SharpeRatio),
		MaxDrawdownPct: r.MaxDrawdownPct,
		ReadyForLive:   r.ReadyForLive,
		Reasons:        r.Reasons,
	}
}

func net(t journal.Trade) float64 {
	if t.RealizedPnL == nil {
		return 0
	}
	return *t.RealizedPnL - t.Fee
}

// Compute derives a snapshot from the full closed-trade history. Open
// trades are ignored. The result is gated with cfg's thresholds.
func Compute(accountID string, startingEquity float64, trades []journal.Trade, asOf time.Time, cfg Config) Snapshot {
	closed := make([]journal.Trade, 0, len(trades))
	for _, t := range trades {
		if !t.Open() {
			closed = append(closed, t)
		}
	}
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].ClosedAt.Before(*closed[j].ClosedAt) })

	s := Snapshot{AccountID: accountID, AsOf: asOf, TradeCount: len(closed)}

	var grossWin, grossLoss float64
	for _, t := range closed {
		n := net(t)
		switch {
		case n > 0:
			s.Wins++
			grossWin += n
		case n < 0:
			grossLoss += -n
		}
	}
	if s.TradeCount > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TradeCount)
	}
	if grossLoss > 0 {
		s.ProfitFactor = Ratio{Value: grossWin / grossLoss, Valid: true}
	}

	s.MaxDrawdownPct = maxDrawdown(startingEquity, closed)
	if cfg.SharpeMode == SharpePerTrade {
		s.SharpeRatio = sharpe(perTradeReturns(startingEquity, closed), 1)
	} else {
		s.SharpeRatio = sharpe(dailyReturns(startingEquity, closed), math.Sqrt(tradingDays))
	}

	s.ReadyForLive, s.Reasons = Gate(s, cfg.Thresholds)
	return s
}

// Gate applies every threshold and lists the ones that failed. All must
// pass at once.
func Gate(s Snapshot, th Thresholds) (bool, []string) {
	var reasons []string
	if s.TradeCount < th.MinTrades {
		reasons = append(reasons, fmt.Sprintf("trade_count %d < %d", s.TradeCount, th.MinTrades))
	}
	if s.WinRate < th.MinWinRate {
		reasons = append(reasons, fmt.Sprintf("win_rate %.2f%% < %.2f%%", 100*s.WinRate, 100*th.MinWinRate))
	}
	if !s.ProfitFactor.Valid {
		reasons = append(reasons, "profit_factor insufficient data")
	} else if s.ProfitFactor.Value < th.MinProfitFactor {
		reasons = append(reasons, fmt.Sprintf("profit_factor %.2f < %.2f", s.ProfitFactor.Value, th.MinProfitFactor))
	}
	if !s.SharpeRatio.Valid {
		reasons = append(reasons, "sharpe_ratio insufficient data")
	} else if s.SharpeRatio.Value <= th.MinSharpe {
		reasons = append(reasons, fmt.Sprintf("sharpe_ratio %.2f <= %.2f", s.SharpeRatio.Value, th.MinSharpe))
	}
	if s.MaxDrawdownPct >= th.MaxDrawdownPct {
		reasons = append(reasons, fmt.Sprintf("max_drawdown %.2f%% >= %.2f%%", 100*s.MaxDrawdownPct, 100*th.MaxDrawdownPct))
	}
	return len(reasons) == 0, reasons
}

// maxDrawdown walks the equity curve in close order.
func maxDrawdown(start float64, closed []journal.Trade) float64 {
	equity, peak, dd := start, start, 0.0
	for _, t := range closed {
		equity += net(t)
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd = max(dd, (peak-equity)/peak)
		}
	}
	return dd
}

// dailyReturns resamples the equity curve to UTC days from the first to
// the last closing day. Days without closures contribute a zero return.
func dailyReturns(start float64, closed []journal.Trade) []float64 {
	if len(closed) == 0 {
		return nil
	}
	day := func(t time.Time) time.Time {
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}

	pnlByDay := map[time.Time]float64{}
	for _, t := range closed {
		pnlByDay[day(*t.ClosedAt)] += net(t)
	}

	first, last := day(*closed[0].ClosedAt), day(*closed[len(closed)-1].ClosedAt)
	var out []float64
	equity := start
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		pnl := pnlByDay[d]
		if equity <= 0 {
			break
		}
		out = append(out, pnl/equity)
		equity += pnl
	}
	return out
}

func perTradeReturns(start float64, closed []journal.Trade) []float64 {
	out := make([]float64, 0, len(closed))
	equity := start
	for _, t := range closed {
		if equity <= 0 {
			break
		}
		n := net(t)
		out = append(out, n/equity)
		equity += n
	}
	return out
}

// sharpe is mean/sample-stddev scaled by annualize. Fewer than two returns
// or zero variance is insufficient data.
func sharpe(returns []float64, annualize float64) Ratio {
	n := len(returns)
	if n < 2 {
		return Ratio{}
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)

	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(n-1))
	if std < 1e-12 {
		return Ratio{}
	}
	return Ratio{Value: mean / std * annualize, Valid: true}
}
