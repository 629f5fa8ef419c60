package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/paperbot/config"
	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/readiness"
	"github.com/rustyeddy/paperbot/sim"
)

var closeCmd = &cobra.Command{
	Use:   "close <account>",
	Short: "Close every open trade of an account by hand",
	Long: `Close flattens an account. Each open trade exits at the price given with
--mark, or else at the latest close the venue feed reports for its symbol.
Trades are recorded with exit reason manual, or simulated_liquidation when the
mark is beyond the trade's liquidation price. Readiness is recomputed
afterwards.

Examples:
  paperbot close paper-standard
  paperbot close paper-standard --mark BTC-USD=61000 --mark ETH-USD=2950`,
	Args: cobra.ExactArgs(1),
	RunE: runClose,
}

var closeMarks map[string]string

func init() {
	rootCmd.AddCommand(closeCmd)
	closeCmd.Flags().StringToStringVar(&closeMarks, "mark", nil, "exit price per symbol (SYMBOL=PRICE)")
}

func runClose(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, cfg *config.Config, j *journal.SQLite) error {
		marks, err := parseMarks(closeMarks)
		if err != nil {
			return err
		}
		res, err := closeAccount(ctx, cfg, j, args[0], marks, time.Now().UTC(), logger(cfg))
		if err != nil {
			return err
		}

		for _, t := range res.Closed {
			fmt.Printf("✓ %s %s %s at %.6g (%s, pnl %.2f)\n", t.ID, t.Side, t.Symbol, t.ExitPrice, t.ExitReason, *t.RealizedPnL)
		}
		for _, sym := range res.Unpriced {
			fmt.Printf("✗ no price for %s; its trades stay open\n", sym)
		}
		if len(res.Closed) == 0 && len(res.Unpriced) == 0 {
			fmt.Println("No open trades.")
		}
		return nil
	})
}

func parseMarks(in map[string]string) (map[string]float64, error) {
	out := make(map[string]float64, len(in))
	for sym, s := range in {
		p, err := strconv.ParseFloat(s, 64)
		if err != nil || p <= 0 {
			return nil, fmt.Errorf("mark %s=%q: price must be a positive number", sym, s)
		}
		out[sym] = p
	}
	return out, nil
}

type closeResult struct {
	Closed   []journal.Trade
	Unpriced []string
}

// closeAccount closes the account's open trades at marks, filling in
// missing symbols from the venue feed.
func closeAccount(ctx context.Context, cfg *config.Config, j *journal.SQLite, accountID string,
	marks map[string]float64, now time.Time, log zerolog.Logger) (closeResult, error) {

	var (
		a     config.AccountConfig
		found bool
	)
	for _, ac := range cfg.Accounts {
		if ac.ID == accountID {
			a, found = ac, true
			break
		}
	}
	if !found {
		return closeResult{}, fmt.Errorf("account %s is not configured", accountID)
	}
	if err := cfg.ValidateAccount(a); err != nil {
		return closeResult{}, err
	}
	v, _ := cfg.Venue(a.Venue)

	open, err := j.ListOpenTrades(ctx, accountID)
	if err != nil {
		return closeResult{}, fmt.Errorf("account %s: %w", accountID, err)
	}

	prices := make(map[string]float64, len(marks))
	for sym, p := range marks {
		prices[sym] = p
	}
	var res closeResult
	if missing := unpriced(open, prices); len(missing) > 0 {
		feed, err := v.NewFeed(log)
		if err != nil {
			return closeResult{}, err
		}
		tf := a.Strategy.Timeframe
		for _, sym := range missing {
			// Candles from the oldest entry on the symbol onward.
			var since time.Time
			for _, t := range open {
				if t.Symbol == sym && (since.IsZero() || t.OpenedAt.Before(since)) {
					since = t.OpenedAt
				}
			}
			candles, err := feed.Poll(ctx, sym, tf, since.Add(-tf.Duration()))
			if err != nil || len(candles) == 0 {
				log.Warn().Err(err).Str("symbol", sym).Msg("no feed price for manual close")
				res.Unpriced = append(res.Unpriced, sym)
				continue
			}
			prices[sym] = candles[len(candles)-1].Close
		}
	}

	exec, err := sim.NewEngine(sim.Config{AccountID: a.ID, Venue: v.Venue, Policy: a.Policy}, j, log)
	if err != nil {
		return closeResult{}, err
	}
	exec.OnClose(readiness.NewEvaluator(j, cfg.Readiness, log).OnClose)

	res.Closed, err = exec.CloseAll(ctx, prices, now)
	return res, err
}

func unpriced(open []journal.Trade, prices map[string]float64) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range open {
		if _, ok := prices[t.Symbol]; ok || seen[t.Symbol] {
			continue
		}
		seen[t.Symbol] = true
		out = append(out, t.Symbol)
	}
	sort.Strings(out)
	return out
}
