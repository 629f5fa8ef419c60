package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/paperbot/config"
	"github.com/rustyeddy/paperbot/internal/util"
	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/readiness"
)

var readinessCmd = &cobra.Command{
	Use:   "readiness <account>",
	Short: "Show whether an account is ready for live trading",
	Long: `Print the latest performance snapshot for an account and the gate
verdict. --recompute rebuilds the snapshot from the full trade history
first.`,
	Args: cobra.ExactArgs(1),
	RunE: runReadiness,
}

var recompute bool

func init() {
	rootCmd.AddCommand(readinessCmd)
	readinessCmd.Flags().BoolVar(&recompute, "recompute", false, "recompute the snapshot from the ledger")
}

func runReadiness(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, cfg *config.Config, j *journal.SQLite) error {
		var s readiness.Snapshot
		if recompute {
			eval := readiness.NewEvaluator(j, cfg.Readiness, util.NewLoggerTo(os.Stderr, "warn"))
			snap, err := eval.Recompute(ctx, args[0])
			if err != nil {
				return err
			}
			s = snap
		} else {
			rec, err := j.LatestSnapshot(ctx, args[0])
			if errors.Is(err, journal.ErrNotFound) {
				fmt.Printf("%s: no snapshot yet (run with --recompute)\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			s = readiness.FromRecord(rec)
		}
		printSnapshot(s)
		return nil
	})
}

func printSnapshot(s readiness.Snapshot) {
	verdict := "NOT READY"
	if s.ReadyForLive {
		verdict = "READY FOR LIVE"
	}
	fmt.Printf("%s: %s (as of %s)\n", s.AccountID, verdict, s.AsOf.UTC().Format("2006-01-02 15:04"))
	fmt.Printf("  trades:        %d\n", s.TradeCount)
	fmt.Printf("  win rate:      %.2f%%\n", s.WinRate*100)
	fmt.Printf("  profit factor: %s\n", s.ProfitFactor)
	fmt.Printf("  sharpe:        %s\n", s.SharpeRatio)
	fmt.Printf("  max drawdown:  %.2f%%\n", s.MaxDrawdownPct*100)
	if len(s.Reasons) > 0 {
		fmt.Printf("  failing:       %s\n", strings.Join(s.Reasons, "; "))
	}
}
