package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/paperbot/config"
	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/supervisor"
)

var summaryCmd = &cobra.Command{
	Use:   "summary <account>",
	Short: "Show daily summaries for an account",
	Long: `Without --date, print every stored daily summary. With --date, print
that day's stored summary, or compute it from the ledger when the day has
not been summarized yet.

Examples:
  paperbot summary paper-standard
  paperbot summary paper-standard --date 2024-01-15`,
	Args: cobra.ExactArgs(1),
	RunE: runSummary,
}

var summaryDate string

func init() {
	rootCmd.AddCommand(summaryCmd)
	summaryCmd.Flags().StringVar(&summaryDate, "date", "", "UTC day (YYYY-MM-DD)")
}

func runSummary(cmd *cobra.Command, args []string) error {
	accountID := args[0]
	return withStore(cmd, func(ctx context.Context, _ *config.Config, j *journal.SQLite) error {
		if summaryDate == "" {
			days, err := j.ListDailySummaries(ctx, accountID)
			if err != nil {
				return err
			}
			fmt.Print(journal.FormatSummaryOrg(accountID, days))
			return nil
		}

		day, err := time.ParseInLocation("2006-01-02", summaryDate, time.UTC)
		if err != nil {
			return fmt.Errorf("parse --date: %w", err)
		}
		d, err := j.GetDailySummary(ctx, accountID, day)
		if errors.Is(err, journal.ErrNotFound) {
			status := ""
			if w, werr := j.GetWorkerState(ctx, accountID, venueOf(ctx, j, accountID)); werr == nil {
				status = w.Status
			}
			d, err = supervisor.BuildDailySummary(ctx, j, accountID, status, day)
			if err == nil {
				fmt.Fprintln(os.Stderr, "(not yet stored; computed from ledger)")
			}
		}
		if err != nil {
			return err
		}
		fmt.Print(journal.FormatSummaryOrg(accountID, []journal.DailySummary{d}))
		return nil
	})
}

func venueOf(ctx context.Context, j *journal.SQLite, accountID string) string {
	a, err := j.GetAccount(ctx, accountID)
	if err != nil {
		return ""
	}
	return a.VenueID
}
