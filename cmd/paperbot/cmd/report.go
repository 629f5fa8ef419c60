package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/paperbot/config"
	"github.com/rustyeddy/paperbot/journal"
)

var reportCmd = &cobra.Command{
	Use:   "report <account>",
	Short: "Write an Org-mode account report",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, _ *config.Config, j *journal.SQLite) error {
		r, err := buildReport(ctx, j, args[0])
		if err != nil {
			return err
		}
		return journal.WriteAccountOrg(os.Stdout, r)
	})
}

func buildReport(ctx context.Context, r journal.Reader, accountID string) (journal.AccountReport, error) {
	a, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return journal.AccountReport{}, err
	}
	rep := journal.AccountReport{Account: a}

	open, err := r.ListOpenTrades(ctx, accountID)
	if err != nil {
		return rep, err
	}
	closed, err := r.ListClosedTrades(ctx, accountID)
	if err != nil {
		return rep, err
	}
	rep.Open, rep.Closed = len(open), len(closed)

	snap, err := r.LatestSnapshot(ctx, accountID)
	switch {
	case errors.Is(err, journal.ErrNotFound):
	case err != nil:
		return rep, err
	default:
		rep.Snapshot = &snap
	}

	rep.Summaries, err = r.ListDailySummaries(ctx, accountID)
	return rep, err
}
