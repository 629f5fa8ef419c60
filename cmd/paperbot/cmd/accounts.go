package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/paperbot/config"
	"github.com/rustyeddy/paperbot/journal"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List paper accounts and their equity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, _ *config.Config, j *journal.SQLite) error {
			return listAccounts(ctx, j)
		})
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Show the last recorded state of every worker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, _ *config.Config, j *journal.SQLite) error {
			return listWorkers(ctx, j)
		})
	},
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(workersCmd)
}

func listAccounts(ctx context.Context, r journal.Reader) error {
	accts, err := r.ListAccounts(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tVENUE\tPROFILE\tSTART\tEQUITY\tFEES\tFROZEN")
	for _, a := range accts {
		frozen := "-"
		if a.Frozen {
			frozen = a.FrozenReason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.2f\t%.2f\t%s\n",
			a.ID, a.VenueID, a.RiskProfile, a.StartingEquity, a.CurrentEquity, a.TotalFees, frozen)
	}
	return tw.Flush()
}

func listWorkers(ctx context.Context, r journal.Reader) error {
	states, err := r.ListWorkerStates(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tVENUE\tSTATUS\tFAILURES\tRESTARTS\tLAST HEARTBEAT\tREASON")
	for _, w := range states {
		hb := "-"
		if !w.LastHeartbeatAt.IsZero() {
			hb = w.LastHeartbeatAt.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			w.AccountID, w.VenueID, w.Status, w.ConsecutiveFailures, w.RestartCount, hb, w.Reason)
	}
	return tw.Flush()
}
