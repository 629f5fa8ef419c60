package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/paperbot/config"
	"github.com/rustyeddy/paperbot/journal"
	"github.com/rustyeddy/paperbot/supervisor"
)

var resetCmd = &cobra.Command{
	Use:   "reset <account>",
	Short: "Unfreeze an account and clear its worker's crash history",
	Long: `Reset is the human step after a liquidation or a crash escalation. It
clears the account's frozen flag, returns its worker to STOPPED with zero
failures and forgets recorded crashes. Equity is never touched. The worker
starts on the next run.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

var resetVenue string

func init() {
	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().StringVar(&resetVenue, "venue", "", "venue id (defaults to the account's venue)")
}

func runReset(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, _ *config.Config, j *journal.SQLite) error {
		return resetAccount(ctx, j, args[0], resetVenue, time.Now().UTC())
	})
}

func resetAccount(ctx context.Context, j *journal.SQLite, accountID, venueID string, now time.Time) error {
	a, err := j.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("account %s: %w", accountID, err)
	}
	if venueID == "" {
		venueID = a.VenueID
	}
	if err := j.ResetAccount(ctx, accountID); err != nil {
		return err
	}

	w, err := j.GetWorkerState(ctx, accountID, venueID)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		w = journal.WorkerState{AccountID: accountID, VenueID: venueID}
	case err != nil:
		return err
	}
	w.Status = string(supervisor.Stopped)
	w.ConsecutiveFailures = 0
	w.NextRestartAt = time.Time{}
	w.Reason = ""
	w.UpdatedAt = now
	if err := j.SaveWorkerState(ctx, w); err != nil {
		return err
	}
	if err := j.ClearCrashes(ctx, accountID, venueID); err != nil {
		return err
	}

	fmt.Printf("✓ Reset %s on %s (equity %.2f)\n", accountID, venueID, a.CurrentEquity)
	return nil
}
