package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/paperbot/config"
	"github.com/rustyeddy/paperbot/journal"
)

var tradesCmd = &cobra.Command{
	Use:   "trades <account>",
	Short: "List an account's trades",
	Long: `List trades for one account as Org-mode entries, or as CSV with --csv.

Examples:
  paperbot trades paper-standard
  paperbot trades paper-standard --open
  paperbot trades paper-standard --csv > trades.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runTrades,
}

var (
	tradesOpen bool
	tradesCSV  bool
)

func init() {
	rootCmd.AddCommand(tradesCmd)
	tradesCmd.Flags().BoolVar(&tradesOpen, "open", false, "only open trades")
	tradesCmd.Flags().BoolVar(&tradesCSV, "csv", false, "write CSV instead of Org")
}

func runTrades(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, _ *config.Config, j *journal.SQLite) error {
		if _, err := j.GetAccount(ctx, args[0]); err != nil {
			return fmt.Errorf("account %s: %w", args[0], err)
		}

		list := j.ListTrades
		if tradesOpen {
			list = j.ListOpenTrades
		}
		trades, err := list(ctx, args[0])
		if err != nil {
			return fmt.Errorf("list trades: %w", err)
		}

		if tradesCSV {
			return journal.WriteTradesCSV(os.Stdout, trades)
		}
		if len(trades) == 0 {
			fmt.Println("No trades.")
			return nil
		}
		fmt.Print(journal.FormatTradesOrg(trades))
		return nil
	})
}
