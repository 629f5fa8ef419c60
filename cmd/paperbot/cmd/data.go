package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/paperbot/internal/util"
	"github.com/rustyeddy/paperbot/market"
	"github.com/rustyeddy/paperbot/market/replay"
)

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Prepare candle datasets for replay feeds",
}

var dataCandlesCmd = &cobra.Command{
	Use:   "candles",
	Short: "Pull candles from a configured venue feed and write replay CSV",
	Long: `Pull candles for one symbol from a venue's feed (synthetic or replay)
and write them in the replay CSV format, so a run can be reproduced with a
replay feed.

Example:
  paperbot data candles --venue paper --symbol BTC-USD --timeframe 1h --count 2000 --out btc.csv`,
	Args: cobra.NoArgs,
	RunE: runDataCandles,
}

var (
	dataVenue     string
	dataSymbol    string
	dataTimeframe string
	dataCount     int
	dataOut       string
)

func init() {
	rootCmd.AddCommand(dataCmd)
	dataCmd.AddCommand(dataCandlesCmd)

	dataCandlesCmd.Flags().StringVar(&dataVenue, "venue", "paper", "venue id from the config")
	dataCandlesCmd.Flags().StringVar(&dataSymbol, "symbol", "", "symbol (e.g. BTC-USD)")
	dataCandlesCmd.Flags().StringVar(&dataTimeframe, "timeframe", "1h", "timeframe (e.g. 1m, 15m, 1h, 1d)")
	dataCandlesCmd.Flags().IntVar(&dataCount, "count", 1000, "number of candles")
	dataCandlesCmd.Flags().StringVarP(&dataOut, "out", "o", "", "output CSV path (default stdout)")
	_ = dataCandlesCmd.MarkFlagRequired("symbol")
}

func runDataCandles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	v, ok := cfg.Venue(dataVenue)
	if !ok {
		return fmt.Errorf("unknown venue %q", dataVenue)
	}
	if _, _, err := v.Params(dataSymbol); err != nil {
		return err
	}
	tf := market.Timeframe(dataTimeframe)
	if !tf.Valid() {
		return fmt.Errorf("invalid --timeframe %q", dataTimeframe)
	}
	if dataCount <= 0 {
		return fmt.Errorf("--count must be positive")
	}

	feed, err := v.NewFeed(util.NewLoggerTo(os.Stderr, "warn"))
	if err != nil {
		return err
	}
	candles, err := pullCandles(cmd.Context(), feed, dataSymbol, tf, dataCount)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if dataOut != "" {
		f, err := os.Create(dataOut)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := replay.Write(w, candles); err != nil {
		return err
	}
	if dataOut != "" {
		fmt.Printf("Wrote %d candles to %s\n", len(candles), dataOut)
	}
	return nil
}

// pullCandles polls feed until it has count candles or the feed has
// nothing newer.
func pullCandles(ctx context.Context, feed market.Feed, symbol string, tf market.Timeframe, count int) ([]market.Candle, error) {
	var (
		out   []market.Candle
		after time.Time
	)
	for len(out) < count {
		batch, err := feed.Poll(ctx, symbol, tf, after)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		after = batch[len(batch)-1].OpenTime
	}
	if len(out) > count {
		out = out[:count]
	}
	return out, nil
}
