package journal

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var tradeHeader = []string{
	"trade_id", "order_id", "account_id", "symbol", "side", "fill_price", "fill_size", "leverage",
	"stop_loss", "take_profit", "opened_at", "exit_price", "closed_at", "realized_pnl", "fee", "exit_reason",
}

// WriteTradesCSV writes trades with a header row. Open trades leave the
// exit columns empty.
func WriteTradesCSV(w io.Writer, trades []Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeHeader); err != nil {
		return err
	}
	for _, t := range trades {
		exit, closed, pnl := "", "", ""
		if !t.Open() {
			exit = f(t.ExitPrice)
			closed = t.ClosedAt.UTC().Format(time.RFC3339)
			pnl = f(*t.RealizedPnL)
		}
		if err := cw.Write([]string{
			t.ID,
			t.OrderID,
			t.AccountID,
			t.Symbol,
			t.Side,
			f(t.FillPrice),
			f(t.FillSize),
			f(t.Leverage),
			f(t.StopLossPrice),
			f(t.TakeProfitPrice),
			t.OpenedAt.UTC().Format(time.RFC3339),
			exit,
			closed,
			pnl,
			f(t.Fee),
			string(t.ExitReason),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
