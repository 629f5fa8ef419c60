package journal

import (
	"fmt"
	"strings"
	"time"
)

// FormatTradeOrg renders a trade as an Org-mode block. Structured facts go
// in the PROPERTIES drawer so they stay searchable.
func FormatTradeOrg(t Trade) string {
	heading := fmt.Sprintf("** Trade: %s %s (%s)", t.Symbol, t.Side, shortID(t.ID))

	var b strings.Builder
	b.WriteString(heading)
	b.WriteString("\n")
	b.WriteString(":PROPERTIES:\n")
	fmt.Fprintf(&b, ":TRADE_ID: %s\n", t.ID)
	fmt.Fprintf(&b, ":ORDER_ID: %s\n", t.OrderID)
	fmt.Fprintf(&b, ":ACCOUNT: %s\n", t.AccountID)
	fmt.Fprintf(&b, ":SYMBOL: %s\n", t.Symbol)
	fmt.Fprintf(&b, ":SIDE: %s\n", t.Side)
	fmt.Fprintf(&b, ":SIZE: %.4f\n", t.FillSize)
	fmt.Fprintf(&b, ":LEVERAGE: %.1f\n", t.Leverage)
	fmt.Fprintf(&b, ":ENTRY_PRICE: %.5f\n", t.FillPrice)
	fmt.Fprintf(&b, ":STOP_LOSS: %.5f\n", t.StopLossPrice)
	fmt.Fprintf(&b, ":TAKE_PROFIT: %.5f\n", t.TakeProfitPrice)
	fmt.Fprintf(&b, ":OPEN_TIME: %s\n", t.OpenedAt.UTC().Format(time.RFC3339))
	if t.Open() {
		b.WriteString(":STATUS: open\n")
	} else {
		fmt.Fprintf(&b, ":EXIT_PRICE: %.5f\n", t.ExitPrice)
		fmt.Fprintf(&b, ":CLOSE_TIME: %s\n", t.ClosedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(&b, ":REALIZED_PL: %.4f\n", *t.RealizedPnL)
		fmt.Fprintf(&b, ":FEE: %.4f\n", t.Fee)
		fmt.Fprintf(&b, ":EXIT_REASON: %s\n", t.ExitReason)
	}
	b.WriteString(":END:\n")
	b.WriteString("\n")
	b.WriteString("*** Review\n- \n")

	return b.String()
}

// FormatTradesOrg renders multiple trades separated by blank lines.
func FormatTradesOrg(trades []Trade) string {
	var b strings.Builder
	for i, t := range trades {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(FormatTradeOrg(t))
	}
	return b.String()
}

// FormatSummaryOrg renders daily summaries as an Org table.
func FormatSummaryOrg(accountID string, days []DailySummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "* Daily summary: %s\n", accountID)
	b.WriteString("| Date | Opened | Closed | Realized P/L | Ending equity | Worker | Frozen |\n")
	b.WriteString("|------+--------+--------+--------------+---------------+--------+--------|\n")
	for _, d := range days {
		frozen := ""
		if d.Frozen {
			frozen = "yes"
		}
		fmt.Fprintf(&b, "| %s | %d | %d | %.2f | %.2f | %s | %s |\n",
			d.Date.Format(dateLayout), d.TradesOpened, d.TradesClosed, d.RealizedPnL, d.EndingEquity,
			d.WorkerStatus, frozen)
	}
	return b.String()
}

func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[:8]
}
