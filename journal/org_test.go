package journal

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedTrade() Trade {
	pnl := 0.225
	closed := time.Date(2024, 3, 15, 14, 20, 30, 0, time.UTC)
	return Trade{
		ID: "trade-12345678-abcd", OrderID: "order-1", AccountID: "a1", Symbol: "EUR_USD", Side: "long",
		FillPrice: 1.085, FillSize: 1.25, Leverage: 3, StopLossPrice: 1.0687, TakeProfitPrice: 1.1175,
		OpenedAt:  time.Date(2024, 3, 15, 10, 30, 45, 0, time.UTC),
		ExitPrice: 1.1175, RealizedPnL: &pnl, Fee: 0, ClosedAt: &closed, ExitReason: TakeProfit,
	}
}

func TestFormatTradeOrg(t *testing.T) {
	t.Parallel()

	result := FormatTradeOrg(closedTrade())

	assert.Contains(t, result, "** Trade: EUR_USD long (trade-12)")
	assert.Contains(t, result, ":PROPERTIES:")
	assert.Contains(t, result, ":TRADE_ID: trade-12345678-abcd")
	assert.Contains(t, result, ":LEVERAGE: 3.0")
	assert.Contains(t, result, ":ENTRY_PRICE: 1.08500")
	assert.Contains(t, result, ":OPEN_TIME: 2024-03-15T10:30:45Z")
	assert.Contains(t, result, ":CLOSE_TIME: 2024-03-15T14:20:30Z")
	assert.Contains(t, result, ":REALIZED_PL: 0.2250")
	assert.Contains(t, result, ":EXIT_REASON: take_profit")
	assert.Contains(t, result, ":END:")
	assert.Contains(t, result, "*** Review")
}

func TestFormatTradeOrgOpen(t *testing.T) {
	t.Parallel()

	tr := closedTrade()
	tr.ID = "short"
	tr.ClosedAt, tr.RealizedPnL = nil, nil

	result := FormatTradeOrg(tr)
	assert.Contains(t, result, "(short)")
	assert.Contains(t, result, ":STATUS: open")
	assert.NotContains(t, result, ":EXIT_PRICE:")
}

func TestFormatTradesOrg(t *testing.T) {
	t.Parallel()

	assert.Empty(t, FormatTradesOrg(nil))
	out := FormatTradesOrg([]Trade{closedTrade(), closedTrade()})
	assert.Equal(t, 2, strings.Count(out, ":PROPERTIES:"))
	assert.Contains(t, out, ":END:\n\n*** Review\n- \n\n\n** Trade:")
}

func TestFormatSummaryOrg(t *testing.T) {
	t.Parallel()

	out := FormatSummaryOrg("a1", []DailySummary{
		{AccountID: "a1", Date: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), TradesOpened: 2, TradesClosed: 1, RealizedPnL: -1.25, EndingEquity: 0, WorkerStatus: "STOPPED", Frozen: true},
	})
	assert.Contains(t, out, "* Daily summary: a1")
	assert.Contains(t, out, "| 2024-06-03 | 2 | 1 | -1.25 | 0.00 | STOPPED | yes |")
}

func TestWriteAccountOrg(t *testing.T) {
	t.Parallel()

	pf := 1.8
	var buf bytes.Buffer
	err := WriteAccountOrg(&buf, AccountReport{
		Account:  Account{ID: "a1", VenueID: "paper", StartingEquity: 250, CurrentEquity: 260, Frozen: true, FrozenReason: "simulated liquidation"},
		Snapshot: &Snapshot{TradeCount: 25, WinRate: 0.64, ProfitFactor: &pf, MaxDrawdownPct: 0.09, Reasons: []string{"sharpe insufficient data"}},
		Open:     1,
		Closed:   25,
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "* ACCOUNT: a1")
	assert.Contains(t, out, ":FROZEN:       yes (simulated liquidation)")
	assert.Contains(t, out, "| Win rate %    | 64.00 |")
	assert.Contains(t, out, "| Profit factor | 1.80 |")
	assert.Contains(t, out, "| Sharpe        | insufficient data |")
	assert.Contains(t, out, "- sharpe insufficient data")

	buf.Reset()
	require.NoError(t, WriteAccountOrg(&buf, AccountReport{Account: Account{ID: "a2"}}))
	assert.Contains(t, buf.String(), "- no snapshot yet")
}

func TestWriteTradesCSV(t *testing.T) {
	t.Parallel()

	open := closedTrade()
	open.ID = "t-open"
	open.ClosedAt, open.RealizedPnL = nil, nil

	var buf bytes.Buffer
	require.NoError(t, WriteTradesCSV(&buf, []Trade{closedTrade(), open}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, tradeHeader, records[0])

	assert.Equal(t, "trade-12345678-abcd", records[1][0])
	assert.Equal(t, "1.085000", records[1][5])
	assert.Equal(t, "2024-03-15T14:20:30Z", records[1][12])
	assert.Equal(t, "0.225000", records[1][13])
	assert.Equal(t, "take_profit", records[1][15])

	assert.Equal(t, "t-open", records[2][0])
	assert.Empty(t, records[2][11])
	assert.Empty(t, records[2][12])
}
