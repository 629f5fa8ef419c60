package journal

import (
	"fmt"
	"io"
	"text/template"
)

// AccountReport is the data behind the account Org report.
type AccountReport struct {
	Account   Account
	Snapshot  *Snapshot
	Open      int
	Closed    int
	Summaries []DailySummary
}

var reportFuncs = template.FuncMap{
	"mul100": func(x float64) float64 { return x * 100.0 },
	"ratio": func(p *float64) string {
		if p == nil {
			return "insufficient data"
		}
		return fmt.Sprintf("%.2f", *p)
	},
	"date": func(d DailySummary) string { return d.Date.Format(dateLayout) },
}

var accountReport = template.Must(template.New("account").Funcs(reportFuncs).Parse(AccountOrgTemplate))

// WriteAccountOrg renders the account report as Org.
func WriteAccountOrg(w io.Writer, r AccountReport) error {
	return accountReport.Execute(w, r)
}

const AccountOrgTemplate = `* ACCOUNT: {{.Account.ID}}
:PROPERTIES:
:VENUE:        {{.Account.VenueID}}
:PROFILE:      {{.Account.RiskProfile}}
:START_EQUITY: {{printf "%.2f" .Account.StartingEquity}}
:EQUITY:       {{printf "%.2f" .Account.CurrentEquity}}
:FEES:         {{printf "%.2f" .Account.TotalFees}}
:FROZEN:       {{if .Account.Frozen}}yes ({{.Account.FrozenReason}}){{else}}no{{end}}
:OPEN_TRADES:  {{.Open}}
:CLOSED:       {{.Closed}}
:END:

** Readiness
{{- if .Snapshot }}
| Metric        | Value |
|---------------+-------|
| Trades        | {{.Snapshot.TradeCount}} |
| Win rate %    | {{printf "%.2f" (mul100 .Snapshot.WinRate)}} |
| Profit factor | {{ratio .Snapshot.ProfitFactor}} |
| Sharpe        | {{ratio .Snapshot.SharpeRatio}} |
| Max DD %      | {{printf "%.2f" (mul100 .Snapshot.MaxDrawdownPct)}} |
| Ready         | {{if .Snapshot.ReadyForLive}}yes{{else}}no{{end}} |
{{- range .Snapshot.Reasons }}
- {{.}}
{{- end }}
{{- else }}
- no snapshot yet
{{- end }}

{{- if .Summaries }}

** Daily
| Date | Opened | Closed | P/L | Equity | Worker |
|------+--------+--------+-----+--------+--------|
{{- range .Summaries }}
| {{date .}} | {{.TradesOpened}} | {{.TradesClosed}} | {{printf "%.2f" .RealizedPnL}} | {{printf "%.2f" .EndingEquity}} | {{.WorkerStatus}} |
{{- end }}
{{- end }}
`
