package monitor

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"

	"binance-trader/pkg/db"
)

// RenderSummary writes the closed-trade summary as a table, one row per symbol plus a
// totals footer. It returns the rendered text as well.
func RenderSummary(w io.Writer, rows []db.SymbolSummary) string {
	t := table.NewWriter()
	if w != nil {
		t.SetOutputMirror(w)
	}
	t.SetStyle(table.StyleLight)
	t.SetTitle("Trade summary")
	t.AppendHeader(table.Row{"Symbol", "Trades", "Wins", "Losses", "Win %", "Avg P/L %", "Best %", "Worst %", "P/L (quote)"})

	var trades, wins, losses int
	var pnl float64
	for _, r := range rows {
		t.AppendRow(table.Row{
			r.Symbol,
			r.Trades,
			r.Wins,
			r.Losses,
			pct(r.Wins, r.Trades),
			fmt.Sprintf("%.2f", r.AvgPnLPct),
			fmt.Sprintf("%.2f", r.BestPnLPct),
			fmt.Sprintf("%.2f", r.WorstPnLPct),
			fmt.Sprintf("%.4f", r.PnLQuote),
		})
		trades += r.Trades
		wins += r.Wins
		losses += r.Losses
		pnl += r.PnLQuote
	}
	t.AppendFooter(table.Row{"Total", trades, wins, losses, pct(wins, trades), "", "", "", fmt.Sprintf("%.4f", pnl)})
	return t.Render()
}

func pct(n, total int) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f", float64(n)*100/float64(total))
}
