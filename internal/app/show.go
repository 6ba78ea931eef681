package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"spikewatch/internal/market"
	"spikewatch/internal/spike"
)

// Show prints recent alerts and the last known price per symbol.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	st := repo.LoadState(ctx)
	return renderShow(os.Stdout, st.Alerts, st.History, opts)
}

func renderShow(out io.Writer, alerts []market.AlertEvent, history market.History, opts ShowOptions) error {
	filter := market.NormalizeSymbol(opts.Symbol)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tChange%\tPrice\tID")

	shown := 0
	for _, ev := range alerts {
		if filter != "" && ev.Symbol != filter {
			continue
		}
		if shown >= opts.Limit {
			break
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			ev.Time().UTC().Format(time.RFC3339),
			ev.Symbol,
			formatFloat(ev.ChangePct, 2),
			formatFloat(ev.Price, 4),
			ev.ID,
		)
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(writer, "no alerts recorded\t\t\t\t")
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	symbols := make([]string, 0, len(history))
	for sym := range history {
		if len(history[sym]) == 0 || (filter != "" && sym != filter) {
			continue
		}
		symbols = append(symbols, sym)
	}
	if len(symbols) == 0 {
		return nil
	}
	sort.Strings(symbols)

	fmt.Fprintln(out)
	writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tLast\tWindow Change%\tPoints\tUpdated (UTC)")
	for _, sym := range symbols {
		points := history[sym]
		latest := points[len(points)-1]
		change := spike.Compute(points, latest.Price)
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\n",
			sym,
			formatFloat(latest.Price, 4),
			formatFloat(change.ChangePct, 2),
			len(points),
			time.UnixMilli(latest.Timestamp).UTC().Format(time.RFC3339),
		)
	}
	return writer.Flush()
}

func formatFloat(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}
