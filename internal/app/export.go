package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"spikewatch/internal/market"
)

// Export renders recorded alerts as CSV and the windowed price history as PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	if opts.From != nil && opts.To != nil && !opts.From.Before(*opts.To) {
		return errors.New("from must be before to")
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	st := repo.LoadState(ctx)
	from, to := exportRange(opts)
	symbols := symbolFilter(opts.Symbols)

	if opts.CSVPath != "" {
		alerts := filterAlerts(st.Alerts, from, to, symbols)
		if err := writeAlertsCSV(opts.CSVPath, alerts); err != nil {
			return err
		}
		a.Logger.Info().Int("alerts", len(alerts)).Str("path", opts.CSVPath).Msg("alerts exported")
	}

	if opts.PNGPath != "" {
		series := historySeries(st.History, from, to, symbols, opts.MaxPoints)
		if len(series) == 0 {
			a.Logger.Info().Msg("no price history in export window; chart skipped")
			return nil
		}
		if err := writeHistoryPNG(opts.PNGPath, series); err != nil {
			return err
		}
		a.Logger.Info().Int("symbols", len(series)).Str("path", opts.PNGPath).Msg("history chart exported")
	}

	return nil
}

func exportRange(opts ExportOptions) (time.Time, time.Time) {
	var from, to time.Time
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if opts.To != nil {
		to = opts.To.UTC()
	}
	return from, to
}

func inRange(ts int64, from, to time.Time) bool {
	if !from.IsZero() && ts < from.UnixMilli() {
		return false
	}
	if !to.IsZero() && ts >= to.UnixMilli() {
		return false
	}
	return true
}

func symbolFilter(symbols []string) map[string]struct{} {
	if len(symbols) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		out[market.NormalizeSymbol(s)] = struct{}{}
	}
	return out
}

func wanted(filter map[string]struct{}, symbol string) bool {
	if filter == nil {
		return true
	}
	_, ok := filter[symbol]
	return ok
}

// filterAlerts returns matching alerts oldest first.
func filterAlerts(alerts []market.AlertEvent, from, to time.Time, symbols map[string]struct{}) []market.AlertEvent {
	out := make([]market.AlertEvent, 0, len(alerts))
	for _, ev := range alerts {
		if !inRange(ev.Timestamp, from, to) || !wanted(symbols, ev.Symbol) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

type priceSeries struct {
	Symbol string
	Points []market.PricePoint
}

func historySeries(h market.History, from, to time.Time, symbols map[string]struct{}, maxPoints int) []priceSeries {
	out := make([]priceSeries, 0, len(h))
	for sym, points := range h {
		if !wanted(symbols, sym) {
			continue
		}
		kept := make([]market.PricePoint, 0, len(points))
		for _, p := range points {
			if inRange(p.Timestamp, from, to) {
				kept = append(kept, p)
			}
		}
		if len(kept) < 2 {
			continue
		}
		out = append(out, priceSeries{Symbol: sym, Points: downsamplePoints(kept, maxPoints)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func downsamplePoints(points []market.PricePoint, max int) []market.PricePoint {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]market.PricePoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeAlertsCSV(path string, alerts []market.AlertEvent) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "symbol", "change_pct", "price", "id"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, ev := range alerts {
		record := []string{
			ev.Time().UTC().Format(time.RFC3339),
			ev.Symbol,
			formatFloat(ev.ChangePct, 4),
			strconv.FormatFloat(ev.Price, 'f', -1, 64),
			ev.ID,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeHistoryPNG plots each symbol as percent change from its first exported
// point so symbols with very different prices share one axis.
func writeHistoryPNG(path string, series []priceSeries) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Change (%)",
			ValueFormatter: pctFormatter,
		},
	}

	for _, s := range series {
		x := make([]time.Time, len(s.Points))
		y := make([]float64, len(s.Points))
		base := s.Points[0].Price
		for i, p := range s.Points {
			x[i] = time.UnixMilli(p.Timestamp).UTC()
			if base != 0 {
				y[i] = (p.Price - base) / base * 100
			}
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    s.Symbol,
			XValues: x,
			YValues: y,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
