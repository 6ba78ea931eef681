package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"spikewatch/internal/alerting"
	"spikewatch/internal/market"
	"spikewatch/internal/pipeline"
	"spikewatch/internal/settings"
	"spikewatch/internal/storage"
)

// Simulate 将一段合成价格序列送入检测流水线，使用内存存储，不影响持久化状态。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if len(opts.Prices) == 0 {
		return errors.New("至少需要一个价格")
	}
	symbol := market.NormalizeSymbol(opts.Symbol)
	if symbol == "" {
		return errors.New("--symbol 不能为空")
	}
	if opts.Step <= 0 {
		opts.Step = time.Minute
	}

	s := a.Config.Settings()
	s.Symbols = []string{symbol}
	s.TrackAllSymbols = false

	var notifier alerting.Notifier
	if opts.Notify {
		n, closeNotifier := a.newNotifier()
		defer closeNotifier()
		if n == nil {
			return errors.New("未配置任何告警通道")
		}
		notifier = n
	}

	repo := storage.NewRepository(storage.NewMemory(), a.Logger)
	p := pipeline.New(repo, a.Logger, nil)
	d := pipeline.NewDispatcher(notifier, a.Logger, nil)

	start := time.Now().UTC().Truncate(time.Minute)
	ticks := make([]market.Tick, len(opts.Prices))
	for i, price := range opts.Prices {
		ticks[i] = market.Tick{
			Symbol:    symbol,
			Price:     price,
			Timestamp: start.Add(time.Duration(i) * opts.Step),
			Source:    "simulate",
		}
	}

	_, err := runSimulation(ctx, os.Stdout, p, d, s, ticks)
	return err
}

// runSimulation feeds ticks one by one, as they would arrive from a stream,
// and prints a line per tick.
func runSimulation(ctx context.Context, out io.Writer, p *pipeline.Pipeline, d *pipeline.Dispatcher, s settings.Settings, ticks []market.Tick) (int, error) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPrice\tChange%\tDecision")

	fired := 0
	for _, tick := range ticks {
		if err := ctx.Err(); err != nil {
			return fired, err
		}

		res := p.Process(ctx, s, []market.Tick{tick})
		decision := "-"
		for reason, n := range res.Suppressed {
			if n > 0 {
				decision = string(reason)
			}
		}
		if len(res.Alerts) > 0 {
			decision = "ALERT " + res.Alerts[0].ID
			fired += len(res.Alerts)
			d.Dispatch(ctx, s, res.Alerts)
		}

		change := "-"
		for _, q := range res.Quotes {
			if q.Symbol == tick.Symbol {
				change = formatFloat(q.ChangePct, 2)
			}
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			tick.Timestamp.UTC().Format(time.RFC3339),
			formatFloat(tick.Price, 4),
			change,
			decision,
		)
	}
	if err := writer.Flush(); err != nil {
		return fired, err
	}
	fmt.Fprintf(out, "\n%d alert(s) fired\n", fired)
	return fired, nil
}
