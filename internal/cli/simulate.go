package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"spikewatch/internal/app"
)

var (
	simulateSymbol string
	simulatePrices []float64
	simulateStep   time.Duration
	simulateNotify bool
)

var simulateCmd = &cobra.Command{
	Use:     "simulate",
	Short:   "用一段合成价格序列演练告警流程",
	Example: "  spikewatch simulate --symbol BTCUSDT --prices 100,108,109,95 --step 1m",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, p := range simulatePrices {
			if p <= 0 {
				return errors.New("--prices 必须全部大于 0")
			}
		}

		opts := app.SimulateOptions{
			Symbol: simulateSymbol,
			Prices: simulatePrices,
			Step:   simulateStep,
			Notify: simulateNotify,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "BTCUSDT", "模拟的交易对")
	simulateCmd.Flags().Float64SliceVar(&simulatePrices, "prices", nil, "逗号分隔的价格序列")
	simulateCmd.Flags().DurationVar(&simulateStep, "step", time.Minute, "相邻价格之间的时间间隔")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "通过已配置的告警通道真实发送")
}
