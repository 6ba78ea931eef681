package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"spikewatch/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
	exportSymbols   []string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export alerts as CSV and/or the price window as a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
			Symbols:   exportSymbols,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart of the price window")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write alerts CSV")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum points per symbol in the chart (defaults to config)")
	exportCmd.Flags().StringSliceVar(&exportSymbols, "symbol", nil, "Restrict export to these symbols (repeatable)")
}
