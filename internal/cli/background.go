package cli

import (
	"time"

	"github.com/spf13/cobra"

	"spikewatch/internal/app"
)

var backgroundEvery time.Duration

var backgroundCmd = &cobra.Command{
	Use:   "background",
	Short: "Fetch once, evaluate, persist and exit",
	Long: `Runs a single background invocation: load settings, fetch one snapshot,
evaluate spikes against the persisted window, persist and dispatch, then exit.
Meant to be driven by cron or a systemd timer; --every repeats it in-process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Background(cmd.Context(), app.BackgroundOptions{Every: backgroundEvery})
	},
}

func init() {
	backgroundCmd.Flags().DurationVar(&backgroundEvery, "every", 0, "Repeat the invocation on this interval (0 runs once)")
}
