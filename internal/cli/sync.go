package cli

import (
	"github.com/spf13/cobra"

	"currency-rate-alerts/internal/app"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronization cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SyncOnce(cmd.Context(), app.SyncOptions{Full: syncFull})
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "Pull the full configured history window instead of the live window")
}
