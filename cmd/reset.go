package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marin/pos/internal/output"
)

var resetForceFlag bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe local data (records, queue, cursors)",
	Long: `Deletes all local records, queued mutations, sync cursors, deferred
changes, and sync history. The last-online anchor and cached credentials
are kept. Unsent mutations are lost; use --force to confirm.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		if !resetForceFlag {
			pending, err := database.PendingCount("")
			if err != nil {
				return err
			}
			if pending > 0 {
				return fmt.Errorf("%d unsent mutation(s) would be lost; re-run with --force", pending)
			}
			return fmt.Errorf("re-run with --force to confirm")
		}

		if err := database.Reset(); err != nil {
			return err
		}
		output.Success("Local store wiped")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetForceFlag, "force", false, "confirm the wipe")
	rootCmd.AddCommand(resetCmd)
}
