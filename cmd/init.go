package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marin/pos/internal/db"
	"github.com/marin/pos/internal/output"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Initialize(getBaseDir())
		if err != nil {
			return err
		}
		defer database.Close()
		output.Success("Initialized local store in %s", getBaseDir())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
