package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marin/pos/internal/db"
	"github.com/marin/pos/internal/models"
	"github.com/marin/pos/internal/output"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the write queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show queued mutations in send order",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		entries, err := database.ListQueue()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			output.Subtle("queue is empty")
			return nil
		}
		for _, e := range entries {
			line := fmt.Sprintf("#%d %s %s %s/%s", e.Seq, e.MutationID[:8], e.Operation, e.Collection, e.RecordID)
			if e.Status == models.QueuePoisoned {
				output.Error("%s POISONED after %d attempts: %s", line, e.Attempts, e.LastError)
			} else if e.Attempts > 0 {
				output.Warning("%s (%d failed attempts: %s)", line, e.Attempts, e.LastError)
			} else {
				output.Info("%s", line)
			}
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <mutation-id>",
	Short: "Re-arm a poisoned mutation for automatic retry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		id, err := resolveMutationID(database, args[0])
		if err != nil {
			return err
		}
		if err := database.RetryPoisoned(id); err != nil {
			return err
		}
		output.Success("mutation %s re-armed", id[:8])
		return nil
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <mutation-id>",
	Short: "Drop a queued mutation without sending it",
	Long: `Removes the mutation from the queue. The local record keeps its current
value; only the unsent change to the server is abandoned.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		id, err := resolveMutationID(database, args[0])
		if err != nil {
			return err
		}
		if err := database.Discard(id); err != nil {
			return err
		}
		output.Success("mutation %s discarded", id[:8])
		return nil
	},
}

// resolveMutationID accepts a full mutation id or a unique prefix.
func resolveMutationID(database *db.DB, prefix string) (string, error) {
	entries, err := database.ListQueue()
	if err != nil {
		return "", err
	}
	var match string
	for _, e := range entries {
		if e.MutationID == prefix {
			return prefix, nil
		}
		if len(prefix) >= 4 && len(e.MutationID) >= len(prefix) && e.MutationID[:len(prefix)] == prefix {
			if match != "" {
				return "", fmt.Errorf("mutation id prefix %q is ambiguous", prefix)
			}
			match = e.MutationID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no queue entry matching %q", prefix)
	}
	return match, nil
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	rootCmd.AddCommand(queueCmd)
}
