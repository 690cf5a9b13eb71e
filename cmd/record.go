package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marin/pos/internal/db"
	"github.com/marin/pos/internal/input"
	"github.com/marin/pos/internal/models"
	"github.com/marin/pos/internal/output"
)

var (
	putFieldsFlag  string
	listAllFlag    bool
	listDirtyFlag  bool
	recordJSONFlag bool
)

var putCmd = &cobra.Command{
	Use:   "put <collection> <id>",
	Short: "Create or update a record locally and queue it for sync",
	Long: `Applies the record to the local store immediately and appends a mutation
to the write queue. Works offline; the queued mutation reaches the server
on the next sync.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, id := args[0], args[1]

		raw, err := input.ExpandValue(putFieldsFlag)
		if err != nil {
			return err
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return fmt.Errorf("parse --fields: %w", err)
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		// Create vs update is decided by local existence; the server
		// deduplicates on the mutation id either way.
		op := models.OpUpdate
		if _, err := database.GetRecord(collection, id); errors.Is(err, db.ErrNotFound) {
			op = models.OpCreate
		} else if err != nil {
			return err
		}

		if err := database.PutRecord(collection, id, fields); err != nil {
			return err
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		mutationID, err := database.Enqueue(op, collection, id, payload)
		if err != nil {
			return err
		}
		if err := database.MarkDirty(collection, id); err != nil {
			return err
		}

		output.Success("%s %s/%s queued (%s)", op, collection, id, mutationID[:8])
		autoPushAfterMutation(database)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Show one record from the local store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		rec, err := database.GetRecord(args[0], args[1])
		if err != nil {
			return err
		}
		if recordJSONFlag {
			return output.RecordJSON(rec)
		}
		output.Record(rec)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "List records in a collection from the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		records, err := database.ListRecords(args[0], db.ListFilter{
			IncludeDeleted: listAllFlag,
			DirtyOnly:      listDirtyFlag,
		})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			output.Subtle("no records")
			return nil
		}
		for i := range records {
			output.Record(&records[i])
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <collection> <id>",
	Short: "Soft-delete a record locally and queue the delete",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, id := args[0], args[1]

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		if _, err := database.GetRecord(collection, id); err != nil {
			return err
		}
		if err := database.SoftDeleteRecord(collection, id); err != nil {
			return err
		}
		mutationID, err := database.Enqueue(models.OpDelete, collection, id, nil)
		if err != nil {
			return err
		}
		if err := database.MarkDirty(collection, id); err != nil {
			return err
		}

		output.Success("delete %s/%s queued (%s)", collection, id, mutationID[:8])
		autoPushAfterMutation(database)
		return nil
	},
}

func init() {
	putCmd.Flags().StringVar(&putFieldsFlag, "fields", "{}", "record fields as JSON, @file, or - for stdin")
	getCmd.Flags().BoolVar(&recordJSONFlag, "json", false, "output as JSON")
	listCmd.Flags().BoolVar(&listAllFlag, "all", false, "include soft-deleted records")
	listCmd.Flags().BoolVar(&listDirtyFlag, "dirty", false, "only records with unsynced changes")

	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
}
