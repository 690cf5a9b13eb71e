package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	possync "github.com/marin/pos/internal/sync"
	"github.com/marin/pos/internal/syncconfig"
)

var (
	fullSyncFlag        bool
	syncScopeFlag       string
	syncCollectionsFlag []string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local store with the server",
	Long: `Runs one sync pass: pending mutations are pushed in order, then server
changes are pulled per collection. --full replaces local data wholesale
from server snapshots after draining pending pushes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		client, err := newClient()
		if err != nil {
			return err
		}
		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			return err
		}

		engine := possync.New(database, client, deviceID, engineOptions())

		var result *possync.Result
		if fullSyncFlag {
			result, err = engine.FullSync(cmd.Context(), syncScopeFlag, syncCollectionsFlag)
		} else {
			result, err = engine.Sync(cmd.Context())
		}
		if err != nil {
			return err
		}

		// Connectivity was just confirmed; slide the offline auth window.
		if cache, cerr := openAuthCache(); cerr == nil && cache.IsValid() {
			if rerr := cache.RefreshExpiry(); rerr != nil {
				fmt.Println("warning: refresh offline window:", rerr)
			}
		}

		printSyncResult(result)
		if result.Failed() {
			return fmt.Errorf("sync finished with errors")
		}
		return nil
	},
}

func engineOptions() possync.Options {
	cfg, err := syncconfig.LoadConfig()
	if err != nil {
		return possync.Options{}
	}
	return possync.Options{
		AttemptCeiling: cfg.AttemptCeiling,
		PushBatchSize:  cfg.PushBatchSize,
		PullLimit:      cfg.PullLimit,
	}
}

func printSyncResult(r *possync.Result) {
	fmt.Printf("pushed %d, rejected %d, pulled %d, deferred %d (+%d applied)\n",
		r.Pushed, r.Rejected, r.Pulled, r.DeferredBuffered, r.DeferredApplied)
	for _, e := range r.Errors {
		fmt.Println("  error:", e)
	}
}

func init() {
	syncCmd.Flags().BoolVar(&fullSyncFlag, "full", false, "replace local data from server snapshots")
	syncCmd.Flags().StringVar(&syncScopeFlag, "scope", "", "scope for full sync (e.g. a store id)")
	syncCmd.Flags().StringArrayVar(&syncCollectionsFlag, "collection", nil, "collection to seed on full sync (repeatable; fresh devices know none yet)")
	rootCmd.AddCommand(syncCmd)
}
