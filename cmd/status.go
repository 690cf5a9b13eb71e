package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/marin/pos/internal/authcache"
	"github.com/marin/pos/internal/models"
	"github.com/marin/pos/internal/netmon"
	"github.com/marin/pos/internal/output"
	"github.com/marin/pos/internal/syncclient"
	"github.com/marin/pos/internal/syncconfig"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue depth, and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		monitor, err := netmon.New(database)
		if err != nil {
			return err
		}
		deviceID, _ := syncconfig.GetDeviceID()
		probe := syncclient.New(syncconfig.GetServerURL(), "", deviceID)
		probe.HTTP.Timeout = 3 * time.Second
		monitor.Probe(func() error {
			_, err := probe.HealthCheck()
			return err
		})

		if monitor.Online() {
			output.Success("online (%s)", syncconfig.GetServerURL())
		} else {
			output.Warning("offline, last seen online: %s", monitor.TimeSinceOnline())
		}

		pending, err := database.PendingCount("")
		if err != nil {
			return err
		}
		dirty, err := database.CountDirty("")
		if err != nil {
			return err
		}
		deferred, err := database.DeferredCount()
		if err != nil {
			return err
		}
		output.Info("queue: %d pending, %d dirty record(s), %d deferred server change(s)", pending, dirty, deferred)

		poisoned := 0
		entries, err := database.ListQueue()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Status == models.QueuePoisoned {
				poisoned++
			}
		}
		if poisoned > 0 {
			output.Error("%d poisoned mutation(s); see 'pos queue list'", poisoned)
		}

		if lastErr, err := database.LastSyncError(); err == nil && lastErr != "" {
			output.Warning("last sync error: %s", lastErr)
		}
		if history, err := database.SyncHistoryTail(3); err == nil && len(history) > 0 {
			for _, h := range history {
				when := h.StartedAt.Local().Format("2006-01-02 15:04:05")
				if h.Error != "" {
					output.Subtle("  %s %s: failed (%s)", when, h.Mode, h.Error)
				} else {
					output.Subtle("  %s %s: pushed %d, pulled %d, deferred %d", when, h.Mode, h.Pushed, h.Pulled, h.Deferred)
				}
			}
		}

		cache, err := openAuthCache()
		if err != nil {
			return err
		}
		if _, err := cache.Load(); errors.Is(err, authcache.ErrNoCache) {
			output.Subtle("not logged in")
		} else if err == nil {
			if cache.IsValid() {
				output.Info("offline access: %d day(s) remaining", cache.RemainingDays())
			} else {
				output.Error("offline access expired; reconnect and run 'pos login'")
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
