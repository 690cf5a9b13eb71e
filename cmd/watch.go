package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marin/pos/internal/db"
	"github.com/marin/pos/internal/netmon"
	"github.com/marin/pos/internal/output"
	"github.com/marin/pos/internal/realtime"
	possync "github.com/marin/pos/internal/sync"
	"github.com/marin/pos/internal/syncconfig"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run in the foreground: probe connectivity, sync, and stream live changes",
	Long: `Probes the server on an interval and keeps the local store reconciled.
While online a websocket subscription applies other devices' changes as
they happen; a periodic full sync pass remains the backstop. Stops on
SIGINT or SIGTERM.`,
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
		cache, err := openAuthCache()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		monitor, err := netmon.New(database)
		if err != nil {
			return err
		}
		engine := possync.New(database, client, deviceID, engineOptions())
		engine.OnRejection(func(r possync.Rejection) {
			output.Warning("server rejected %s on %s/%s: %s", r.MutationID[:8], r.Collection, r.RecordID, r.Reason)
		})
		bridge := realtime.New(database, client, deviceID)

		events, unsubscribe := monitor.Subscribe()
		defer unsubscribe()

		go monitor.Run(ctx, syncconfig.ProbeInterval(), func() error {
			_, err := client.HealthCheck()
			return err
		})

		ticker := time.NewTicker(syncconfig.SyncInterval())
		defer ticker.Stop()

		var bridgeCancel context.CancelFunc
		stopBridge := func() {
			if bridgeCancel != nil {
				bridgeCancel()
				bridgeCancel = nil
			}
		}
		defer stopBridge()

		output.Info("watching; probing %s every %s", syncconfig.GetServerURL(), syncconfig.ProbeInterval())

		for {
			select {
			case <-ctx.Done():
				return nil

			case ev := <-events:
				switch ev {
				case netmon.EventOnline:
					output.Success("online; syncing")
					engine.Trigger(ctx)
					if cache.IsValid() {
						if err := cache.RefreshExpiry(); err != nil {
							slog.Warn("refresh offline window", "err", err)
						}
					}
					stopBridge()
					var bctx context.Context
					bctx, bridgeCancel = context.WithCancel(ctx)
					go runBridge(bctx, bridge, database)
				case netmon.EventOffline:
					output.Warning("offline; queueing locally")
					stopBridge()
				}

			case <-ticker.C:
				if monitor.Online() {
					engine.Trigger(ctx)
				}
			}
		}
	},
}

// runBridge keeps the websocket subscription alive, reconnecting with a
// flat backoff until the context is cancelled (connectivity lost or
// shutdown).
func runBridge(ctx context.Context, bridge *realtime.Bridge, database *db.DB) {
	for {
		collections, err := database.Collections()
		if err != nil {
			slog.Warn("realtime: list collections", "err", err)
			return
		}
		if err := bridge.Run(ctx, collections); err != nil {
			slog.Debug("realtime subscription ended", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
