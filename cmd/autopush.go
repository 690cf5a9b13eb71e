package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/marin/pos/internal/db"
	possync "github.com/marin/pos/internal/sync"
	"github.com/marin/pos/internal/syncconfig"
)

// autoPushAfterMutation runs a quick push after a mutating command.
// Synchronous but short-timeout; failures are logged, never surfaced. The
// mutation is durable in the queue and the next sync retries it.
func autoPushAfterMutation(database *db.DB) {
	if !syncconfig.AutoPushEnabled() {
		return
	}

	client, err := newClient()
	if err != nil {
		slog.Debug("autopush: no session", "err", err)
		return
	}
	client.HTTP.Timeout = 5 * time.Second

	deviceID, err := syncconfig.GetDeviceID()
	if err != nil {
		return
	}

	engine := possync.New(database, client, deviceID, possync.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if result, err := engine.PushOnly(ctx); err != nil {
		slog.Debug("autopush", "err", err)
	} else if result.Failed() {
		slog.Debug("autopush incomplete", "errors", result.Errors)
	}
}
