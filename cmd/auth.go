package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/marin/pos/internal/authcache"
	"github.com/marin/pos/internal/output"
	"github.com/marin/pos/internal/syncclient"
	"github.com/marin/pos/internal/syncconfig"
)

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Authenticate against the server and cache credentials for offline use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			return err
		}
		client := syncclient.New(syncconfig.GetServerURL(), "", deviceID)

		resp, err := client.Login(email, strings.TrimSpace(string(pw)))
		if err != nil {
			if errors.Is(err, syncclient.ErrNetwork) {
				return fmt.Errorf("server unreachable; login requires connectivity: %w", err)
			}
			return err
		}

		cache, err := openAuthCache()
		if err != nil {
			return err
		}
		if err := cache.Store(resp.Identity, resp.Token); err != nil {
			return err
		}

		output.Success("Logged in as %s", resp.Identity.Email)
		output.Subtle("Offline access valid for %d days without reconnecting", cache.RemainingDays())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear cached credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openAuthCache()
		if err != nil {
			return err
		}
		if err := cache.Clear(); err != nil {
			return err
		}
		output.Success("Logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the current identity and remaining offline validity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openAuthCache()
		if err != nil {
			return err
		}
		entry, err := cache.Load()
		if errors.Is(err, authcache.ErrNoCache) {
			return fmt.Errorf("not logged in")
		}
		if err != nil {
			return err
		}

		output.Title("%s <%s>", entry.Identity.Name, entry.Identity.Email)
		if cache.IsValid() {
			output.Info("Offline access: %d day(s) remaining", cache.RemainingDays())
		} else {
			output.Warning("offline access expired; reconnect and log in again")
		}
		return nil
	},
}

// refreshCmd silently refreshes the token and slides the offline window.
var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		resp, err := client.Refresh()
		if err != nil {
			return err
		}
		cache, err := openAuthCache()
		if err != nil {
			return err
		}
		if err := cache.Store(resp.Identity, resp.Token); err != nil {
			return err
		}
		output.Success("Session refreshed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(refreshCmd)
}
