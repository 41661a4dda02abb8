package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/dere-ai/dere/internal/config"
)

// buildStatusCmd creates the "status" command, which checks a running
// daemon over its configured URL.
func buildStatusCmd() *cobra.Command {
	var configPath string
	var userID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if userID == "" {
				userID = cfg.Ambient.UserID
			}
			client := newDaemonClient(cfg.Daemon.URL)
			out := cmd.OutOrStdout()

			if err := client.getJSON(cmd.Context(), "/healthz", nil); err != nil {
				fmt.Fprintf(out, "Daemon: unreachable (%v)\n", err)
				return err
			}
			fmt.Fprintf(out, "Daemon: ok (%s)\n", cfg.Daemon.URL)

			var avail struct {
				Mediums []string `json:"mediums"`
			}
			params := url.Values{"user_id": {userID}}
			if err := client.getQuery(cmd.Context(), "/presence/available", params, &avail); err != nil {
				fmt.Fprintf(out, "Presence: query failed (%v)\n", err)
				return nil
			}
			if len(avail.Mediums) == 0 {
				fmt.Fprintf(out, "Presence: no mediums online for %s\n", userID)
				return nil
			}
			fmt.Fprintf(out, "Presence: online for %s:\n", userID)
			for _, m := range avail.Mediums {
				fmt.Fprintf(out, "  - %s\n", m)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to TOML configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "User ID to check presence for (defaults to ambient.user_id)")
	return cmd
}
