// Package main provides the CLI entry point for the dere daemon.
//
// dere is a personal AI companion daemon. It persists conversation
// sessions, tracks which delivery mediums are online, queues proactive
// notifications, runs agent sessions over a WebSocket control channel,
// and drives an ambient loop that decides when to reach out.
//
// # Basic Usage
//
// Start the daemon:
//
//	dere serve --config ~/.config/dere/config.toml
//
// Check a running daemon:
//
//	dere status
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dere-ai/dere/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dere",
		Short: "dere - personal AI companion daemon",
		Long: `dere runs a local daemon that manages conversation sessions, agent
runners, presence, proactive notifications, and an ambient engagement loop.

Frontends (CLI, Discord bot, editor plugins) talk to it over HTTP and
WebSocket on a TCP port or a unix socket.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// buildConfigCmd prints the effective configuration path and the parsed
// result, so users can verify what the daemon will actually load.
func buildConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path: %s\n", configPath)
			fmt.Fprintf(out, "Daemon URL:  %s\n", cfg.Daemon.URL)
			fmt.Fprintf(out, "Listen:      %s\n", cfg.Daemon.Listen)
			fmt.Fprintf(out, "Storage:     %s\n", cfg.Storage.Path)
			fmt.Fprintf(out, "Model:       %s\n", cfg.LLM.Model)
			fmt.Fprintf(out, "Ambient:     enabled=%v fsm=%v user=%s\n",
				cfg.Ambient.Enabled, cfg.Ambient.FSMEnabled, cfg.Ambient.UserID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to TOML configuration file")
	return cmd
}
