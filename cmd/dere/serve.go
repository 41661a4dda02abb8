package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/spf13/cobra"

	"github.com/dere-ai/dere/internal/agent"
	"github.com/dere-ai/dere/internal/ambient"
	"github.com/dere-ai/dere/internal/collab"
	"github.com/dere-ai/dere/internal/config"
	"github.com/dere-ai/dere/internal/curiosity"
	"github.com/dere-ai/dere/internal/gateway"
	"github.com/dere-ai/dere/internal/notify"
	"github.com/dere-ai/dere/internal/presence"
	"github.com/dere-ai/dere/internal/storage"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dere daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to TOML configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

// runServe loads configuration, wires every subsystem, and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := parseLogLevel(cfg.Daemon.LogLevel)
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting dere daemon",
		"version", version,
		"commit", commit,
		"config", configPath,
		"listen", cfg.Daemon.Listen,
	)

	store, err := storage.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	llm := buildLLMClient(cfg.LLM)

	agents := agent.NewService(store, cfg.Agent, cfg.LLM, llm, logger)
	agents.Start()

	registry := presence.NewRegistry(store.Presence, logger, presence.DefaultStaleWindow)
	if err := registry.StartSweeper(); err != nil {
		return fmt.Errorf("start presence sweeper: %w", err)
	}

	queue := notify.NewQueue(store.Notifications, logger)
	collector := curiosity.NewCollector(store.Tasks, nil, logger)

	var promoter curiosity.FactPromoter
	if cfg.Ambient.KnowledgeURL != "" {
		promoter = collab.NewKnowledgeClient(cfg.Ambient.KnowledgeURL)
	}
	explorer := curiosity.NewExplorer(store, agents, collector, promoter, logger)

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	var monitor *ambient.Monitor
	if cfg.Ambient.Enabled {
		monitor = buildMonitor(cfg, store, registry, queue, explorer, agents, llm, logger)
		go monitor.Run(monitorCtx)
	} else {
		logger.Info("ambient loop disabled")
	}

	server := gateway.NewServer(cfg.Daemon, store, agents, registry, queue, collector, logger)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	logger.Info("dere daemon started", "url", cfg.Daemon.URL)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting work first, then drain the loops that feed the store.
	server.Shutdown(shutdownCtx)
	stopMonitor()
	if monitor != nil {
		select {
		case <-monitor.Done():
		case <-shutdownCtx.Done():
		}
	}
	agents.Stop(shutdownCtx)
	registry.Stop()

	logger.Info("dere daemon stopped")
	return nil
}

func buildMonitor(cfg *config.Config, store *storage.Store, registry *presence.Registry, queue *notify.Queue, explorer *curiosity.Explorer, agents *agent.Service, llm anthropic.Client, logger *slog.Logger) *ambient.Monitor {
	var activity *collab.ActivityClient
	if cfg.Ambient.ActivityURL != "" {
		activity = collab.NewActivityClient(cfg.Ambient.ActivityURL)
	}
	var emotion *collab.EmotionClient
	if cfg.Ambient.EmotionURL != "" {
		emotion = collab.NewEmotionClient(cfg.Ambient.EmotionURL)
	}
	var routing *collab.RoutingClient
	if cfg.Ambient.RoutingURL != "" {
		routing = collab.NewRoutingClient(cfg.Ambient.RoutingURL)
	}

	completer := &ambient.AnthropicCompleter{
		Client:    llm,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	}
	decider := ambient.NewDecider(store, registry, activity, emotion, routing, completer, cfg.Ambient, logger)
	fsm := ambient.NewFSM(cfg.Ambient)
	return ambient.NewMonitor(cfg.Ambient.UserID, store, fsm, decider, explorer, queue, activity, emotion, agents, cfg.Ambient, logger)
}

func buildLLMClient(cfg config.LLMConfig) anthropic.Client {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	return anthropic.NewClient(opts...)
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
