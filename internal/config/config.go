// Package config loads and validates the dere daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the root configuration, one TOML file per daemon instance.
type Config struct {
	Daemon  DaemonConfig  `toml:"daemon"`
	Storage StorageConfig `toml:"storage"`
	LLM     LLMConfig     `toml:"llm"`
	Agent   AgentConfig   `toml:"agent"`
	Ambient AmbientConfig `toml:"ambient"`
}

// DaemonConfig controls the HTTP surface.
type DaemonConfig struct {
	// URL is how clients reach the daemon: http://host:port or
	// http+unix:///path/to/daemon.sock.
	URL string `toml:"url"`
	// Listen is the bind address for the HTTP server: host:port, or
	// unix:/path/to/daemon.sock.
	Listen   string `toml:"listen"`
	LogLevel string `toml:"log_level"`
}

// StorageConfig locates the sqlite database.
type StorageConfig struct {
	Path string `toml:"path"`
}

// LLMConfig configures the Anthropic backend used by the local runner and
// the engagement/routing calls.
type LLMConfig struct {
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
	Model      string `toml:"model"`
	MaxTokens  int    `toml:"max_tokens"`
	MaxRetries int    `toml:"max_retries"`
}

// AgentConfig configures the centralized agent service.
type AgentConfig struct {
	// PermissionTimeoutSeconds bounds how long a permission request waits
	// for the client before it is denied.
	PermissionTimeoutSeconds int `toml:"permission_timeout_seconds"`
	// IdleCleanupSeconds is the background cleanup tick.
	IdleCleanupSeconds int `toml:"idle_cleanup_seconds"`
	// SandboxIdleSeconds is how long a sandboxed session may sit idle
	// before it is closed and its session row locked.
	SandboxIdleSeconds int `toml:"sandbox_idle_seconds"`
	// SandboxCommand launches the containerized worker, e.g.
	// ["docker", "run", "--rm", "-i", ...]. The worker speaks
	// line-delimited JSON on stdio.
	SandboxCommand []string `toml:"sandbox_command"`
	// SandboxReadySeconds bounds the wait for the worker's ready event.
	SandboxReadySeconds int `toml:"sandbox_ready_seconds"`
	// EventBufferSize is the per-session replay ring capacity.
	EventBufferSize int `toml:"event_buffer_size"`
}

// IntervalRange is a [min,max] minute range.
type IntervalRange struct {
	Min int `toml:"min"`
	Max int `toml:"max"`
}

// AmbientConfig drives the proactive engagement loop.
type AmbientConfig struct {
	Enabled bool `toml:"enabled"`
	// UserID is the user the ambient loop watches. The daemon serves one
	// person; multi-user is not a goal.
	UserID                         string `toml:"user_id"`
	IdleThresholdMinutes           int    `toml:"idle_threshold_minutes"`
	ActivityLookbackHours          int    `toml:"activity_lookback_hours"`
	MinNotificationIntervalMinutes int    `toml:"min_notification_interval_minutes"`
	StartupDelaySeconds            int    `toml:"startup_delay_seconds"`

	FSMEnabled bool `toml:"fsm_enabled"`

	FSMIdleInterval       IntervalRange `toml:"fsm_idle_interval"`
	FSMMonitoringInterval IntervalRange `toml:"fsm_monitoring_interval"`
	FSMEngagedMinutes     int           `toml:"fsm_engaged_minutes"`
	FSMCooldownInterval   IntervalRange `toml:"fsm_cooldown_interval"`
	FSMEscalatingInterval IntervalRange `toml:"fsm_escalating_interval"`
	FSMSuppressedInterval IntervalRange `toml:"fsm_suppressed_interval"`
	FSMExploringInterval  IntervalRange `toml:"fsm_exploring_interval"`

	FSMWeightActivity       float64 `toml:"fsm_weight_activity"`
	FSMWeightEmotion        float64 `toml:"fsm_weight_emotion"`
	FSMWeightResponsiveness float64 `toml:"fsm_weight_responsiveness"`
	FSMWeightTemporal       float64 `toml:"fsm_weight_temporal"`
	FSMWeightTask           float64 `toml:"fsm_weight_task"`
	FSMWeightBond           float64 `toml:"fsm_weight_bond"`

	// Collaborator endpoints. Empty values disable the signal.
	RoutingURL   string `toml:"routing_url"`
	EmotionURL   string `toml:"emotion_url"`
	ActivityURL  string `toml:"activity_url"`
	KnowledgeURL string `toml:"knowledge_url"`

	Exploring ExploringConfig `toml:"exploring"`
}

// ExploringConfig bounds autonomous exploration.
type ExploringConfig struct {
	Enabled                     bool          `toml:"enabled"`
	MinIdleMinutes              int           `toml:"min_idle_minutes"`
	IntervalMinutes             IntervalRange `toml:"interval_minutes"`
	MaxExplorationsPerDay       int           `toml:"max_explorations_per_day"`
	MaxDailyCostUSD             float64       `toml:"max_daily_cost_usd"`
	MaxHoursBetweenExplorations int           `toml:"max_hours_between_explorations"`
}

// DefaultPath returns the conventional config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "dere", "config.toml")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			URL:      "http://localhost:8787",
			Listen:   "127.0.0.1:8787",
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Path: defaultStoragePath(),
		},
		LLM: LLMConfig{
			Model:      "claude-sonnet-4-20250514",
			MaxTokens:  4096,
			MaxRetries: 3,
		},
		Agent: AgentConfig{
			PermissionTimeoutSeconds: 300,
			IdleCleanupSeconds:       60,
			SandboxIdleSeconds:       1800,
			SandboxReadySeconds:      30,
			EventBufferSize:          500,
		},
		Ambient: AmbientConfig{
			Enabled:                        true,
			UserID:                         "default",
			IdleThresholdMinutes:           60,
			ActivityLookbackHours:          4,
			MinNotificationIntervalMinutes: 120,
			StartupDelaySeconds:            300,
			FSMEnabled:                     true,
			FSMIdleInterval:                IntervalRange{Min: 60, Max: 120},
			FSMMonitoringInterval:          IntervalRange{Min: 15, Max: 30},
			FSMEngagedMinutes:              5,
			FSMCooldownInterval:            IntervalRange{Min: 45, Max: 90},
			FSMEscalatingInterval:          IntervalRange{Min: 30, Max: 60},
			FSMSuppressedInterval:          IntervalRange{Min: 90, Max: 180},
			FSMExploringInterval:           IntervalRange{Min: 5, Max: 10},
			FSMWeightActivity:              0.25,
			FSMWeightEmotion:               0.20,
			FSMWeightResponsiveness:        0.15,
			FSMWeightTemporal:              0.15,
			FSMWeightTask:                  0.10,
			FSMWeightBond:                  0.15,
			Exploring: ExploringConfig{
				Enabled:               true,
				MinIdleMinutes:        30,
				IntervalMinutes:       IntervalRange{Min: 5, Max: 10},
				MaxExplorationsPerDay: 20,
				// 0 disables the force-explore threshold.
				MaxHoursBetweenExplorations: 0,
			},
		},
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "dere.db"
	}
	return filepath.Join(home, ".local", "share", "dere", "dere.db")
}

// Validate checks invariants that would otherwise fail mid-loop.
func (c *Config) Validate() error {
	if c.Daemon.Listen == "" {
		return fmt.Errorf("daemon.listen is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	sum := c.Ambient.FSMWeightActivity + c.Ambient.FSMWeightEmotion +
		c.Ambient.FSMWeightResponsiveness + c.Ambient.FSMWeightTemporal +
		c.Ambient.FSMWeightTask + c.Ambient.FSMWeightBond
	if sum > 1.0+1e-9 {
		return fmt.Errorf("ambient fsm weights sum to %.3f, must be <= 1.0", sum)
	}
	for name, r := range map[string]IntervalRange{
		"fsm_idle_interval":       c.Ambient.FSMIdleInterval,
		"fsm_monitoring_interval": c.Ambient.FSMMonitoringInterval,
		"fsm_cooldown_interval":   c.Ambient.FSMCooldownInterval,
		"fsm_escalating_interval": c.Ambient.FSMEscalatingInterval,
		"fsm_suppressed_interval": c.Ambient.FSMSuppressedInterval,
		"fsm_exploring_interval":  c.Ambient.FSMExploringInterval,
		"exploring.interval_minutes": c.Ambient.Exploring.IntervalMinutes,
	} {
		if r.Min <= 0 || r.Max < r.Min {
			return fmt.Errorf("ambient %s: invalid range [%d,%d]", name, r.Min, r.Max)
		}
	}
	if c.Agent.EventBufferSize <= 0 {
		return fmt.Errorf("agent.event_buffer_size must be positive")
	}
	return nil
}
