package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.Listen != "127.0.0.1:8787" {
		t.Fatalf("listen = %s", cfg.Daemon.Listen)
	}
	if cfg.Agent.EventBufferSize != 500 {
		t.Fatalf("event buffer = %d", cfg.Agent.EventBufferSize)
	}
	if !cfg.Ambient.Enabled || cfg.Ambient.UserID != "default" {
		t.Fatalf("ambient = %+v", cfg.Ambient)
	}
}

func TestLoadOverridesAndEnvExpansion(t *testing.T) {
	t.Setenv("DERE_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
[daemon]
listen = "127.0.0.1:9999"
log_level = "debug"

[llm]
api_key = "$DERE_TEST_KEY"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.Listen != "127.0.0.1:9999" || cfg.Daemon.LogLevel != "debug" {
		t.Fatalf("daemon = %+v", cfg.Daemon)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Fatalf("api_key = %s", cfg.LLM.APIKey)
	}
	// Unset sections keep their defaults.
	if cfg.Ambient.MinNotificationIntervalMinutes != 120 {
		t.Fatalf("min interval = %d", cfg.Ambient.MinNotificationIntervalMinutes)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[daemon]
listne = "typo"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Fatalf("err = %v, want unknown-keys error", err)
	}
}

func TestValidateRejectsOverweightFusion(t *testing.T) {
	cfg := Default()
	cfg.Ambient.FSMWeightActivity = 0.9
	if err := cfg.Validate(); err == nil {
		t.Fatal("want weight-sum error")
	}
}

func TestValidateRejectsInvertedInterval(t *testing.T) {
	cfg := Default()
	cfg.Ambient.FSMIdleInterval = IntervalRange{Min: 30, Max: 10}
	if err := cfg.Validate(); err == nil {
		t.Fatal("want interval-range error")
	}
}
