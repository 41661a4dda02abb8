package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigCommandWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"config", "-c", path})

	if err := root.Execute(); err != nil {
		t.Fatalf("config command: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Listen:") || !strings.Contains(got, "127.0.0.1:8787") {
		t.Fatalf("output missing defaults:\n%s", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := parseLogLevel(raw); got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestDaemonClientUnixBase(t *testing.T) {
	c := newDaemonClient("http+unix:///tmp/dere.sock")
	if c.baseURL != "http://unix" {
		t.Fatalf("baseURL = %s", c.baseURL)
	}
	c = newDaemonClient("http://localhost:8787/")
	if c.baseURL != "http://localhost:8787" {
		t.Fatalf("baseURL = %s", c.baseURL)
	}
}
