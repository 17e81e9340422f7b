package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/imedwei/db-backup-agent/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "run_id", "abc")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "shown" || entry["run_id"] != "abc" {
		t.Errorf("entry = %v", entry)
	}

	buf.Reset()
	newLogger(&buf, "info", "text").Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestRootCmd(t *testing.T) {
	cmd := newRootCmd()

	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Error("missing --config flag")
	}

	once, _, err := cmd.Find([]string{"once"})
	if err != nil || once.Name() != "once" {
		t.Fatalf("Find(once) = %v, %v", once, err)
	}
	if once.Flags().Lookup("force") == nil {
		t.Error("missing --force flag on once")
	}
}

func TestRunOnce_InvalidConfig(t *testing.T) {
	t.Setenv("DATABASE_URI", "")

	err := runOnce(context.Background(), "", false)
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("runOnce() error = %v, want ErrInvalidConfig", err)
	}
}

func TestNewProducer(t *testing.T) {
	logger := newLogger(&bytes.Buffer{}, "info", "text")

	tests := []struct {
		engine string
		want   string
	}{
		{config.EngineMongoDB, "mongodump"},
		{config.EnginePostgres, "pg_dump"},
	}

	for _, tt := range tests {
		cfg := &config.Config{DatabaseEngine: tt.engine, DatabaseURI: "postgres://localhost/app"}
		if got := newProducer(cfg, logger).Name(); got != tt.want {
			t.Errorf("newProducer(%s).Name() = %q, want %q", tt.engine, got, tt.want)
		}
	}
}
