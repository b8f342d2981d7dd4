package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recurring.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "./data/recurring.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, time.Hour, cfg.Scheduler.ProcessInterval)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.RemindInterval)
	assert.Equal(t, 4, cfg.Engine.Concurrency)
	assert.Empty(t, cfg.Notify.NATSURL)
	assert.Equal(t, "recurring.notifications", cfg.Notify.SubjectPrefix)
	assert.Equal(t, 50.0, cfg.Notify.RatePerSecond)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// GIVEN: A config file overriding a few keys
	path := writeConfig(t, `
server:
  port: 9090
log:
  format: console
scheduler:
  process_interval: 15m
engine:
  concurrency: 16
`)

	// WHEN: Loading it
	cfg, err := Load(path)

	// THEN: Overridden keys change, the rest keep their defaults
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.ProcessInterval)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.SweepInterval)
	assert.Equal(t, 16, cfg.Engine.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Engine.ItemTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	// GIVEN: A file and environment variables setting the same keys
	path := writeConfig(t, `
server:
  port: 9090
`)
	t.Setenv("RECURRING_SERVER_PORT", "7070")
	t.Setenv("RECURRING_SCHEDULER_PROCESS_INTERVAL", "5m")
	t.Setenv("RECURRING_NOTIFY_NATS_URL", "nats://broker:4222")

	// WHEN: Loading
	cfg, err := Load(path)

	// THEN: The environment wins
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.ProcessInterval)
	assert.Equal(t, "nats://broker:4222", cfg.Notify.NATSURL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"port out of range", "server:\n  port: 70000\n", "invalid server port"},
		{"unknown log format", "log:\n  format: xml\n", "invalid log format"},
		{"zero interval", "scheduler:\n  remind_interval: 0s\n", "scheduler intervals"},
		{"zero concurrency", "engine:\n  concurrency: 0\n", "invalid engine concurrency"},
		{"negative rate", "notify:\n  rate_per_second: -1\n", "must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoad_DisabledSchedulerSkipsIntervals(t *testing.T) {
	cfg, err := Load(writeConfig(t, "scheduler:\n  enabled: false\n  process_interval: 0s\n"))

	require.NoError(t, err)
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"RECURRING_SERVER_PORT":                "server.port",
		"RECURRING_SCHEDULER_PROCESS_INTERVAL": "scheduler.process_interval",
		"RECURRING_NOTIFY_NATS_URL":            "notify.nats_url",
		"RECURRING_DEBUG":                      "debug",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
