package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Tracker.PersistEvery)
	assert.Equal(t, 10, cfg.Tracker.MaxSubscribers)
	assert.Equal(t, 30*time.Minute, cfg.Tracker.ConnectionLifetime)
	assert.Equal(t, 30*time.Minute, cfg.Reaper.StaleAfter)
	assert.Equal(t, 30*24*time.Hour, cfg.Reaper.Retention)
	assert.Equal(t, "@every 5m", cfg.Reaper.Schedule)
	assert.Equal(t, "X-User-ID", cfg.Auth.DevHeader)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
tracker:
  persist_every: 3
  connection_lifetime: 45s
reaper:
  stale_after: 10m
auth:
  admin_ids: ["root"]
`)
	t.Setenv("TRACKER_MAX_SUBSCRIBERS", "2")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Tracker.PersistEvery)
	assert.Equal(t, 2, cfg.Tracker.MaxSubscribers)
	assert.Equal(t, 45*time.Second, cfg.Tracker.ConnectionLifetime)
	assert.Equal(t, 10*time.Minute, cfg.Reaper.StaleAfter)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Auth.IsAdmin("root"))
	assert.False(t, cfg.Auth.IsAdmin("alice"))
}

func TestLoadRejectsInvalidTracker(t *testing.T) {
	_, err := Load(writeConfig(t, "tracker:\n  persist_every: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist_every")
}

func TestDatabaseDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{"sqlite path", DatabaseConfig{Driver: "sqlite", Path: "./data/x.db"}, "./data/x.db"},
		{"postgres url wins", DatabaseConfig{Driver: "postgres", URL: "postgres://u@h/db", Host: "ignored"}, "postgres://u@h/db"},
		{
			"postgres fields",
			DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", DBName: "jobs"},
			"host=db port=5432 user=u password=p dbname=jobs sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSN(); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}
