package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SERVER_ID", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.NotEmpty(t, cfg.ServerID)
	assert.Equal(t, 3, cfg.Battle.MaxRounds)
	assert.Equal(t, 60*time.Second, cfg.Battle.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Battle.DisconnectGrace)
	assert.Equal(t, 45*time.Second, cfg.Battle.ChatBreak)
	assert.Equal(t, 200, cfg.Matchmaking.BaseWindow)
	assert.Equal(t, 500, cfg.Matchmaking.MaxWindow)
	assert.Equal(t, 5*time.Second, cfg.Matchmaking.LockTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_ID", "node-a")
	t.Setenv("BATTLE_MAX_ROUNDS", "5")
	t.Setenv("MATCH_WINDOW_STEP_EVERY", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.ServerID)
	assert.Equal(t, 5, cfg.Battle.MaxRounds)
	assert.Equal(t, 5*time.Second, cfg.Matchmaking.WindowStepEvery)
}

func TestLoadPersistentStoreNeedsServerID(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "file::memory:")
	t.Setenv("SERVER_ID", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_ID")

	t.Setenv("SERVER_ID", "node-a")
	first, err := Load()
	require.NoError(t, err)
	second, err := Load()
	require.NoError(t, err)
	assert.Equal(t, first.ServerID, second.ServerID, "restarts keep their id")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"postgres without url", func(c *Config) { c.StoreDriver = "postgres" }, false},
		{"sqlite with url", func(c *Config) { c.StoreDriver = "sqlite"; c.DatabaseURL = "file::memory:" }, true},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }, false},
		{"no server id", func(c *Config) { c.ServerID = "" }, false},
		{"zero lease", func(c *Config) { c.Battle.LeaseTTL = 0 }, false},
		{"zero rounds", func(c *Config) { c.Battle.MaxRounds = 0 }, false},
		{"small grid", func(c *Config) { c.Battle.GridCols = 8 }, false},
		{"inverted window", func(c *Config) { c.Matchmaking.BaseWindow = 900 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", false)
	require.NoError(t, err)
	require.NotNil(t, l)

	_, err = NewLogger("loud", true)
	assert.Error(t, err)
}
