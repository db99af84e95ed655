// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	ServerID string `env:"SERVER_ID"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"true"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	Battle      Battle      `envPrefix:"BATTLE_"`
	Matchmaking Matchmaking `envPrefix:"MATCH_"`
}

// Battle holds session lifecycle and arena tuning.
type Battle struct {
	MaxRounds       int           `env:"MAX_ROUNDS" envDefault:"3"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"60s"`
	DisconnectGrace time.Duration `env:"DISCONNECT_GRACE" envDefault:"30s"`
	ChatBreak       time.Duration `env:"CHAT_BREAK" envDefault:"45s"`
	EvictAfter      time.Duration `env:"EVICT_AFTER" envDefault:"60s"`
	LeaseTTL        time.Duration `env:"LEASE_TTL" envDefault:"30s"`
	GridCols        int           `env:"GRID_COLS" envDefault:"12"`
	GridRows        int           `env:"GRID_ROWS" envDefault:"12"`
	CriticalDamage  int           `env:"CRITICAL_DAMAGE" envDefault:"50"`
}

// Matchmaking holds the rating window and AI scaling knobs.
type Matchmaking struct {
	BaseWindow      int           `env:"BASE_WINDOW" envDefault:"200"`
	WindowStep      int           `env:"WINDOW_STEP" envDefault:"50"`
	WindowStepEvery time.Duration `env:"WINDOW_STEP_EVERY" envDefault:"10s"`
	MaxWindow       int           `env:"MAX_WINDOW" envDefault:"500"`
	LockTTL         time.Duration `env:"LOCK_TTL" envDefault:"5s"`
	AIBaselineLevel float64       `env:"AI_BASELINE_LEVEL" envDefault:"10"`
	AIJitter        float64       `env:"AI_JITTER" envDefault:"0.1"`
	AIMinScale      float64       `env:"AI_MIN_SCALE" envDefault:"0.1"`
	EnqueueRetries  uint          `env:"ENQUEUE_RETRIES" envDefault:"3"`
}

// Load reads an optional .env file and then parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	// An in-memory store dies with the process, so a throwaway id is enough.
	if cfg.ServerID == "" && cfg.StoreDriver == "memory" {
		cfg.ServerID = uuid.NewString()
	}
	return cfg, cfg.Validate()
}

// Default returns the configuration with every default applied.
func Default() Config {
	var cfg Config
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	cfg.ServerID = uuid.NewString()
	return cfg
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case "memory":
	case "postgres", "sqlite":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for store driver %q", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	// Recover finds a server's battles by its id, so it must survive restarts.
	if c.ServerID == "" {
		return fmt.Errorf("SERVER_ID is required for store driver %q", c.StoreDriver)
	}
	if c.Battle.LeaseTTL <= 0 {
		return errors.New("BATTLE_LEASE_TTL must be positive")
	}
	if c.Battle.MaxRounds < 1 {
		return errors.New("BATTLE_MAX_ROUNDS must be positive")
	}
	if c.Battle.GridCols < 12 || c.Battle.GridRows < 12 {
		return errors.New("grid must be at least 12x12")
	}
	if c.Matchmaking.BaseWindow > c.Matchmaking.MaxWindow {
		return errors.New("MATCH_BASE_WINDOW exceeds MATCH_MAX_WINDOW")
	}
	if c.Matchmaking.AIBaselineLevel <= 0 {
		return errors.New("MATCH_AI_BASELINE_LEVEL must be positive")
	}
	return nil
}
