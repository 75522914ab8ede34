// Package settings loads process configuration from an optional YAML file, an
// optional .env file and the environment, in increasing order of precedence.
package settings

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	HTTP     HTTPSettings     `yaml:"http"`
	Database DatabaseSettings `yaml:"database"`
	Auth     AuthSettings     `yaml:"auth"`
	Keeper   KeeperSettings   `yaml:"keeper"`
	Outbox   OutboxSettings   `yaml:"outbox"`
	Log      LogSettings      `yaml:"log"`
}

type HTTPSettings struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseSettings struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	// MigrationsDir, when set, is applied at startup.
	MigrationsDir string `yaml:"migrations_dir"`
}

type AuthSettings struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type KeeperSettings struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron spec; descriptors such as "@every 30s" are accepted.
	Schedule    string `yaml:"schedule"`
	BatchSize   int    `yaml:"batch_size"`
	Concurrency int    `yaml:"concurrency"`
	// Identity is recorded as the actor of crank operations.
	Identity string `yaml:"identity"`
}

// OutboxSettings drives the relay that streams outbox messages to websocket
// subscribers on /api/events.
type OutboxSettings struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	// SubscriberBuffer is how many messages a slow subscriber may lag before it is dropped.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type LogSettings struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() Settings {
	return Settings{
		HTTP: HTTPSettings{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseSettings{
			MaxConns:        10,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
		},
		Keeper: KeeperSettings{
			Enabled:     true,
			Schedule:    "@every 30s",
			BatchSize:   100,
			Concurrency: 4,
			Identity:    "keeper",
		},
		Outbox: OutboxSettings{
			Enabled:          true,
			Interval:         time.Second,
			BatchSize:        50,
			MaxAttempts:      5,
			SubscriberBuffer: 64,
		},
		Log: LogSettings{Level: "info"},
	}
}

// Load reads path (skipped when empty or missing) and envFile (skipped when
// missing), then applies environment overrides and validates the result.
func Load(path, envFile string) (Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Settings{}, fmt.Errorf("settings: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &s); err != nil {
				return Settings{}, fmt.Errorf("settings: parse %s: %w", path, err)
			}
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("settings: load %s: %w", envFile, err)
		}
	}

	if err := applyEnv(&s); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func applyEnv(s *Settings) error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		s.Database.URL = v
	}
	if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
		s.Database.MigrationsDir = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		s.Auth.JWTSecret = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		s.HTTP.Addr = v
	}
	if v := os.Getenv("KEEPER_SCHEDULE"); v != "" {
		s.Keeper.Schedule = v
	}
	if v := os.Getenv("KEEPER_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("settings: KEEPER_ENABLED: %w", err)
		}
		s.Keeper.Enabled = enabled
	}
	if v := os.Getenv("OUTBOX_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("settings: OUTBOX_ENABLED: %w", err)
		}
		s.Outbox.Enabled = enabled
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.Log.Level = v
	}
	return nil
}

func (s Settings) Validate() error {
	if s.Database.URL == "" {
		return errors.New("settings: database.url (DATABASE_URL) is required")
	}
	if s.Auth.JWTSecret == "" {
		return errors.New("settings: auth.jwt_secret (JWT_SECRET) is required")
	}
	if s.HTTP.Addr == "" {
		return errors.New("settings: http.addr is required")
	}
	if s.Keeper.Enabled {
		if s.Keeper.Schedule == "" {
			return errors.New("settings: keeper.schedule is required when the keeper is enabled")
		}
		if s.Keeper.BatchSize <= 0 {
			return errors.New("settings: keeper.batch_size must be positive")
		}
		if s.Keeper.Concurrency <= 0 {
			return errors.New("settings: keeper.concurrency must be positive")
		}
	}
	if s.Outbox.Enabled {
		if s.Outbox.Interval <= 0 {
			return errors.New("settings: outbox.interval must be positive")
		}
		if s.Outbox.BatchSize <= 0 || s.Outbox.MaxAttempts <= 0 {
			return errors.New("settings: outbox.batch_size and outbox.max_attempts must be positive")
		}
	}
	switch s.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("settings: log.level %q is not one of debug, info, warn, error", s.Log.Level)
	}
	return nil
}
