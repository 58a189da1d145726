// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory    = "memory"
	BackendBadger    = "badger"
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
)

type Config struct {
	Addr     string        `yaml:"addr"`
	LogLevel string        `yaml:"log_level"`
	Store    StoreConfig   `yaml:"store"`
	Session  SessionConfig `yaml:"session"`
	Redis    RedisConfig   `yaml:"redis"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	// FlushInterval is how often cached writes reach Firestore.
	FlushInterval time.Duration   `yaml:"flush_interval"`
	Badger        BadgerConfig    `yaml:"badger"`
	Firestore     FirestoreConfig `yaml:"firestore"`
	Postgres      PostgresConfig  `yaml:"postgres"`
}

type BadgerConfig struct {
	Path string `yaml:"path"`
}

type FirestoreConfig struct {
	ProjectID string `yaml:"project_id"`
}

type PostgresConfig struct {
	URL string `yaml:"url"`
}

type SessionConfig struct {
	MaxParticipants int `yaml:"max_participants"`
}

// RedisConfig enables cross-instance event relay when Addr is set. Only
// the postgres backend shares sessions between instances.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Default returns a single-instance, in-memory configuration.
func Default() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: "info",
		Store: StoreConfig{
			Backend:       BackendMemory,
			FlushInterval: 5 * time.Second,
			Badger:        BadgerConfig{Path: "data/badger"},
		},
		Session: SessionConfig{MaxParticipants: 50},
		Redis:   RedisConfig{Channel: "collabdocs:events"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// DATABASE_URL and FIRESTORE_PROJECT fill in connection settings the file
// leaves blank.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if cfg.Store.Postgres.URL == "" {
		cfg.Store.Postgres.URL = os.Getenv("DATABASE_URL")
	}
	if cfg.Store.Firestore.ProjectID == "" {
		cfg.Store.Firestore.ProjectID = os.Getenv("FIRESTORE_PROJECT")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Store.Badger.Path == "" {
			errs = append(errs, errors.New("store.badger.path is required for the badger backend"))
		}
	case BackendFirestore:
		if c.Store.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("store.firestore.project_id is required for the firestore backend"))
		}
	case BackendPostgres:
		if c.Store.Postgres.URL == "" {
			errs = append(errs, errors.New("store.postgres.url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Store.Backend == BackendFirestore && c.Store.FlushInterval <= 0 {
		errs = append(errs, errors.New("store.flush_interval must be positive"))
	}
	if c.Session.MaxParticipants <= 0 {
		errs = append(errs, errors.New("session.max_participants must be positive"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, errors.New("redis.db must not be negative"))
	}
	// Only postgres shares sessions between instances.
	if c.Redis.Addr != "" && c.Store.Backend != BackendPostgres {
		errs = append(errs, fmt.Errorf("redis.addr requires the postgres backend, not %q", c.Store.Backend))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}
