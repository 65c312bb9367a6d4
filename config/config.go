// Package config provides the YAML configuration of the parcel-sync commands.
//
// The file is optional: Default values are used as a base and the file (if given
// by the --config flag or the PARCELSYNC_CONFIG environment variable) is merged on top.
// Command flags override the file values.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itiky/parcel-sync/model"
)

// EnvConfigPath is the environment variable holding the config file path.
const EnvConfigPath = "PARCELSYNC_CONFIG"

type (
	// Config is the root configuration.
	Config struct {
		// Database configures the SQLite document store.
		Database DatabaseConfig `yaml:"database"`

		// Session is the viewer identity the engines project for.
		Session SessionConfig `yaml:"session"`

		// Engine configures the reconciliation engines.
		Engine EngineConfig `yaml:"engine"`

		// Log configures the structured logger.
		Log LogConfig `yaml:"log"`
	}

	DatabaseConfig struct {
		// Path is the SQLite database file path.
		Path string `yaml:"path"`

		// PollInterval is the change log polling period of subscriptions.
		PollInterval time.Duration `yaml:"poll_interval"`
	}

	SessionConfig struct {
		UserId string `yaml:"user_id"`
		// Role name: admin, worker or user
		Role string `yaml:"role"`
	}

	EngineConfig struct {
		// QueueSize is the worker jobs channel size.
		QueueSize int `yaml:"queue_size"`

		// HistorySize is the number of view versions kept for renderers.
		HistorySize int `yaml:"history_size"`

		// MonitorPeriod is the stats report period.
		MonitorPeriod time.Duration `yaml:"monitor_period"`

		// MaxKeyAttempts limits the free key search on create.
		MaxKeyAttempts int `yaml:"max_key_attempts"`
	}

	LogConfig struct {
		// Level: debug, info, warn or error
		Level string `yaml:"level"`
	}
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:         "./parcel-sync.db",
			PollInterval: 250 * time.Millisecond,
		},
		Session: SessionConfig{
			UserId: "admin",
			Role:   model.AdminRole.String(),
		},
		Engine: EngineConfig{
			QueueSize:      256,
			HistorySize:    256,
			MonitorPeriod:  5 * time.Second,
			MaxKeyAttempts: 10000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads the config from path, falls back to the PARCELSYNC_CONFIG file and then to the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the config values.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("%s: empty", "database.path"))
	}
	if c.Database.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s: must be GT 0", "database.poll_interval"))
	}
	if _, err := c.Session.Session(); err != nil {
		errs = append(errs, err)
	}
	if c.Engine.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("%s: must be GTE 0", "engine.queue_size"))
	}
	if c.Engine.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("%s: must be GT 0", "engine.history_size"))
	}
	if c.Engine.MonitorPeriod <= 0 {
		errs = append(errs, fmt.Errorf("%s: must be GT 0", "engine.monitor_period"))
	}
	if c.Engine.MaxKeyAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%s: must be GT 0", "engine.max_key_attempts"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Session converts the config section to model.Session.
func (c SessionConfig) Session() (model.Session, error) {
	role, err := model.ParseRole(c.Role)
	if err != nil {
		return model.Session{}, fmt.Errorf("session.role: %w", err)
	}

	s := model.Session{UserId: c.UserId, Role: role}
	if err := s.Validate(); err != nil {
		return model.Session{}, fmt.Errorf("session: %w", err)
	}

	return s, nil
}

// SlogLevel parses the log level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}

	return slog.LevelInfo, fmt.Errorf("log.level: unknown %q", c.Level)
}
