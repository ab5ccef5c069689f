// Package config loads host settings from an optional YAML file, then
// applies LOCALBOARD_* environment overrides. Command-line flags are
// applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the port the host listens on unless configured otherwise.
const DefaultPort = 8888

type Config struct {
	// Address is the host:port the HTTP API listens on.
	Address string `yaml:"address"`

	// Topic is the fan-out topic every client subscribes to.
	Topic string `yaml:"topic"`

	// Advertise announces the host over mDNS.
	Advertise bool `yaml:"advertise"`

	// JournalPath enables the SQLite event journal when set.
	JournalPath string `yaml:"journal_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// SubscriberBuffer is how many events may queue per subscriber before
	// it is disconnected.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() Config {
	return Config{
		Address:          fmt.Sprintf(":%d", DefaultPort),
		Topic:            "room-global",
		Advertise:        true,
		LogLevel:         "info",
		SubscriberBuffer: 256,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Load reads path over the defaults (an empty path skips the file) and
// applies environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("LOCALBOARD_ADDRESS"); ok && v != "" {
		c.Address = v
	}
	if v, ok := lookup("LOCALBOARD_JOURNAL"); ok {
		c.JournalPath = v
	}
	if v, ok := lookup("LOCALBOARD_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("LOCALBOARD_ADVERTISE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOCALBOARD_ADVERTISE: %w", err)
		}
		c.Advertise = b
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("subscriber_buffer must be positive"))
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a log_level string onto slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
