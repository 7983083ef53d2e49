package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/sppterm/internal/device"
	"github.com/srg/sppterm/internal/devicefactory"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Device             string        `yaml:"device"`
	ServiceUUID        string        `yaml:"service_uuid" default:"4880c12c-fdcb-4077-8920-a450d7f9b907"`
	CharacteristicUUID string        `yaml:"characteristic_uuid" default:"fec26ec4-6d71-4442-9f81-55bc21d658d6"`
	Backend            string        `yaml:"backend" default:"goble"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" default:"30s"`
	RetryDelay         time.Duration `yaml:"retry_delay" default:"1s"`
	PollInterval       time.Duration `yaml:"poll_interval" default:"20ms"`
	QueueSize          int           `yaml:"queue_size" default:"64"`
	NotificationBuffer int           `yaml:"notification_buffer" default:"256"`
	PTY                bool          `yaml:"pty"`
	Symlink            string        `yaml:"symlink"`
	LogLevel           string        `yaml:"log_level"` // empty keeps the bridge silent
	LogFile            string        `yaml:"log_file"`
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sppterm", "config.yaml")
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path on top of the defaults. An empty path
// reads DefaultPath when that file exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks UUIDs, backend, sizes and the log level.
func (c *Config) Validate() error {
	var errs []error
	if _, _, err := c.UUIDs(); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains(devicefactory.Names(), strings.ToLower(c.Backend)) {
		errs = append(errs, fmt.Errorf("unknown backend %q (available: %s)", c.Backend, strings.Join(devicefactory.Names(), ", ")))
	}
	if c.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("connect_timeout must not be negative"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue_size must be positive"))
	}
	if c.NotificationBuffer <= 0 {
		errs = append(errs, fmt.Errorf("notification_buffer must be positive"))
	}
	if c.Symlink != "" && !c.PTY {
		errs = append(errs, fmt.Errorf("symlink requires pty mode"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// UUIDs parses the service and characteristic UUIDs.
func (c *Config) UUIDs() (service, characteristic device.UUID, err error) {
	service, err = device.ParseUUID(c.ServiceUUID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid service_uuid: %w", err)
	}
	characteristic, err = device.ParseUUID(c.CharacteristicUUID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid characteristic_uuid: %w", err)
	}
	return service, characteristic, nil
}

// Level returns the configured log level; PanicLevel when unset.
func (c *Config) Level() (logrus.Level, error) {
	if c.LogLevel == "" {
		return logrus.PanicLevel, nil
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.PanicLevel, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// NewLogger creates a configured logger instance writing to out
func (c *Config) NewLogger(out io.Writer) *logrus.Logger {
	logger := logrus.New()
	level, _ := c.Level()
	logger.SetLevel(level)
	logger.SetOutput(out)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
