package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/srg/sppterm/pkg/config"
)

// configureLogger creates a logger for the resolved configuration. The level
// already reflects --log-level and --verbose, with --log-level taking
// precedence. Logs go to --log-file when set, otherwise to stderr.
// The returned func closes the log file.
func configureLogger(cfg *config.Config, stderr io.Writer) (*logrus.Logger, func(), error) {
	if _, err := cfg.Level(); err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}

	if cfg.LogFile == "" {
		return cfg.NewLogger(stderr), func() {}, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger := cfg.NewLogger(f)
	return logger, func() { _ = f.Close() }, nil
}
