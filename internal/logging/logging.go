// Package logging configures the process-wide logrus logger from the
// logging section of the configuration.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
	"github.com/sirupsen/logrus"
)

// Setup builds a logger honoring logging.{level,format,file}. An empty file
// means stderr; the file is opened append-only and created if missing.
func Setup(cfg config.Logging) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(f)
	}

	return logger, nil
}

// Component returns a logger entry tagged with the owning component name.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}
