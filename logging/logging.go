// Package logging configures the process-wide logrus logger.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrUnknownFormat is returned for a format other than "text" or "json".
var ErrUnknownFormat = errors.New("unknown log format")

// Config selects the log level, format and an optional rotating file.
type Config struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	// File enables a rotating log file next to stderr. Empty logs to
	// stderr only.
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// DefaultConfig logs text at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup applies cfg to the standard logrus logger.
//
// Parameters:
//   - cfg: level ("trace".."panic"), format ("text" or "json") and file
//     rotation settings
//
// Returns:
//   - io.Closer: closes the log file, a no-op without one
//   - error: an unparseable level or unknown format
func Setup(cfg Config) (io.Closer, error) {
	return configure(logrus.StandardLogger(), cfg, os.Stderr)
}

func configure(logger *logrus.Logger, cfg Config, console io.Writer) (io.Closer, error) {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}

	var formatter logrus.Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		}
	case "json":
		formatter = &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, cfg.Format)
	}

	logger.SetLevel(level)
	logger.SetFormatter(formatter)

	if cfg.File == "" {
		logger.SetOutput(console)
		return nopCloser{}, nil
	}

	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,  // megabytes
		MaxBackups: cfg.MaxBackups, // number of backups
		MaxAge:     cfg.MaxAgeDays, // days
		Compress:   cfg.Compress,
	}
	logger.SetOutput(io.MultiWriter(console, file))

	logger.WithFields(logrus.Fields{
		"function": "Setup",
		"file":     cfg.File,
		"level":    level.String(),
	}).Debug("Logging to rotating file")

	return file, nil
}
