// Package logging configures the process-wide logger. All packages log
// through containerd/log entries scoped with a component field.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
)

// Config selects level, format and destination for the process logger.
type Config struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "text" or "json".
	Format string `mapstructure:"format" yaml:"format"`
	// Output is "stderr", "stdout", or a file path. The daemon defaults
	// to a file so FUSE and control traffic stay observable after the
	// spawning client exits.
	Output string `mapstructure:"output" yaml:"output"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{Level: "info", Format: string(log.TextFormat), Output: "stderr"}
}

// Setup applies cfg to the global logger. Safe to call again to
// reconfigure.
func Setup(cfg Config) error {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if err := log.SetLevel(cfg.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	format := cfg.Format
	if format == "" {
		format = string(log.TextFormat)
	}
	if err := log.SetFormat(log.OutputFormat(format)); err != nil {
		return fmt.Errorf("log format: %w", err)
	}

	switch cfg.Output {
	case "", "stderr":
		logrus.SetOutput(os.Stderr)
	case "stdout":
		logrus.SetOutput(os.Stdout)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
			return fmt.Errorf("log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("log file: %w", err)
		}
		logrus.SetOutput(f)
	}
	return nil
}

// WithComponent returns an entry scoped to one subsystem, e.g. "mount" or
// "control".
func WithComponent(name string) *log.Entry {
	return log.L.WithField("component", name)
}

// DefaultLogFile is where the daemon writes when no output is configured:
// under XDG_RUNTIME_DIR when available, /tmp otherwise.
func DefaultLogFile() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "stratad.log")
	}
	return filepath.Join(os.TempDir(), "stratad.log")
}
