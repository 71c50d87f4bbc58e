// Package config loads the daemon configuration from file, environment
// and defaults.
//
// Precedence, highest to lowest:
//  1. Environment variables (STRATA_*)
//  2. Configuration file
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"strata/internal/control"
	"strata/internal/logging"
)

// Config captures the static configuration of the daemon. Mounts are
// dynamic state driven through the control protocol, not configuration.
type Config struct {
	// Socket is the control-socket rendezvous path.
	Socket string `mapstructure:"socket" yaml:"socket"`

	// Logging controls log output behavior.
	Logging logging.Config `mapstructure:"logging" yaml:"logging"`

	// Metrics controls the Prometheus endpoint on the control socket.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout is the maximum time to wait for mounts to drain on
	// shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig controls metrics exposure.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Socket:          control.DefaultSocketPath(),
		Logging:         logging.Default(),
		Metrics:         MetricsConfig{Enabled: true},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load reads configuration from configPath, falling back to the default
// search location when empty. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	def := Default()
	v.SetDefault("socket", def.Socket)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Socket == "" {
		return fmt.Errorf("socket path must not be empty")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", cfg.ShutdownTimeout)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging format must be text or json, got %q", cfg.Logging.Format)
	}
	return nil
}

// defaultConfigDir is $XDG_CONFIG_HOME/strata, falling back through HOME.
func defaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "strata")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "strata")
	}
	return "."
}
