// Package config handles loading and validating the subsync configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/forPelevin/subsync/internal/ports/adapters/timestamps"
)

// Config is the root configuration shared by every subsync command.
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Acquire AcquireConfig `mapstructure:"acquire"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Server  ServerConfig  `mapstructure:"server"`
	Mock    MockConfig    `mapstructure:"mock"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// BackendConfig points at the service that produces word timestamps.
type BackendConfig struct {
	BaseURL      string   `mapstructure:"base_url"`
	AllowedHosts []string `mapstructure:"allowed_hosts"`
	// TimestampsFile reads a local whisper JSON instead of the HTTP backend.
	TimestampsFile string `mapstructure:"timestamps_file"`
}

// AcquireConfig controls polling for word timestamps.
type AcquireConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SyncConfig controls the synchronization loop and the visibility window.
type SyncConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	TrailWindow  time.Duration `mapstructure:"trail_window"`
	LookAhead    time.Duration `mapstructure:"look_ahead"`
}

// ServerConfig holds the browser bridge settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// MockConfig holds the development backend settings.
type MockConfig struct {
	Port       int           `mapstructure:"port"`
	Dir        string        `mapstructure:"dir"`
	ReadyAfter time.Duration `mapstructure:"ready_after"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// flagKeys maps CLI flag names to config keys. Flags missing from a command's
// flag set are skipped.
var flagKeys = map[string]string{
	"base-url":        "backend.base_url",
	"allowed-hosts":   "backend.allowed_hosts",
	"timestamps-file": "backend.timestamps_file",
	"poll-interval":   "acquire.poll_interval",
	"max-attempts":    "acquire.max_attempts",
	"request-timeout": "acquire.request_timeout",
	"tick":            "sync.tick_interval",
	"trail":           "sync.trail_window",
	"look-ahead":      "sync.look_ahead",
	"port":            "server.port",
	"mock-port":       "mock.port",
	"dir":             "mock.dir",
	"ready-after":     "mock.ready_after",
	"log-level":       "logging.level",
	"log-format":      "logging.format",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", timestamps.DefaultBaseURL)
	v.SetDefault("backend.allowed_hosts", []string{})
	v.SetDefault("backend.timestamps_file", "")
	v.SetDefault("acquire.poll_interval", time.Second)
	v.SetDefault("acquire.max_attempts", 60)
	v.SetDefault("acquire.request_timeout", 10*time.Second)
	v.SetDefault("sync.tick_interval", 100*time.Millisecond)
	v.SetDefault("sync.trail_window", 3*time.Second)
	v.SetDefault("sync.look_ahead", time.Second)
	v.SetDefault("server.port", 8090)
	v.SetDefault("mock.port", 8000)
	v.SetDefault("mock.dir", "output")
	v.SetDefault("mock.ready_after", time.Duration(0))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads the configuration from defaults, file, environment variables
// and finally any changed flags in fs. If configFile is non-empty it is used
// directly; otherwise the standard search order applies: ./subsync.yaml,
// ./configs/subsync.yaml, /etc/subsync/subsync.yaml.
func Load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("subsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/subsync")
	}

	// Environment variables: SUBSYNC_BACKEND_BASE_URL, SUBSYNC_ACQUIRE_MAX_ATTEMPTS, etc.
	v.SetEnvPrefix("SUBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Debug("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Backend.BaseURL = resolveEnvRef(cfg.Backend.BaseURL)
	cfg.Backend.TimestampsFile = resolveEnvRef(cfg.Backend.TimestampsFile)
	cfg.Backend.AllowedHosts = splitHosts(cfg.Backend.AllowedHosts)
	return &cfg, nil
}

// Validate rejects settings no command can run with.
func (c *Config) Validate() error {
	if c.Acquire.PollInterval <= 0 {
		return errors.New("acquire.poll_interval must be > 0")
	}
	if c.Acquire.MaxAttempts <= 0 {
		return errors.New("acquire.max_attempts must be > 0")
	}
	if c.Acquire.RequestTimeout <= 0 {
		return errors.New("acquire.request_timeout must be > 0")
	}
	if c.Sync.TickInterval <= 0 {
		return errors.New("sync.tick_interval must be > 0")
	}
	if c.Sync.TrailWindow < 0 || c.Sync.LookAhead < 0 {
		return errors.New("sync windows must not be negative")
	}
	if c.Backend.TimestampsFile == "" {
		if err := timestamps.ValidateBaseURL(c.Backend.BaseURL, c.Backend.AllowedHosts); err != nil {
			return fmt.Errorf("backend.base_url: %w", err)
		}
	}
	return nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// splitHosts accepts both list values and a single comma separated entry,
// which is what an environment variable produces.
func splitHosts(in []string) []string {
	var out []string
	for _, h := range in {
		for _, part := range strings.Split(h, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// SetupLogging configures the global slog logger based on config.
func SetupLogging(cfg LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
