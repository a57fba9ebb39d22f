// Package config provides YAML-based configuration loading for hsocket.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the process, used in logs
	AppName string `mapstructure:"app_name"`

	Log          LogConfig          `mapstructure:"log"`
	Server       ServerConfig       `mapstructure:"server"`
	Client       ClientConfig       `mapstructure:"client"`
	FileTransfer FileTransferConfig `mapstructure:"file_transfer"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Net          NetConfig          `mapstructure:"net"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// FileTransferConfig controls the side channel used for file bytes.
type FileTransferConfig struct {
	// TimeoutMS bounds port negotiation and the side channel accept
	TimeoutMS   int    `mapstructure:"timeout_ms"`
	DownloadDir string `mapstructure:"download_dir"`
	ChunkSize   int    `mapstructure:"chunk_size"`
}

func (c FileTransferConfig) Timeout() time.Duration { return ms(c.TimeoutMS) }

// RateLimitConfig is a per-connection token bucket for inbound messages.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// MetricsConfig controls the admin HTTP endpoint serving /metrics and /healthz.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "hsocket",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/hsocket.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			Kind:           "tcp",
			Addr:           "0.0.0.0:5000",
			Model:          ModelReactor,
			WriteTimeoutMS: 5000,
		},
		Client: ClientConfig{
			Kind:      "tcp",
			Addr:      "127.0.0.1:5000",
			Mode:      ModeSync,
			TimeoutMS: 5000,
		},
		FileTransfer: FileTransferConfig{TimeoutMS: 15000, DownloadDir: "download", ChunkSize: 2048},
		RateLimit:    RateLimitConfig{Enabled: false, MessagesPerSecond: 100, Burst: 200},
		Net:          NetConfig{DialBackoffInitialMS: 500, DialBackoffMaxMS: 30000, DialBackoffJitterMS: 100, DialAttempts: 5},
		Metrics:      MetricsConfig{Enabled: false, Addr: "127.0.0.1:9100"},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix HSOCKET and `.`/`-` are replaced with `_`.
// Example: HSOCKET_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HSOCKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("server.kind", cfg.Server.Kind)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.model", cfg.Server.Model)
	v.SetDefault("server.file_transfer_host", cfg.Server.FileTransferHost)
	v.SetDefault("server.read_timeout_ms", cfg.Server.ReadTimeoutMS)
	v.SetDefault("server.write_timeout_ms", cfg.Server.WriteTimeoutMS)
	v.SetDefault("client.kind", cfg.Client.Kind)
	v.SetDefault("client.addr", cfg.Client.Addr)
	v.SetDefault("client.mode", cfg.Client.Mode)
	v.SetDefault("client.timeout_ms", cfg.Client.TimeoutMS)
	v.SetDefault("file_transfer.timeout_ms", cfg.FileTransfer.TimeoutMS)
	v.SetDefault("file_transfer.download_dir", cfg.FileTransfer.DownloadDir)
	v.SetDefault("file_transfer.chunk_size", cfg.FileTransfer.ChunkSize)
	v.SetDefault("rate_limit.enabled", cfg.RateLimit.Enabled)
	v.SetDefault("rate_limit.messages_per_second", cfg.RateLimit.MessagesPerSecond)
	v.SetDefault("rate_limit.burst", cfg.RateLimit.Burst)
	v.SetDefault("net.dial_backoff_initial_ms", cfg.Net.DialBackoffInitialMS)
	v.SetDefault("net.dial_backoff_max_ms", cfg.Net.DialBackoffMaxMS)
	v.SetDefault("net.dial_backoff_jitter_ms", cfg.Net.DialBackoffJitterMS)
	v.SetDefault("net.dial_attempts", cfg.Net.DialAttempts)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("HSOCKET_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hsocket")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".hsocket"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalises values in place and rejects ones that cannot work.
func (c *Config) Validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Server.Kind = strings.ToLower(strings.TrimSpace(c.Server.Kind))
	c.Server.Model = strings.ToLower(strings.TrimSpace(c.Server.Model))
	switch c.Server.Model {
	case "":
		c.Server.Model = ModelReactor
	case ModelReactor, ModelThreaded, ModelUDP:
	default:
		return fmt.Errorf("invalid server.model: %q", c.Server.Model)
	}
	if c.Server.Model == ModelReactor && c.Server.Kind != "tcp" {
		return fmt.Errorf("server.model %q needs server.kind tcp, got %q", ModelReactor, c.Server.Kind)
	}

	c.Client.Kind = strings.ToLower(strings.TrimSpace(c.Client.Kind))
	c.Client.Mode = strings.ToLower(strings.TrimSpace(c.Client.Mode))
	switch c.Client.Mode {
	case "":
		c.Client.Mode = ModeSync
	case ModeSync, ModeAsync:
	default:
		return fmt.Errorf("invalid client.mode: %q", c.Client.Mode)
	}

	if c.FileTransfer.ChunkSize <= 0 {
		c.FileTransfer.ChunkSize = 2048
	}
	if c.FileTransfer.TimeoutMS <= 0 {
		c.FileTransfer.TimeoutMS = 15000
	}
	if strings.TrimSpace(c.FileTransfer.DownloadDir) == "" {
		c.FileTransfer.DownloadDir = "download"
	}
	if c.RateLimit.Enabled && (c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit needs positive messages_per_second and burst")
	}
	if c.Net.DialAttempts < 0 {
		c.Net.DialAttempts = 0
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
