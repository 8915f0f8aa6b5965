// Package config provides YAML-based configuration loading for icechat.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the client instance
	AppName string `mapstructure:"app_name"`

	// DataDir base directory for persistent data
	DataDir string `mapstructure:"data_dir"`

	// NodeID is the local canonical peer identifier; derived from the
	// identity when not explicitly set
	NodeID string `mapstructure:"node_id"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Store holds persistence options
	Store StoreConfig `mapstructure:"store"`

	// Sync holds delivery/retry tuning
	Sync SyncConfig `mapstructure:"sync"`

	// Transports list to configure multiple inbound/outbound links
	Transports []TransportConfig `mapstructure:"transports"`

	// Identity controls the client cryptographic identity
	Identity IdentityConfig `mapstructure:"identity"`
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

// StoreConfig holds persistence options.
type StoreConfig struct {
	// Path of the sqlite database file
	Path string `mapstructure:"path"`
	// MaxTxRetries bounds retries of a busy transaction
	MaxTxRetries int `mapstructure:"max_tx_retries"`
}

// SyncConfig tunes the sync engine. The retry bound and backoff curve are
// configuration on purpose; see the defaults below.
type SyncConfig struct {
	// MaxAttempts bounds delivery attempts per message before it fails
	MaxAttempts int `mapstructure:"max_attempts"`
	// FlushBatch caps how many pending messages one flush pass loads
	FlushBatch int `mapstructure:"flush_batch"`
	// Reconnect backoff curve
	DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
	DialBackoffJitterMS  int `mapstructure:"dial_backoff_jitter_ms"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "icechat",
		DataDir: "./data",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/icechat.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Store: StoreConfig{
			Path:         "./data/icechat.db",
			MaxTxRetries: 3,
		},
		Sync: SyncConfig{
			MaxAttempts:          5,
			FlushBatch:           64,
			DialBackoffInitialMS: 500,
			DialBackoffMaxMS:     30000,
			DialBackoffJitterMS:  100,
		},
		Transports: []TransportConfig{
			{
				Kind:   "tcp",
				Listen: []string{":7744"},
			},
		},
		Identity: IdentityConfig{Alg: "ed25519"},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment
// overrides. Environment variables use the prefix ICECHAT and `.`/`-`
// are replaced with `_`. Example: ICECHAT_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ICECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("node_id", cfg.NodeID)
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
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.max_tx_retries", cfg.Store.MaxTxRetries)
	v.SetDefault("sync.max_attempts", cfg.Sync.MaxAttempts)
	v.SetDefault("sync.flush_batch", cfg.Sync.FlushBatch)
	v.SetDefault("sync.dial_backoff_initial_ms", cfg.Sync.DialBackoffInitialMS)
	v.SetDefault("sync.dial_backoff_max_ms", cfg.Sync.DialBackoffMaxMS)
	v.SetDefault("sync.dial_backoff_jitter_ms", cfg.Sync.DialBackoffJitterMS)
	v.SetDefault("transports", cfg.Transports)
	v.SetDefault("identity.alg", cfg.Identity.Alg)
	v.SetDefault("identity.private_key", cfg.Identity.PrivateKey)
	v.SetDefault("identity.private_key_file", cfg.Identity.PrivateKeyFile)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("ICECHAT_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `icechat`
		v.SetConfigName("icechat")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".icechat"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = 5
	}
	if c.Sync.FlushBatch <= 0 {
		c.Sync.FlushBatch = 64
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = filepath.Join(c.DataDir, "icechat.db")
	}
	for i := range c.Transports {
		c.Transports[i].Kind = strings.ToLower(strings.TrimSpace(c.Transports[i].Kind))
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
