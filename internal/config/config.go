package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Storage   StorageConfig  `mapstructure:"storage"`
	Redis     RedisConfig    `mapstructure:"redis"`
	Logging   LoggingConfig  `mapstructure:"logging"`
	Session   SessionConfig  `mapstructure:"session"`
	Tracking  TrackingConfig `mapstructure:"tracking"`
	Sync      SyncConfig     `mapstructure:"sync"`
	Overrides OverrideConfig `mapstructure:"overrides"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
}

// StorageConfig defines local storage backend settings
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig defines the remote store connection
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SessionConfig defines the user identity for cross-device sync
type SessionConfig struct {
	UserID string `mapstructure:"user_id"`
}

// TrackingConfig defines which domains are tracked and their daily
// allowances in seconds
type TrackingConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Domains map[string]int64 `mapstructure:"domains"`
}

// SyncConfig defines the countdown cadences
type SyncConfig struct {
	TickInterval string `mapstructure:"tick_interval"`
	PersistEvery string `mapstructure:"persist_every"`
	SyncEvery    string `mapstructure:"sync_every"`
}

// OverrideConfig defines the subscription plan for lifting blocks
type OverrideConfig struct {
	FreePerDay int    `mapstructure:"free_per_day"`
	UpgradeURL string `mapstructure:"upgrade_url"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("LIMITD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.path", "/var/lib/limitd/limitd.bolt")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 4)
	v.SetDefault("redis.min_idle_conns", 1)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Tracking defaults
	v.SetDefault("tracking.enabled", true)
	v.SetDefault("tracking.domains", map[string]int64{})

	// Sync defaults
	v.SetDefault("sync.tick_interval", "1s")
	v.SetDefault("sync.persist_every", "3s")
	v.SetDefault("sync.sync_every", "5s")

	// Override defaults
	v.SetDefault("overrides.free_per_day", 1)
	v.SetDefault("overrides.upgrade_url", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
}

// validate validates the configuration
func validate(cfg *Config) error {
	// Validate storage path
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	// Ensure storage directory exists
	storageDir := filepath.Dir(cfg.Storage.Path)
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	// Validate tracked domains
	for domain, limit := range cfg.Tracking.Domains {
		if limit <= 0 {
			return fmt.Errorf("invalid allowance for %s: %d", domain, limit)
		}
	}

	// Validate cadences
	for name, value := range map[string]string{
		"sync.tick_interval": cfg.Sync.TickInterval,
		"sync.persist_every": cfg.Sync.PersistEvery,
		"sync.sync_every":    cfg.Sync.SyncEvery,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid %s: must be positive", name)
		}
	}

	// Validate redis connection settings
	if cfg.Redis.Enabled {
		if cfg.Redis.Host == "" {
			return fmt.Errorf("redis host is required when redis is enabled")
		}
		if cfg.Redis.Port <= 0 || cfg.Redis.Port > 65535 {
			return fmt.Errorf("invalid redis port: %d", cfg.Redis.Port)
		}
	}

	// Validate metrics port
	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	return nil
}
