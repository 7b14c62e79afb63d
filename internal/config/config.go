// Package config loads the server configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Inference InferenceConfig `mapstructure:"inference"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// StorageConfig selects and configures the case store backend.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DatabaseConfig holds the PostgreSQL settings, used when the storage
// driver is "postgres".
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// InferenceConfig holds the AI inference service settings.
type InferenceConfig struct {
	// Enabled turns the automated analysis pipeline on. When off, cases
	// follow the manual workflow and may complete without an AI result.
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ModelVersion string        `mapstructure:"model_version"`
}

// CacheConfig holds the final-report cache settings. Redis is optional; the
// in-process tier always runs.
type CacheConfig struct {
	RedisURL  string        `mapstructure:"redis_url"`
	RedisTTL  time.Duration `mapstructure:"redis_ttl"`
	LocalSize int           `mapstructure:"local_size"`
}

// LoggingConfig holds the logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from config.yaml (searched in the working
// directory, ./config, and /etc/oncoscan/) with ONCOSCAN_-prefixed
// environment variables taking precedence.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/oncoscan/")

	v.SetEnvPrefix("ONCOSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file; defaults and environment variables apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Inference.Enabled && c.Inference.BaseURL == "" {
		return fmt.Errorf("inference.base_url is required when inference is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "./data/triage.db")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "oncoscan")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "30m")
	v.SetDefault("database.migrations_path", "./migrations")

	v.SetDefault("inference.enabled", false)
	v.SetDefault("inference.base_url", "")
	v.SetDefault("inference.timeout", "30s")
	v.SetDefault("inference.poll_interval", "10s")
	v.SetDefault("inference.model_version", "")

	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.redis_ttl", "24h")
	v.SetDefault("cache.local_size", 512)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
