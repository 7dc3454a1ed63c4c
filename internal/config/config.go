// Package config loads motion-demo's runtime configuration from
// built-in defaults, a YAML file, and environment variables, in that
// order of increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the top-level configuration for the motion-demo binary.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Lock    LockConfig    `mapstructure:"lock"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	Name            string        `mapstructure:"name" validate:"required"`
	InstanceID      string        `mapstructure:"instance_id"`
	UpdateTaskType  string        `mapstructure:"update_task_type" validate:"oneof=thread process"`
	FlushOnExit     bool          `mapstructure:"flush_on_exit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// RedisConfig holds the state store's Redis connection settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" validate:"gte=0"`
	PoolSize     int           `mapstructure:"pool_size" validate:"gt=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	SocketTimeout time.Duration `mapstructure:"socket_timeout" validate:"gt=0"`
}

// CacheConfig holds result-cache sizing.
type CacheConfig struct {
	TTL  time.Duration `mapstructure:"ttl" validate:"gt=0"`
	Size int           `mapstructure:"size" validate:"gt=0"`
}

// LockConfig holds distributed state-lock timing.
type LockConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// QueueConfig holds update-queue backpressure limits.
type QueueConfig struct {
	HighWaterMark int `mapstructure:"high_water_mark" validate:"gt=0"`
}

// LogConfig controls slog output, mirroring the teacher's lumberjack
// rotation knobs.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gt=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from configPath (if non-empty and present),
// lets environment variables (MOTION_ prefixed, "." replaced by "_")
// override the file, fills anything neither sets from the defaults,
// then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("motion")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "motion-demo")
	v.SetDefault("app.update_task_type", "thread")
	v.SetDefault("app.flush_on_exit", true)
	v.SetDefault("app.shutdown_timeout", "30s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.socket_timeout", "10s")

	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.size", 10_000)

	v.SetDefault("lock.ttl", "60s")

	v.SetDefault("queue.high_water_mark", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.filename", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
