// Package app holds runtime configuration and process bootstrap helpers.
package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the Calltrics backend.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Bus         BusConfig         `mapstructure:"bus"`
	Emitter     EmitterConfig     `mapstructure:"emitter"`
	Refresh     RefreshConfig     `mapstructure:"refresh"`
	Warming     WarmingConfig     `mapstructure:"warming"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig holds per-instance cache policies and the emergency clear token.
type CacheConfig struct {
	EmergencyToken string                       `mapstructure:"emergency_token"`
	Instances      map[string]CachePolicyConfig `mapstructure:"instances"`
}

// CachePolicyConfig is one cache instance's bounds.
type CachePolicyConfig struct {
	MaxEntries     int           `mapstructure:"max_entries"`
	MaxMemoryBytes int64         `mapstructure:"max_memory_bytes"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// BusConfig selects the invalidation transport.
type BusConfig struct {
	Driver string         `mapstructure:"driver"`
	Redis  RedisBusConfig `mapstructure:"redis"`
}

// RedisBusConfig holds Redis connection options for the redis bus driver.
type RedisBusConfig struct {
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// EmitterConfig tunes the change emitter failure handling.
type EmitterConfig struct {
	ErrorWindow    time.Duration `mapstructure:"error_window"`
	ErrorThreshold int           `mapstructure:"error_threshold"`
}

// RefreshConfig tunes proactive background refresh.
type RefreshConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Threshold float64       `mapstructure:"threshold"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// WarmingConfig tunes the critical-key warming scheduler.
type WarmingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	ActivityWindow time.Duration `mapstructure:"activity_window"`
	MaxTenants     int           `mapstructure:"max_tenants"`
}

// MonitoringConfig holds health thresholds.
type MonitoringConfig struct {
	MinHitRate       float64 `mapstructure:"min_hit_rate"`
	MaxMemoryBytes   int64   `mapstructure:"max_memory_bytes"`
	MaxEmitterErrors int     `mapstructure:"max_emitter_errors"`
	MinLookups       uint64  `mapstructure:"min_lookups"`
}

// MaintenanceConfig tunes the retention cleaner.
type MaintenanceConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	TriggerLogMaxAge  time.Duration `mapstructure:"trigger_log_max_age"`
	ResolvedAlertsAge time.Duration `mapstructure:"resolved_alerts_age"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("CALLTRICS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/calltrics.sqlite")

	v.SetDefault("cache.emergency_token", "")
	v.SetDefault("cache.instances.dashboard.max_entries", 5000)
	v.SetDefault("cache.instances.dashboard.default_ttl", "5m")
	v.SetDefault("cache.instances.agents.max_entries", 10000)
	v.SetDefault("cache.instances.agents.default_ttl", "10m")
	v.SetDefault("cache.instances.agent_perf.max_entries", 10000)
	v.SetDefault("cache.instances.agent_perf.default_ttl", "5m")
	v.SetDefault("cache.instances.leads.max_entries", 5000)
	v.SetDefault("cache.instances.leads.default_ttl", "5m")
	v.SetDefault("cache.instances.query.max_entries", 20000)
	v.SetDefault("cache.instances.query.max_memory_bytes", 64<<20)
	v.SetDefault("cache.instances.query.default_ttl", "2m")

	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.redis.address", "127.0.0.1:6379")
	v.SetDefault("bus.redis.username", "")
	v.SetDefault("bus.redis.password", "")
	v.SetDefault("bus.redis.db", 0)
	v.SetDefault("bus.redis.tls", false)
	v.SetDefault("bus.redis.timeout", "5s")

	v.SetDefault("emitter.error_window", "5m")
	v.SetDefault("emitter.error_threshold", 0)

	v.SetDefault("refresh.enabled", true)
	v.SetDefault("refresh.interval", "1m")
	v.SetDefault("refresh.threshold", 0.8)
	v.SetDefault("refresh.timeout", "10s")

	v.SetDefault("warming.enabled", true)
	v.SetDefault("warming.interval", "15m")
	v.SetDefault("warming.activity_window", "24h")
	v.SetDefault("warming.max_tenants", 100)

	v.SetDefault("monitoring.min_hit_rate", 0.5)
	v.SetDefault("monitoring.max_memory_bytes", 256<<20)
	v.SetDefault("monitoring.max_emitter_errors", 10)
	v.SetDefault("monitoring.min_lookups", 100)

	v.SetDefault("maintenance.interval", "1h")
	v.SetDefault("maintenance.trigger_log_max_age", "168h") // 7 days
	v.SetDefault("maintenance.resolved_alerts_age", "720h") // 30 days
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
