// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quillstats/rankwatch/internal/httpclient"
	"github.com/quillstats/rankwatch/internal/monitor"
	"github.com/quillstats/rankwatch/internal/scheduler"
	"github.com/quillstats/rankwatch/internal/source"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Client    ClientConfig    `mapstructure:"client"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Sources   []source.Config `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ClientConfig configures the rate-limited upstream client.
type ClientConfig struct {
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	RateLimitDelayMs int     `mapstructure:"rate_limit_delay_ms"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffFactor    float64 `mapstructure:"backoff_factor"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	UserAgent        string  `mapstructure:"user_agent"`
}

// SchedulerConfig governs worker pool and retry behavior.
type SchedulerConfig struct {
	MaxWorkers         int    `mapstructure:"max_workers"`
	MaxRetries         int    `mapstructure:"max_retries"`
	BackoffBaseSeconds int    `mapstructure:"backoff_base_seconds"`
	MaxRetryDelayMin   int    `mapstructure:"max_retry_delay_minutes"`
	RetentionHours     int    `mapstructure:"retention_hours"`
	PruneIntervalMin   int    `mapstructure:"prune_interval_minutes"`
	EventTopic         string `mapstructure:"event_topic"`
}

// MonitorConfig governs gap detection and repair.
type MonitorConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	TickMinutes     int  `mapstructure:"tick_minutes"`
	WindowMinutes   int  `mapstructure:"window_minutes"`
	Lookback        int  `mapstructure:"lookback"`
	MaxRetries      int  `mapstructure:"max_retries"`
	RetrySpacingMin int  `mapstructure:"retry_spacing_minutes"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

// ArchiveConfig controls raw payload archiving.
type ArchiveConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for outcome event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("client.timeout_seconds", 15)
	v.SetDefault("client.rate_limit_delay_ms", 1000)
	v.SetDefault("client.max_retries", 3)
	v.SetDefault("client.backoff_initial_ms", 500)
	v.SetDefault("client.backoff_factor", 2.0)
	v.SetDefault("client.backoff_max_ms", 30000)
	v.SetDefault("client.user_agent", "rankwatch/0.1")
	v.SetDefault("scheduler.max_workers", 5)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.backoff_base_seconds", 60)
	v.SetDefault("scheduler.max_retry_delay_minutes", 30)
	v.SetDefault("scheduler.retention_hours", 72)
	v.SetDefault("scheduler.prune_interval_minutes", 60)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.tick_minutes", 30)
	v.SetDefault("monitor.window_minutes", 30)
	v.SetDefault("monitor.lookback", 2)
	v.SetDefault("monitor.max_retries", 3)
	v.SetDefault("monitor.retry_spacing_minutes", 10)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Client.TimeoutSeconds <= 0 {
		return fmt.Errorf("client.timeout_seconds must be > 0")
	}
	if c.Scheduler.MaxWorkers <= 0 {
		return fmt.Errorf("scheduler.max_workers must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.EventTopic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when scheduler.event_topic is set")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	return nil
}

// ClientSettings converts the client block into httpclient.Config.
func (c Config) ClientSettings() httpclient.Config {
	return httpclient.Config{
		Timeout:        time.Duration(c.Client.TimeoutSeconds) * time.Second,
		RateLimitDelay: time.Duration(c.Client.RateLimitDelayMs) * time.Millisecond,
		MaxRetries:     c.Client.MaxRetries,
		BackoffBase:    time.Duration(c.Client.BackoffInitialMs) * time.Millisecond,
		BackoffFactor:  c.Client.BackoffFactor,
		MaxBackoff:     time.Duration(c.Client.BackoffMaxMs) * time.Millisecond,
		UserAgent:      c.Client.UserAgent,
	}
}

// SchedulerSettings converts the scheduler block into scheduler.Config.
func (c Config) SchedulerSettings() scheduler.Config {
	return scheduler.Config{
		MaxWorkers:        c.Scheduler.MaxWorkers,
		DefaultMaxRetries: c.Scheduler.MaxRetries,
		BackoffBase:       time.Duration(c.Scheduler.BackoffBaseSeconds) * time.Second,
		MaxRetryDelay:     time.Duration(c.Scheduler.MaxRetryDelayMin) * time.Minute,
		Retention:         time.Duration(c.Scheduler.RetentionHours) * time.Hour,
		PruneInterval:     time.Duration(c.Scheduler.PruneIntervalMin) * time.Minute,
		EventTopic:        c.Scheduler.EventTopic,
	}
}

// MonitorSettings converts the monitor block into monitor.Config.
func (c Config) MonitorSettings() monitor.Config {
	return monitor.Config{
		TickInterval: time.Duration(c.Monitor.TickMinutes) * time.Minute,
		Window:       time.Duration(c.Monitor.WindowMinutes) * time.Minute,
		Lookback:     c.Monitor.Lookback,
		MaxRetries:   c.Monitor.MaxRetries,
		RetrySpacing: time.Duration(c.Monitor.RetrySpacingMin) * time.Minute,
	}
}
