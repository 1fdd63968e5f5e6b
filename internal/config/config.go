// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Data       DataConfig       `mapstructure:"data"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Store      StoreConfig      `mapstructure:"store"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DataConfig sets the root directory for engine state on disk.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// CheckpointsDir is where checkpoint artifacts live under the data root.
func (d DataConfig) CheckpointsDir() string { return filepath.Join(d.Dir, "checkpoints") }

// IterationsDir is where iteration metadata and fingerprints live.
func (d DataConfig) IterationsDir() string { return filepath.Join(d.Dir, "iterations") }

// CacheDir holds the URL validation cache.
func (d DataConfig) CacheDir() string { return filepath.Join(d.Dir, "cache") }

// EventsDir holds per-crawl JSONL event logs.
func (d DataConfig) EventsDir() string { return filepath.Join(d.Dir, "events") }

// JobsDir holds per-job durable state for the file store.
func (d DataConfig) JobsDir() string { return filepath.Join(d.Dir, "jobs") }

// HTTPConfig configures outbound HTTP client behavior.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// Timeout converts the configured seconds into a duration.
func (h HTTPConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// DiscoveryConfig governs default discovery limits and politeness.
type DiscoveryConfig struct {
	PoliteMode         bool    `mapstructure:"polite_mode"`
	PoliteMaxPageScans int     `mapstructure:"polite_max_page_scans"`
	PoliteMaxSeedPages int     `mapstructure:"polite_max_seed_pages"`
	DefaultCrawlDelay  float64 `mapstructure:"default_crawl_delay_seconds"`
	CacheTTLDays       int     `mapstructure:"cache_ttl_days"`
}

// CheckpointConfig controls auto-checkpointing and retention.
type CheckpointConfig struct {
	AutoInterval int `mapstructure:"auto_interval"`
	KeepLast     int `mapstructure:"keep_last"`
}

// StoreConfig selects the durable job store backend.
type StoreConfig struct {
	Provider string `mapstructure:"provider"` // memory | file | postgres
	DSN      string `mapstructure:"dsn"`
}

// BlobConfig selects the checkpoint artifact backend.
type BlobConfig struct {
	Provider  string `mapstructure:"provider"` // local | gcs
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PublisherConfig selects the external event publisher backend.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"` // noop | pubsub
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GENCRAWL")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("data.dir", "data")
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.user_agent", "GenCrawl/1.0 (+https://gencrawl.local)")
	v.SetDefault("discovery.polite_mode", true)
	v.SetDefault("discovery.polite_max_page_scans", 10)
	v.SetDefault("discovery.polite_max_seed_pages", 3)
	v.SetDefault("discovery.default_crawl_delay_seconds", 1.0)
	v.SetDefault("discovery.cache_ttl_days", 7)
	v.SetDefault("checkpoint.auto_interval", 100)
	v.SetDefault("checkpoint.keep_last", 3)
	v.SetDefault("store.provider", "file")
	v.SetDefault("blob.provider", "local")
	v.SetDefault("publisher.provider", "noop")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Checkpoint.AutoInterval <= 0 {
		return fmt.Errorf("checkpoint.auto_interval must be > 0")
	}
	if c.Checkpoint.KeepLast <= 0 {
		return fmt.Errorf("checkpoint.keep_last must be > 0")
	}
	switch c.Store.Provider {
	case "memory", "file":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown store provider: %s", c.Store.Provider)
	}
	switch c.Blob.Provider {
	case "local":
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set when blob.provider is gcs")
		}
	default:
		return fmt.Errorf("unknown blob provider: %s", c.Blob.Provider)
	}
	switch c.Publisher.Provider {
	case "noop":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.TopicID == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic_id must be set when publisher.provider is pubsub")
		}
	default:
		return fmt.Errorf("unknown publisher provider: %s", c.Publisher.Provider)
	}
	return nil
}
