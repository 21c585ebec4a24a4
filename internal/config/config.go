// Package config loads and validates crawlgrid configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Master    MasterConfig    `mapstructure:"master"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// MasterConfig controls the master's HTTP surface.
type MasterConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// URL is the address workers use to reach the master.
	URL string `mapstructure:"url"`
}

// CrawlConfig governs scope, politeness, and retry behavior.
type CrawlConfig struct {
	MaxDepth       int           `mapstructure:"max_depth"`
	AllowedDomains []string      `mapstructure:"allowed_domains"`
	DefaultDelay   time.Duration `mapstructure:"default_delay"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RetryLimit     int           `mapstructure:"retry_limit"`
	MaxPageBytes   int64         `mapstructure:"max_page_bytes"`
}

// HeartbeatConfig sets the failure detector's timing contract.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Grace    time.Duration `mapstructure:"grace"`
}

// RobotsConfig controls the robots.txt cache.
type RobotsConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// QueueConfig selects and tunes the task queue backend.
type QueueConfig struct {
	Backend           string        `mapstructure:"backend"`
	RedisAddr         string        `mapstructure:"redis_addr"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PollWait          time.Duration `mapstructure:"poll_wait"`
	MemoryDepth       int           `mapstructure:"memory_depth"`
}

// StorageConfig selects and tunes the blob store backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// ArchiveConfig configures the optional Postgres frontier archive.
type ArchiveConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for the optional page-ready topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// IndexerConfig tunes the indexer worker and its search endpoint.
type IndexerConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	SnapshotKey      string        `mapstructure:"snapshot_key"`
}

// WorkerConfig tunes in-process worker fan-out.
type WorkerConfig struct {
	Count int `mapstructure:"count"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLGRID")
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
	v.SetDefault("master.listen_addr", ":8080")
	v.SetDefault("master.url", "http://localhost:8080")
	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.default_delay", "1s")
	v.SetDefault("crawl.fetch_timeout", "15s")
	v.SetDefault("crawl.user_agent", "crawlgrid-bot/0.1")
	v.SetDefault("crawl.retry_limit", 3)
	v.SetDefault("crawl.max_page_bytes", 8<<20)
	v.SetDefault("heartbeat.interval", "5s")
	v.SetDefault("heartbeat.timeout", "30s")
	v.SetDefault("heartbeat.grace", "10s")
	v.SetDefault("robots.cache_ttl", "1h")
	v.SetDefault("robots.fetch_timeout", "10s")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.visibility_timeout", "60s")
	v.SetDefault("queue.poll_wait", "2s")
	v.SetDefault("queue.memory_depth", 1024)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("pubsub.topic", "pages-ready")
	v.SetDefault("indexer.listen_addr", ":8090")
	v.SetDefault("indexer.snapshot_interval", "1m")
	v.SetDefault("indexer.snapshot_key", "index/snapshot.json")
	v.SetDefault("worker.count", 4)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and the heartbeat timing contract: the
// timeout must exceed the longest single fetch plus one heartbeat interval,
// or a slow page would look like a dead worker.
func (c Config) Validate() error {
	if c.Master.ListenAddr == "" {
		return fmt.Errorf("master.listen_addr must be set")
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0")
	}
	if c.Crawl.FetchTimeout <= 0 {
		return fmt.Errorf("crawl.fetch_timeout must be > 0")
	}
	if c.Crawl.DefaultDelay < 0 {
		return fmt.Errorf("crawl.default_delay must be >= 0")
	}
	if c.Crawl.UserAgent == "" {
		return fmt.Errorf("crawl.user_agent must be set")
	}
	if c.Crawl.RetryLimit < 0 {
		return fmt.Errorf("crawl.retry_limit must be >= 0")
	}
	if c.Crawl.MaxPageBytes <= 0 {
		return fmt.Errorf("crawl.max_page_bytes must be > 0")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be > 0")
	}
	if c.Heartbeat.Timeout <= c.Crawl.FetchTimeout+c.Heartbeat.Interval {
		return fmt.Errorf(
			"heartbeat.timeout (%s) must exceed crawl.fetch_timeout + heartbeat.interval (%s)",
			c.Heartbeat.Timeout, c.Crawl.FetchTimeout+c.Heartbeat.Interval,
		)
	}
	if c.Heartbeat.Grace <= 0 {
		return fmt.Errorf("heartbeat.grace must be > 0")
	}
	if c.Robots.CacheTTL <= 0 {
		return fmt.Errorf("robots.cache_ttl must be > 0")
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("queue.backend must be memory or redis, got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "redis" && c.Queue.RedisAddr == "" {
		return fmt.Errorf("queue.redis_addr must be set for the redis backend")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.visibility_timeout must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local, or gcs, got %q", c.Storage.Backend)
	}
	if c.Indexer.ListenAddr == "" {
		return fmt.Errorf("indexer.listen_addr must be set")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	return nil
}
