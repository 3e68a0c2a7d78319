// Package config loads the YAML configuration for a database node:
// object store backend selection, cache backend selection, gossip
// transport tuning, replicator concurrency/retry budgets, and logging.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig holds the node identity of this process.
type NodeConfig struct {
	NodeID string `yaml:"node_id"`
}

// ObjectStoreConfig selects and configures the content-addressed object
// store backend.
type ObjectStoreConfig struct {
	Backend  string         `yaml:"backend"` // "memory" or "postgres"
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig configures the Postgres object store backend.
type PostgresConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Database       string        `yaml:"database"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	MaxConns       int32         `yaml:"max_conns"`
	MinConns       int32         `yaml:"min_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// CacheConfig selects and configures the keyed-blob cache backend used to
// persist heads between process restarts.
type CacheConfig struct {
	Backend string      `yaml:"backend"` // "memory" or "redis"
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	MaxRetries   int    `yaml:"max_retries"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

// GossipConfig configures the memberlist-backed gossip bus.
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// ReplicatorConfig configures the per-database replicator state machine.
type ReplicatorConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MergeBatch  int           `yaml:"merge_batch"`
}

// MetricsConfig configures Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete node configuration.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Cache       CacheConfig       `yaml:"cache"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Replicator  ReplicatorConfig  `yaml:"replicator"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Load reads and parses a YAML configuration file at path, filling in
// defaults for anything left unspecified, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.ObjectStore.Backend == "" {
		cfg.ObjectStore.Backend = "memory"
	}
	if cfg.ObjectStore.Postgres.MaxConns == 0 {
		cfg.ObjectStore.Postgres.MaxConns = 10
	}
	if cfg.ObjectStore.Postgres.MinConns == 0 {
		cfg.ObjectStore.Postgres.MinConns = 2
	}
	if cfg.ObjectStore.Postgres.ConnectTimeout == 0 {
		cfg.ObjectStore.Postgres.ConnectTimeout = 5 * time.Second
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.Redis.PoolSize == 0 {
		cfg.Cache.Redis.PoolSize = 10
	}
	if cfg.Cache.Redis.MaxRetries == 0 {
		cfg.Cache.Redis.MaxRetries = 3
	}

	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Replicator.Concurrency == 0 {
		cfg.Replicator.Concurrency = 32
	}
	if cfg.Replicator.MaxAttempts == 0 {
		cfg.Replicator.MaxAttempts = 5
	}
	if cfg.Replicator.BaseBackoff == 0 {
		cfg.Replicator.BaseBackoff = 50 * time.Millisecond
	}
	if cfg.Replicator.MergeBatch == 0 {
		cfg.Replicator.MergeBatch = 16
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks invariants that defaulting cannot repair.
func (c *Config) Validate() error {
	if c.Node.NodeID == "" {
		return fmt.Errorf("node.node_id is required")
	}
	switch c.ObjectStore.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("object_store.backend must be one of: memory, postgres")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend must be one of: memory, redis")
	}
	if c.Replicator.Concurrency <= 0 {
		return fmt.Errorf("replicator.concurrency must be positive")
	}
	return nil
}
