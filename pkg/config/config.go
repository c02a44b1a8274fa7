// Package config loads the verdict service configuration from file,
// environment and defaults, in that priority order.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Backend selection values
const (
	StorageMemory = "memory"
	StorageNeo4j  = "neo4j"

	CacheMemory = "memory"
	CacheRedis  = "redis"

	EventsNone = "none"
	EventsNATS = "nats"
)

// Config is the full service configuration
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Packs      PacksConfig      `mapstructure:"packs"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Events     EventsConfig     `mapstructure:"events"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Clustering ClusteringConfig `mapstructure:"clustering"`
}

// PacksConfig locates and caches domain packs
type PacksConfig struct {
	Root            string `mapstructure:"root"`
	FallbackPack    string `mapstructure:"fallback_pack"`
	CacheTTLMinutes int    `mapstructure:"cache_ttl_minutes"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Backend string      `mapstructure:"backend"`
	Neo4j   Neo4jConfig `mapstructure:"neo4j"`
}

// Neo4jConfig mirrors the neo4j store connection settings
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// CacheConfig selects and configures the pack component cache
type CacheConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig mirrors the redis cache connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EventsConfig selects and configures the outbound event bus
type EventsConfig struct {
	Backend string     `mapstructure:"backend"`
	NATS    NATSConfig `mapstructure:"nats"`
}

// NATSConfig mirrors the NATS JetStream connection settings
type NATSConfig struct {
	URL        string `mapstructure:"url"`
	StreamName string `mapstructure:"stream_name"`
}

// SandboxConfig bounds custom validator execution
type SandboxConfig struct {
	Workers        int `mapstructure:"workers"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// ScoringConfig tunes the scoring pipeline
type ScoringConfig struct {
	SLAHighMultiplier float64 `mapstructure:"sla_high_multiplier"`
	KnowledgeLimit    int     `mapstructure:"knowledge_limit"`
	FindingTTLHours   int     `mapstructure:"finding_ttl_hours"`
	ParallelCustom    bool    `mapstructure:"parallel_custom"`
}

// ClusteringConfig tunes the insight engine defaults; packs may override
// window and cluster size per project.
type ClusteringConfig struct {
	WindowMinutes         int     `mapstructure:"window_minutes"`
	MinClusterSize        int     `mapstructure:"min_cluster_size"`
	MergeProximityMinutes int     `mapstructure:"merge_proximity_minutes"`
	HighAvgScore          float64 `mapstructure:"high_avg_score"`
	HighShare             float64 `mapstructure:"high_share"`
	MedAvgScore           float64 `mapstructure:"med_avg_score"`
	MedShare              float64 `mapstructure:"med_share"`
	HardHighSize          int     `mapstructure:"hard_high_size"`
}

// Default returns the zero-config baseline: in-memory everything, packs
// under ./packs.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Packs: PacksConfig{
			Root:            "./packs",
			FallbackPack:    "default",
			CacheTTLMinutes: 15,
		},
		Storage: StorageConfig{
			Backend: StorageMemory,
			Neo4j: Neo4jConfig{
				URI:      "bolt://localhost:7687",
				Username: "neo4j",
				Database: "neo4j",
			},
		},
		Cache: CacheConfig{
			Backend: CacheMemory,
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Events: EventsConfig{
			Backend: EventsNone,
			NATS: NATSConfig{
				URL:        "nats://localhost:4222",
				StreamName: "VERDICT",
			},
		},
		Sandbox: SandboxConfig{
			Workers:        4,
			TimeoutSeconds: 30,
		},
		Scoring: ScoringConfig{
			SLAHighMultiplier: 2.0,
			KnowledgeLimit:    3,
			FindingTTLHours:   168,
			ParallelCustom:    true,
		},
		Clustering: ClusteringConfig{
			WindowMinutes:         1440,
			MinClusterSize:        3,
			MergeProximityMinutes: 30,
			HighAvgScore:          2.5,
			HighShare:             0.5,
			MedAvgScore:           1.5,
			MedShare:              0.3,
			HardHighSize:          10,
		},
	}
}

// Load reads configuration from an optional file plus VERDICT_* env
// vars, layered over the defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VERDICT")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects backend selections the binary cannot honor
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageMemory, StorageNeo4j:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Cache.Backend {
	case CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Events.Backend {
	case EventsNone, EventsNATS:
	default:
		return fmt.Errorf("unknown events backend %q", c.Events.Backend)
	}
	if c.Packs.Root == "" {
		return fmt.Errorf("packs root is required")
	}
	if c.Sandbox.Workers <= 0 {
		return fmt.Errorf("sandbox workers must be positive")
	}
	for name, share := range map[string]float64{
		"clustering high_share": c.Clustering.HighShare,
		"clustering med_share":  c.Clustering.MedShare,
	} {
		if share < 0 || share > 1 {
			return fmt.Errorf("%s must be between 0 and 1", name)
		}
	}
	return nil
}

// FindingTTL returns the configured retention as a duration
func (c *Config) FindingTTL() time.Duration {
	return time.Duration(c.Scoring.FindingTTLHours) * time.Hour
}

// SandboxTimeout returns the per-validator timeout as a duration
func (c *Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("packs.root", d.Packs.Root)
	v.SetDefault("packs.fallback_pack", d.Packs.FallbackPack)
	v.SetDefault("packs.cache_ttl_minutes", d.Packs.CacheTTLMinutes)
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.neo4j.uri", d.Storage.Neo4j.URI)
	v.SetDefault("storage.neo4j.username", d.Storage.Neo4j.Username)
	v.SetDefault("storage.neo4j.database", d.Storage.Neo4j.Database)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.redis.addr", d.Cache.Redis.Addr)
	v.SetDefault("events.backend", d.Events.Backend)
	v.SetDefault("events.nats.url", d.Events.NATS.URL)
	v.SetDefault("events.nats.stream_name", d.Events.NATS.StreamName)
	v.SetDefault("sandbox.workers", d.Sandbox.Workers)
	v.SetDefault("sandbox.timeout_seconds", d.Sandbox.TimeoutSeconds)
	v.SetDefault("scoring.sla_high_multiplier", d.Scoring.SLAHighMultiplier)
	v.SetDefault("scoring.knowledge_limit", d.Scoring.KnowledgeLimit)
	v.SetDefault("scoring.finding_ttl_hours", d.Scoring.FindingTTLHours)
	v.SetDefault("scoring.parallel_custom", d.Scoring.ParallelCustom)
	v.SetDefault("clustering.window_minutes", d.Clustering.WindowMinutes)
	v.SetDefault("clustering.min_cluster_size", d.Clustering.MinClusterSize)
	v.SetDefault("clustering.merge_proximity_minutes", d.Clustering.MergeProximityMinutes)
	v.SetDefault("clustering.high_avg_score", d.Clustering.HighAvgScore)
	v.SetDefault("clustering.high_share", d.Clustering.HighShare)
	v.SetDefault("clustering.med_avg_score", d.Clustering.MedAvgScore)
	v.SetDefault("clustering.med_share", d.Clustering.MedShare)
	v.SetDefault("clustering.hard_high_size", d.Clustering.HardHighSize)
}
