// Package config provides configuration management for PhishGuard.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/phishguard/internal/analyzer"
	"github.com/lvonguyen/phishguard/internal/engine"
	"github.com/lvonguyen/phishguard/internal/feed"
	"github.com/lvonguyen/phishguard/internal/scorer"
	"github.com/lvonguyen/phishguard/internal/verdict"
)

// Config holds all PhishGuard configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Analyzers AnalyzersConfig `yaml:"analyzers"`
	Engine    engine.Config   `yaml:"engine"`
	Scorer    scorer.Config   `yaml:"scorer"`
	Feeds     FeedsConfig     `yaml:"feeds"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CacheConfig selects and configures the verdict store backend.
type CacheConfig struct {
	// Backend is one of memory, redis, sqlite.
	Backend string              `yaml:"backend"`
	Verdict verdict.CacheConfig `yaml:"verdict"`
	Redis   RedisConfig         `yaml:"redis"`
	SQLite  SQLiteConfig        `yaml:"sqlite"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password resolves the Redis password from the configured environment
// variable.
func (c RedisConfig) Password() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.PasswordEnv)
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// AnalyzersConfig holds per-analyzer settings. Analyzers are enabled unless
// explicitly disabled.
type AnalyzersConfig struct {
	DNS           DNSAnalyzerConfig           `yaml:"dns"`
	Registration  RegistrationAnalyzerConfig  `yaml:"registration"`
	Feeds         FeedsAnalyzerConfig         `yaml:"feeds"`
	Heuristics    HeuristicsAnalyzerConfig    `yaml:"heuristics"`
	TLS           TLSAnalyzerConfig           `yaml:"tls"`
	Content       ContentAnalyzerConfig       `yaml:"content"`
	Impersonation ImpersonationAnalyzerConfig `yaml:"impersonation"`
}

// DNSAnalyzerConfig pairs the DNS analyzer settings with its enable switch.
type DNSAnalyzerConfig struct {
	Disabled           bool `yaml:"disabled"`
	analyzer.DNSConfig `yaml:",inline"`
}

// RegistrationAnalyzerConfig pairs the RDAP analyzer settings with its
// enable switch.
type RegistrationAnalyzerConfig struct {
	Disabled                    bool `yaml:"disabled"`
	analyzer.RegistrationConfig `yaml:",inline"`
}

// FeedsAnalyzerConfig pairs the feed-lookup analyzer settings with its
// enable switch.
type FeedsAnalyzerConfig struct {
	Disabled             bool `yaml:"disabled"`
	analyzer.FeedsConfig `yaml:",inline"`
}

// HeuristicsAnalyzerConfig pairs the lexical analyzer settings with its
// enable switch.
type HeuristicsAnalyzerConfig struct {
	Disabled                  bool `yaml:"disabled"`
	analyzer.HeuristicsConfig `yaml:",inline"`
}

// TLSAnalyzerConfig pairs the TLS analyzer settings with its enable switch.
type TLSAnalyzerConfig struct {
	Disabled           bool `yaml:"disabled"`
	analyzer.TLSConfig `yaml:",inline"`
}

// ContentAnalyzerConfig pairs the content analyzer settings with its enable
// switch.
type ContentAnalyzerConfig struct {
	Disabled               bool `yaml:"disabled"`
	analyzer.ContentConfig `yaml:",inline"`
}

// ImpersonationAnalyzerConfig pairs the impersonation analyzer settings
// with its enable switch.
type ImpersonationAnalyzerConfig struct {
	Disabled                     bool `yaml:"disabled"`
	analyzer.ImpersonationConfig `yaml:",inline"`
}

// FeedsConfig holds feed ingestion settings.
type FeedsConfig struct {
	Ingestor feed.IngestorConfig          `yaml:"ingestor"`
	Sources  map[string]feed.SourceConfig `yaml:"sources"`
}

// RateLimitConfig holds API rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BulkCost          int  `yaml:"bulk_cost"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Backend: "memory",
			Verdict: verdict.DefaultCacheConfig(),
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				PasswordEnv: "PHISHGUARD_REDIS_PASSWORD",
				DB:          0,
				PoolSize:    10,
			},
			SQLite: SQLiteConfig{
				Path: "data/verdicts.db",
			},
		},
		Analyzers: AnalyzersConfig{
			DNS:           DNSAnalyzerConfig{DNSConfig: analyzer.DefaultDNSConfig()},
			Registration:  RegistrationAnalyzerConfig{RegistrationConfig: analyzer.DefaultRegistrationConfig()},
			Feeds:         FeedsAnalyzerConfig{FeedsConfig: analyzer.DefaultFeedsConfig()},
			Heuristics:    HeuristicsAnalyzerConfig{HeuristicsConfig: analyzer.DefaultHeuristicsConfig()},
			TLS:           TLSAnalyzerConfig{TLSConfig: analyzer.DefaultTLSConfig()},
			Content:       ContentAnalyzerConfig{ContentConfig: analyzer.DefaultContentConfig()},
			Impersonation: ImpersonationAnalyzerConfig{ImpersonationConfig: analyzer.DefaultImpersonationConfig()},
		},
		Engine: engine.DefaultConfig(),
		Scorer: scorer.DefaultConfig(),
		Feeds: FeedsConfig{
			Ingestor: feed.DefaultIngestorConfig(),
			Sources: map[string]feed.SourceConfig{
				"openphish": {Enabled: true, Trusted: true, Interval: 30 * time.Minute},
				"phishtank": {Enabled: true, Trusted: true, Interval: time.Hour},
				"urlhaus":   {Enabled: true, Trusted: true, Interval: time.Hour},
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BulkCost:          5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
