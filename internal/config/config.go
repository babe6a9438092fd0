// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Backend names accepted by the configuration.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendLazy     = "lazy"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Frontier FrontierConfig `mapstructure:"frontier"`
	DB       DBConfig       `mapstructure:"db"`
	Search   SearchConfig   `mapstructure:"search"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the engine and the default crawl parameters.
type CrawlerConfig struct {
	BaseURIs       []string `mapstructure:"base_uris"`
	AdditionalURIs []string `mapstructure:"additional_uris"`
	Subscribers    []string `mapstructure:"subscribers"`
	Concurrency    int      `mapstructure:"concurrency"`
	DelayMicros    int64    `mapstructure:"delay_micros"`
	PerHostDelayMs int      `mapstructure:"per_host_delay_ms"`
	MaxRequests    int      `mapstructure:"max_requests"`
	MaxDepth       int      `mapstructure:"max_depth"`
	AllowedHosts   []string `mapstructure:"allowed_hosts"`
	UserAgent      string   `mapstructure:"user_agent"`
	RespectRobots  bool     `mapstructure:"respect_robots"`
}

// HTTPConfig configures the fetcher's HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
	Retries        int `mapstructure:"retries"`
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
}

// FrontierConfig selects where job state lives.
type FrontierConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to PostgreSQL.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// SearchConfig configures the default search indexer.
type SearchConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	IndexProtected bool   `mapstructure:"index_protected"`
	Backend        string `mapstructure:"backend"`
}

// StorageConfig selects the artifact store.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds the finished-notification settings.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level overrides the preset minimum level (debug, info, warn, error).
	Level string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.request_timeout_seconds", 300)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("crawler.base_uris", []string{})
	v.SetDefault("crawler.additional_uris", []string{})
	v.SetDefault("crawler.subscribers", []string{})
	v.SetDefault("crawler.concurrency", crawler.DefaultConcurrency)
	v.SetDefault("crawler.delay_micros", 0)
	v.SetDefault("crawler.per_host_delay_ms", 0)
	v.SetDefault("crawler.max_requests", 0)
	v.SetDefault("crawler.max_depth", 0)
	v.SetDefault("crawler.allowed_hosts", []string{})
	v.SetDefault("crawler.user_agent", "sitecrawler/1.0")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("http.retries", 0)
	v.SetDefault("http.retry_backoff_ms", 250)
	v.SetDefault("frontier.backend", BackendMemory)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("search.enabled", true)
	v.SetDefault("search.index_protected", false)
	v.SetDefault("search.backend", BackendMemory)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local_dir", "var/crawl")
	v.SetDefault("pubsub.backend", BackendMemory)
	v.SetDefault("pubsub.topic_name", "crawl-finished")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits. Every failure
// wraps crawler.ErrInvalidConfig.
func (c Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		problems = append(problems, "crawler.concurrency must be > 0")
	}
	if c.Crawler.DelayMicros < 0 {
		problems = append(problems, "crawler.delay_micros must be >= 0")
	}
	if c.Crawler.PerHostDelayMs < 0 {
		problems = append(problems, "crawler.per_host_delay_ms must be >= 0")
	}
	if c.Crawler.MaxRequests < 0 {
		problems = append(problems, "crawler.max_requests must be >= 0")
	}
	if c.Crawler.MaxDepth < 0 {
		problems = append(problems, "crawler.max_depth must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		problems = append(problems, "http.timeout_seconds must be > 0")
	}
	if c.HTTP.Retries < 0 {
		problems = append(problems, "http.retries must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		problems = append(problems, "auth.api_key must be set when auth is enabled")
	}
	problems = append(problems, oneOf("frontier.backend", c.Frontier.Backend, BackendMemory, BackendPostgres, BackendLazy)...)
	problems = append(problems, oneOf("search.backend", c.Search.Backend, BackendMemory, BackendPostgres)...)
	problems = append(problems, oneOf("storage.backend", c.Storage.Backend, BackendMemory, BackendLocal, BackendGCS)...)
	problems = append(problems, oneOf("pubsub.backend", c.PubSub.Backend, BackendMemory, BackendPubSub)...)
	if c.NeedsDatabase() && c.DB.DSN == "" {
		problems = append(problems, "db.dsn must be set for postgres backed stores")
	}
	if c.Storage.Backend == BackendLocal && c.Storage.LocalDir == "" {
		problems = append(problems, "storage.local_dir must be set for the local backend")
	}
	if c.Storage.Backend == BackendGCS && c.Storage.GCSBucket == "" {
		problems = append(problems, "storage.gcs_bucket must be set for the gcs backend")
	}
	if c.PubSub.TopicName == "" {
		problems = append(problems, "pubsub.topic_name must be set")
	}
	if c.PubSub.Backend == BackendPubSub && c.PubSub.ProjectID == "" {
		problems = append(problems, "pubsub.project_id must be set for the pubsub backend")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", crawler.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// NeedsDatabase reports whether any configured store lives in PostgreSQL.
func (c Config) NeedsDatabase() bool {
	return c.Frontier.Backend == BackendPostgres ||
		c.Frontier.Backend == BackendLazy ||
		c.Search.Backend == BackendPostgres
}

// SeedURIs returns the configured base URIs followed by the additional ones.
func (c Config) SeedURIs() []string {
	return append(slices.Clone(c.Crawler.BaseURIs), c.Crawler.AdditionalURIs...)
}

// EngineConfig converts the crawler section into engine parameters.
func (c Config) EngineConfig() crawler.Config {
	return crawler.Config{
		Concurrency:  c.Crawler.Concurrency,
		RequestDelay: time.Duration(c.Crawler.DelayMicros) * time.Microsecond,
		MaxRequests:  c.Crawler.MaxRequests,
		MaxDepth:     c.Crawler.MaxDepth,
		AllowedHosts: slices.Clone(c.Crawler.AllowedHosts),
	}
}

// FetchTimeout is the per-request timeout of the fetcher.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

func oneOf(key, value string, allowed ...string) []string {
	if slices.Contains(allowed, value) {
		return nil
	}
	return []string{fmt.Sprintf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)}
}
