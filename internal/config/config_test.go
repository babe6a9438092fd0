package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  base_uris: ["https://example.com/"]
  additional_uris: ["https://example.com/sitemap"]
  subscribers: ["search-index", "logger"]
  concurrency: 6
  delay_micros: 250000
  max_requests: 100
  max_depth: 3
  allowed_hosts: ["*.example.net"]
  respect_robots: false
http:
  timeout_seconds: 45
frontier:
  backend: lazy
db:
  dsn: postgres://crawler@localhost/crawler
search:
  index_protected: true
  backend: postgres
storage:
  backend: gcs
  gcs_bucket: bucket
  prefix: crawls
pubsub:
  backend: pubsub
  project_id: proj
  topic_name: finished
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.Concurrency != 6 || cfg.Crawler.RespectRobots {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if got := cfg.SeedURIs(); len(got) != 2 || got[1] != "https://example.com/sitemap" {
		t.Fatalf("unexpected seeds: %v", got)
	}
	engine := cfg.EngineConfig()
	if engine.RequestDelay != 250*time.Millisecond {
		t.Fatalf("expected 250ms delay, got %v", engine.RequestDelay)
	}
	if engine.MaxRequests != 100 || engine.MaxDepth != 3 || len(engine.AllowedHosts) != 1 {
		t.Fatalf("unexpected engine config: %+v", engine)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	if !cfg.NeedsDatabase() {
		t.Fatal("expected lazy frontier to need the database")
	}
	if cfg.Storage.GCSBucket != "bucket" || cfg.PubSub.TopicName != "finished" {
		t.Fatalf("unexpected storage/pubsub config: %+v %+v", cfg.Storage, cfg.PubSub)
	}
	if cfg.Logging.Development {
		t.Fatal("expected development logging disabled")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Concurrency != crawler.DefaultConcurrency {
		t.Fatalf("expected default concurrency, got %d", cfg.Crawler.Concurrency)
	}
	if cfg.Frontier.Backend != BackendMemory || cfg.Storage.Backend != BackendLocal {
		t.Fatalf("unexpected default backends: %+v %+v", cfg.Frontier, cfg.Storage)
	}
	if !cfg.Search.Enabled || cfg.Search.IndexProtected {
		t.Fatalf("unexpected search defaults: %+v", cfg.Search)
	}
	if cfg.NeedsDatabase() {
		t.Fatal("default config should not need a database")
	}
	if cfg.HTTP.Retries != 0 || cfg.HTTP.RetryBackoffMs != 250 {
		t.Fatalf("expected retries off by default, got %+v", cfg.HTTP)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("CRAWLER_CRAWLER_CONCURRENCY", "3")
	t.Setenv("CRAWLER_SERVER_PORT", "7070")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Concurrency != 3 || cfg.Server.Port != 7070 {
		t.Fatalf("expected env overrides, got concurrency=%d port=%d", cfg.Crawler.Concurrency, cfg.Server.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Crawler:  CrawlerConfig{Concurrency: 1},
		HTTP:     HTTPConfig{TimeoutSeconds: 10},
		Frontier: FrontierConfig{Backend: BackendMemory},
		Search:   SearchConfig{Backend: BackendMemory},
		Storage:  StorageConfig{Backend: BackendMemory},
		PubSub:   PubSubConfig{Backend: BackendMemory, TopicName: "finished"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to be valid, got %v", err)
	}

	tests := []struct {
		name string
		cfg  func(c *Config)
		want string
	}{
		{name: "invalid port", cfg: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid concurrency", cfg: func(c *Config) { c.Crawler.Concurrency = 0 }, want: "crawler.concurrency"},
		{name: "negative delay", cfg: func(c *Config) { c.Crawler.DelayMicros = -1 }, want: "crawler.delay_micros"},
		{name: "negative depth", cfg: func(c *Config) { c.Crawler.MaxDepth = -1 }, want: "crawler.max_depth"},
		{name: "invalid timeout", cfg: func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, want: "http.timeout_seconds"},
		{name: "negative retries", cfg: func(c *Config) { c.HTTP.Retries = -1 }, want: "http.retries"},
		{name: "auth missing api key", cfg: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "unknown frontier", cfg: func(c *Config) { c.Frontier.Backend = "redis" }, want: "frontier.backend"},
		{name: "postgres without dsn", cfg: func(c *Config) { c.Frontier.Backend = BackendPostgres }, want: "db.dsn"},
		{name: "gcs without bucket", cfg: func(c *Config) { c.Storage.Backend = BackendGCS }, want: "storage.gcs_bucket"},
		{name: "local without dir", cfg: func(c *Config) { c.Storage.Backend = BackendLocal }, want: "storage.local_dir"},
		{name: "pubsub without project", cfg: func(c *Config) { c.PubSub.Backend = BackendPubSub }, want: "pubsub.project_id"},
		{name: "missing topic", cfg: func(c *Config) { c.PubSub.TopicName = "" }, want: "pubsub.topic_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.cfg(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			if !errors.Is(err, crawler.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
