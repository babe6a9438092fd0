package app

import (
	"context"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/clock/system"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/colly"
	"github.com/JakeFAU/sitecrawler/internal/frontier/lazy"
	memoryfrontier "github.com/JakeFAU/sitecrawler/internal/frontier/memory"
	pgfrontier "github.com/JakeFAU/sitecrawler/internal/frontier/postgres"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha256"
	"github.com/JakeFAU/sitecrawler/internal/id/uuid"
	"github.com/JakeFAU/sitecrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/sitecrawler/internal/policy/robots"
	memorypublisher "github.com/JakeFAU/sitecrawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitecrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/sitecrawler/internal/search"
	memorysearch "github.com/JakeFAU/sitecrawler/internal/search/memory"
	pgsearch "github.com/JakeFAU/sitecrawler/internal/search/postgres"
	gcsstorage "github.com/JakeFAU/sitecrawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitecrawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/sitecrawler/internal/storage/memory"
	"github.com/JakeFAU/sitecrawler/internal/subscriber"
	"github.com/JakeFAU/sitecrawler/internal/subscriber/brokenlink"
	logsubscriber "github.com/JakeFAU/sitecrawler/internal/subscriber/logger"
	metricsubscriber "github.com/JakeFAU/sitecrawler/internal/subscriber/metrics"
	"github.com/JakeFAU/sitecrawler/internal/subscriber/notify"
	"github.com/JakeFAU/sitecrawler/internal/subscriber/searchindex"
)

type publisher interface {
	crawler.Publisher
	Close() error
}

// builder accumulates closers while dependencies are set up so a failure
// halfway through releases what was already opened.
type builder struct {
	cfg     config.Config
	logger  *zap.Logger
	clock   crawler.Clock
	ids     crawler.IDGenerator
	closers []func() error
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &builder{cfg: cfg, logger: logger, clock: system.New(), ids: uuid.New()}
	defer func() {
		if err != nil {
			for i := len(b.closers) - 1; i >= 0; i-- {
				_ = b.closers[i]()
			}
		}
	}()

	logger.Info("building application dependencies",
		zap.String("frontier", cfg.Frontier.Backend),
		zap.String("search", cfg.Search.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("pubsub", cfg.PubSub.Backend),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	frontier, err := b.setupFrontier(ctx)
	if err != nil {
		return nil, err
	}
	artifacts, err := b.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	indexer, err := b.setupSearch(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := b.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	registry, err := b.setupSubscribers(reg, indexer, artifacts, pub)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		Delay:        time.Duration(cfg.Crawler.DelayMicros) * time.Microsecond,
		PerHostDelay: time.Duration(cfg.Crawler.PerHostDelayMs) * time.Millisecond,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		Concurrency:  cfg.Crawler.Concurrency,
		MaxBodySize:  cfg.HTTP.MaxBodyBytes,
		Retries:      cfg.HTTP.Retries,
		RetryBackoff: time.Duration(cfg.HTTP.RetryBackoffMs) * time.Millisecond,
	}, limiter)
	logger.Info("using colly fetcher",
		zap.String("user_agent", cfg.Crawler.UserAgent),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
		zap.Int64("delay_micros", cfg.Crawler.DelayMicros),
		zap.Int("retries", cfg.HTTP.Retries),
	)

	return New(cfg, Deps{
		Frontier:    frontier,
		Fetcher:     fetcher,
		Robots:      robots.New(cfg.Crawler.RespectRobots, cfg.Crawler.UserAgent, logger.Named("robots")),
		Indexer:     indexer,
		Subscribers: registry,
		Registry:    reg,
		Closers:     b.closers,
	}, logger)
}

func (b *builder) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

func (b *builder) setupFrontier(ctx context.Context) (crawler.Frontier, error) {
	if b.cfg.Frontier.Backend == config.BackendMemory {
		b.logger.Info("using in-memory frontier; jobs do not survive the process")
		return memoryfrontier.New(b.ids, b.clock), nil
	}
	durable, err := pgfrontier.New(ctx, pgfrontier.Config{
		DSN:             b.cfg.DB.DSN,
		MaxConns:        b.cfg.DB.MaxConns,
		MinConns:        b.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(b.cfg.DB.MaxConnLifetimeMinutes) * time.Minute,
	}, b.ids, b.clock)
	if err != nil {
		return nil, fmt.Errorf("frontier init failed: %w", err)
	}
	b.onClose(func() error {
		durable.Close()
		return nil
	})
	if b.cfg.DB.AutoMigrate {
		if err := durable.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	if b.cfg.Frontier.Backend == config.BackendPostgres {
		b.logger.Info("using postgres frontier")
		return durable, nil
	}
	b.logger.Info("using lazy frontier over postgres")
	return lazy.New(memoryfrontier.New(b.ids, b.clock), durable, b.logger.Named("frontier"))
}

func (b *builder) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch b.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		b.onClose(client.Close)
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: b.cfg.Storage.GCSBucket,
			Prefix: b.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		b.logger.Info("using GCS storage backend", zap.String("bucket", b.cfg.Storage.GCSBucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: b.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		b.logger.Info("using local storage backend", zap.String("path", b.cfg.Storage.LocalDir))
		return store, nil
	default:
		b.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (b *builder) setupSearch(ctx context.Context) (search.Indexer, error) {
	var store search.Store
	if b.cfg.Search.Backend == config.BackendPostgres {
		pg, err := pgsearch.New(ctx, b.cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("search store init failed: %w", err)
		}
		b.onClose(func() error {
			pg.Close()
			return nil
		})
		if b.cfg.DB.AutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		store = pg
	} else {
		store = memorysearch.New()
	}
	def, err := search.NewDefaultIndexer(search.DefaultConfig{
		Enabled:        b.cfg.Search.Enabled,
		IndexProtected: b.cfg.Search.IndexProtected,
	}, store, sha256.New(), b.clock, b.logger.Named("search"))
	if err != nil {
		return nil, err
	}
	return search.NewDelegatingIndexer(search.Prioritized{Indexer: def}), nil
}

func (b *builder) setupPublisher(ctx context.Context) (publisher, error) {
	if b.cfg.PubSub.Backend != config.BackendPubSub {
		b.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, b.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	pub := gcppublisher.New(client)
	b.onClose(pub.Close)
	b.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", b.cfg.PubSub.ProjectID),
		zap.String("topic", b.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (b *builder) setupSubscribers(
	reg prometheus.Registerer,
	indexer search.Indexer,
	artifacts crawler.BlobStore,
	pub publisher,
) (*subscriber.Registry, error) {
	index, err := searchindex.New(indexer, artifacts, b.logger)
	if err != nil {
		return nil, err
	}
	broken, err := brokenlink.New(artifacts, b.logger)
	if err != nil {
		return nil, err
	}
	metrics, err := metricsubscriber.New(reg)
	if err != nil {
		return nil, err
	}
	finished, err := notify.New(pub, b.cfg.PubSub.TopicName, b.clock, b.logger)
	if err != nil {
		return nil, err
	}

	registry := subscriber.NewRegistry()
	for _, sub := range []crawler.Subscriber{
		index,
		broken,
		logsubscriber.New(b.logger),
		metrics,
		finished,
	} {
		if err := registry.Register(sub); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
