// Package app holds the long-lived crawl services and exposes the job
// operations shared by the CLI and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/search"
	"github.com/JakeFAU/sitecrawler/internal/subscriber"
)

// Deps are the collaborators an App drives. Build assembles them from
// configuration; tests pass in-memory versions.
type Deps struct {
	Frontier    crawler.Frontier
	Fetcher     crawler.Fetcher
	Robots      crawler.RobotsPolicy
	Indexer     search.Indexer
	Subscribers *subscriber.Registry
	Registry    *prometheus.Registry
	Closers     []func() error
}

// RunOptions select what one crawl batch does.
type RunOptions struct {
	JobID string
	// Subscribers names the participating subscribers. Empty means the
	// configured default, and when that is empty too every subscriber.
	Subscribers []string
	// Engine overrides the configured engine parameters when non-nil.
	Engine   *crawler.Config
	Progress func(crawler.Progress)
}

// JobStatus is a point-in-time view of a job. The counts cover every batch
// run so far.
type JobStatus struct {
	Job       crawler.Job `json:"job"`
	Pending   int         `json:"pending"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	Total     int         `json:"total"`
	Finished  bool        `json:"finished"`
	Running   bool        `json:"running"`
}

// App runs crawl batches against a frontier.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	deps   Deps

	mu      sync.Mutex
	running map[string]struct{}
}

// New validates deps and builds an App.
func New(cfg config.Config, deps Deps, logger *zap.Logger) (*App, error) {
	if deps.Frontier == nil || deps.Fetcher == nil || deps.Subscribers == nil {
		return nil, fmt.Errorf("%w: frontier, fetcher and subscribers are required", crawler.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	return &App{
		cfg:     cfg,
		logger:  logger,
		deps:    deps,
		running: make(map[string]struct{}),
	}, nil
}

// Registry returns the Prometheus registry the crawl metrics live in.
func (a *App) Registry() *prometheus.Registry {
	return a.deps.Registry
}

// SubscriberNames lists every registered subscriber in registration order.
func (a *App) SubscriberNames() []string {
	return a.deps.Subscribers.Names()
}

// CreateJob registers a job with the given base URIs.
func (a *App) CreateJob(ctx context.Context, baseURIs []string) (crawler.Job, error) {
	if len(baseURIs) == 0 {
		baseURIs = a.cfg.SeedURIs()
	}
	job, err := a.deps.Frontier.CreateJob(ctx, baseURIs)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := a.commit(ctx, job.ID); err != nil {
		return crawler.Job{}, err
	}
	a.logger.Info("Created job", zap.String("job_id", job.ID), zap.Strings("base_uris", job.BaseURIs))
	return job, nil
}

// Status reports progress of a job.
func (a *App) Status(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := a.deps.Frontier.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	tally, err := a.deps.Frontier.Tally(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	a.mu.Lock()
	_, running := a.running[jobID]
	a.mu.Unlock()
	return JobStatus{
		Job:       job,
		Pending:   tally.Pending,
		Succeeded: tally.Succeeded,
		Failed:    tally.Failed,
		Skipped:   tally.Skipped,
		Total:     tally.Total,
		Finished:  job.Finished(),
		Running:   running,
	}, nil
}

// Crawl runs one batch of the job. Frontier state is committed and subscriber
// artifacts are flushed even when the batch fails or is canceled, so the job
// can be resumed by id.
func (a *App) Crawl(ctx context.Context, opts RunOptions) (crawler.Report, error) {
	job, err := a.deps.Frontier.GetJob(ctx, opts.JobID)
	if err != nil {
		return crawler.Report{JobID: opts.JobID}, err
	}
	names := opts.Subscribers
	if len(names) == 0 {
		names = a.cfg.Crawler.Subscribers
	}
	subs, err := a.deps.Subscribers.Select(names)
	if err != nil {
		return crawler.Report{JobID: job.ID}, err
	}
	engineCfg := a.cfg.EngineConfig()
	if opts.Engine != nil {
		engineCfg = *opts.Engine
	}

	engineOpts := []crawler.Option{crawler.WithLogger(a.logger.Named("engine"))}
	if a.deps.Robots != nil {
		engineOpts = append(engineOpts, crawler.WithRobotsPolicy(a.deps.Robots))
	}
	if opts.Progress != nil {
		engineOpts = append(engineOpts, crawler.WithProgress(opts.Progress))
	}
	engine, err := crawler.NewEngine(engineCfg, job, a.deps.Frontier, a.deps.Fetcher, subs, engineOpts...)
	if err != nil {
		return crawler.Report{JobID: job.ID}, err
	}

	if !a.acquire(job.ID) {
		return crawler.Report{JobID: job.ID}, crawler.ErrEngineRunning
	}
	defer a.release(job.ID)

	report, crawlErr := engine.Crawl(ctx)

	writeCtx := context.WithoutCancel(ctx)
	var errs []error
	if crawlErr != nil {
		errs = append(errs, crawlErr)
	}
	if err := a.commit(writeCtx, job.ID); err != nil {
		errs = append(errs, err)
	}
	if err := subscriber.FlushAll(writeCtx, subs, job.ID); err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

// Result opens the artifact a subscriber produced for a job.
func (a *App) Result(ctx context.Context, name, jobID string) (crawler.Result, error) {
	if _, err := a.deps.Frontier.GetJob(ctx, jobID); err != nil {
		return crawler.Result{}, err
	}
	provider, err := a.deps.Subscribers.ResultProvider(name)
	if err != nil {
		return crawler.Result{}, err
	}
	return provider.Result(ctx, jobID)
}

// Purge deletes a job and all of its URIs.
func (a *App) Purge(ctx context.Context, jobID string) error {
	a.mu.Lock()
	_, running := a.running[jobID]
	a.mu.Unlock()
	if running {
		return crawler.ErrEngineRunning
	}
	if err := a.deps.Frontier.Purge(ctx, jobID); err != nil {
		return err
	}
	a.logger.Info("Purged job", zap.String("job_id", jobID))
	return nil
}

// ClearIndex empties the search index.
func (a *App) ClearIndex(ctx context.Context) error {
	if a.deps.Indexer == nil {
		return nil
	}
	if err := a.deps.Indexer.Clear(ctx); err != nil {
		return fmt.Errorf("clear search index: %w", err)
	}
	return nil
}

// Close releases every resource in reverse construction order.
func (a *App) Close() error {
	var errs []error
	for _, c := range slices.Backward(a.deps.Closers) {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Error closing application services", zap.Error(err))
		return err
	}
	return nil
}

func (a *App) commit(ctx context.Context, jobID string) error {
	c, ok := a.deps.Frontier.(crawler.Committer)
	if !ok {
		return nil
	}
	if err := c.Commit(ctx, jobID); err != nil {
		return fmt.Errorf("commit job %s: %w", jobID, err)
	}
	return nil
}

func (a *App) acquire(jobID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.running[jobID]; busy {
		return false
	}
	a.running[jobID] = struct{}{}
	return true
}

func (a *App) release(jobID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.running, jobID)
}
