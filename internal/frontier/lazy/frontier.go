// Package lazy combines an in-memory frontier with a durable one. Jobs are
// loaded from the durable store on first use, worked in memory and written
// back on Commit, which also drops the in-memory copy.
package lazy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/frontier/memory"
)

// Durable is the secondary store a lazy frontier commits to.
type Durable interface {
	crawler.Frontier
	crawler.Snapshotter
}

// Frontier buffers jobs in memory between commits.
type Frontier struct {
	// gate is held shared by every operation and exclusively by Commit and
	// Purge, so a job is never evicted between its load and its use.
	gate      sync.RWMutex
	loading   sync.Mutex
	primary   *memory.Frontier
	secondary Durable
	logger    *zap.Logger
}

// New builds a lazy frontier.
func New(primary *memory.Frontier, secondary Durable, logger *zap.Logger) (*Frontier, error) {
	if primary == nil || secondary == nil {
		return nil, fmt.Errorf("primary and secondary frontiers are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{primary: primary, secondary: secondary, logger: logger}, nil
}

// CreateJob creates the job in memory and commits it right away so that it can
// be resumed by id.
func (f *Frontier) CreateJob(ctx context.Context, baseURIs []string) (crawler.Job, error) {
	job, err := f.primary.CreateJob(ctx, baseURIs)
	if err != nil {
		return crawler.Job{}, err
	}
	if err := f.Commit(ctx, job.ID); err != nil {
		return crawler.Job{}, err
	}
	return job, nil
}

// GetJob loads the job if needed and returns its metadata.
func (f *Frontier) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	var job crawler.Job
	err := f.with(ctx, jobID, func() (err error) {
		job, err = f.primary.GetJob(ctx, jobID)
		return err
	})
	return job, err
}

// Add inserts or merges a URI.
func (f *Frontier) Add(ctx context.Context, jobID string, uri crawler.CrawlURI) error {
	return f.with(ctx, jobID, func() error {
		return f.primary.Add(ctx, jobID, uri)
	})
}

// Next claims the oldest pending URI.
func (f *Frontier) Next(ctx context.Context, jobID string) (crawler.CrawlURI, bool, error) {
	var (
		uri crawler.CrawlURI
		ok  bool
	)
	err := f.with(ctx, jobID, func() (err error) {
		uri, ok, err = f.primary.Next(ctx, jobID)
		return err
	})
	return uri, ok, err
}

// Get returns one entry.
func (f *Frontier) Get(ctx context.Context, jobID string, uri string) (crawler.CrawlURI, error) {
	var entry crawler.CrawlURI
	err := f.with(ctx, jobID, func() (err error) {
		entry, err = f.primary.Get(ctx, jobID, uri)
		return err
	})
	return entry, err
}

// MarkFinished transitions a URI to finished.
func (f *Frontier) MarkFinished(ctx context.Context, jobID string, uri string) error {
	return f.with(ctx, jobID, func() error {
		return f.primary.MarkFinished(ctx, jobID, uri)
	})
}

// MarkFailed finishes a URI whose fetch failed.
func (f *Frontier) MarkFailed(ctx context.Context, jobID string, uri string) error {
	return f.with(ctx, jobID, func() error {
		return f.primary.MarkFailed(ctx, jobID, uri)
	})
}

// MarkSkipped transitions a URI to skipped.
func (f *Frontier) MarkSkipped(ctx context.Context, jobID string, uri string, reason string) error {
	return f.with(ctx, jobID, func() error {
		return f.primary.MarkSkipped(ctx, jobID, uri, reason)
	})
}

// CountPending returns the number of pending URIs.
func (f *Frontier) CountPending(ctx context.Context, jobID string) (int, error) {
	var n int
	err := f.with(ctx, jobID, func() (err error) {
		n, err = f.primary.CountPending(ctx, jobID)
		return err
	})
	return n, err
}

// CountAll returns the number of unique URIs.
func (f *Frontier) CountAll(ctx context.Context, jobID string) (int, error) {
	var n int
	err := f.with(ctx, jobID, func() (err error) {
		n, err = f.primary.CountAll(ctx, jobID)
		return err
	})
	return n, err
}

// Tally counts the job's URIs by state and outcome.
func (f *Frontier) Tally(ctx context.Context, jobID string) (crawler.Tally, error) {
	var t crawler.Tally
	err := f.with(ctx, jobID, func() (err error) {
		t, err = f.primary.Tally(ctx, jobID)
		return err
	})
	return t, err
}

// FinishJob stamps the job as finished in memory. The stamp reaches the
// durable store with the next Commit.
func (f *Frontier) FinishJob(ctx context.Context, jobID string) (bool, error) {
	var first bool
	err := f.with(ctx, jobID, func() (err error) {
		first, err = f.primary.FinishJob(ctx, jobID)
		return err
	})
	return first, err
}

// RequeueProcessing returns URIs left in processing to pending.
func (f *Frontier) RequeueProcessing(ctx context.Context, jobID string) (int, error) {
	var n int
	err := f.with(ctx, jobID, func() (err error) {
		n, err = f.primary.RequeueProcessing(ctx, jobID)
		return err
	})
	return n, err
}

// Commit writes the in-memory state of a job to the durable store and evicts
// it from memory. Committing a job that is not loaded is a no-op.
func (f *Frontier) Commit(ctx context.Context, jobID string) error {
	f.gate.Lock()
	defer f.gate.Unlock()
	if !f.primary.Has(jobID) {
		return nil
	}
	job, uris, err := f.primary.Export(ctx, jobID)
	if err != nil {
		return err
	}
	if err := f.secondary.Import(ctx, job, uris); err != nil {
		return fmt.Errorf("commit job %s: %w", jobID, err)
	}
	f.primary.Evict(jobID)
	f.logger.Debug("Committed job", zap.String("job_id", jobID), zap.Int("uris", len(uris)))
	return nil
}

// Loaded reports whether the job currently has an in-memory copy.
func (f *Frontier) Loaded(jobID string) bool {
	return f.primary.Has(jobID)
}

// Purge removes the job from both stores.
func (f *Frontier) Purge(ctx context.Context, jobID string) error {
	f.gate.Lock()
	defer f.gate.Unlock()
	primaryErr := f.primary.Purge(ctx, jobID)
	secondaryErr := f.secondary.Purge(ctx, jobID)
	if errors.Is(primaryErr, crawler.ErrJobNotFound) && errors.Is(secondaryErr, crawler.ErrJobNotFound) {
		return secondaryErr
	}
	if primaryErr != nil && !errors.Is(primaryErr, crawler.ErrJobNotFound) {
		return primaryErr
	}
	if secondaryErr != nil && !errors.Is(secondaryErr, crawler.ErrJobNotFound) {
		return fmt.Errorf("purge durable job: %w", secondaryErr)
	}
	return nil
}

// with runs op while the job is loaded and cannot be evicted.
func (f *Frontier) with(ctx context.Context, jobID string, op func() error) error {
	f.gate.RLock()
	defer f.gate.RUnlock()
	if err := f.load(ctx, jobID); err != nil {
		return err
	}
	return op()
}

// load pulls a job from the durable store the first time it is touched.
// URIs that a previous process left in processing become pending again.
func (f *Frontier) load(ctx context.Context, jobID string) error {
	if f.primary.Has(jobID) {
		return nil
	}
	f.loading.Lock()
	defer f.loading.Unlock()
	if f.primary.Has(jobID) {
		return nil
	}
	job, uris, err := f.secondary.Export(ctx, jobID)
	if err != nil {
		return err
	}
	if err := f.primary.Import(ctx, job, uris); err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	n, err := f.primary.RequeueProcessing(ctx, jobID)
	if err != nil {
		return err
	}
	f.logger.Debug("Loaded job", zap.String("job_id", jobID), zap.Int("uris", len(uris)), zap.Int("requeued", n))
	return nil
}
