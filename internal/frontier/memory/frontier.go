// Package memory provides a non-durable, in-process crawl frontier.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type jobState struct {
	job     crawler.Job
	entries map[string]*crawler.CrawlURI
	order   []string
	queue   []string
	pending int
}

// Frontier keeps every job in memory. All methods are safe for concurrent use.
type Frontier struct {
	mu    sync.Mutex
	jobs  map[string]*jobState
	ids   crawler.IDGenerator
	clock crawler.Clock
}

// New constructs a Frontier that creates job ids with ids and timestamps with clock.
func New(ids crawler.IDGenerator, clock crawler.Clock) *Frontier {
	return &Frontier{
		jobs:  make(map[string]*jobState),
		ids:   ids,
		clock: clock,
	}
}

// CreateJob registers a new job and adds its base URIs at level 0.
func (f *Frontier) CreateJob(ctx context.Context, baseURIs []string) (crawler.Job, error) {
	seeds, err := crawler.NormalizeSeeds(baseURIs)
	if err != nil {
		return crawler.Job{}, err
	}
	if f.ids == nil || f.clock == nil {
		return crawler.Job{}, fmt.Errorf("frontier requires an id generator and clock to create jobs")
	}
	id, err := f.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.Job{ID: id, BaseURIs: seeds, CreatedAt: f.clock.Now()}
	uris := make([]crawler.CrawlURI, 0, len(seeds))
	for _, seed := range seeds {
		uris = append(uris, crawler.CrawlURI{URI: seed, State: crawler.StatePending})
	}
	if err := f.Import(ctx, job, uris); err != nil {
		return crawler.Job{}, err
	}
	return job, nil
}

// GetJob returns the job metadata.
func (f *Frontier) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.lookup(jobID)
	if err != nil {
		return crawler.Job{}, err
	}
	job := state.job
	job.BaseURIs = append([]string(nil), job.BaseURIs...)
	return job, nil
}

// Add inserts a URI or merges it into the existing entry.
func (f *Frontier) Add(_ context.Context, jobID string, uri crawler.CrawlURI) error {
	normalized, err := crawler.NormalizeURL(uri.URI)
	if err != nil {
		return fmt.Errorf("normalize uri: %w", err)
	}
	uri.URI = normalized

	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.lookup(jobID)
	if err != nil {
		return err
	}
	if existing, ok := state.entries[uri.URI]; ok {
		merged := existing.Merge(uri)
		*existing = merged
		return nil
	}
	entry := uri.Clone()
	entry.State = crawler.StatePending
	entry.SkipReason = ""
	entry.Failed = false
	state.insert(&entry)
	return nil
}

// Next moves the oldest pending URI to processing and returns it.
func (f *Frontier) Next(_ context.Context, jobID string) (crawler.CrawlURI, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.lookup(jobID)
	if err != nil {
		return crawler.CrawlURI{}, false, err
	}
	for len(state.queue) > 0 {
		key := state.queue[0]
		state.queue = state.queue[1:]
		entry, ok := state.entries[key]
		if !ok || entry.State != crawler.StatePending {
			continue
		}
		entry.State = crawler.StateProcessing
		state.pending--
		return entry.Clone(), true, nil
	}
	return crawler.CrawlURI{}, false, nil
}

// Get returns a copy of one entry.
func (f *Frontier) Get(_ context.Context, jobID string, uri string) (crawler.CrawlURI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.lookup(jobID)
	if err != nil {
		return crawler.CrawlURI{}, err
	}
	entry, ok := state.entries[uri]
	if !ok {
		return crawler.CrawlURI{}, fmt.Errorf("%w: %s", crawler.ErrURINotFound, uri)
	}
	return entry.Clone(), nil
}

// MarkFinished transitions a URI to finished.
func (f *Frontier) MarkFinished(_ context.Context, jobID string, uri string) error {
	return f.transition(jobID, uri, crawler.StateFinished, "", false)
}

// MarkFailed transitions a URI to finished and records the failed fetch.
func (f *Frontier) MarkFailed(_ context.Context, jobID string, uri string) error {
	return f.transition(jobID, uri, crawler.StateFinished, "", true)
}

// MarkSkipped transitions a URI to skipped and records the reason.
func (f *Frontier) MarkSkipped(_ context.Context, jobID string, uri string, reason string) error {
	return f.transition(jobID, uri, crawler.StateSkipped, reason, false)
}

func (f *Frontier) transition(jobID, uri string, to crawler.State, reason string, failed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.lookup(jobID)
	if err != nil {
		return err
	}
	entry, ok := state.entries[uri]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrURINotFound, uri)
	}
	if entry.State.Terminal() {
		if entry.State == to {
			return nil
		}
		return fmt.Errorf("%w: %s is already %s", crawler.ErrInvalidTransition, uri, entry.State)
	}
	if entry.State == crawler.StatePending {
		state.pending--
	}
	entry.State = to
	entry.SkipReason = reason
	entry.Failed = failed
	return nil
}

// CountPending returns the number of pending URIs.
func (f *Frontier) CountPending(_ context.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.lookup(jobID)
	if err != nil {
		return 0, err
	}
	return state.pending, nil
}

// CountAll returns the number of unique URIs known for the job.
func (f *Frontier) CountAll(_ context.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.lookup(jobID)
	if err != nil {
		return 0, err
	}
	return len(state.entries), nil
}

// Tally counts the job's URIs by state and outcome.
func (f *Frontier) Tally(_ context.Context, jobID string) (crawler.Tally, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.lookup(jobID)
	if err != nil {
		return crawler.Tally{}, err
	}
	t := crawler.Tally{Total: len(state.entries)}
	for _, entry := range state.entries {
		switch {
		case entry.State == crawler.StatePending:
			t.Pending++
		case entry.State == crawler.StateProcessing:
			t.Processing++
		case entry.State == crawler.StateSkipped:
			t.Skipped++
		case entry.Failed:
			t.Failed++
		default:
			t.Succeeded++
		}
	}
	return t, nil
}

// FinishJob stamps the job as finished unless it already is.
func (f *Frontier) FinishJob(_ context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.lookup(jobID)
	if err != nil {
		return false, err
	}
	if state.job.Finished() {
		return false, nil
	}
	state.job.FinishedAt = f.now()
	return true, nil
}

func (f *Frontier) now() time.Time {
	if f.clock == nil {
		return time.Now().UTC()
	}
	return f.clock.Now()
}

// Evict drops the in-memory copy of a job. Unlike Purge it is not an error
// when the job is absent.
func (f *Frontier) Evict(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobID)
}

// RequeueProcessing returns URIs left in processing to pending.
func (f *Frontier) RequeueProcessing(_ context.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.lookup(jobID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, key := range state.order {
		entry := state.entries[key]
		if entry.State != crawler.StateProcessing {
			continue
		}
		entry.State = crawler.StatePending
		state.pending++
		state.queue = append(state.queue, key)
		n++
	}
	return n, nil
}

// Purge forgets a job.
func (f *Frontier) Purge(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(jobID); err != nil {
		return err
	}
	delete(f.jobs, jobID)
	return nil
}

// Has reports whether the job is loaded.
func (f *Frontier) Has(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[jobID]
	return ok
}

// Export returns the job and a copy of its entries in discovery order.
func (f *Frontier) Export(_ context.Context, jobID string) (crawler.Job, []crawler.CrawlURI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.lookup(jobID)
	if err != nil {
		return crawler.Job{}, nil, err
	}
	uris := make([]crawler.CrawlURI, 0, len(state.order))
	for _, key := range state.order {
		uris = append(uris, state.entries[key].Clone())
	}
	job := state.job
	job.BaseURIs = append([]string(nil), job.BaseURIs...)
	return job, uris, nil
}

// Import replaces the job with the given entries, keeping their states.
func (f *Frontier) Import(_ context.Context, job crawler.Job, uris []crawler.CrawlURI) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	state := &jobState{
		job:     job,
		entries: make(map[string]*crawler.CrawlURI, len(uris)),
	}
	state.job.BaseURIs = append([]string(nil), job.BaseURIs...)
	for _, uri := range uris {
		entry := uri.Clone()
		if entry.State == "" {
			entry.State = crawler.StatePending
		}
		if existing, ok := state.entries[entry.URI]; ok {
			*existing = existing.Merge(entry)
			continue
		}
		state.insert(&entry)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = state
	return nil
}

func (f *Frontier) lookup(jobID string) (*jobState, error) {
	state, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	return state, nil
}

func (s *jobState) insert(entry *crawler.CrawlURI) {
	s.entries[entry.URI] = entry
	s.order = append(s.order, entry.URI)
	if entry.State == crawler.StatePending {
		s.pending++
		s.queue = append(s.queue, entry.URI)
	}
}
