package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// RobotsSkipReason is recorded for URIs rejected by robots.txt.
const RobotsSkipReason = "Disallowed by robots.txt"

// EngineState is the lifecycle state of an Engine.
type EngineState string

// Engine lifecycle states.
const (
	EngineIdle     EngineState = "idle"
	EngineRunning  EngineState = "running"
	EngineFinished EngineState = "finished"
)

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRobotsPolicy gates every URI through robots.txt before subscribers are asked.
func WithRobotsPolicy(policy RobotsPolicy) Option {
	return func(e *Engine) {
		e.robots = policy
	}
}

// WithProgress registers a callback invoked after every processed CrawlURI.
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) {
		e.progress = fn
	}
}

type decider struct {
	name string
	RequestDecider
}

type successHandler struct {
	name string
	SuccessSubscriber
}

type failureHandler struct {
	name string
	FailureSubscriber
}

type finishedHandler struct {
	name string
	FinishedSubscriber
}

type outcome struct {
	uri    CrawlURI
	result FetchResult
}

// Engine drives one job's frontier through the fetcher and dispatches events
// to subscribers. All subscriber callbacks and frontier writes other than Next
// run on the goroutine that called Crawl.
type Engine struct {
	cfg      Config
	job      Job
	frontier Frontier
	fetcher  Fetcher
	robots   RobotsPolicy
	progress func(Progress)
	logger   *zap.Logger
	hosts    *hostMatcher

	deciders  []decider
	successes []successHandler
	failures  []failureHandler
	finishers []finishedHandler
	deciding  map[string]struct{}

	mu    sync.Mutex
	state EngineState
}

// NewEngine validates the configuration and binds an engine to job. Subscribers
// are invoked in the given order; their names must be unique.
func NewEngine(
	cfg Config,
	job Job,
	frontier Frontier,
	fetcher Fetcher,
	subscribers []Subscriber,
	opts ...Option,
) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if frontier == nil {
		return nil, fmt.Errorf("%w: frontier is required", ErrInvalidConfig)
	}
	if fetcher == nil {
		return nil, fmt.Errorf("%w: fetcher is required", ErrInvalidConfig)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("%w: job id is required", ErrInvalidConfig)
	}

	e := &Engine{
		cfg:      cfg,
		job:      job,
		frontier: frontier,
		fetcher:  fetcher,
		logger:   zap.NewNop(),
		hosts:    newHostMatcher(cfg.AllowedHosts),
		deciding: make(map[string]struct{}),
		state:    EngineIdle,
	}
	for _, base := range job.BaseURIs {
		e.hosts.add(hostOf(base))
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("job_id", job.ID))

	seen := make(map[string]struct{}, len(subscribers))
	for _, sub := range subscribers {
		if sub == nil {
			return nil, fmt.Errorf("%w: nil subscriber", ErrInvalidConfig)
		}
		name := sub.Name()
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate subscriber %q", ErrInvalidConfig, name)
		}
		seen[name] = struct{}{}
		if d, ok := sub.(RequestDecider); ok {
			e.deciders = append(e.deciders, decider{name: name, RequestDecider: d})
			e.deciding[name] = struct{}{}
		}
		if s, ok := sub.(SuccessSubscriber); ok {
			e.successes = append(e.successes, successHandler{name: name, SuccessSubscriber: s})
		}
		if f, ok := sub.(FailureSubscriber); ok {
			e.failures = append(e.failures, failureHandler{name: name, FailureSubscriber: f})
		}
		if f, ok := sub.(FinishedSubscriber); ok {
			e.finishers = append(e.finishers, finishedHandler{name: name, FinishedSubscriber: f})
		}
	}
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Job returns the job the engine is bound to.
func (e *Engine) Job() Job {
	return e.job
}

// Crawl processes pending URIs until the frontier is exhausted, the request
// ceiling is reached or ctx is canceled. In-flight fetches always drain. When
// the frontier ends up empty the engine moves to EngineFinished and, unless a
// previous batch already did so for the job, the finished event is emitted
// with job-wide counts. Otherwise the engine returns to EngineIdle and Crawl
// may be called again. The returned report counts this batch only.
func (e *Engine) Crawl(ctx context.Context) (Report, error) {
	if err := e.begin(); err != nil {
		return Report{JobID: e.job.ID}, err
	}
	finished := false
	defer func() { e.end(finished) }()

	// Writes that follow an observed cancellation must still land so drained
	// fetches are not left in processing.
	writeCtx := context.WithoutCancel(ctx)

	job, err := e.frontier.GetJob(writeCtx, e.job.ID)
	if err != nil {
		return Report{JobID: e.job.ID}, fmt.Errorf("load job: %w", err)
	}
	if job.Finished() {
		finished = true
		return e.finishedReport(writeCtx)
	}

	if r, ok := e.frontier.(Requeuer); ok {
		n, err := r.RequeueProcessing(writeCtx, e.job.ID)
		if err != nil {
			return Report{JobID: e.job.ID}, fmt.Errorf("requeue processing uris: %w", err)
		}
		if n > 0 {
			e.logger.Info("Requeued interrupted uris", zap.Int("count", n))
		}
	}

	report := Report{JobID: e.job.ID}
	results := make(chan outcome, e.cfg.Concurrency)
	inflight := 0
	var runErr error

	for {
		for runErr == nil && ctx.Err() == nil && inflight < e.cfg.Concurrency && e.underCeiling(report.Requests) {
			next, ok, err := e.frontier.Next(ctx, e.job.ID)
			if err != nil {
				if ctx.Err() == nil {
					runErr = fmt.Errorf("next uri: %w", err)
				}
				break
			}
			if !ok {
				break
			}
			dispatch, uri, err := e.admit(writeCtx, next, inflight)
			if err != nil {
				runErr = err
				break
			}
			if !dispatch {
				report.Skipped++
				continue
			}
			report.Requests++
			inflight++
			go func(uri CrawlURI) {
				results <- outcome{uri: uri, result: e.fetcher.Fetch(writeCtx, uri.URI)}
			}(uri)
		}
		if inflight == 0 {
			break
		}
		out := <-results
		inflight--
		if err := e.process(writeCtx, out, &report, inflight); err != nil && runErr == nil {
			runErr = err
		}
	}

	tally, err := e.frontier.Tally(writeCtx, e.job.ID)
	if err != nil && runErr == nil {
		runErr = fmt.Errorf("tally uris: %w", err)
	}
	report.Pending = tally.Pending
	report.Total = tally.Total

	if runErr != nil {
		return report, runErr
	}
	if ctx.Err() != nil {
		return report, fmt.Errorf("crawl interrupted: %w", ctx.Err())
	}
	if tally.Pending == 0 && tally.Processing == 0 {
		finished = true
		report.Finished = true
		if err := e.finish(writeCtx, tally); err != nil {
			return report, err
		}
	}
	e.logger.Info("Crawl batch complete",
		zap.Int("requests", report.Requests),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("pending", report.Pending),
		zap.Bool("finished", report.Finished),
	)
	return report, nil
}

func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case EngineFinished:
		return ErrEngineFinished
	case EngineRunning:
		return ErrEngineRunning
	}
	e.state = EngineRunning
	return nil
}

func (e *Engine) end(finished bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if finished {
		e.state = EngineFinished
		return
	}
	e.state = EngineIdle
}

func (e *Engine) underCeiling(requests int) bool {
	return e.cfg.MaxRequests == 0 || requests < e.cfg.MaxRequests
}

// admit applies robots.txt and subscriber decisions to a URI that Next moved to
// processing. It returns the URI with requesting subscribers added as tags.
func (e *Engine) admit(ctx context.Context, uri CrawlURI, inflight int) (bool, CrawlURI, error) {
	if e.robots != nil && !e.robots.Allowed(ctx, uri.URI) {
		return false, uri, e.skip(ctx, uri, RobotsSkipReason, inflight)
	}
	if len(e.deciders) == 0 {
		return true, uri, nil
	}

	var (
		requested []string
		reasons   []string
	)
	event := RequestEvent{JobID: e.job.ID, CrawlURI: uri.Clone()}
	for _, d := range e.deciders {
		var decision Decision
		err := e.invoke(d.name, "should_request", func() error {
			var derr error
			decision, derr = d.ShouldRequest(ctx, event)
			return derr
		})
		if err != nil {
			// A failing decider raises no objection.
			requested = append(requested, d.name)
			continue
		}
		if decision.Skip {
			if decision.Reason != "" {
				reasons = append(reasons, decision.Reason)
			}
			continue
		}
		requested = append(requested, d.name)
	}

	if len(requested) == 0 {
		reason := strings.Join(reasons, "; ")
		if reason == "" {
			reason = "No subscriber requested the uri"
		}
		return false, uri, e.skip(ctx, uri, reason, inflight)
	}

	tagged := uri.Merge(CrawlURI{Level: uri.Level, Tags: requested})
	if len(tagged.Tags) != len(uri.Tags) {
		if err := e.frontier.Add(ctx, e.job.ID, tagged); err != nil {
			return false, uri, fmt.Errorf("tag uri %s: %w", uri.URI, err)
		}
	}
	return true, tagged, nil
}

func (e *Engine) skip(ctx context.Context, uri CrawlURI, reason string, inflight int) error {
	if err := e.frontier.MarkSkipped(ctx, e.job.ID, uri.URI, reason); err != nil {
		return fmt.Errorf("mark skipped %s: %w", uri.URI, err)
	}
	e.logger.Debug("Skipped uri", zap.String("uri", uri.URI), zap.String("reason", reason))
	e.reportProgress(ctx, uri.URI, inflight)
	return nil
}

func (e *Engine) process(ctx context.Context, out outcome, report *Report, inflight int) error {
	uri, result := out.uri, out.result
	event := ResponseEvent{JobID: e.job.ID, CrawlURI: uri, Result: result}

	var discoverErr error
	mark := e.frontier.MarkFinished
	if result.Failed() {
		mark = e.frontier.MarkFailed
		report.Failed++
		e.logger.Debug("Fetch failed",
			zap.String("uri", uri.URI),
			zap.Int("status", result.StatusCode),
			zap.Error(result.Err),
		)
		for _, h := range e.failures {
			if !e.eligible(h.name, uri) {
				continue
			}
			_ = e.invoke(h.name, "on_failure", func() error { return h.OnFailure(ctx, event) })
		}
	} else {
		report.Succeeded++
		for _, h := range e.successes {
			if !e.eligible(h.name, uri) {
				continue
			}
			_ = e.invoke(h.name, "on_success", func() error { return h.OnSuccess(ctx, event) })
		}
		discoverErr = e.discover(ctx, uri, result)
	}

	if err := mark(ctx, e.job.ID, uri.URI); err != nil {
		return fmt.Errorf("mark finished %s: %w", uri.URI, err)
	}
	e.reportProgress(ctx, uri.URI, inflight)
	return discoverErr
}

// eligible reports whether a response for uri is delivered to the named
// subscriber: passive subscribers see every response, deciders only the URIs
// they requested.
func (e *Engine) eligible(name string, uri CrawlURI) bool {
	if _, ok := e.deciding[name]; !ok {
		return true
	}
	return uri.HasTag(name)
}

func (e *Engine) discover(ctx context.Context, uri CrawlURI, result FetchResult) error {
	if len(result.Body) == 0 || !isHTML(result) {
		return nil
	}
	level := uri.Level + 1
	if e.cfg.MaxDepth > 0 && level > e.cfg.MaxDepth {
		return nil
	}
	base := result.FinalURI
	if base == "" {
		base = uri.URI
	}
	links, err := ExtractLinks(base, result.Body)
	if err != nil {
		e.logger.Debug("Link extraction failed", zap.String("uri", uri.URI), zap.Error(err))
		return nil
	}
	for _, link := range links {
		if !e.hosts.Matches(hostOf(link.URI)) {
			continue
		}
		discovered := CrawlURI{
			URI:     link.URI,
			Level:   level,
			FoundOn: uri.URI,
			State:   StatePending,
		}
		if link.NoFollow {
			discovered.Tags = []string{TagNoFollow}
		}
		if err := e.frontier.Add(ctx, e.job.ID, discovered); err != nil {
			return fmt.Errorf("add discovered uri %s: %w", link.URI, err)
		}
	}
	return nil
}

func (e *Engine) reportProgress(ctx context.Context, uri string, inflight int) {
	if e.progress == nil {
		return
	}
	total, err := e.frontier.CountAll(ctx, e.job.ID)
	if err != nil {
		e.logger.Debug("Progress count failed", zap.Error(err))
		return
	}
	pending, err := e.frontier.CountPending(ctx, e.job.ID)
	if err != nil {
		e.logger.Debug("Progress count failed", zap.Error(err))
		return
	}
	completed := total - pending - inflight
	if completed < 0 {
		completed = 0
	}
	e.progress(Progress{JobID: e.job.ID, URI: uri, Completed: completed, Total: total})
}

// finish stamps the job and emits the finished event. A job that another
// batch already stamped emits nothing.
func (e *Engine) finish(ctx context.Context, tally Tally) error {
	stamped, err := e.frontier.FinishJob(ctx, e.job.ID)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if !stamped {
		return nil
	}
	e.emitFinished(ctx, tally.Report(e.job.ID))
	return nil
}

// finishedReport answers a Crawl on a job that finished in an earlier batch.
func (e *Engine) finishedReport(ctx context.Context) (Report, error) {
	tally, err := e.frontier.Tally(ctx, e.job.ID)
	if err != nil {
		return Report{JobID: e.job.ID}, fmt.Errorf("tally uris: %w", err)
	}
	e.logger.Debug("Job already finished")
	return Report{JobID: e.job.ID, Pending: tally.Pending, Total: tally.Total, Finished: true}, nil
}

func (e *Engine) emitFinished(ctx context.Context, report Report) {
	event := FinishedEvent{JobID: e.job.ID, Report: report}
	for _, h := range e.finishers {
		_ = e.invoke(h.name, "on_finished", func() error { return h.OnFinished(ctx, event) })
	}
}

// invoke runs a subscriber callback, converting panics into errors and logging
// failures. The returned error is informational only.
func (e *Engine) invoke(name, callback string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber panic: %v", rec)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("Subscriber callback failed",
				zap.String("subscriber", name),
				zap.String("callback", callback),
				zap.Error(err),
			)
		}
	}()
	return fn()
}
