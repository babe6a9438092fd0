// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/policy/ratelimit"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	Concurrency int
	MaxBodySize int
	Headers     http.Header
	// Retries is the number of extra attempts after a timeout, a 429 or a
	// 5xx response. Zero disables retrying.
	Retries int
	// RetryBackoff is the base delay between attempts. It doubles per
	// attempt with jitter, capped at five seconds.
	RetryBackoff time.Duration
}

// Fetcher implements crawler.Fetcher using the Colly collector. At most
// Config.Concurrency fetches run at once and every request start passes the
// shared limiter.
type Fetcher struct {
	cfg           Config
	limiter       *ratelimit.Limiter
	slots         *semaphore.Weighted
	retry         retryPolicy
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A nil limiter disables throttling.
func New(cfg Config, limiter *ratelimit.Limiter) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = crawler.DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		slots:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		retry:         newRetryPolicy(cfg.Retries, cfg.RetryBackoff),
		baseCollector: c,
	}
}

// Fetch executes an HTTP GET using Colly, retrying transient failures when
// Config.Retries allows. The fetch slot is released while backing off.
func (f *Fetcher) Fetch(ctx context.Context, uri string) crawler.FetchResult {
	for attempt := 0; ; attempt++ {
		result := f.fetchOnce(ctx, uri)
		if !f.retry.shouldRetry(result, attempt+1) {
			return result
		}
		timer := time.NewTimer(f.retry.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Err = fmt.Errorf("fetch canceled: %w", ctx.Err())
			return result
		case <-timer.C:
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, uri string) crawler.FetchResult {
	result := crawler.FetchResult{URI: uri}
	if err := ctx.Err(); err != nil {
		result.Err = fmt.Errorf("fetch canceled: %w", err)
		return result
	}
	if err := f.slots.Acquire(ctx, 1); err != nil {
		result.Err = fmt.Errorf("acquire fetch slot: %w", err)
		return result
	}
	defer f.slots.Release(1)

	if err := f.limiter.Wait(ctx, uri); err != nil {
		result.Err = err
		return result
	}

	var fetchErr error
	start := time.Now()
	collector := f.buildCollector(ctx, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, uri, &fetchErr); err != nil {
		result.Err = err
		result.Elapsed = time.Since(start)
	}
	result.URI = uri
	return result
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	start time.Time,
	result *crawler.FetchResult,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	f.configureCollectorHooks(collector, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.FetchResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResult{
			URI:        result.URI,
			FinalURI:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Elapsed:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		// The collector shares ctx, so Visit unwinds promptly; wait for it so the
		// hooks stop writing into the result.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
