package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/app"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/frontier/lazy"
	"github.com/JakeFAU/sitecrawler/internal/frontier/memory"
	memorypublisher "github.com/JakeFAU/sitecrawler/internal/publisher/memory"
	"github.com/JakeFAU/sitecrawler/internal/search"
	memorysearch "github.com/JakeFAU/sitecrawler/internal/search/memory"
	memorystorage "github.com/JakeFAU/sitecrawler/internal/storage/memory"
	"github.com/JakeFAU/sitecrawler/internal/subscriber"
	"github.com/JakeFAU/sitecrawler/internal/subscriber/brokenlink"
	"github.com/JakeFAU/sitecrawler/internal/subscriber/notify"
	"github.com/JakeFAU/sitecrawler/internal/subscriber/searchindex"
)

type staticIDs struct{ id string }

func (s staticIDs) NewID() (string, error) { return s.id, nil }

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

type plainHasher struct{}

func (plainHasher) Hash(data []byte) (string, error) { return fmt.Sprintf("len-%d", len(data)), nil }

type siteFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls int
}

func (f *siteFetcher) Fetch(_ context.Context, uri string) crawler.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	body, ok := f.pages[uri]
	if !ok {
		return crawler.FetchResult{URI: uri, FinalURI: uri, StatusCode: http.StatusNotFound}
	}
	return crawler.FetchResult{
		URI:        uri,
		FinalURI:   uri,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
	}
}

type fixture struct {
	app       *app.App
	artifacts *memorystorage.BlobStore
	publisher *memorypublisher.Publisher
	index     *memorysearch.Store
	fetcher   *siteFetcher
}

func testConfig() config.Config {
	return config.Config{
		Crawler: config.CrawlerConfig{Concurrency: 2, BaseURIs: []string{"https://example.com/"}},
		PubSub:  config.PubSubConfig{TopicName: "finished"},
	}
}

func newFixture(t *testing.T, frontier crawler.Frontier) *fixture {
	t.Helper()

	artifacts := memorystorage.NewBlobStore()
	pub := memorypublisher.New()
	store := memorysearch.New()
	indexer, err := search.NewDefaultIndexer(search.DefaultConfig{Enabled: true}, store, plainHasher{}, fixedClock{}, nil)
	require.NoError(t, err)

	index, err := searchindex.New(indexer, artifacts, nil)
	require.NoError(t, err)
	broken, err := brokenlink.New(artifacts, nil)
	require.NoError(t, err)
	finished, err := notify.New(pub, "finished", fixedClock{}, nil)
	require.NoError(t, err)

	registry := subscriber.NewRegistry()
	require.NoError(t, registry.Register(index))
	require.NoError(t, registry.Register(broken))
	require.NoError(t, registry.Register(finished))

	fetcher := &siteFetcher{pages: map[string]string{
		"https://example.com/":  `<a href="/a">a</a><a href="/b">b</a><a href="/gone">gone</a>`,
		"https://example.com/a": `<a href="/">home</a>`,
		"https://example.com/b": `<p>leaf</p>`,
	}}

	a, err := app.New(testConfig(), app.Deps{
		Frontier:    frontier,
		Fetcher:     fetcher,
		Indexer:     indexer,
		Subscribers: registry,
	}, nil)
	require.NoError(t, err)
	return &fixture{app: a, artifacts: artifacts, publisher: pub, index: store, fetcher: fetcher}
}

func readResult(t *testing.T, a *app.App, name, jobID string) string {
	t.Helper()
	result, err := a.Result(context.Background(), name, jobID)
	require.NoError(t, err)
	defer result.Body.Close() //nolint:errcheck // test cleanup
	data, err := io.ReadAll(result.Body)
	require.NoError(t, err)
	return string(data)
}

func TestCrawlToCompletion(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, memory.New(staticIDs{id: "job-1"}, fixedClock{}))
	ctx := context.Background()

	job, err := fx.app.CreateJob(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/"}, job.BaseURIs)

	report, err := fx.app.Crawl(ctx, app.RunOptions{JobID: job.ID})
	require.NoError(t, err)
	assert.True(t, report.Finished)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 4, report.Total)

	status, err := fx.app.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, status.Finished)
	assert.Equal(t, 0, status.Pending)

	assert.ElementsMatch(t, []string{
		"https://example.com/", "https://example.com/a", "https://example.com/b",
	}, fx.index.URLs())
	require.Len(t, fx.publisher.Topic("finished"), 1)

	broken := readResult(t, fx.app, brokenlink.Name, job.ID)
	assert.Contains(t, broken, "https://example.com/gone")
	log := readResult(t, fx.app, searchindex.Name, job.ID)
	assert.Equal(t, 5, strings.Count(log, "\n"), "header plus four rows: %s", log)
}

func TestCrawlBatchesResumeAndFlush(t *testing.T) {
	t.Parallel()

	durable := memory.New(staticIDs{id: "unused"}, fixedClock{})
	frontier, err := lazy.New(memory.New(staticIDs{id: "job-1"}, fixedClock{}), durable, nil)
	require.NoError(t, err)
	fx := newFixture(t, frontier)
	ctx := context.Background()

	job, err := fx.app.CreateJob(ctx, []string{"https://example.com"})
	require.NoError(t, err)

	limit := crawler.Config{Concurrency: 1, MaxRequests: 1}
	report, err := fx.app.Crawl(ctx, app.RunOptions{JobID: job.ID, Engine: &limit})
	require.NoError(t, err)
	assert.False(t, report.Finished)
	assert.Equal(t, 3, report.Pending)

	pending, err := durable.CountPending(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, pending, "batch state is committed")
	log := readResult(t, fx.app, searchindex.Name, job.ID)
	assert.Equal(t, 2, strings.Count(log, "\n"), "rows are flushed after each batch: %s", log)
	assert.Empty(t, fx.publisher.Topic("finished"))

	for range 5 {
		report, err = fx.app.Crawl(ctx, app.RunOptions{JobID: job.ID, Engine: &limit})
		require.NoError(t, err)
		if report.Finished {
			break
		}
	}
	assert.True(t, report.Finished)
	assert.Equal(t, 4, fx.fetcher.calls)
	published := fx.publisher.Topic("finished")
	require.Len(t, published, 1)

	var note notify.Notification
	require.NoError(t, json.Unmarshal(published[0], &note))
	assert.Equal(t, crawler.Report{
		JobID:     job.ID,
		Succeeded: 3,
		Failed:    1,
		Requests:  4,
		Total:     4,
		Finished:  true,
	}, note.Report, "the finished payload counts every batch of the job")

	status, err := fx.app.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, status.Finished)
	assert.Equal(t, 3, status.Succeeded)
	assert.Equal(t, 1, status.Failed)
}

func TestCrawlFinishedJobAgainIsNoop(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, memory.New(staticIDs{id: "job-1"}, fixedClock{}))
	ctx := context.Background()
	job, err := fx.app.CreateJob(ctx, nil)
	require.NoError(t, err)

	report, err := fx.app.Crawl(ctx, app.RunOptions{JobID: job.ID})
	require.NoError(t, err)
	require.True(t, report.Finished)
	before := readResult(t, fx.app, searchindex.Name, job.ID)

	again, err := fx.app.Crawl(ctx, app.RunOptions{JobID: job.ID})
	require.NoError(t, err)
	assert.True(t, again.Finished)
	assert.Zero(t, again.Requests)
	assert.Equal(t, 4, again.Total)
	assert.Equal(t, 4, fx.fetcher.calls, "nothing is fetched again")
	assert.Len(t, fx.publisher.Topic("finished"), 1, "one finished notification per job")
	assert.Equal(t, before, readResult(t, fx.app, searchindex.Name, job.ID))
}

func TestResumeFinishedJobFromDurableStore(t *testing.T) {
	t.Parallel()

	durable := memory.New(staticIDs{id: "unused"}, fixedClock{})
	first, err := lazy.New(memory.New(staticIDs{id: "job-1"}, fixedClock{}), durable, nil)
	require.NoError(t, err)
	fx := newFixture(t, first)
	ctx := context.Background()
	job, err := fx.app.CreateJob(ctx, nil)
	require.NoError(t, err)
	report, err := fx.app.Crawl(ctx, app.RunOptions{JobID: job.ID})
	require.NoError(t, err)
	require.True(t, report.Finished)

	// A fresh process over the same durable store sees the finished stamp.
	second, err := lazy.New(memory.New(staticIDs{id: "job-2"}, fixedClock{}), durable, nil)
	require.NoError(t, err)
	restarted := newFixture(t, second)
	report, err = restarted.app.Crawl(ctx, app.RunOptions{JobID: job.ID})
	require.NoError(t, err)
	assert.True(t, report.Finished)
	assert.Zero(t, restarted.fetcher.calls)
	assert.Empty(t, restarted.publisher.Topic("finished"))
}

func TestCrawlSubscriberSelection(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, memory.New(staticIDs{id: "job-1"}, fixedClock{}))
	ctx := context.Background()
	job, err := fx.app.CreateJob(ctx, nil)
	require.NoError(t, err)

	_, err = fx.app.Crawl(ctx, app.RunOptions{JobID: job.ID, Subscribers: []string{"nope"}})
	require.ErrorIs(t, err, crawler.ErrInvalidConfig)

	report, err := fx.app.Crawl(ctx, app.RunOptions{JobID: job.ID, Subscribers: []string{brokenlink.Name}})
	require.NoError(t, err)
	assert.True(t, report.Finished)
	assert.Empty(t, fx.index.URLs(), "search-index did not participate")
	assert.Empty(t, fx.publisher.Topic("finished"))

	_, err = fx.app.Result(ctx, searchindex.Name, job.ID)
	require.ErrorIs(t, err, crawler.ErrObjectNotFound)
}

func TestUnknownJob(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, memory.New(staticIDs{id: "job-1"}, fixedClock{}))
	ctx := context.Background()

	_, err := fx.app.Crawl(ctx, app.RunOptions{JobID: "missing"})
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	_, err = fx.app.Status(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	_, err = fx.app.Result(ctx, brokenlink.Name, "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.ErrorIs(t, fx.app.Purge(ctx, "missing"), crawler.ErrJobNotFound)
}

func TestPurgeAndClearIndex(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, memory.New(staticIDs{id: "job-1"}, fixedClock{}))
	ctx := context.Background()
	job, err := fx.app.CreateJob(ctx, nil)
	require.NoError(t, err)
	_, err = fx.app.Crawl(ctx, app.RunOptions{JobID: job.ID})
	require.NoError(t, err)

	require.NoError(t, fx.app.Purge(ctx, job.ID))
	_, err = fx.app.Status(ctx, job.ID)
	require.ErrorIs(t, err, crawler.ErrJobNotFound)

	require.NotEmpty(t, fx.index.URLs())
	require.NoError(t, fx.app.ClearIndex(ctx))
	assert.Empty(t, fx.index.URLs())
}

func TestCloseRunsClosersInReverse(t *testing.T) {
	t.Parallel()

	var order []string
	closeErr := errors.New("boom")
	a, err := app.New(testConfig(), app.Deps{
		Frontier:    memory.New(staticIDs{id: "x"}, fixedClock{}),
		Fetcher:     &siteFetcher{},
		Subscribers: subscriber.NewRegistry(),
		Closers: []func() error{
			func() error { order = append(order, "first"); return nil },
			func() error { order = append(order, "second"); return closeErr },
		},
	}, nil)
	require.NoError(t, err)

	require.ErrorIs(t, a.Close(), closeErr)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := app.New(testConfig(), app.Deps{}, nil)
	require.ErrorIs(t, err, crawler.ErrInvalidConfig)
}

func TestBuildWithMemoryBackends(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.HTTP.TimeoutSeconds = 5
	cfg.Frontier.Backend = config.BackendMemory
	cfg.Search = config.SearchConfig{Enabled: true, Backend: config.BackendMemory}
	cfg.Storage.Backend = config.BackendMemory
	cfg.PubSub.Backend = config.BackendMemory

	a, err := app.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, []string{
		searchindex.Name, brokenlink.Name, "logger", "metrics", notify.Name,
	}, a.SubscriberNames())
	families, err := a.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
