package brokenlink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/storage/memory"
)

func TestSubscriberReportsFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(memory.NewBlobStore(), nil)
	require.NoError(t, err)
	require.Equal(t, Name, s.Name())

	require.NoError(t, s.OnFailure(ctx, crawler.ResponseEvent{
		JobID:    "job",
		CrawlURI: crawler.CrawlURI{URI: "https://example.com/missing", Level: 1, FoundOn: "https://example.com/"},
		Result:   crawler.FetchResult{StatusCode: http.StatusNotFound},
	}))
	require.NoError(t, s.OnFailure(ctx, crawler.ResponseEvent{
		JobID:    "job",
		CrawlURI: crawler.CrawlURI{URI: "https://down.example.com/", Level: 1, FoundOn: "https://example.com/"},
		Result:   crawler.FetchResult{Err: errors.New("connection refused")},
	}))
	require.NoError(t, s.OnFinished(ctx, crawler.FinishedEvent{JobID: "job", Report: crawler.Report{Failed: 2}}))

	result, err := s.Result(ctx, "job")
	require.NoError(t, err)
	defer result.Body.Close() //nolint:errcheck // test cleanup
	data, err := io.ReadAll(result.Body)
	require.NoError(t, err)
	assert.Equal(t, "HTTP status code,URI,Level,Found on,Error\n"+
		"404,https://example.com/missing,1,https://example.com/,\n"+
		",https://down.example.com/,1,https://example.com/,connection refused\n", string(data))
}

func TestSubscriberWritesHeaderForCleanJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(memory.NewBlobStore(), nil)
	require.NoError(t, err)
	require.NoError(t, s.OnFinished(ctx, crawler.FinishedEvent{JobID: "clean"}))

	result, err := s.Result(ctx, "clean")
	require.NoError(t, err)
	data, err := io.ReadAll(result.Body)
	require.NoError(t, err)
	assert.Equal(t, "HTTP status code,URI,Level,Found on,Error\n", string(data))
}
