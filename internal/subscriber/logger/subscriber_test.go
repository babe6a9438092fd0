package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func TestSubscriberLogsEvents(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	s := New(zap.New(core))
	ctx := context.Background()
	uri := crawler.CrawlURI{URI: "https://example.com/", Level: 0}

	require.NoError(t, s.OnSuccess(ctx, crawler.ResponseEvent{JobID: "j", CrawlURI: uri, Result: crawler.FetchResult{StatusCode: 200}}))
	require.NoError(t, s.OnFailure(ctx, crawler.ResponseEvent{JobID: "j", CrawlURI: uri, Result: crawler.FetchResult{Err: errors.New("boom")}}))
	require.NoError(t, s.OnFinished(ctx, crawler.FinishedEvent{JobID: "j", Report: crawler.Report{Total: 1}}))

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	require.Equal(t, "Fetched uri", entries[0].Message)
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "boom", entries[1].ContextMap()["error"])
	require.Equal(t, "Crawl finished", entries[2].Message)
	require.Equal(t, "logger", entries[2].LoggerName)
}
