// Package logger writes one structured log line per crawl event.
package logger

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Name identifies the subscriber.
const Name = "logger"

// Subscriber logs responses and finished jobs.
type Subscriber struct {
	logger *zap.Logger
}

// New wires a zap logger to the pipeline.
func New(logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{logger: logger.Named(Name)}
}

// Name implements crawler.Subscriber.
func (s *Subscriber) Name() string { return Name }

// OnSuccess logs a successful fetch.
func (s *Subscriber) OnSuccess(_ context.Context, event crawler.ResponseEvent) error {
	s.logger.Info("Fetched uri", fields(event)...)
	return nil
}

// OnFailure logs a failed fetch.
func (s *Subscriber) OnFailure(_ context.Context, event crawler.ResponseEvent) error {
	s.logger.Warn("Fetch failed", append(fields(event), zap.Error(event.Result.Err))...)
	return nil
}

// OnFinished logs the final report.
func (s *Subscriber) OnFinished(_ context.Context, event crawler.FinishedEvent) error {
	r := event.Report
	s.logger.Info("Crawl finished",
		zap.String("job_id", event.JobID),
		zap.Int("total", r.Total),
		zap.Int("succeeded", r.Succeeded),
		zap.Int("failed", r.Failed),
		zap.Int("skipped", r.Skipped),
	)
	return nil
}

func fields(event crawler.ResponseEvent) []zap.Field {
	return []zap.Field{
		zap.String("job_id", event.JobID),
		zap.String("uri", event.CrawlURI.URI),
		zap.Int("level", event.CrawlURI.Level),
		zap.String("found_on", event.CrawlURI.FoundOn),
		zap.Int("status", event.Result.StatusCode),
		zap.Int("bytes", len(event.Result.Body)),
		zap.Duration("elapsed", event.Result.Elapsed),
	}
}
