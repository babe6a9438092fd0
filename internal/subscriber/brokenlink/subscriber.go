// Package brokenlink records every URI that failed to load.
package brokenlink

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/subscriber"
)

// Name identifies the subscriber.
const Name = "broken-link-checker"

// Header is the first row of the CSV report.
var Header = []string{"HTTP status code", "URI", "Level", "Found on", "Error"}

// Subscriber collects failures into a CSV report.
type Subscriber struct {
	artifacts crawler.BlobStore
	logger    *zap.Logger
	report    subscriber.RowBuffer
}

// New builds the subscriber.
func New(artifacts crawler.BlobStore, logger *zap.Logger) (*Subscriber, error) {
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{artifacts: artifacts, logger: logger.Named(Name)}, nil
}

// Name implements crawler.Subscriber.
func (s *Subscriber) Name() string { return Name }

// OnFailure records the broken URI.
func (s *Subscriber) OnFailure(_ context.Context, event crawler.ResponseEvent) error {
	status, msg := "", ""
	if event.Result.StatusCode > 0 {
		status = strconv.Itoa(event.Result.StatusCode)
	}
	if event.Result.Err != nil {
		msg = event.Result.Err.Error()
	}
	uri := event.CrawlURI
	s.report.Append(event.JobID, []string{status, uri.URI, strconv.Itoa(uri.Level), uri.FoundOn, msg})
	return nil
}

// OnFinished writes the remaining rows.
func (s *Subscriber) OnFinished(ctx context.Context, event crawler.FinishedEvent) error {
	path := subscriber.ArtifactPath(Name, event.JobID)
	if err := s.report.Finish(ctx, s.artifacts, path, event.JobID, Header); err != nil {
		return err
	}
	s.logger.Info("Broken link report written",
		zap.String("job_id", event.JobID),
		zap.Int("failed", event.Report.Failed),
	)
	return nil
}

// Flush appends buffered rows to the job's report.
func (s *Subscriber) Flush(ctx context.Context, jobID string) error {
	return s.report.Flush(ctx, s.artifacts, subscriber.ArtifactPath(Name, jobID), jobID, Header)
}

// Result returns the job's report.
func (s *Subscriber) Result(ctx context.Context, jobID string) (crawler.Result, error) {
	return subscriber.OpenArtifact(ctx, s.artifacts, subscriber.ArtifactPath(Name, jobID), Name+"-"+jobID+".csv")
}
