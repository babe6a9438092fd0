// Package searchindex feeds successful responses to a search indexer and
// keeps a CSV log of every URI it saw.
package searchindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/search"
	"github.com/JakeFAU/sitecrawler/internal/subscriber"
)

// Name identifies the subscriber.
const Name = "search-index"

// Skip reasons reported to the engine.
const (
	ReasonNoFollow = `Do not request because it was marked "rel=nofollow"`
	ReasonDisabled = "Search indexer is disabled"
)

// Header is the first row of the CSV log.
var Header = []string{"HTTP status code", "URI", "Level", "Found on", "Skipped", "Skip reason"}

// Subscriber implements the search-index pipeline stage.
type Subscriber struct {
	indexer   search.Indexer
	artifacts crawler.BlobStore
	logger    *zap.Logger
	log       subscriber.RowBuffer
}

// New builds the subscriber.
func New(indexer search.Indexer, artifacts crawler.BlobStore, logger *zap.Logger) (*Subscriber, error) {
	if indexer == nil {
		return nil, errors.New("indexer is required")
	}
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{indexer: indexer, artifacts: artifacts, logger: logger.Named(Name)}, nil
}

// Name implements crawler.Subscriber.
func (s *Subscriber) Name() string { return Name }

// ShouldRequest declines nofollow links and everything while the indexer is
// disabled. Declined URIs are logged as skipped.
func (s *Subscriber) ShouldRequest(_ context.Context, event crawler.RequestEvent) (crawler.Decision, error) {
	uri := event.CrawlURI
	var reason string
	switch {
	case !s.indexer.Enabled():
		reason = ReasonDisabled
	case uri.HasTag(crawler.TagNoFollow):
		reason = ReasonNoFollow
	default:
		return crawler.Request(), nil
	}
	s.log.Append(event.JobID, row("", uri, true, reason))
	return crawler.Skip(reason), nil
}

// OnSuccess indexes the response.
func (s *Subscriber) OnSuccess(ctx context.Context, event crawler.ResponseEvent) error {
	s.log.Append(event.JobID, row(strconv.Itoa(event.Result.StatusCode), event.CrawlURI, false, ""))

	uri := event.Result.FinalURI
	if uri == "" {
		uri = event.CrawlURI.URI
	}
	doc := search.NewDocument(uri, event.Result.StatusCode, event.Result.Headers, event.Result.Body)
	if err := s.indexer.Index(ctx, doc); err != nil {
		return fmt.Errorf("index %s: %w", uri, err)
	}
	return nil
}

// OnFailure logs the failed URI.
func (s *Subscriber) OnFailure(_ context.Context, event crawler.ResponseEvent) error {
	status := ""
	if event.Result.StatusCode > 0 {
		status = strconv.Itoa(event.Result.StatusCode)
	}
	s.log.Append(event.JobID, row(status, event.CrawlURI, false, ""))
	return nil
}

// OnFinished writes the remaining log rows.
func (s *Subscriber) OnFinished(ctx context.Context, event crawler.FinishedEvent) error {
	path := subscriber.ArtifactPath(Name, event.JobID)
	if err := s.log.Finish(ctx, s.artifacts, path, event.JobID, Header); err != nil {
		return err
	}
	s.logger.Info("Search index log written",
		zap.String("job_id", event.JobID),
		zap.String("path", path),
	)
	return nil
}

// Flush appends buffered rows to the job's CSV log.
func (s *Subscriber) Flush(ctx context.Context, jobID string) error {
	return s.log.Flush(ctx, s.artifacts, subscriber.ArtifactPath(Name, jobID), jobID, Header)
}

// Result returns the job's CSV log.
func (s *Subscriber) Result(ctx context.Context, jobID string) (crawler.Result, error) {
	return subscriber.OpenArtifact(ctx, s.artifacts, subscriber.ArtifactPath(Name, jobID), Name+"-"+jobID+".csv")
}

func row(status string, uri crawler.CrawlURI, skipped bool, reason string) []string {
	skippedCol := "no"
	if skipped {
		skippedCol = "yes"
	}
	return []string{status, uri.URI, strconv.Itoa(uri.Level), uri.FoundOn, skippedCol, reason}
}
