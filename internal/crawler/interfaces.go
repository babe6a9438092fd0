package crawler

import (
	"context"
	"io"
	"time"
)

// Frontier stores the CrawlURIs of every job and hands out pending entries.
// Implementations serialize access so that an entry is never returned by Next
// twice while it is processing.
type Frontier interface {
	CreateJob(ctx context.Context, baseURIs []string) (Job, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	Add(ctx context.Context, jobID string, uri CrawlURI) error
	Next(ctx context.Context, jobID string) (CrawlURI, bool, error)
	Get(ctx context.Context, jobID string, uri string) (CrawlURI, error)
	MarkFinished(ctx context.Context, jobID string, uri string) error
	// MarkFailed finishes a URI whose fetch failed.
	MarkFailed(ctx context.Context, jobID string, uri string) error
	MarkSkipped(ctx context.Context, jobID string, uri string, reason string) error
	CountPending(ctx context.Context, jobID string) (int, error)
	CountAll(ctx context.Context, jobID string) (int, error)
	Tally(ctx context.Context, jobID string) (Tally, error)
	// FinishJob stamps the job as finished. It reports true only for the call
	// that set the stamp.
	FinishJob(ctx context.Context, jobID string) (bool, error)
	Purge(ctx context.Context, jobID string) error
}

// Committer is implemented by frontiers that buffer state and must flush it to
// durable storage.
type Committer interface {
	Commit(ctx context.Context, jobID string) error
}

// Requeuer is implemented by frontiers that can return entries stranded in
// processing by an interrupted run to pending.
type Requeuer interface {
	RequeueProcessing(ctx context.Context, jobID string) (int, error)
}

// Snapshotter is implemented by frontiers that can import and export a job in
// bulk. The lazy frontier uses it to move jobs between stores.
type Snapshotter interface {
	Export(ctx context.Context, jobID string) (Job, []CrawlURI, error)
	Import(ctx context.Context, job Job, uris []CrawlURI) error
}

// Fetcher performs one HTTP GET. Transport errors are reported through
// FetchResult.Err.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) FetchResult
}

// RobotsPolicy decides whether robots.txt permits fetching a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Subscriber is a named participant in the crawl pipeline. It may implement any
// of RequestDecider, SuccessSubscriber, FailureSubscriber and
// FinishedSubscriber.
type Subscriber interface {
	Name() string
}

// RequestDecider subscribers are asked before every fetch.
type RequestDecider interface {
	ShouldRequest(ctx context.Context, event RequestEvent) (Decision, error)
}

// SuccessSubscriber receives responses with a 2xx or 3xx status.
type SuccessSubscriber interface {
	OnSuccess(ctx context.Context, event ResponseEvent) error
}

// FailureSubscriber receives transport errors and 4xx/5xx responses.
type FailureSubscriber interface {
	OnFailure(ctx context.Context, event ResponseEvent) error
}

// FinishedSubscriber is notified once per job when nothing is pending.
type FinishedSubscriber interface {
	OnFinished(ctx context.Context, event FinishedEvent) error
}

// ResultProvider exposes a downloadable per-job artifact.
type ResultProvider interface {
	Result(ctx context.Context, jobID string) (Result, error)
}

// Result is a rendered subscriber artifact.
type Result struct {
	ContentType string
	Filename    string
	Body        io.ReadCloser
}

// BlobStore writes and reads artifacts by path.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
