package crawler

import (
	"net/http"
	"slices"
	"time"
)

// State is the processing state of a CrawlURI within a job.
type State string

// CrawlURI states persisted by the frontier.
const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateFinished   State = "finished"
	StateSkipped    State = "skipped"
)

// Terminal reports whether the state can no longer change within a job.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateSkipped
}

// TagNoFollow marks URIs discovered through rel="nofollow" links.
const TagNoFollow = "rel-nofollow"

// Job identifies one crawl run. FinishedAt is set once, by the batch that
// emptied the frontier.
type Job struct {
	ID         string    `json:"id"`
	BaseURIs   []string  `json:"base_uris"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Finished reports whether the finished event was already emitted for the job.
func (j Job) Finished() bool {
	return !j.FinishedAt.IsZero()
}

// CrawlURI is one discovered URL within a job.
type CrawlURI struct {
	URI        string   `json:"uri"`
	Level      int      `json:"level"`
	FoundOn    string   `json:"found_on,omitempty"`
	State      State    `json:"state"`
	SkipReason string   `json:"skip_reason,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	// Failed marks a finished entry whose fetch failed.
	Failed bool `json:"failed,omitempty"`
}

// HasTag reports whether tag is present on the URI.
func (c CrawlURI) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}

// Clone returns a deep copy safe to hand across goroutines.
func (c CrawlURI) Clone() CrawlURI {
	c.Tags = slices.Clone(c.Tags)
	return c
}

// Merge folds a re-discovery into the existing entry. Tags are unioned and the
// lower level wins together with the page it was found on. State is kept.
func (c CrawlURI) Merge(other CrawlURI) CrawlURI {
	merged := c.Clone()
	for _, tag := range other.Tags {
		if !merged.HasTag(tag) {
			merged.Tags = append(merged.Tags, tag)
		}
	}
	if other.Level < merged.Level {
		merged.Level = other.Level
		merged.FoundOn = other.FoundOn
	}
	return merged
}

// FetchResult is the transient outcome of one fetch attempt.
type FetchResult struct {
	URI        string
	FinalURI   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Elapsed    time.Duration
	Err        error
}

// Failed reports whether the attempt counts as a failure: a transport error or
// an HTTP status outside 2xx/3xx.
func (r FetchResult) Failed() bool {
	return r.Err != nil || r.StatusCode < 200 || r.StatusCode >= 400
}

// ContentType returns the response Content-Type header.
func (r FetchResult) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// Decision is one subscriber's answer to whether a URI should be fetched.
type Decision struct {
	Skip   bool
	Reason string
}

// Request returns a Decision that asks for the URI to be fetched.
func Request() Decision {
	return Decision{}
}

// Skip returns a Decision that declines the URI with the given reason.
func Skip(reason string) Decision {
	return Decision{Skip: true, Reason: reason}
}

// RequestEvent is passed to RequestDecider subscribers before a fetch.
type RequestEvent struct {
	JobID    string
	CrawlURI CrawlURI
}

// ResponseEvent is passed to success and failure subscribers after a fetch.
type ResponseEvent struct {
	JobID    string
	CrawlURI CrawlURI
	Result   FetchResult
}

// FinishedEvent is emitted once when a job has no pending URIs left.
type FinishedEvent struct {
	JobID  string
	Report Report
}

// Progress is reported after every processed CrawlURI.
type Progress struct {
	JobID     string
	URI       string
	Completed int
	Total     int
}

// Tally counts a job's URIs by state and outcome across every batch.
type Tally struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Total      int `json:"total"`
}

// Report converts the tally into the job-wide report carried by the finished
// event.
func (t Tally) Report(jobID string) Report {
	return Report{
		JobID:     jobID,
		Succeeded: t.Succeeded,
		Failed:    t.Failed,
		Skipped:   t.Skipped,
		Requests:  t.Succeeded + t.Failed,
		Pending:   t.Pending,
		Total:     t.Total,
		Finished:  t.Pending == 0 && t.Processing == 0,
	}
}

// Report summarizes one Engine.Crawl call. The finished event carries the
// same shape with job-wide counts.
type Report struct {
	JobID     string `json:"job_id"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Requests  int    `json:"requests"`
	Pending   int    `json:"pending"`
	Total     int    `json:"total"`
	Finished  bool   `json:"finished"`
}
