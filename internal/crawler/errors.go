package crawler

import "errors"

var (
	// ErrInvalidConfig is returned when crawl parameters are rejected before any fetch.
	ErrInvalidConfig = errors.New("invalid crawl configuration")
	// ErrJobNotFound is returned when a job identifier is unknown to the frontier.
	ErrJobNotFound = errors.New("job not found")
	// ErrURINotFound is returned when a URI is not part of a job.
	ErrURINotFound = errors.New("uri not found")
	// ErrInvalidTransition is returned when a terminal CrawlURI is asked to change state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrEngineFinished is returned when Crawl is called on an engine that already finished.
	ErrEngineFinished = errors.New("engine already finished")
	// ErrEngineRunning is returned when Crawl is called while another Crawl is in progress.
	ErrEngineRunning = errors.New("engine already running")
)

// ErrObjectNotFound is returned by BlobStore.GetObject for missing paths.
var ErrObjectNotFound = errors.New("object not found")
