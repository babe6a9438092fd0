// Package crawler implements the crawl engine: the shared domain types, the
// collaborator interfaces (frontier, fetcher, subscribers, policies) and the
// Engine that drives a job's frontier through a bounded pool of fetches while
// dispatching lifecycle events to the registered subscribers.
package crawler
