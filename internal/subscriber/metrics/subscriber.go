// Package metrics exports crawl events as Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Name identifies the subscriber.
const Name = "metrics"

// Subscriber owns the fetch and job collectors.
type Subscriber struct {
	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	jobsFinished  prometheus.Counter
	jobURIs       *prometheus.CounterVec
}

// New registers the collectors against reg.
func New(reg prometheus.Registerer) (*Subscriber, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Subscriber{
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecrawler_fetch_requests_total",
			Help: "Fetch completions partitioned by host and status class.",
		}, []string{"host", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecrawler_fetch_bytes_total",
			Help: "Bytes downloaded per host.",
		}, []string{"host"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitecrawler_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by host and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"host", "status_class"}),
		jobsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitecrawler_jobs_finished_total",
			Help: "Jobs whose frontier was exhausted.",
		}),
		jobURIs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecrawler_job_uris_total",
			Help: "URIs of finished jobs partitioned by outcome.",
		}, []string{"outcome"}),
	}
	for _, collector := range []prometheus.Collector{
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
		s.jobsFinished,
		s.jobURIs,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register crawl collector: %w", err)
		}
	}
	return s, nil
}

// Name implements crawler.Subscriber.
func (s *Subscriber) Name() string { return Name }

// OnSuccess counts a successful fetch.
func (s *Subscriber) OnSuccess(_ context.Context, event crawler.ResponseEvent) error {
	s.observe(event)
	return nil
}

// OnFailure counts a failed fetch.
func (s *Subscriber) OnFailure(_ context.Context, event crawler.ResponseEvent) error {
	s.observe(event)
	return nil
}

// OnFinished records the job totals.
func (s *Subscriber) OnFinished(_ context.Context, event crawler.FinishedEvent) error {
	s.jobsFinished.Inc()
	s.jobURIs.WithLabelValues("succeeded").Add(float64(event.Report.Succeeded))
	s.jobURIs.WithLabelValues("failed").Add(float64(event.Report.Failed))
	s.jobURIs.WithLabelValues("skipped").Add(float64(event.Report.Skipped))
	return nil
}

func (s *Subscriber) observe(event crawler.ResponseEvent) {
	host := "unknown"
	if u, err := url.Parse(event.CrawlURI.URI); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	class := StatusClass(event.Result)
	s.fetchRequests.WithLabelValues(host, class).Inc()
	if n := len(event.Result.Body); n > 0 {
		s.fetchBytes.WithLabelValues(host).Add(float64(n))
	}
	if event.Result.Elapsed > 0 {
		s.fetchDuration.WithLabelValues(host, class).Observe(event.Result.Elapsed.Seconds())
	}
}

// StatusClass buckets a fetch result into 2xx, 3xx, 4xx, 5xx or error.
func StatusClass(result crawler.FetchResult) string {
	switch code := result.StatusCode; {
	case result.Err != nil || code == 0:
		return "error"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
