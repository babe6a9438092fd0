package crawler

import (
	"fmt"
	"strings"
	"time"
)

// DefaultConcurrency is used when Config.Concurrency is left at zero.
const DefaultConcurrency = 10

// Config captures the knobs of a single engine run.
type Config struct {
	// Concurrency bounds the number of in-flight fetches.
	Concurrency int
	// RequestDelay is the minimum gap between two request starts. The fetcher
	// enforces it; the engine only validates it.
	RequestDelay time.Duration
	// MaxRequests caps the number of fetches per Crawl call. Zero is unlimited.
	MaxRequests int
	// MaxDepth drops discovered links deeper than this level. Zero is unlimited.
	MaxDepth int
	// AllowedHosts extends the set of hosts taken from the job's base URIs.
	// Entries may be exact hosts or "*.example.com" suffix patterns.
	AllowedHosts []string
}

// WithDefaults fills unset values.
func (c Config) WithDefaults() Config {
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Validate checks for obviously bad configuration combinations.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1", ErrInvalidConfig)
	}
	if c.RequestDelay < 0 {
		return fmt.Errorf("%w: request delay must be >= 0", ErrInvalidConfig)
	}
	if c.MaxRequests < 0 {
		return fmt.Errorf("%w: max requests must be >= 0", ErrInvalidConfig)
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("%w: max depth must be >= 0", ErrInvalidConfig)
	}
	for _, host := range c.AllowedHosts {
		if strings.TrimSpace(host) == "" {
			return fmt.Errorf("%w: allowed hosts must not contain empty entries", ErrInvalidConfig)
		}
	}
	return nil
}
