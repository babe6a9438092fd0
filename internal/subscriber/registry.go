// Package subscriber holds the registry of named crawl subscribers and the
// helpers they share for writing per-job CSV artifacts.
package subscriber

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Flusher is implemented by subscribers that buffer per-job output. Flush is
// called after every crawl batch so that output survives a resume in another
// process.
type Flusher interface {
	Flush(ctx context.Context, jobID string) error
}

// Registry maps unique names to subscribers.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]crawler.Subscriber
	order  []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]crawler.Subscriber)}
}

// Register adds sub under its name. Names must be unique.
func (r *Registry) Register(sub crawler.Subscriber) error {
	if sub == nil {
		return fmt.Errorf("%w: nil subscriber", crawler.ErrInvalidConfig)
	}
	name := sub.Name()
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: subscriber name is required", crawler.ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("%w: subscriber %q already registered", crawler.ErrInvalidConfig, name)
	}
	r.byName[name] = sub
	r.order = append(r.order, name)
	return nil
}

// Names lists registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Get looks a subscriber up by name.
func (r *Registry) Get(name string) (crawler.Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byName[name]
	return sub, ok
}

// Select resolves names to subscribers, keeping registration order. An empty
// selection returns every registered subscriber. Unknown names are reported
// together.
func (r *Registry) Select(names []string) ([]crawler.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(names) == 0 {
		out := make([]crawler.Subscriber, 0, len(r.order))
		for _, name := range r.order {
			out = append(out, r.byName[name])
		}
		return out, nil
	}

	wanted := make(map[string]struct{}, len(names))
	var unknown []string
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if _, ok := r.byName[name]; !ok {
			unknown = append(unknown, name)
			continue
		}
		wanted[name] = struct{}{}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: unknown subscribers %s (available: %s)",
			crawler.ErrInvalidConfig, strings.Join(unknown, ", "), strings.Join(r.order, ", "))
	}
	if len(wanted) == 0 {
		return nil, fmt.Errorf("%w: no subscribers selected", crawler.ErrInvalidConfig)
	}
	out := make([]crawler.Subscriber, 0, len(wanted))
	for _, name := range r.order {
		if _, ok := wanted[name]; ok {
			out = append(out, r.byName[name])
		}
	}
	return out, nil
}

// ResultProvider returns the named subscriber's artifact provider.
func (r *Registry) ResultProvider(name string) (crawler.ResultProvider, error) {
	sub, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown subscriber %q", crawler.ErrInvalidConfig, name)
	}
	provider, ok := sub.(crawler.ResultProvider)
	if !ok {
		return nil, fmt.Errorf("subscriber %q does not provide results", name)
	}
	return provider, nil
}

// FlushAll flushes every selected subscriber that buffers output.
func FlushAll(ctx context.Context, subs []crawler.Subscriber, jobID string) error {
	for _, sub := range subs {
		f, ok := sub.(Flusher)
		if !ok {
			continue
		}
		if err := f.Flush(ctx, jobID); err != nil {
			return fmt.Errorf("flush %s: %w", sub.Name(), err)
		}
	}
	return nil
}
