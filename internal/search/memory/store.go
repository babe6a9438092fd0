// Package memory keeps search index entries in a map. It backs tests and
// single-process runs that do not need the index afterwards.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/search"
)

// Store implements search.Store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]search.Entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]search.Entry)}
}

// Put upserts an entry by URL.
func (s *Store) Put(_ context.Context, entry search.Entry) error {
	entry.Groups = slices.Clone(entry.Groups)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.URL] = entry
	return nil
}

// Clear drops every entry.
func (s *Store) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	return nil
}

// Get returns the entry for url.
func (s *Store) Get(url string) (search.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[url]
	return entry, ok
}

// URLs lists indexed URLs in lexical order.
func (s *Store) URLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for url := range s.entries {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}
