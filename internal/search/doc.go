// Package search turns fetched pages into search index entries.
//
// A Document wraps one HTTP response. Indexers inspect the Document's
// embedded JSON-LD metadata to decide whether the page may be indexed and
// hand accepted pages to a Store.
package search
