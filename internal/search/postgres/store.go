// Package postgres stores search index entries in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitecrawler/internal/search"
)

// Schema creates the search index table.
const Schema = `
CREATE TABLE IF NOT EXISTS search_index (
	url         TEXT PRIMARY KEY,
	content     TEXT NOT NULL,
	protected   BOOLEAN NOT NULL DEFAULT FALSE,
	groups      INTEGER[] NOT NULL DEFAULT '{}',
	page_id     INTEGER NOT NULL DEFAULT 0,
	checksum    TEXT NOT NULL,
	indexed_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS search_index_page_id_idx ON search_index (page_id);
`

const upsertSQL = `INSERT INTO search_index (url, content, protected, groups, page_id, checksum, indexed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (url) DO UPDATE SET
	content = EXCLUDED.content,
	protected = EXCLUDED.protected,
	groups = EXCLUDED.groups,
	page_id = EXCLUDED.page_id,
	checksum = EXCLUDED.checksum,
	indexed_at = EXCLUDED.indexed_at
WHERE search_index.checksum IS DISTINCT FROM EXCLUDED.checksum
	OR search_index.protected IS DISTINCT FROM EXCLUDED.protected
	OR search_index.groups IS DISTINCT FROM EXCLUDED.groups
	OR search_index.page_id IS DISTINCT FROM EXCLUDED.page_id`

const selectSQL = `SELECT url, content, protected, groups, page_id, checksum, indexed_at FROM search_index WHERE url = $1`

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements search.Store on a pgx pool.
type Store struct {
	pool dbPool
}

// ErrNotFound is returned by Get for URLs that are not indexed.
var ErrNotFound = errors.New("search entry not found")

// New connects to dsn.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect search index: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create search schema: %w", err)
	}
	return nil
}

// Put upserts an entry. Rows whose content and metadata are unchanged are
// left alone.
func (s *Store) Put(ctx context.Context, entry search.Entry) error {
	groups := entry.Groups
	if groups == nil {
		groups = []int{}
	}
	_, err := s.pool.Exec(ctx, upsertSQL,
		entry.URL, entry.Content, entry.Protected, groups, entry.PageID, entry.Checksum, entry.IndexedAt)
	if err != nil {
		return fmt.Errorf("upsert search entry: %w", err)
	}
	return nil
}

// Get loads one entry.
func (s *Store) Get(ctx context.Context, url string) (search.Entry, error) {
	var entry search.Entry
	err := s.pool.QueryRow(ctx, selectSQL, url).Scan(
		&entry.URL, &entry.Content, &entry.Protected, &entry.Groups, &entry.PageID, &entry.Checksum, &entry.IndexedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return search.Entry{}, ErrNotFound
	}
	if err != nil {
		return search.Entry{}, fmt.Errorf("select search entry: %w", err)
	}
	return entry, nil
}

// Clear truncates the index.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "TRUNCATE search_index"); err != nil {
		return fmt.Errorf("truncate search index: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
