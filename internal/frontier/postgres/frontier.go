// Package postgres provides a durable, resumable crawl frontier backed by Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const foreignKeyViolation = "23503"

// Schema creates the tables owned by the frontier.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_jobs (
	id         TEXT PRIMARY KEY,
	base_uris  TEXT[] NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS crawl_uris (
	job_id      TEXT NOT NULL REFERENCES crawl_jobs(id) ON DELETE CASCADE,
	uri         TEXT NOT NULL,
	seq         BIGSERIAL,
	level       INTEGER NOT NULL,
	found_on    TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	skip_reason TEXT NOT NULL DEFAULT '',
	tags        TEXT[] NOT NULL DEFAULT '{}',
	failed      BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (job_id, uri)
);
ALTER TABLE crawl_jobs ADD COLUMN IF NOT EXISTS finished_at TIMESTAMPTZ;
ALTER TABLE crawl_uris ADD COLUMN IF NOT EXISTS failed BOOLEAN NOT NULL DEFAULT false;
CREATE INDEX IF NOT EXISTS crawl_uris_pending_idx ON crawl_uris (job_id, seq) WHERE state = 'pending';
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Frontier persists jobs and their URIs in Postgres.
type Frontier struct {
	pool  dbPool
	ids   crawler.IDGenerator
	clock crawler.Clock
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, ids crawler.IDGenerator, clock crawler.Clock) (*Frontier, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Frontier{pool: pool, ids: ids, clock: clock}, nil
}

// NewWithPool constructs a Frontier from an existing pool (primarily for testing).
func NewWithPool(pool dbPool, ids crawler.IDGenerator, clock crawler.Clock) (*Frontier, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Frontier{pool: pool, ids: ids, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (f *Frontier) Close() {
	if f == nil || f.pool == nil {
		return
	}
	f.pool.Close()
}

// EnsureSchema creates the frontier tables when they do not exist.
func (f *Frontier) EnsureSchema(ctx context.Context) error {
	if _, err := f.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure frontier schema: %w", err)
	}
	return nil
}

// CreateJob inserts a job and its base URIs in one transaction.
func (f *Frontier) CreateJob(ctx context.Context, baseURIs []string) (crawler.Job, error) {
	seeds, err := crawler.NormalizeSeeds(baseURIs)
	if err != nil {
		return crawler.Job{}, err
	}
	if f.ids == nil || f.clock == nil {
		return crawler.Job{}, fmt.Errorf("frontier requires an id generator and clock to create jobs")
	}
	id, err := f.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.Job{ID: id, BaseURIs: seeds, CreatedAt: f.clock.Now()}

	err = f.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO crawl_jobs (id, base_uris, created_at) VALUES ($1, $2, $3)`,
			job.ID, job.BaseURIs, job.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		for _, seed := range seeds {
			if _, err := tx.Exec(ctx, insertURISQL, job.ID, seed, 0, "", []string{}); err != nil {
				return fmt.Errorf("insert base uri: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return crawler.Job{}, err
	}
	return job, nil
}

// GetJob loads job metadata.
func (f *Frontier) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	var (
		job        crawler.Job
		finishedAt *time.Time
	)
	err := f.pool.QueryRow(ctx,
		`SELECT id, base_uris, created_at, finished_at FROM crawl_jobs WHERE id = $1`, jobID,
	).Scan(&job.ID, &job.BaseURIs, &job.CreatedAt, &finishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("select job: %w", err)
	}
	if finishedAt != nil {
		job.FinishedAt = *finishedAt
	}
	return job, nil
}

const insertURISQL = `
INSERT INTO crawl_uris (job_id, uri, level, found_on, state, skip_reason, tags)
VALUES ($1, $2, $3, $4, 'pending', '', $5)
ON CONFLICT (job_id, uri) DO UPDATE SET
	found_on = CASE WHEN EXCLUDED.level < crawl_uris.level THEN EXCLUDED.found_on ELSE crawl_uris.found_on END,
	level = LEAST(crawl_uris.level, EXCLUDED.level),
	tags = ARRAY(SELECT DISTINCT t FROM unnest(crawl_uris.tags || EXCLUDED.tags) AS t ORDER BY t)`

// Add inserts a URI or merges it into the existing row.
func (f *Frontier) Add(ctx context.Context, jobID string, uri crawler.CrawlURI) error {
	normalized, err := crawler.NormalizeURL(uri.URI)
	if err != nil {
		return fmt.Errorf("normalize uri: %w", err)
	}
	tags := uri.Tags
	if tags == nil {
		tags = []string{}
	}
	if _, err := f.pool.Exec(ctx, insertURISQL, jobID, normalized, uri.Level, uri.FoundOn, tags); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
		}
		return fmt.Errorf("upsert uri: %w", err)
	}
	return nil
}

const nextURISQL = `
UPDATE crawl_uris SET state = 'processing'
WHERE job_id = $1 AND uri = (
	SELECT uri FROM crawl_uris
	WHERE job_id = $1 AND state = 'pending'
	ORDER BY seq
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING uri, level, found_on, state, skip_reason, tags, failed`

// Next claims the oldest pending URI.
func (f *Frontier) Next(ctx context.Context, jobID string) (crawler.CrawlURI, bool, error) {
	uri, err := scanURI(f.pool.QueryRow(ctx, nextURISQL, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		if err := f.ensureJob(ctx, jobID); err != nil {
			return crawler.CrawlURI{}, false, err
		}
		return crawler.CrawlURI{}, false, nil
	}
	if err != nil {
		return crawler.CrawlURI{}, false, fmt.Errorf("claim next uri: %w", err)
	}
	return uri, true, nil
}

// Get loads one URI row.
func (f *Frontier) Get(ctx context.Context, jobID string, uri string) (crawler.CrawlURI, error) {
	row := f.pool.QueryRow(ctx,
		`SELECT uri, level, found_on, state, skip_reason, tags, failed FROM crawl_uris WHERE job_id = $1 AND uri = $2`,
		jobID, uri,
	)
	got, err := scanURI(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlURI{}, fmt.Errorf("%w: %s", crawler.ErrURINotFound, uri)
	}
	if err != nil {
		return crawler.CrawlURI{}, fmt.Errorf("select uri: %w", err)
	}
	return got, nil
}

// MarkFinished transitions a URI to finished.
func (f *Frontier) MarkFinished(ctx context.Context, jobID string, uri string) error {
	return f.transition(ctx, jobID, uri, crawler.StateFinished, "", false)
}

// MarkFailed transitions a URI to finished and records the failed fetch.
func (f *Frontier) MarkFailed(ctx context.Context, jobID string, uri string) error {
	return f.transition(ctx, jobID, uri, crawler.StateFinished, "", true)
}

// MarkSkipped transitions a URI to skipped and records the reason.
func (f *Frontier) MarkSkipped(ctx context.Context, jobID string, uri string, reason string) error {
	return f.transition(ctx, jobID, uri, crawler.StateSkipped, reason, false)
}

func (f *Frontier) transition(ctx context.Context, jobID, uri string, to crawler.State, reason string, failed bool) error {
	tag, err := f.pool.Exec(ctx,
		`UPDATE crawl_uris SET state = $3, skip_reason = $4, failed = $5
WHERE job_id = $1 AND uri = $2 AND state IN ('pending', 'processing')`,
		jobID, uri, string(to), reason, failed,
	)
	if err != nil {
		return fmt.Errorf("update uri state: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := f.Get(ctx, jobID, uri)
	if err != nil {
		return err
	}
	if current.State == to {
		return nil
	}
	return fmt.Errorf("%w: %s is already %s", crawler.ErrInvalidTransition, uri, current.State)
}

// CountPending returns the number of pending URIs.
func (f *Frontier) CountPending(ctx context.Context, jobID string) (int, error) {
	return f.count(ctx, jobID, `SELECT count(*) FROM crawl_uris WHERE job_id = $1 AND state = 'pending'`)
}

// CountAll returns the number of unique URIs known for the job.
func (f *Frontier) CountAll(ctx context.Context, jobID string) (int, error) {
	return f.count(ctx, jobID, `SELECT count(*) FROM crawl_uris WHERE job_id = $1`)
}

func (f *Frontier) count(ctx context.Context, jobID, countSQL string) (int, error) {
	var (
		n      int
		exists bool
	)
	query := fmt.Sprintf(`SELECT (%s), EXISTS (SELECT 1 FROM crawl_jobs WHERE id = $1)`, countSQL)
	if err := f.pool.QueryRow(ctx, query, jobID).Scan(&n, &exists); err != nil {
		return 0, fmt.Errorf("count uris: %w", err)
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	return n, nil
}

const tallySQL = `
SELECT
	count(*) FILTER (WHERE state = 'pending'),
	count(*) FILTER (WHERE state = 'processing'),
	count(*) FILTER (WHERE state = 'finished' AND NOT failed),
	count(*) FILTER (WHERE state = 'finished' AND failed),
	count(*) FILTER (WHERE state = 'skipped'),
	count(*),
	EXISTS (SELECT 1 FROM crawl_jobs WHERE id = $1)
FROM crawl_uris WHERE job_id = $1`

// Tally counts the job's URIs by state and outcome.
func (f *Frontier) Tally(ctx context.Context, jobID string) (crawler.Tally, error) {
	var (
		t      crawler.Tally
		exists bool
	)
	err := f.pool.QueryRow(ctx, tallySQL, jobID).
		Scan(&t.Pending, &t.Processing, &t.Succeeded, &t.Failed, &t.Skipped, &t.Total, &exists)
	if err != nil {
		return crawler.Tally{}, fmt.Errorf("tally uris: %w", err)
	}
	if !exists {
		return crawler.Tally{}, fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	return t, nil
}

// FinishJob stamps finished_at unless another batch already did.
func (f *Frontier) FinishJob(ctx context.Context, jobID string) (bool, error) {
	now := time.Now().UTC()
	if f.clock != nil {
		now = f.clock.Now()
	}
	tag, err := f.pool.Exec(ctx,
		`UPDATE crawl_jobs SET finished_at = $2 WHERE id = $1 AND finished_at IS NULL`, jobID, now,
	)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	return false, f.ensureJob(ctx, jobID)
}

// RequeueProcessing returns URIs stranded in processing to pending.
func (f *Frontier) RequeueProcessing(ctx context.Context, jobID string) (int, error) {
	tag, err := f.pool.Exec(ctx,
		`UPDATE crawl_uris SET state = 'pending' WHERE job_id = $1 AND state = 'processing'`, jobID,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue processing uris: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Purge deletes a job and, by cascade, its URIs.
func (f *Frontier) Purge(ctx context.Context, jobID string) error {
	tag, err := f.pool.Exec(ctx, `DELETE FROM crawl_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	return nil
}

// Export loads a job and all its URIs in discovery order.
func (f *Frontier) Export(ctx context.Context, jobID string) (crawler.Job, []crawler.CrawlURI, error) {
	job, err := f.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, nil, err
	}
	rows, err := f.pool.Query(ctx,
		`SELECT uri, level, found_on, state, skip_reason, tags, failed FROM crawl_uris WHERE job_id = $1 ORDER BY seq`,
		jobID,
	)
	if err != nil {
		return crawler.Job{}, nil, fmt.Errorf("select uris: %w", err)
	}
	defer rows.Close()
	var uris []crawler.CrawlURI
	for rows.Next() {
		uri, err := scanURI(rows)
		if err != nil {
			return crawler.Job{}, nil, fmt.Errorf("scan uri: %w", err)
		}
		uris = append(uris, uri)
	}
	if err := rows.Err(); err != nil {
		return crawler.Job{}, nil, fmt.Errorf("iterate uris: %w", err)
	}
	return job, uris, nil
}

var uriColumns = []string{"job_id", "uri", "level", "found_on", "state", "skip_reason", "tags", "failed"}

// Import replaces the stored job with the given snapshot.
func (f *Frontier) Import(ctx context.Context, job crawler.Job, uris []crawler.CrawlURI) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	return f.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO crawl_jobs (id, base_uris, created_at, finished_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
	base_uris = EXCLUDED.base_uris,
	finished_at = COALESCE(crawl_jobs.finished_at, EXCLUDED.finished_at)`,
			job.ID, job.BaseURIs, job.CreatedAt, finishedAt(job),
		); err != nil {
			return fmt.Errorf("upsert job: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM crawl_uris WHERE job_id = $1`, job.ID); err != nil {
			return fmt.Errorf("clear uris: %w", err)
		}
		rows := make([][]any, 0, len(uris))
		for _, uri := range uris {
			tags := uri.Tags
			if tags == nil {
				tags = []string{}
			}
			state := uri.State
			if state == "" {
				state = crawler.StatePending
			}
			rows = append(rows, []any{job.ID, uri.URI, uri.Level, uri.FoundOn, string(state), uri.SkipReason, tags, uri.Failed})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"crawl_uris"}, uriColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy uris: %w", err)
		}
		return nil
	})
}

func finishedAt(job crawler.Job) *time.Time {
	if !job.Finished() {
		return nil
	}
	return &job.FinishedAt
}

func (f *Frontier) ensureJob(ctx context.Context, jobID string) error {
	var exists bool
	if err := f.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM crawl_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	return nil
}

func (f *Frontier) inTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func scanURI(row pgx.Row) (crawler.CrawlURI, error) {
	var (
		uri   crawler.CrawlURI
		state string
	)
	if err := row.Scan(&uri.URI, &uri.Level, &uri.FoundOn, &state, &uri.SkipReason, &uri.Tags, &uri.Failed); err != nil {
		return crawler.CrawlURI{}, err //nolint:wrapcheck // callers wrap and inspect pgx.ErrNoRows.
	}
	uri.State = crawler.State(state)
	if len(uri.Tags) == 0 {
		uri.Tags = nil
	}
	return uri, nil
}
