package subscriber

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// CSVContentType is the content type of CSV artifacts.
const CSVContentType = "text/csv; charset=utf-8"

// ArtifactPath returns the artifact path of a subscriber for one job.
func ArtifactPath(name, jobID string) string {
	return name + "/" + jobID + ".csv"
}

// AppendCSV appends rows to the CSV artifact at path. The header is written
// when the artifact does not exist yet.
func AppendCSV(ctx context.Context, store crawler.BlobStore, path string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	existing, err := store.GetObject(ctx, path)
	switch {
	case errors.Is(err, crawler.ErrObjectNotFound):
	case err != nil:
		return fmt.Errorf("read artifact %s: %w", path, err)
	default:
		_, err = io.Copy(&buf, existing)
		closeErr := existing.Close()
		if err != nil {
			return fmt.Errorf("read artifact %s: %w", path, err)
		}
		if closeErr != nil {
			return fmt.Errorf("close artifact %s: %w", path, closeErr)
		}
	}

	w := csv.NewWriter(&buf)
	if buf.Len() == 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv rows: %w", err)
	}
	if _, err := store.PutObject(ctx, path, CSVContentType, &buf); err != nil {
		return fmt.Errorf("store artifact %s: %w", path, err)
	}
	return nil
}

// OpenArtifact returns a downloadable Result for the artifact at path.
func OpenArtifact(ctx context.Context, store crawler.BlobStore, path, filename string) (crawler.Result, error) {
	body, err := store.GetObject(ctx, path)
	if err != nil {
		return crawler.Result{}, err
	}
	return crawler.Result{ContentType: CSVContentType, Filename: filename, Body: body}, nil
}

// RowBuffer collects CSV rows per job until they are flushed.
type RowBuffer struct {
	mu   sync.Mutex
	rows map[string][][]string
}

// Append buffers one row for jobID.
func (b *RowBuffer) Append(jobID string, row []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rows == nil {
		b.rows = make(map[string][][]string)
	}
	b.rows[jobID] = append(b.rows[jobID], row)
}

// Len returns the number of buffered rows for jobID.
func (b *RowBuffer) Len(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows[jobID])
}

// Flush appends the buffered rows of jobID to the artifact at path. Rows stay
// buffered when the write fails.
func (b *RowBuffer) Flush(ctx context.Context, store crawler.BlobStore, path, jobID string, header []string) error {
	return b.write(ctx, store, path, jobID, header, false)
}

// Finish flushes like Flush and also creates the artifact when no row was
// ever buffered, so that a finished job always has a downloadable result.
func (b *RowBuffer) Finish(ctx context.Context, store crawler.BlobStore, path, jobID string, header []string) error {
	return b.write(ctx, store, path, jobID, header, true)
}

func (b *RowBuffer) write(ctx context.Context, store crawler.BlobStore, path, jobID string, header []string, always bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.rows[jobID]
	if len(rows) == 0 && !always {
		return nil
	}
	if err := AppendCSV(ctx, store, path, header, rows); err != nil {
		return err
	}
	delete(b.rows, jobID)
	return nil
}
