package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arxpredict/marketmirror/internal/domain"
)

// DeadLetterSource provides read-and-purge access to the queue's dead-letter
// list. The queue implementation satisfies it directly.
type DeadLetterSource interface {
	DeadJobs(ctx context.Context) ([]domain.JobRecord, error)
	PurgeDead(ctx context.Context) error
}

// BlobWriter uploads one object to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver periodically drains the dead-letter list into a JSONL object in
// cold storage. The list is only purged after the upload succeeds, so a
// failed run retries the same records on the next schedule.
type Archiver struct {
	writer BlobWriter
	source DeadLetterSource
	spec   string
	logger *slog.Logger
}

// NewArchiver creates an Archiver that runs on the given cron spec.
func NewArchiver(writer BlobWriter, source DeadLetterSource, spec string, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		source: source,
		spec:   spec,
		logger: logger.With("component", "dead_letter_archiver"),
	}
}

// Run installs the cron entry and blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(a.spec, func() {
		if err := a.Archive(ctx); err != nil {
			a.logger.Error("archive run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("s3blob: add archive entry: %w", err)
	}

	c.Start()
	a.logger.Info("dead-letter archiver started", "cron", a.spec)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Archive uploads the current dead-letter records and purges them.
func (a *Archiver) Archive(ctx context.Context) error {
	records, err := a.source.DeadJobs(ctx)
	if err != nil {
		return fmt.Errorf("s3blob: read dead letters: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: marshal dead letters: %w", err)
	}

	path := archivePath(time.Now().UTC())
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: upload dead letters: %w", err)
	}

	if err := a.source.PurgeDead(ctx); err != nil {
		return fmt.Errorf("s3blob: purge dead letters after upload: %w", err)
	}

	a.logger.Info("dead letters archived", "path", path, "count", len(records))
	return nil
}

// archivePath builds the object key for one archive run, e.g.
// dead-letters/2026-08-29/1756425600.jsonl.
func archivePath(now time.Time) string {
	return fmt.Sprintf("dead-letters/%s/%d.jsonl", now.Format("2006-01-02"), now.Unix())
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
