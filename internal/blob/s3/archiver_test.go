package s3blob

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxpredict/marketmirror/internal/domain"
)

type mockDeadLetterSource struct {
	records []domain.JobRecord
	purged  bool

	deadJobsFunc func(ctx context.Context) ([]domain.JobRecord, error)
}

func (m *mockDeadLetterSource) DeadJobs(ctx context.Context) ([]domain.JobRecord, error) {
	if m.deadJobsFunc != nil {
		return m.deadJobsFunc(ctx)
	}
	return m.records, nil
}

func (m *mockDeadLetterSource) PurgeDead(ctx context.Context) error {
	m.purged = true
	return nil
}

type mockBlobWriter struct {
	path        string
	contentType string
	body        string
	puts        int

	putFunc func(ctx context.Context, path string, data io.Reader, contentType string) error
}

func (m *mockBlobWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	m.puts++
	if m.putFunc != nil {
		return m.putFunc(ctx, path, data, contentType)
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.path = path
	m.contentType = contentType
	m.body = string(body)
	return nil
}

func deadRecord(id string) domain.JobRecord {
	return domain.JobRecord{
		Job: domain.QueueJob{
			ID:       id,
			Kind:     domain.EventBuyShares,
			Payload:  []byte(`{"marketId":1}`),
			Attempts: 3,
		},
		Outcome:    domain.JobDeadLettered,
		Error:      "boom",
		FinishedAt: time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
	}
}

func newTestArchiver(writer BlobWriter, source DeadLetterSource) *Archiver {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewArchiver(writer, source, "0 0 1 * * *", logger)
}

func TestArchiveUploadsAndPurges(t *testing.T) {
	source := &mockDeadLetterSource{records: []domain.JobRecord{deadRecord("a"), deadRecord("b")}}
	writer := &mockBlobWriter{}
	a := newTestArchiver(writer, source)

	require.NoError(t, a.Archive(context.Background()))

	assert.True(t, source.purged)
	assert.Equal(t, "application/x-ndjson", writer.contentType)
	assert.True(t, strings.HasPrefix(writer.path, "dead-letters/"))
	assert.True(t, strings.HasSuffix(writer.path, ".jsonl"))

	lines := strings.Split(strings.TrimRight(writer.body, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"a"`)
	assert.Contains(t, lines[1], `"b"`)
}

func TestArchiveEmptyListNoUpload(t *testing.T) {
	source := &mockDeadLetterSource{}
	writer := &mockBlobWriter{}
	a := newTestArchiver(writer, source)

	require.NoError(t, a.Archive(context.Background()))

	assert.Zero(t, writer.puts)
	assert.False(t, source.purged)
}

func TestArchiveUploadFailureKeepsRecords(t *testing.T) {
	source := &mockDeadLetterSource{records: []domain.JobRecord{deadRecord("a")}}
	writer := &mockBlobWriter{
		putFunc: func(ctx context.Context, path string, data io.Reader, contentType string) error {
			return errors.New("bucket unavailable")
		},
	}
	a := newTestArchiver(writer, source)

	err := a.Archive(context.Background())
	require.Error(t, err)
	assert.False(t, source.purged, "records must survive a failed upload")
}

func TestArchiveReadFailure(t *testing.T) {
	source := &mockDeadLetterSource{
		deadJobsFunc: func(ctx context.Context) ([]domain.JobRecord, error) {
			return nil, errors.New("redis down")
		},
	}
	a := newTestArchiver(&mockBlobWriter{}, source)

	require.Error(t, a.Archive(context.Background()))
}

func TestArchivePath(t *testing.T) {
	at := time.Date(2026, 8, 29, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, "dead-letters/2026-08-29/1787965200.jsonl", archivePath(at))
}
