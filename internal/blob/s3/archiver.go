package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// PositionArchiveStore is the slice of the position store the archiver
// needs. The Postgres PositionStore satisfies it.
type PositionArchiveStore interface {
	ListUnarchived(ctx context.Context, before time.Time, limit int) ([]domain.Position, error)
	MarkArchived(ctx context.Context, ids []string) (int64, error)
}

// defaultBatchSize bounds one JSONL object.
const defaultBatchSize = 1000

// ArchiveImpl implements domain.Archiver. Closed positions are written to
// S3 as JSONL batches and then stamped archived in the store; rows are never
// deleted here.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	positions PositionArchiveStore
	audit     domain.AuditStore
	batchSize int
	now       func() time.Time
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, positions PositionArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		positions: positions,
		audit:     audit,
		batchSize: defaultBatchSize,
		now:       time.Now,
	}
}

// ArchiveClosedPositions uploads every closed, unarchived position that
// closed before the cutoff and returns how many were archived. A batch is
// only marked archived after its upload succeeded, so a failed run is
// retried in full next time.
func (a *ArchiveImpl) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	runAt := a.now().UTC()
	var total int64

	for batch := 1; ; batch++ {
		positions, err := a.positions.ListUnarchived(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions query: %w", err)
		}
		if len(positions) == 0 {
			break
		}

		buf, err := marshalJSONL(positions)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions marshal: %w", err)
		}

		path := archivePath("positions", before, runAt, batch)
		if int64(len(buf)) > minPartSize {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
		}
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions upload: %w", err)
		}

		ids := make([]string, len(positions))
		for i, p := range positions {
			ids[i] = p.ID
		}
		marked, err := a.positions.MarkArchived(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions mark: %w", err)
		}
		total += marked

		if err := a.audit.Log(ctx, "archive.positions", map[string]any{
			"path":   path,
			"count":  len(positions),
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: archive positions audit log: %w", err)
		}

		if len(positions) < a.batchSize {
			break
		}
	}
	return total, nil
}

// ArchivePrefix is where position archives live in the bucket.
const ArchivePrefix = "archive/positions/"

// archivePath partitions archives by the month of the cutoff:
//
//	archive/positions/2026-09/20261001T030000Z-001.jsonl
func archivePath(kind string, before, runAt time.Time, batch int) string {
	return fmt.Sprintf("archive/%s/%s/%s-%03d.jsonl",
		kind, before.Format("2006-01"), runAt.Format("20060102T150405Z"), batch)
}

// marshalJSONL encodes records as newline-delimited JSON.
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

var _ domain.Archiver = (*ArchiveImpl)(nil)
