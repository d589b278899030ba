package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"analytics-sync-service/internal/logger"
	"analytics-sync-service/internal/metrics"
	"analytics-sync-service/internal/store"
)

const defaultBatchSize = 500

// Writer commits destination records in bounded batches. Writing the same
// records twice leaves the destination unchanged apart from synced_at.
type Writer struct {
	store     store.Store
	batchSize int
}

func NewWriter(st store.Store, batchSize int) *Writer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Writer{store: st, batchSize: batchSize}
}

// Write upserts records into the entity's destination table and returns how
// many distinct records were written. A later record with the same key
// replaces an earlier one.
func (w *Writer) Write(ctx context.Context, entityType string, records []store.Record) (int, error) {
	records = dedupe(records)
	if len(records) == 0 {
		return 0, nil
	}

	for start := 0; start < len(records); start += w.batchSize {
		end := start + w.batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		logger.Log.Debug("Writing batch",
			zap.String("entity_type", entityType),
			zap.Int("offset", start),
			zap.Int("size", len(batch)),
		)
		if err := w.store.UpsertRecords(ctx, entityType, batch); err != nil {
			return start, fmt.Errorf("%w: %s batch at %d: %v", ErrPersistence, entityType, start, err)
		}
		metrics.RecordsUpserted.WithLabelValues(entityType).Add(float64(len(batch)))
	}
	return len(records), nil
}

type recordKey struct {
	group string
	key   string
	date  int64
}

// dedupe keeps the last record per (group, business key, date) in first-seen
// order. One upsert statement may not touch the same row twice.
func dedupe(records []store.Record) []store.Record {
	index := make(map[recordKey]int, len(records))
	out := make([]store.Record, 0, len(records))
	for _, r := range records {
		k := recordKey{group: r.GroupID, key: r.BusinessKey, date: r.RecordDate.Unix()}
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}
