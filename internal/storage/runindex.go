package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// BatchRecord is what RunIndex persists per batch, independent of
// internal/result's BatchSummary type so storage has no dependency on the
// result package (Record.Value already carries the caller's JSON).
type BatchRecord struct {
	BatchLabel string
	Timestamp  string
	Questions  []string
	NSucceeded int
	NFailed    int
}

// RunIndex records one row per completed batch so an operator can search
// across historical runs by market question, without re-reading every
// results/<batch>/summary.json from disk.
type RunIndex struct {
	store Store
}

// NewRunIndex wraps a Store as a run index.
func NewRunIndex(store Store) *RunIndex {
	return &RunIndex{store: store}
}

// RecordBatch indexes one batch's outcome, keyed by "batch:<label>:<timestamp>".
func (idx *RunIndex) RecordBatch(ctx context.Context, rec BatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("runindex: marshal batch record: %w", err)
	}
	key := fmt.Sprintf("batch:%s:%s", rec.BatchLabel, rec.Timestamp)
	return idx.store.Put(ctx, Record{
		Key:       key,
		Value:     data,
		CreatedAt: time.Now(),
	})
}

// FindByQuestion searches past batches whose indexed question text
// matches query, most useful for "has this market been simulated before".
func (idx *RunIndex) FindByQuestion(ctx context.Context, query string, limit int) ([]BatchRecord, error) {
	recs, err := idx.store.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("runindex: search: %w", err)
	}
	out := make([]BatchRecord, 0, len(recs))
	for _, r := range recs {
		var br BatchRecord
		if err := json.Unmarshal(r.Value, &br); err != nil {
			continue
		}
		out = append(out, br)
	}
	return out, nil
}

// Close releases the underlying store.
func (idx *RunIndex) Close() error {
	return idx.store.Close()
}
