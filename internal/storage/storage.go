// Package storage backs the Result Assembler's local run index
// (runindex.go): results/<batch>/summary.json on disk (internal/result)
// remains the source of truth for any one batch, but an operator running
// many batches over days wants to find past runs by market question
// without re-reading every summary.json. Store is narrowed to exactly
// what RunIndex exercises — append a record, search it back by text —
// rather than carrying a general-purpose key-value surface no caller
// here uses.
//
// SQLiteStore is the implementation, using pure-Go SQLite
// (modernc.org/sqlite) so the index needs no cgo toolchain.
package storage

import (
	"context"
	"time"
)

// Record is one indexed document.
type Record struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence interface RunIndex depends on.
type Store interface {
	// Put appends or replaces a record under its key.
	Put(ctx context.Context, rec Record) error

	// Search performs full-text search over indexed values.
	Search(ctx context.Context, query string, limit int) ([]Record, error)

	// Close shuts down the store.
	Close() error
}
