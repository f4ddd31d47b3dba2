package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite's FTS5 extension.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv_store (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE VIRTUAL TABLE IF NOT EXISTS kv_fts USING fts5(
		key, value, content='kv_store', content_rowid='rowid'
	);
	CREATE TRIGGER IF NOT EXISTS kv_ai AFTER INSERT ON kv_store BEGIN
		INSERT INTO kv_fts(rowid, key, value) VALUES (new.rowid, new.key, new.value);
	END;
	CREATE TRIGGER IF NOT EXISTS kv_au AFTER UPDATE ON kv_store BEGIN
		INSERT INTO kv_fts(kv_fts, rowid, key, value) VALUES ('delete', old.rowid, old.key, old.value);
		INSERT INTO kv_fts(rowid, key, value) VALUES (new.rowid, new.key, new.value);
	END;`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Put stores or replaces a record under its key.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at`,
		rec.Key, rec.Value, rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", rec.Key, err)
	}
	return nil
}

// Search performs full-text search over indexed values, ranked by match
// quality (spec §4.H / SPEC_FULL.md run-index component: "search past
// batches by market question text").
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	terms := strings.Fields(query)
	if len(terms) == 0 {
		return nil, nil
	}
	ftsQuery := strings.Join(terms, " OR ")

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.key, s.value, s.created_at
		FROM kv_fts f
		JOIN kv_store s ON s.rowid = f.rowid
		WHERE kv_fts MATCH ?
		ORDER BY rank
		LIMIT ?`,
		ftsQuery, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var createdAt string
		if err := rows.Scan(&rec.Key, &rec.Value, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close shuts down the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
