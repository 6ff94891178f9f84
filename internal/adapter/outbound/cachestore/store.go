// Package cachestore provides sqlite-backed best-effort persistence for the
// tool-call result cache, so recently cached results survive a restart. It
// is a periodic snapshot, not a transactional store: the in-memory cache in
// internal/service.CacheManager is canonical.
package cachestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/meshmcp/meshmcp/internal/domain/cache"
)

// SQLiteStore persists TaskRecord snapshots to a single-table sqlite file.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (or creates) the sqlite database at dbPath and
// ensures its schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create cache db directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS tasks (
		fingerprint TEXT PRIMARY KEY,
		tool_name   TEXT NOT NULL,
		upstream_id TEXT NOT NULL,
		status      TEXT NOT NULL,
		result      TEXT,
		error       TEXT,
		created_at  DATETIME NOT NULL,
		expires_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_expires_at ON tasks(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns every snapshot row, expired ones included. Expired rows are
// left for the next Save to overwrite rather than filtered here, since
// CacheManager already drops expired entries on restore.
func (s *SQLiteStore) Load() ([]*cache.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("cache store closed")
	}

	rows, err := s.db.Query(`
		SELECT fingerprint, tool_name, upstream_id, status, result, error, created_at, expires_at
		FROM tasks
	`)
	if err != nil {
		return nil, fmt.Errorf("query cache snapshot: %w", err)
	}
	defer rows.Close()

	var records []*cache.TaskRecord
	for rows.Next() {
		var fp string
		var result, errStr sql.NullString
		rec := &cache.TaskRecord{}

		if err := rows.Scan(&fp, &rec.ToolName, &rec.UpstreamID, &rec.Status, &result, &errStr, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan cache row: %w", err)
		}

		var fingerprint uint64
		if _, err := fmt.Sscanf(fp, "%d", &fingerprint); err != nil {
			continue
		}
		rec.Fingerprint = fingerprint
		if result.Valid {
			rec.Result = json.RawMessage(result.String)
		}
		if errStr.Valid {
			rec.Error = errStr.String
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// Save replaces the full snapshot with records in a single transaction.
func (s *SQLiteStore) Save(records []*cache.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("cache store closed")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin cache snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear cache snapshot: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO tasks (fingerprint, tool_name, upstream_id, status, result, error, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare cache insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.Exec(
			fmt.Sprintf("%d", rec.Fingerprint),
			rec.ToolName,
			rec.UpstreamID,
			string(rec.Status),
			string(rec.Result),
			rec.Error,
			rec.CreatedAt,
			rec.ExpiresAt,
		); err != nil {
			return fmt.Errorf("insert cache row: %w", err)
		}
	}

	return tx.Commit()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
