// Package localstore persists progress records in an embedded SQLite
// database on the learner's machine.
//
// The store is the offline source of truth:
//   - Database file: <data_dir>/progress.db
//   - WAL mode: concurrent readers during writes
//   - Schema: one progress row per module, the record kept as JSON
//   - needs_sync flags records whose cloud write was given up on
//
// Get never fails for a missing module; it returns the empty default record.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/koinelab/trilha/internal/progress/schema"
)

// StorageError reports a failure of the local storage engine.
type StorageError struct {
	Op       string
	ModuleID string
	Err      error
}

func (e *StorageError) Error() string {
	if e.ModuleID == "" {
		return fmt.Sprintf("local store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("local store %s %s: %v", e.Op, e.ModuleID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("local store is closed")

// IsStorageError reports whether err came from the local store.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// DB wraps the SQLite connection holding progress records.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The parent directory is created if needed. The caller MUST call Close()
// when done and should call InitSchema before first use.
//
// Example:
//
//	store, err := localstore.Open(filepath.Join(dataDir, "progress.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(strings.TrimPrefix(path, "file:"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := path
	if !strings.HasPrefix(connStr, "file:") {
		connStr = "file:" + path
	}
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the progress table if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if db.conn == nil {
		return ErrClosed
	}
	ddl := `
	CREATE TABLE IF NOT EXISTS progress (
		module_id TEXT PRIMARY KEY,
		record TEXT NOT NULL,      -- JSON encoded schema.ProgressRecord
		updated_at TEXT NOT NULL,
		sync_state TEXT NOT NULL DEFAULT 'local-only',
		needs_sync INTEGER NOT NULL DEFAULT 0,
		synced_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_progress_needs_sync ON progress(needs_sync);
	CREATE INDEX IF NOT EXISTS idx_progress_updated ON progress(updated_at);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Get returns the record for moduleID, or the default record if none is stored.
func (db *DB) Get(moduleID string) (*schema.ProgressRecord, error) {
	return db.GetContext(context.Background(), moduleID)
}

// GetContext returns the record for moduleID with context support.
func (db *DB) GetContext(ctx context.Context, moduleID string) (*schema.ProgressRecord, error) {
	if db.conn == nil {
		return nil, &StorageError{Op: "get", ModuleID: moduleID, Err: ErrClosed}
	}

	var raw string
	err := db.conn.QueryRowContext(ctx,
		`SELECT record FROM progress WHERE module_id = ?`, moduleID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.NewRecord(moduleID), nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get", ModuleID: moduleID, Err: err}
	}

	rec, err := decode(raw)
	if err != nil {
		return nil, &StorageError{Op: "get", ModuleID: moduleID, Err: err}
	}
	return rec, nil
}

// Exists reports whether a record is stored for moduleID.
func (db *DB) Exists(ctx context.Context, moduleID string) (bool, error) {
	if db.conn == nil {
		return false, &StorageError{Op: "exists", ModuleID: moduleID, Err: ErrClosed}
	}
	var n int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM progress WHERE module_id = ?`, moduleID).Scan(&n); err != nil {
		return false, &StorageError{Op: "exists", ModuleID: moduleID, Err: err}
	}
	return n > 0, nil
}

// Put inserts or replaces the record keyed by its module id.
func (db *DB) Put(rec *schema.ProgressRecord) error {
	return db.PutContext(context.Background(), rec)
}

// PutContext inserts or replaces a record with context support.
//
// A put resets the needs_sync flag only when the record arrives already
// synced; otherwise the flag is left as it was.
func (db *DB) PutContext(ctx context.Context, rec *schema.ProgressRecord) error {
	if rec == nil {
		return &StorageError{Op: "put", Err: fmt.Errorf("invalid record: record is nil")}
	}
	if err := rec.Validate(); err != nil {
		return &StorageError{Op: "put", ModuleID: rec.ModuleID, Err: fmt.Errorf("invalid record: %w", err)}
	}
	if db.conn == nil {
		return &StorageError{Op: "put", ModuleID: rec.ModuleID, Err: ErrClosed}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Op: "put", ModuleID: rec.ModuleID, Err: fmt.Errorf("failed to marshal record: %w", err)}
	}

	state := rec.SyncState
	if state == "" {
		state = schema.StateLocalOnly
	}

	query := `
	INSERT INTO progress (module_id, record, updated_at, sync_state, needs_sync, synced_at)
	VALUES (?, ?, ?, ?, 0, ?)
	ON CONFLICT(module_id) DO UPDATE SET
		record = excluded.record,
		updated_at = excluded.updated_at,
		sync_state = excluded.sync_state,
		needs_sync = CASE WHEN excluded.sync_state = 'synced' THEN 0 ELSE progress.needs_sync END,
		synced_at = COALESCE(excluded.synced_at, progress.synced_at)
	`

	_, err = db.conn.ExecContext(ctx, query,
		rec.ModuleID,
		string(data),
		formatTime(rec.UpdatedAt),
		string(state),
		formatTimePtr(rec.SyncedAt),
	)
	if err != nil {
		return &StorageError{Op: "put", ModuleID: rec.ModuleID, Err: err}
	}

	return nil
}

// Delete removes the record for moduleID. Deleting a missing record is not an error.
func (db *DB) Delete(moduleID string) error {
	return db.DeleteContext(context.Background(), moduleID)
}

// DeleteContext removes a record with context support.
func (db *DB) DeleteContext(ctx context.Context, moduleID string) error {
	if db.conn == nil {
		return &StorageError{Op: "delete", ModuleID: moduleID, Err: ErrClosed}
	}
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM progress WHERE module_id = ?`, moduleID); err != nil {
		return &StorageError{Op: "delete", ModuleID: moduleID, Err: err}
	}
	return nil
}

// List returns every stored record ordered by module id.
func (db *DB) List() ([]*schema.ProgressRecord, error) {
	return db.ListContext(context.Background())
}

// ListContext returns every stored record with context support.
func (db *DB) ListContext(ctx context.Context) ([]*schema.ProgressRecord, error) {
	return db.query(ctx, "list", `SELECT record FROM progress ORDER BY module_id`)
}

// ListUpdatedSince returns records mutated at or after since.
func (db *DB) ListUpdatedSince(ctx context.Context, since time.Time) ([]*schema.ProgressRecord, error) {
	return db.query(ctx, "list",
		`SELECT record FROM progress WHERE updated_at >= ? ORDER BY updated_at DESC`, formatTime(since))
}

// ListUnsynced returns records whose cloud write was abandoned.
func (db *DB) ListUnsynced(ctx context.Context) ([]*schema.ProgressRecord, error) {
	return db.query(ctx, "list-unsynced",
		`SELECT record FROM progress WHERE needs_sync = 1 ORDER BY module_id`)
}

// MarkSynced records a successful cloud write of the version stamped
// updatedAt. A row that has since been overwritten by a newer local change is
// left alone. It reports whether the row was updated.
func (db *DB) MarkSynced(ctx context.Context, moduleID string, updatedAt, syncedAt time.Time) (bool, error) {
	if db.conn == nil {
		return false, &StorageError{Op: "mark-synced", ModuleID: moduleID, Err: ErrClosed}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, &StorageError{Op: "mark-synced", ModuleID: moduleID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT record FROM progress WHERE module_id = ? AND updated_at = ?`,
		moduleID, formatTime(updatedAt)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "mark-synced", ModuleID: moduleID, Err: err}
	}

	rec, err := decode(raw)
	if err != nil {
		return false, &StorageError{Op: "mark-synced", ModuleID: moduleID, Err: err}
	}
	synced := syncedAt.UTC()
	rec.SyncState = schema.StateSynced
	rec.SyncedAt = &synced

	data, err := json.Marshal(rec)
	if err != nil {
		return false, &StorageError{Op: "mark-synced", ModuleID: moduleID, Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE progress
		SET record = ?, sync_state = 'synced', needs_sync = 0, synced_at = ?
		WHERE module_id = ?`,
		string(data), formatTime(synced), moduleID); err != nil {
		return false, &StorageError{Op: "mark-synced", ModuleID: moduleID, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return false, &StorageError{Op: "mark-synced", ModuleID: moduleID, Err: err}
	}
	return true, nil
}

// MarkUnsynced flags the record as needing a resync. updatedAt, when
// non-zero, restricts the flag to that version of the record.
func (db *DB) MarkUnsynced(ctx context.Context, moduleID string, updatedAt time.Time) error {
	if db.conn == nil {
		return &StorageError{Op: "mark-unsynced", ModuleID: moduleID, Err: ErrClosed}
	}

	query := `
	UPDATE progress
	SET needs_sync = 1, sync_state = 'local-only', record = json_set(record, '$.sync_state', 'local-only')
	WHERE module_id = ?`
	args := []interface{}{moduleID}
	if !updatedAt.IsZero() {
		query += ` AND updated_at = ?`
		args = append(args, formatTime(updatedAt))
	}

	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return &StorageError{Op: "mark-unsynced", ModuleID: moduleID, Err: err}
	}
	return nil
}

// SetState updates the sync_state column and the embedded record's state.
func (db *DB) SetState(ctx context.Context, moduleID string, state schema.SyncState) error {
	if db.conn == nil {
		return &StorageError{Op: "set-state", ModuleID: moduleID, Err: ErrClosed}
	}
	if _, err := db.conn.ExecContext(ctx, `
		UPDATE progress
		SET sync_state = ?, record = json_set(record, '$.sync_state', ?)
		WHERE module_id = ?`,
		string(state), string(state), moduleID); err != nil {
		return &StorageError{Op: "set-state", ModuleID: moduleID, Err: err}
	}
	return nil
}

// Stats summarizes the store contents.
type Stats struct {
	Records   int `json:"records" yaml:"records"`
	Unsynced  int `json:"unsynced" yaml:"unsynced"`
	Synced    int `json:"synced" yaml:"synced"`
	Conflicts int `json:"conflicts" yaml:"conflicts"`
}

// Stats returns record counts by sync status.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	if db.conn == nil {
		return nil, &StorageError{Op: "stats", Err: ErrClosed}
	}
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(needs_sync), 0),
			COALESCE(SUM(CASE WHEN sync_state = 'synced' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_state = 'merge-conflict' THEN 1 ELSE 0 END), 0)
		FROM progress`).Scan(&s.Records, &s.Unsynced, &s.Synced, &s.Conflicts)
	if err != nil {
		return nil, &StorageError{Op: "stats", Err: err}
	}
	return &s, nil
}

func (db *DB) query(ctx context.Context, op, query string, args ...interface{}) ([]*schema.ProgressRecord, error) {
	if db.conn == nil {
		return nil, &StorageError{Op: op, Err: ErrClosed}
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	defer rows.Close()

	var records []*schema.ProgressRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &StorageError{Op: op, Err: err}
		}
		rec, err := decode(raw)
		if err != nil {
			return nil, &StorageError{Op: op, Err: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}

	return records, nil
}

func decode(raw string) (*schema.ProgressRecord, error) {
	var rec schema.ProgressRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	rec.Normalize()
	return &rec, nil
}

// Fixed width so that stored timestamps sort and compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
