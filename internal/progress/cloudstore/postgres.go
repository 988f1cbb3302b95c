package cloudstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/koinelab/trilha/internal/logger"
	"github.com/koinelab/trilha/internal/progress/schema"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps progress documents in a Postgres table, one row per
// (user, module), with synced_at assigned by the database.
type PostgresStore struct {
	log *logger.Logger
	db  *sqlx.DB
}

type progressRow struct {
	UserID    string    `db:"user_id"`
	ModuleID  string    `db:"module_id"`
	Doc       []byte    `db:"doc"`
	UpdatedAt time.Time `db:"updated_at"`
	SyncedAt  time.Time `db:"synced_at"`
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS progress_documents (
	user_id    TEXT NOT NULL,
	module_id  TEXT NOT NULL,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	synced_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, module_id)
);

CREATE TABLE IF NOT EXISTS progress_backups (
	user_id    TEXT NOT NULL,
	backup_id  TEXT NOT NULL,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, backup_id)
);
`

// NewPostgresStore connects with the given DSN and creates the tables.
func NewPostgresStore(ctx context.Context, dsn string, log *logger.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("missing postgres dsn")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := NewPostgresStoreFromDB(db, log)
	if err := s.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an open connection. The caller runs InitSchema.
func NewPostgresStoreFromDB(db *sqlx.DB, log *logger.Logger) *PostgresStore {
	if log == nil {
		log = logger.Default()
	}
	return &PostgresStore{
		log: log.With("service", "PostgresCloudStore"),
		db:  db,
	}
}

// InitSchema creates the document tables if they don't exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to initialize postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, moduleID string) (*schema.ProgressRecord, error) {
	var row progressRow
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, module_id, doc, updated_at, synced_at
		FROM progress_documents
		WHERE user_id = $1 AND module_id = $2`, userID, moduleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPostgres("get", moduleID, err)
	}
	return decodeDoc(row.Doc, moduleID, row.SyncedAt)
}

func (s *PostgresStore) Set(ctx context.Context, userID, moduleID string, rec *schema.ProgressRecord) (time.Time, error) {
	out, err := prepare(moduleID, rec)
	if err != nil {
		return time.Time{}, err
	}
	out.SyncedAt = nil
	raw, err := json.Marshal(out)
	if err != nil {
		return time.Time{}, terminal("set", moduleID, fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	var syncedAt time.Time
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO progress_documents (user_id, module_id, doc, updated_at, synced_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, module_id) DO UPDATE SET
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at,
			synced_at = NOW()
		RETURNING synced_at`,
		userID, moduleID, raw, out.UpdatedAt.UTC()).Scan(&syncedAt)
	if err != nil {
		return time.Time{}, classifyPostgres("set", moduleID, err)
	}
	return syncedAt.UTC(), nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID, moduleID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM progress_documents WHERE user_id = $1 AND module_id = $2`, userID, moduleID); err != nil {
		return classifyPostgres("delete", moduleID, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, userID string) ([]*schema.ProgressRecord, error) {
	var rows []progressRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT user_id, module_id, doc, updated_at, synced_at
		FROM progress_documents
		WHERE user_id = $1
		ORDER BY module_id`, userID); err != nil {
		return nil, classifyPostgres("list", "", err)
	}

	records := make([]*schema.ProgressRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeDoc(row.Doc, row.ModuleID, row.SyncedAt)
		if err != nil {
			s.log.Warn("skipping malformed progress document", "user_id", userID, "module", row.ModuleID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *PostgresStore) PutBackup(ctx context.Context, userID string, b *schema.Backup) (time.Time, error) {
	if err := b.Validate(); err != nil {
		return time.Time{}, terminal("backup", "", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return time.Time{}, terminal("backup", "", fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	var createdAt time.Time
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO progress_backups (user_id, backup_id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, backup_id) DO UPDATE SET doc = EXCLUDED.doc, created_at = NOW()
		RETURNING created_at`, userID, b.ID, raw).Scan(&createdAt)
	if err != nil {
		return time.Time{}, classifyPostgres("backup", "", err)
	}
	return createdAt.UTC(), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return retryable("ping", "", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// classifyPostgres marks data and constraint errors as terminal and
// everything else (connection loss, timeouts, lock contention) as retryable.
func classifyPostgres(op, moduleID string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return terminal(op, moduleID, fmt.Errorf("%w: %v", ErrMalformed, err))
		}
	}
	return retryable(op, moduleID, err)
}
