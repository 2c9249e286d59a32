// Package registry records permanently stored uploads in Postgres, the
// database-backed file registry finalized artifacts are handed off to. The
// upload protocol itself never depends on it; temp state lives purely on the
// filesystem.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no row matches a transfer key.
var ErrNotFound = errors.New("upload not registered")

// Record is a row in the filepond_files table.
type Record struct {
	TransferKey string    `json:"transferKey"`
	FileName    string    `json:"fileName"`
	SizeBytes   int64     `json:"sizeBytes"`
	Checksum    string    `json:"checksum,omitempty"`
	StoredPath  string    `json:"storedPath"`
	ObjectKey   *string   `json:"objectKey,omitempty"`
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the filepond_files table if needed. Keeping the
// migration in code lets a fresh deployment bootstrap itself.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS filepond_files (
	transfer_key TEXT PRIMARY KEY,
	file_name TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	checksum TEXT,
	stored_path TEXT NOT NULL,
	object_key TEXT,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_filepond_files_archived ON filepond_files(archived);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Registry wraps all SQL used by the API and the archive worker.
type Registry struct {
	pool *pgxpool.Pool
}

// New constructs a Registry.
func New(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Add inserts a stored upload.
func (r *Registry) Add(ctx context.Context, rec *Record) error {
	rec.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO filepond_files (transfer_key, file_name, size_bytes, checksum, stored_path, object_key, archived, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.TransferKey, rec.FileName, rec.SizeBytes, rec.Checksum, rec.StoredPath, rec.ObjectKey, rec.Archived, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert upload record: %w", err)
	}
	return nil
}

// Get returns the record for a transfer key.
func (r *Registry) Get(ctx context.Context, transferKey string) (*Record, error) {
	var (
		rec       Record
		checksum  sql.NullString
		objectKey sql.NullString
	)
	row := r.pool.QueryRow(ctx, `
		SELECT transfer_key, file_name, size_bytes, checksum, stored_path, object_key, archived, created_at
		FROM filepond_files WHERE transfer_key=$1
	`, transferKey)
	if err := row.Scan(&rec.TransferKey, &rec.FileName, &rec.SizeBytes, &checksum, &rec.StoredPath, &objectKey, &rec.Archived, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select upload record: %w", err)
	}
	if checksum.Valid {
		rec.Checksum = checksum.String
	}
	if objectKey.Valid {
		key := objectKey.String
		rec.ObjectKey = &key
	}
	return &rec, nil
}

// MarkArchived stores the object key written by the archive worker.
func (r *Registry) MarkArchived(ctx context.Context, transferKey, objectKey string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE filepond_files SET archived=TRUE, object_key=$1 WHERE transfer_key=$2
	`, objectKey, transferKey)
	if err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	return nil
}
