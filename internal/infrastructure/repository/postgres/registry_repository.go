package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/bizledger/intake/internal/core/domain"
)

// RegistryRepository is the server-side fingerprint registry, scoped per
// user.
type RegistryRepository struct {
	db *sql.DB
}

func NewRegistryRepository(db *sql.DB) *RegistryRepository {
	return &RegistryRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *RegistryRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082301)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS fingerprints (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	file_hash TEXT NOT NULL,
	content_hash TEXT NOT NULL DEFAULT '',
	visual_hash TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL,
	file_size_bytes BIGINT NOT NULL,
	extracted JSONB NOT NULL DEFAULT '{}'::jsonb,
	processed_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_fingerprints_user_file_hash ON fingerprints(user_id, file_hash);
CREATE INDEX IF NOT EXISTS idx_fingerprints_user_content_hash ON fingerprints(user_id, content_hash);

CREATE TABLE IF NOT EXISTS blocked_counters (
	user_id TEXT PRIMARY KEY,
	value BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS upload_sessions (
	upload_id TEXT PRIMARY KEY,
	file_name TEXT NOT NULL,
	total_chunks INT NOT NULL,
	received_indices JSONB NOT NULL DEFAULT '[]'::jsonb,
	finalized BOOLEAN NOT NULL DEFAULT FALSE,
	storage_path TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_upload_sessions_updated_at ON upload_sessions(updated_at);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Insert upserts on (user_id, file_hash): re-registering the same bytes for
// the same user replaces the previous row.
func (r *RegistryRepository) Insert(ctx context.Context, userID string, fp domain.DocumentFingerprint) error {
	extracted, err := json.Marshal(fp.Extracted)
	if err != nil {
		return fmt.Errorf("marshal extracted fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO fingerprints (id, user_id, file_hash, content_hash, visual_hash, file_name, file_size_bytes, extracted, processed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (user_id, file_hash) DO UPDATE SET
	id = EXCLUDED.id,
	content_hash = EXCLUDED.content_hash,
	visual_hash = EXCLUDED.visual_hash,
	file_name = EXCLUDED.file_name,
	file_size_bytes = EXCLUDED.file_size_bytes,
	extracted = EXCLUDED.extracted,
	processed_at = EXCLUDED.processed_at
`,
		fp.ID, userID, fp.FileHash, fp.ContentHash, fp.VisualHash, fp.FileName, fp.FileSizeBytes, extracted, fp.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	return nil
}

func (r *RegistryRepository) FindByFileHash(ctx context.Context, userID, fileHash string) (*domain.DocumentFingerprint, error) {
	return r.findBy(ctx, `file_hash`, userID, fileHash)
}

func (r *RegistryRepository) FindByContentHash(ctx context.Context, userID, contentHash string) (*domain.DocumentFingerprint, error) {
	if contentHash == "" {
		return nil, domain.WrapError(domain.ErrNotFound, "find fingerprint", errors.New("empty content hash"))
	}
	return r.findBy(ctx, `content_hash`, userID, contentHash)
}

func (r *RegistryRepository) findBy(ctx context.Context, column, userID, value string) (*domain.DocumentFingerprint, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, file_hash, content_hash, visual_hash, file_name, file_size_bytes, extracted, processed_at
FROM fingerprints
WHERE user_id = $1 AND `+column+` = $2
ORDER BY processed_at DESC
LIMIT 1
`, userID, value)

	var fp domain.DocumentFingerprint
	var extractedRaw []byte
	err := row.Scan(&fp.ID, &fp.FileHash, &fp.ContentHash, &fp.VisualHash, &fp.FileName, &fp.FileSizeBytes, &extractedRaw, &fp.ProcessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "find fingerprint", fmt.Errorf("%s %s", column, value))
		}
		return nil, fmt.Errorf("scan fingerprint: %w", err)
	}
	if err := json.Unmarshal(extractedRaw, &fp.Extracted); err != nil {
		return nil, fmt.Errorf("unmarshal extracted fields: %w", err)
	}
	return &fp, nil
}

func (r *RegistryRepository) IncrementBlocked(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO blocked_counters (user_id, value) VALUES ($1, 1)
ON CONFLICT (user_id) DO UPDATE SET value = blocked_counters.value + 1
`, userID)
	if err != nil {
		return fmt.Errorf("increment blocked counter: %w", err)
	}
	return nil
}

func (r *RegistryRepository) Stats(ctx context.Context, userID string) (*domain.RegistryStats, error) {
	stats := &domain.RegistryStats{}

	row := r.db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(processed_at) FROM fingerprints WHERE user_id = $1`, userID)
	var last sql.NullTime
	if err := row.Scan(&stats.Total, &last); err != nil {
		return nil, fmt.Errorf("scan fingerprint stats: %w", err)
	}
	if last.Valid {
		at := last.Time
		stats.LastProcessed = &at
	}

	row = r.db.QueryRowContext(ctx, `SELECT value FROM blocked_counters WHERE user_id = $1`, userID)
	if err := row.Scan(&stats.DuplicatesBlocked); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan blocked counter: %w", err)
	}
	return stats, nil
}
