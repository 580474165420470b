package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bizledger/intake/internal/core/domain"
)

// Store persists fingerprints and resumable upload state in a local sqlite
// database so both survive process restarts.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenDB opens the local state database in WAL mode so the api process and
// the worker can share it.
func OpenDB(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	return db, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	const query = `
CREATE TABLE IF NOT EXISTS fingerprints (
	id TEXT NOT NULL,
	file_hash TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL DEFAULT '',
	visual_hash TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL,
	file_size_bytes INTEGER NOT NULL,
	processed_at TIMESTAMP NOT NULL,
	extracted TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_fingerprints_content_hash ON fingerprints(content_hash);

CREATE TABLE IF NOT EXISTS upload_states (
	upload_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	return nil
}

// SaveFingerprint upserts on file hash: re-registering the same bytes
// replaces the previous row instead of accumulating duplicates.
func (s *Store) SaveFingerprint(ctx context.Context, fp domain.DocumentFingerprint) error {
	extracted, err := json.Marshal(fp.Extracted)
	if err != nil {
		return fmt.Errorf("marshal extracted fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO fingerprints (id, file_hash, content_hash, visual_hash, file_name, file_size_bytes, processed_at, extracted)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(file_hash) DO UPDATE SET
	id = excluded.id,
	content_hash = excluded.content_hash,
	visual_hash = excluded.visual_hash,
	file_name = excluded.file_name,
	file_size_bytes = excluded.file_size_bytes,
	processed_at = excluded.processed_at,
	extracted = excluded.extracted
`,
		fp.ID, fp.FileHash, fp.ContentHash, fp.VisualHash, fp.FileName, fp.FileSizeBytes, fp.ProcessedAt, string(extracted),
	)
	if err != nil {
		return fmt.Errorf("upsert fingerprint: %w", err)
	}
	return nil
}

func (s *Store) ListFingerprints(ctx context.Context) ([]domain.DocumentFingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, file_hash, content_hash, visual_hash, file_name, file_size_bytes, processed_at, extracted
FROM fingerprints
ORDER BY processed_at DESC
`)
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	var out []domain.DocumentFingerprint
	for rows.Next() {
		var fp domain.DocumentFingerprint
		var extractedRaw string
		if err := rows.Scan(&fp.ID, &fp.FileHash, &fp.ContentHash, &fp.VisualHash, &fp.FileName, &fp.FileSizeBytes, &fp.ProcessedAt, &extractedRaw); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		if err := json.Unmarshal([]byte(extractedRaw), &fp.Extracted); err != nil {
			return nil, fmt.Errorf("unmarshal extracted fields: %w", err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

func (s *Store) DeleteFingerprint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete fingerprint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete fingerprint rows: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrNotFound, "delete fingerprint", fmt.Errorf("fingerprint %s", id))
	}
	return nil
}

func (s *Store) ClearFingerprints(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints`); err != nil {
		return fmt.Errorf("clear fingerprints: %w", err)
	}
	return nil
}

func (s *Store) RecordDuplicateBlocked(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO counters (name, value) VALUES ('duplicates_blocked', 1)
ON CONFLICT(name) DO UPDATE SET value = value + 1
`)
	if err != nil {
		return fmt.Errorf("increment blocked counter: %w", err)
	}
	return nil
}

func (s *Store) LocalStats(ctx context.Context) (*domain.RegistryStats, error) {
	stats := &domain.RegistryStats{}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fingerprints`)
	if err := row.Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("scan fingerprint count: %w", err)
	}

	// Aggregates lose the column's declared type, so the driver would hand
	// MAX(processed_at) back as a string. Select the column directly instead.
	row = s.db.QueryRowContext(ctx, `SELECT processed_at FROM fingerprints ORDER BY processed_at DESC LIMIT 1`)
	var last time.Time
	switch err := row.Scan(&last); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("scan last processed: %w", err)
	default:
		stats.LastProcessed = &last
	}

	row = s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = 'duplicates_blocked'`)
	if err := row.Scan(&stats.DuplicatesBlocked); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan blocked counter: %w", err)
	}
	return stats, nil
}

func (s *Store) SaveUploadState(ctx context.Context, state *domain.UploadState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal upload state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO upload_states (upload_id, state, updated_at) VALUES (?,?,?)
ON CONFLICT(upload_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
`, state.UploadID, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert upload state: %w", err)
	}
	return nil
}

func (s *Store) LoadUploadState(ctx context.Context, uploadID string) (*domain.UploadState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT state FROM upload_states WHERE upload_id = ?`, uploadID)

	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "load upload state", fmt.Errorf("upload %s", uploadID))
		}
		return nil, fmt.Errorf("scan upload state: %w", err)
	}

	var state domain.UploadState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("unmarshal upload state: %w", err)
	}
	return &state, nil
}

func (s *Store) DeleteUploadState(ctx context.Context, uploadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_states WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("delete upload state: %w", err)
	}
	return nil
}

func (s *Store) ListUploadStates(ctx context.Context) ([]domain.UploadState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM upload_states ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query upload states: %w", err)
	}
	defer rows.Close()

	var out []domain.UploadState
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan upload state: %w", err)
		}
		var state domain.UploadState
		if err := json.Unmarshal([]byte(payload), &state); err != nil {
			return nil, fmt.Errorf("unmarshal upload state: %w", err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}
