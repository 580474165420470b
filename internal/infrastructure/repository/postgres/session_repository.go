package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bizledger/intake/internal/core/domain"
)

// SessionRepository tracks chunk receipt per upload on the server side.
type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// EnsureSession creates the session row if it does not exist yet. Chunks can
// arrive in any order, so every chunk request calls this first.
func (r *SessionRepository) EnsureSession(ctx context.Context, session *domain.UploadSession) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO upload_sessions (upload_id, file_name, total_chunks, created_at, updated_at)
VALUES ($1,$2,$3,$4,$4)
ON CONFLICT (upload_id) DO NOTHING
`, session.UploadID, session.FileName, session.TotalChunks, now)
	if err != nil {
		return fmt.Errorf("ensure upload session: %w", err)
	}
	return nil
}

// MarkChunkReceived records one received chunk index. Re-receiving the same
// index is a no-op, which makes client retries idempotent.
func (r *SessionRepository) MarkChunkReceived(ctx context.Context, uploadID string, index int) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE upload_sessions
SET received_indices = (
	SELECT COALESCE(jsonb_agg(DISTINCT v ORDER BY v), '[]'::jsonb)
	FROM jsonb_array_elements(received_indices || to_jsonb($2::int)) AS t(v)
),
updated_at = $3
WHERE upload_id = $1
`, uploadID, index, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark chunk received: %w", err)
	}
	return nil
}

func (r *SessionRepository) ReceivedChunks(ctx context.Context, uploadID string) ([]int, error) {
	row := r.db.QueryRowContext(ctx, `SELECT received_indices FROM upload_sessions WHERE upload_id = $1`, uploadID)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "query received chunks", fmt.Errorf("upload %s", uploadID))
		}
		return nil, fmt.Errorf("scan received indices: %w", err)
	}

	var indices []int
	if err := json.Unmarshal(raw, &indices); err != nil {
		return nil, fmt.Errorf("unmarshal received indices: %w", err)
	}
	return indices, nil
}

func (r *SessionRepository) GetSession(ctx context.Context, uploadID string) (*domain.UploadSession, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT upload_id, file_name, total_chunks, received_indices, finalized, storage_path, created_at, updated_at
FROM upload_sessions
WHERE upload_id = $1
`, uploadID)

	var session domain.UploadSession
	var raw []byte
	err := row.Scan(&session.UploadID, &session.FileName, &session.TotalChunks, &raw, &session.Finalized, &session.StoragePath, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get upload session", fmt.Errorf("upload %s", uploadID))
		}
		return nil, fmt.Errorf("scan upload session: %w", err)
	}

	var indices []int
	if err := json.Unmarshal(raw, &indices); err != nil {
		return nil, fmt.Errorf("unmarshal received indices: %w", err)
	}
	session.Received = len(indices)
	return &session, nil
}

func (r *SessionRepository) MarkFinalized(ctx context.Context, uploadID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE upload_sessions SET finalized = TRUE, updated_at = $2 WHERE upload_id = $1
`, uploadID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark session finalized: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark session finalized rows: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrNotFound, "mark session finalized", fmt.Errorf("upload %s", uploadID))
	}
	return nil
}

// PruneIdleBefore deletes sessions not touched since the cutoff and returns
// their upload IDs so the caller can drop the chunk files too.
func (r *SessionRepository) PruneIdleBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
DELETE FROM upload_sessions
WHERE updated_at < $1 AND finalized = FALSE
RETURNING upload_id
`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("prune idle sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pruned session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
