package ports

import (
	"context"
	"io"
	"time"

	"github.com/bizledger/intake/internal/core/domain"
)

// FingerprintRegistry is the remote duplicate registry. Any transport or
// non-2xx failure means "unavailable", never "not a duplicate"; callers fall
// back to the local registry.
type FingerprintRegistry interface {
	Check(ctx context.Context, req RegistryCheckRequest) (*domain.DuplicateCheckResult, error)
	Register(ctx context.Context, fp domain.DocumentFingerprint, userID string) error
	Stats(ctx context.Context, userID string) (*domain.RegistryStats, error)
}

type RegistryCheckRequest struct {
	FileHash      string
	FileName      string
	FileSizeBytes int64
	Extracted     domain.ExtractedFields
	UserID        string
}

// ChunkTransport moves chunk bodies to the backend and drives assembly.
type ChunkTransport interface {
	UploadChunk(ctx context.Context, req ChunkRequest) error
	Finalize(ctx context.Context, uploadID string) error
	ReceivedChunks(ctx context.Context, uploadID string) ([]int, error)
}

type ChunkRequest struct {
	UploadID    string
	FileName    string
	Index       int
	TotalChunks int
	Body        io.Reader
	SizeBytes   int64
}

// StateStore is the durable local key-value store backing the fingerprint
// registry fallback and resumable upload state.
type StateStore interface {
	SaveFingerprint(ctx context.Context, fp domain.DocumentFingerprint) error
	ListFingerprints(ctx context.Context) ([]domain.DocumentFingerprint, error)
	DeleteFingerprint(ctx context.Context, id string) error
	ClearFingerprints(ctx context.Context) error
	RecordDuplicateBlocked(ctx context.Context) error
	LocalStats(ctx context.Context) (*domain.RegistryStats, error)

	SaveUploadState(ctx context.Context, state *domain.UploadState) error
	LoadUploadState(ctx context.Context, uploadID string) (*domain.UploadState, error)
	DeleteUploadState(ctx context.Context, uploadID string) error
	ListUploadStates(ctx context.Context) ([]domain.UploadState, error)
}

// EventPublisher announces registry and upload lifecycle events.
type EventPublisher interface {
	PublishDocumentRegistered(ctx context.Context, fingerprintID string) error
	PublishUploadFinalized(ctx context.Context, uploadID string) error
}

// Identity supplies the authenticated caller, when there is one. Its absence
// forces local-only registry operation.
type Identity interface {
	UserID(ctx context.Context) (string, bool)
}

// RegistryRepository is the server-side fingerprint store.
type RegistryRepository interface {
	Insert(ctx context.Context, userID string, fp domain.DocumentFingerprint) error
	FindByFileHash(ctx context.Context, userID, fileHash string) (*domain.DocumentFingerprint, error)
	FindByContentHash(ctx context.Context, userID, contentHash string) (*domain.DocumentFingerprint, error)
	IncrementBlocked(ctx context.Context, userID string) error
	Stats(ctx context.Context, userID string) (*domain.RegistryStats, error)
}

// UploadSessionRepository tracks server-side chunk receipt per upload.
type UploadSessionRepository interface {
	EnsureSession(ctx context.Context, session *domain.UploadSession) error
	MarkChunkReceived(ctx context.Context, uploadID string, index int) error
	ReceivedChunks(ctx context.Context, uploadID string) ([]int, error)
	GetSession(ctx context.Context, uploadID string) (*domain.UploadSession, error)
	MarkFinalized(ctx context.Context, uploadID string) error
	PruneIdleBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// ChunkStore persists raw chunk bodies and assembles them on finalize.
type ChunkStore interface {
	SaveChunk(ctx context.Context, uploadID string, index int, data io.Reader) error
	Assemble(ctx context.Context, uploadID, fileName string, totalChunks int) (string, error)
	PruneSession(ctx context.Context, uploadID string) error
}
