package ports

import (
	"context"
	"io"

	"github.com/bizledger/intake/internal/core/domain"
)

// DuplicateChecker classifies candidate documents against previously
// processed ones and maintains the fingerprint registry.
type DuplicateChecker interface {
	CheckForDuplicate(ctx context.Context, fileName string, content io.ReaderAt, size int64, extracted *domain.ExtractedFields) (*domain.DuplicateCheckResult, error)
	RegisterDocument(ctx context.Context, fileName string, content io.ReaderAt, size int64, extracted domain.ExtractedFields) (string, error)
	RemoveDocument(ctx context.Context, id string) error
	ProcessedDocuments(ctx context.Context) ([]domain.DocumentFingerprint, error)
	ClearAll(ctx context.Context) error
	Stats(ctx context.Context) (*domain.RegistryStats, error)
}

// FileUploader transfers files in bounded-size chunks and supports resuming
// interrupted uploads from persisted state.
type FileUploader interface {
	UploadFile(ctx context.Context, fileName string, content io.ReaderAt, size int64, opts UploadOptions) (*domain.UploadResult, error)
	ResumeUpload(ctx context.Context, uploadID string, content io.ReaderAt, size int64) (*domain.UploadResult, error)
}

// UploadOptions tune a single UploadFile call. Zero values select defaults.
type UploadOptions struct {
	ChunkSizeBytes  int64
	MaxRetries      int
	OnProgress      func(domain.Progress)
	OnChunkComplete func(index, total int)
}
