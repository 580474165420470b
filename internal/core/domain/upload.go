package domain

import "time"

type UploadStatus string

const (
	UploadPlanning        UploadStatus = "planning"
	UploadTransferring    UploadStatus = "transferring"
	UploadAssembling      UploadStatus = "assembling"
	UploadCompleted       UploadStatus = "completed"
	UploadPartiallyFailed UploadStatus = "partially_failed"
	UploadResuming        UploadStatus = "resuming"
)

// UploadState is the persisted record of an in-flight or resumable upload.
// CompletedChunks + len(FailedChunkIndices) never exceeds TotalChunks.
// CompletedChunkIndices backs resume when the server cannot be asked which
// chunks it holds; CompletedChunks is always its length.
type UploadState struct {
	UploadID              string       `json:"upload_id"`
	FileName              string       `json:"file_name"`
	FileSizeBytes         int64        `json:"file_size_bytes"`
	ChunkSizeBytes        int64        `json:"chunk_size_bytes"`
	TotalChunks           int          `json:"total_chunks"`
	CompletedChunks       int          `json:"completed_chunks"`
	CompletedChunkIndices []int        `json:"completed_chunk_indices,omitempty"`
	FailedChunkIndices    []int        `json:"failed_chunk_indices,omitempty"`
	Status                UploadStatus `json:"status"`
	StartedAt             time.Time    `json:"started_at"`
	LastChunkAt           time.Time    `json:"last_chunk_at,omitempty"`
	AvgChunkDurationMS    float64      `json:"avg_chunk_duration_ms,omitempty"`
}

// ChunkResult is the terminal outcome of one chunk, including how many
// retries it consumed.
type ChunkResult struct {
	Index      int    `json:"index"`
	SizeBytes  int64  `json:"size_bytes"`
	Success    bool   `json:"success"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

// UploadResult is returned once every chunk has resolved. Chunks are always
// sorted by index regardless of completion order. FinalizeErr is non-nil when
// assembly was requested but the finalize call failed; the overall Success
// flag is not flipped by it (see DESIGN.md).
type UploadResult struct {
	UploadID    string        `json:"upload_id"`
	Success     bool          `json:"success"`
	Chunks      []ChunkResult `json:"chunks"`
	FailedCount int           `json:"failed_count"`
	Duration    time.Duration `json:"duration"`
	FinalizeErr error         `json:"-"`
}

// UploadSession is the server-side view of one chunked upload.
type UploadSession struct {
	UploadID    string    `json:"upload_id"`
	FileName    string    `json:"file_name"`
	TotalChunks int       `json:"total_chunks"`
	Received    int       `json:"received"`
	Finalized   bool      `json:"finalized"`
	StoragePath string    `json:"storage_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Progress is emitted after every chunk resolution.
type Progress struct {
	UploadID       string        `json:"upload_id"`
	UploadedBytes  int64         `json:"uploaded_bytes"`
	TotalBytes     int64         `json:"total_bytes"`
	Percentage     float64       `json:"percentage"`
	CompletedChunk int           `json:"completed_chunks"`
	TotalChunks    int           `json:"total_chunks"`
	ETA            time.Duration `json:"eta"`
}
