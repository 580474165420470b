package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bizledger/intake/internal/core/domain"
	"github.com/bizledger/intake/internal/core/ports"
	"github.com/bizledger/intake/internal/infrastructure/resilience"
)

const (
	// maxInFlightChunks bounds buffered chunk bodies and respects per-host
	// connection limits; it is a memory ceiling, not a CPU one.
	maxInFlightChunks = 3

	defaultMaxRetries = 3
)

type UploadUseCase struct {
	transport ports.ChunkTransport
	store     ports.StateStore
	events    ports.EventPublisher
	logger    *slog.Logger
	speed     *speedEstimator

	// RetryPolicy shapes per-chunk backoff. RetryMaxAttempts is overridden
	// per call from UploadOptions.MaxRetries.
	RetryPolicy resilience.Config

	// OnChunk observes every terminal chunk result. Optional; used for
	// metrics.
	OnChunk func(success bool, retries int, size int64, duration time.Duration)
	// OnUpload observes every terminal upload result.
	OnUpload func(success bool)
}

// NewUploadUseCase builds the chunked uploader. events may be nil.
func NewUploadUseCase(
	transport ports.ChunkTransport,
	store ports.StateStore,
	events ports.EventPublisher,
	logger *slog.Logger,
) *UploadUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadUseCase{
		transport: transport,
		store:     store,
		events:    events,
		logger:    logger,
		speed:     newSpeedEstimator(),
		RetryPolicy: resilience.Config{
			RetryInitialBackoff: 1 * time.Second,
			RetryMaxBackoff:     10 * time.Second,
			RetryMultiplier:     2,
			RetryJitter:         1 * time.Second,
		},
	}
}

// SpeedEstimate reports the current throughput estimate in bytes/sec; zero
// until the first observation.
func (uc *UploadUseCase) SpeedEstimate() float64 {
	return uc.speed.BytesPerSec()
}

// UploadFile transfers a file in bounded-size chunks with bounded concurrency
// and per-chunk retry. Single-chunk files skip the concurrency machinery.
// Authentication failures abort immediately and propagate; transient chunk
// failures leave persisted state behind for ResumeUpload.
func (uc *UploadUseCase) UploadFile(
	ctx context.Context,
	fileName string,
	content io.ReaderAt,
	size int64,
	opts ports.UploadOptions,
) (*domain.UploadResult, error) {
	if size <= 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "plan upload", errors.New("file size must be positive"))
	}
	if opts.MaxRetries < 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "plan upload", errors.New("max retries must not be negative"))
	}

	chunkSize := opts.ChunkSizeBytes
	if chunkSize <= 0 {
		chunkSize = CalculateOptimalChunkSize(size, uc.speed.BytesPerSec())
	}
	if chunkSize < MinChunkSize {
		chunkSize = MinChunkSize
	}
	if chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}

	totalChunks := int((size + chunkSize - 1) / chunkSize)
	state := &domain.UploadState{
		UploadID:       uuid.NewString(),
		FileName:       fileName,
		FileSizeBytes:  size,
		ChunkSizeBytes: chunkSize,
		TotalChunks:    totalChunks,
		Status:         domain.UploadPlanning,
		StartedAt:      time.Now().UTC(),
	}

	outstanding := make([]int, totalChunks)
	for i := range outstanding {
		outstanding[i] = i
	}
	return uc.run(ctx, content, state, outstanding, nil, opts)
}

// ResumeUpload re-drives an interrupted upload from persisted state. The
// server is asked which chunks it already holds; on any transport failure the
// locally recorded completions are trusted instead. Only outstanding indices
// are re-uploaded, then finalize runs as usual, making resume idempotent.
func (uc *UploadUseCase) ResumeUpload(
	ctx context.Context,
	uploadID string,
	content io.ReaderAt,
	size int64,
) (*domain.UploadResult, error) {
	state, err := uc.store.LoadUploadState(ctx, uploadID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrNotFound, "load upload state", err)
	}
	if state.FileSizeBytes != size {
		return nil, domain.WrapError(domain.ErrInvalidInput, "resume upload",
			fmt.Errorf("file size %d does not match recorded %d", size, state.FileSizeBytes))
	}

	received, err := uc.transport.ReceivedChunks(ctx, uploadID)
	if err != nil {
		uc.logger.Warn("received_chunks_query_failed",
			"upload_id", uploadID,
			"error", err,
		)
		received = state.CompletedChunkIndices
	}

	done := make(map[int]bool, len(received))
	for _, idx := range received {
		if idx >= 0 && idx < state.TotalChunks {
			done[idx] = true
		}
	}

	var outstanding []int
	var priorResults []domain.ChunkResult
	for idx := 0; idx < state.TotalChunks; idx++ {
		if done[idx] {
			priorResults = append(priorResults, domain.ChunkResult{
				Index:     idx,
				SizeBytes: chunkLength(state, idx),
				Success:   true,
			})
			continue
		}
		outstanding = append(outstanding, idx)
	}

	state.Status = domain.UploadResuming
	state.CompletedChunkIndices = sortedKeys(done)
	state.CompletedChunks = len(done)
	state.FailedChunkIndices = nil

	return uc.run(ctx, content, state, outstanding, priorResults, ports.UploadOptions{})
}

// ForgetUpload drops the persisted resume state for an upload, once the
// server reports it finalized. Forgetting an unknown upload is a no-op.
func (uc *UploadUseCase) ForgetUpload(ctx context.Context, uploadID string) error {
	if err := uc.store.DeleteUploadState(ctx, uploadID); err != nil {
		return fmt.Errorf("delete upload state: %w", err)
	}
	uc.logger.Info("upload_state_forgotten", "upload_id", uploadID)
	return nil
}

// run drives the chunk loop for the given outstanding indices, then
// finalizes. It owns all state mutation and persistence for one upload pass.
func (uc *UploadUseCase) run(
	ctx context.Context,
	content io.ReaderAt,
	state *domain.UploadState,
	outstanding []int,
	priorResults []domain.ChunkResult,
	opts ports.UploadOptions,
) (*domain.UploadResult, error) {
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	retryCfg := uc.RetryPolicy
	retryCfg.RetryMaxAttempts = maxRetries + 1
	retryCfg.BreakerEnabled = false
	exec := resilience.NewExecutor(retryCfg)

	tr := &uploadTracker{
		uc:      uc,
		state:   state,
		opts:    opts,
		started: time.Now(),
	}
	for _, r := range priorResults {
		tr.results = append(tr.results, r)
		tr.uploadedBytes += r.SizeBytes
	}

	state.Status = domain.UploadTransferring

	chunkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if state.TotalChunks == 1 && len(outstanding) == 1 {
		// Single-chunk path: direct upload, no concurrency machinery.
		tr.record(uc.sendChunk(chunkCtx, exec, content, state, outstanding[0], cancel))
	} else {
		sem := semaphore.NewWeighted(maxInFlightChunks)
		var wg sync.WaitGroup
		for _, idx := range outstanding {
			if err := sem.Acquire(chunkCtx, 1); err != nil {
				// Aborted: stop scheduling; unscheduled indices stay owed.
				tr.record(domain.ChunkResult{
					Index:     idx,
					SizeBytes: chunkLength(state, idx),
					Success:   false,
					Error:     err.Error(),
				}, 0, err)
				continue
			}
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				defer sem.Release(1)
				tr.record(uc.sendChunk(chunkCtx, exec, content, state, idx, cancel))
			}(idx)
		}
		wg.Wait()
	}

	sort.Slice(tr.results, func(i, j int) bool { return tr.results[i].Index < tr.results[j].Index })

	result := &domain.UploadResult{
		UploadID:    state.UploadID,
		Chunks:      tr.results,
		FailedCount: tr.failedCount,
		Duration:    time.Since(tr.started),
	}

	if tr.authErr != nil {
		state.Status = domain.UploadPartiallyFailed
		uc.persistState(ctx, state)
		uc.observeUpload(false)
		return nil, tr.authErr
	}

	if tr.failedCount > 0 {
		state.Status = domain.UploadPartiallyFailed
		uc.persistState(ctx, state)
		result.Success = false
		uc.observeUpload(false)
		return result, nil
	}

	// Every chunk landed; assemble server-side. A finalize failure does not
	// flip the result: the chunks are durably stored and state stays
	// persisted so a later resume can re-finalize. See DESIGN.md.
	state.Status = domain.UploadAssembling
	if err := uc.transport.Finalize(ctx, state.UploadID); err != nil {
		uc.logger.Warn("finalize_failed",
			"upload_id", state.UploadID,
			"error", err,
		)
		uc.persistState(ctx, state)
		result.Success = true
		result.FinalizeErr = err
		uc.observeUpload(true)
		return result, nil
	}

	state.Status = domain.UploadCompleted
	if err := uc.store.DeleteUploadState(ctx, state.UploadID); err != nil {
		uc.logger.Warn("delete_upload_state_failed", "upload_id", state.UploadID, "error", err)
	}
	if uc.events != nil {
		if err := uc.events.PublishUploadFinalized(ctx, state.UploadID); err != nil {
			uc.logger.Warn("publish_upload_finalized_failed", "upload_id", state.UploadID, "error", err)
		}
	}

	result.Success = true
	uc.observeUpload(true)
	return result, nil
}

// sendChunk uploads one chunk with retry/backoff. Authentication failures are
// never retried; they cancel the whole pass via abort.
func (uc *UploadUseCase) sendChunk(
	ctx context.Context,
	exec *resilience.Executor,
	content io.ReaderAt,
	state *domain.UploadState,
	index int,
	abort context.CancelFunc,
) (domain.ChunkResult, time.Duration, error) {
	offset := int64(index) * state.ChunkSizeBytes
	length := chunkLength(state, index)

	attempts := 0
	start := time.Now()
	err := exec.Execute(ctx, "chunk.upload", func(callCtx context.Context) error {
		attempts++
		return uc.transport.UploadChunk(callCtx, ports.ChunkRequest{
			UploadID:    state.UploadID,
			FileName:    state.FileName,
			Index:       index,
			TotalChunks: state.TotalChunks,
			Body:        io.NewSectionReader(content, offset, length),
			SizeBytes:   length,
		})
	}, classifyChunkError)
	elapsed := time.Since(start)

	result := domain.ChunkResult{
		Index:      index,
		SizeBytes:  length,
		Success:    err == nil,
		RetryCount: attempts - 1,
	}
	if err != nil {
		result.Error = err.Error()
		if domain.IsKind(err, domain.ErrUnauthorized) {
			abort()
		}
	}
	return result, elapsed, err
}

func (uc *UploadUseCase) persistState(ctx context.Context, state *domain.UploadState) {
	// State must survive caller cancellation so the upload stays resumable.
	ctx = context.WithoutCancel(ctx)
	if err := uc.store.SaveUploadState(ctx, state); err != nil {
		uc.logger.Warn("persist_upload_state_failed",
			"upload_id", state.UploadID,
			"error", err,
		)
	}
}

func (uc *UploadUseCase) observeUpload(success bool) {
	if uc.OnUpload != nil {
		uc.OnUpload(success)
	}
}

func classifyChunkError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if domain.IsKind(err, domain.ErrUnauthorized) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}

func chunkLength(state *domain.UploadState, index int) int64 {
	offset := int64(index) * state.ChunkSizeBytes
	length := state.ChunkSizeBytes
	if offset+length > state.FileSizeBytes {
		length = state.FileSizeBytes - offset
	}
	return length
}

func sortedKeys(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// uploadTracker serializes per-chunk bookkeeping: results, progress, the
// moving average chunk duration and the auth abort signal.
type uploadTracker struct {
	uc    *UploadUseCase
	state *domain.UploadState
	opts  ports.UploadOptions

	mu            sync.Mutex
	results       []domain.ChunkResult
	uploadedBytes int64
	failedCount   int
	authErr       error
	started       time.Time
}

func (t *uploadTracker) record(result domain.ChunkResult, elapsed time.Duration, err error) {
	t.mu.Lock()

	t.results = append(t.results, result)
	if result.Success {
		t.uploadedBytes += result.SizeBytes
		t.state.CompletedChunkIndices = append(t.state.CompletedChunkIndices, result.Index)
		t.state.CompletedChunks = len(t.state.CompletedChunkIndices)
		t.state.LastChunkAt = time.Now().UTC()
		if elapsed > 0 {
			ms := float64(elapsed.Milliseconds())
			if t.state.AvgChunkDurationMS == 0 {
				t.state.AvgChunkDurationMS = ms
			} else {
				t.state.AvgChunkDurationMS = 0.7*t.state.AvgChunkDurationMS + 0.3*ms
			}
		}
	} else {
		t.failedCount++
		t.state.FailedChunkIndices = append(t.state.FailedChunkIndices, result.Index)
		if t.authErr == nil && domain.IsKind(err, domain.ErrUnauthorized) {
			t.authErr = err
		}
	}

	progress := domain.Progress{
		UploadID:       t.state.UploadID,
		UploadedBytes:  t.uploadedBytes,
		TotalBytes:     t.state.FileSizeBytes,
		Percentage:     100 * float64(t.uploadedBytes) / float64(t.state.FileSizeBytes),
		CompletedChunk: t.state.CompletedChunks,
		TotalChunks:    t.state.TotalChunks,
		ETA:            t.etaLocked(),
	}
	t.mu.Unlock()

	if result.Success && elapsed > 0 {
		t.uc.speed.Observe(result.SizeBytes, elapsed)
	}
	if t.uc.OnChunk != nil {
		t.uc.OnChunk(result.Success, result.RetryCount, result.SizeBytes, elapsed)
	}
	if t.opts.OnProgress != nil {
		t.opts.OnProgress(progress)
	}
	if result.Success && t.opts.OnChunkComplete != nil {
		t.opts.OnChunkComplete(result.Index, t.state.TotalChunks)
	}
}

func (t *uploadTracker) etaLocked() time.Duration {
	remaining := t.state.TotalChunks - t.state.CompletedChunks
	if remaining <= 0 || t.state.AvgChunkDurationMS == 0 {
		return 0
	}
	return time.Duration(t.state.AvgChunkDurationMS*float64(remaining)) * time.Millisecond
}
