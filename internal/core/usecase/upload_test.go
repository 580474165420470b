package usecase

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bizledger/intake/internal/core/domain"
	"github.com/bizledger/intake/internal/core/ports"
	"github.com/bizledger/intake/internal/infrastructure/resilience"
)

type fakeChunkTransport struct {
	mu       sync.Mutex
	bodies   map[int][]byte
	attempts map[int]int

	// failBefore[i] makes the first N attempts for chunk i fail.
	failBefore map[int]int
	uploadErr  error

	finalizeErr   error
	finalizeCalls int

	received    []int
	receivedErr error

	delay    time.Duration
	inFlight int
	maxSeen  int
}

func newFakeChunkTransport() *fakeChunkTransport {
	return &fakeChunkTransport{
		bodies:     make(map[int][]byte),
		attempts:   make(map[int]int),
		failBefore: make(map[int]int),
	}
}

func (f *fakeChunkTransport) UploadChunk(ctx context.Context, req ports.ChunkRequest) error {
	f.mu.Lock()
	f.attempts[req.Index]++
	attempt := f.attempts[req.Index]
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if f.uploadErr != nil {
		return f.uploadErr
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if attempt <= f.failBefore[req.Index] {
		return errors.New("transient transport error")
	}
	f.bodies[req.Index] = body
	return nil
}

func (f *fakeChunkTransport) Finalize(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeCalls++
	return f.finalizeErr
}

func (f *fakeChunkTransport) ReceivedChunks(context.Context, string) ([]int, error) {
	if f.receivedErr != nil {
		return nil, f.receivedErr
	}
	return f.received, nil
}

func (f *fakeChunkTransport) reassembled() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for i := 0; i < len(f.bodies); i++ {
		out = append(out, f.bodies[i]...)
	}
	return out
}

// newTestUploader wires an uploader with millisecond backoff so retry tests
// finish quickly.
func newTestUploader(transport *fakeChunkTransport, store *fakeStateStore, events *fakeEvents) *UploadUseCase {
	var publisher ports.EventPublisher
	if events != nil {
		publisher = events
	}
	uc := NewUploadUseCase(transport, store, publisher, discardLogger())
	uc.RetryPolicy = resilience.Config{
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
	}
	return uc
}

func randomBytes(t *testing.T, n int64) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return buf
}

func TestUploadSplitsFileIntoExpectedChunks(t *testing.T) {
	transport := newFakeChunkTransport()
	store := newFakeStateStore()
	events := &fakeEvents{}
	uc := newTestUploader(transport, store, events)

	data := randomBytes(t, 12*mb)
	result, err := uc.UploadFile(context.Background(), "ledger.pdf", bytes.NewReader(data), int64(len(data)), ports.UploadOptions{})
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.Chunks) != 6 {
		t.Fatalf("expected 6 chunks for a 12MB file, got %d", len(result.Chunks))
	}
	for i, chunk := range result.Chunks {
		if chunk.Index != i {
			t.Fatalf("chunks not sorted by index: position %d holds index %d", i, chunk.Index)
		}
		if !chunk.Success {
			t.Fatalf("chunk %d failed: %s", i, chunk.Error)
		}
		if chunk.SizeBytes != 2*mb {
			t.Fatalf("chunk %d size = %d, want %d", i, chunk.SizeBytes, 2*mb)
		}
	}

	if !bytes.Equal(transport.reassembled(), data) {
		t.Fatalf("reassembled bytes differ from the original file")
	}
	if transport.finalizeCalls != 1 {
		t.Fatalf("expected one finalize call, got %d", transport.finalizeCalls)
	}
	if len(store.uploads) != 0 {
		t.Fatalf("expected upload state to be deleted after completion")
	}
	if len(events.finalized) != 1 || events.finalized[0] != result.UploadID {
		t.Fatalf("expected finalized event for %s, got %v", result.UploadID, events.finalized)
	}
}

func TestLastChunkCarriesRemainder(t *testing.T) {
	transport := newFakeChunkTransport()
	uc := newTestUploader(transport, newFakeStateStore(), nil)

	size := 2*mb + 100*kb
	data := randomBytes(t, size)
	result, err := uc.UploadFile(context.Background(), "odd.bin", bytes.NewReader(data), size, ports.UploadOptions{ChunkSizeBytes: mb})
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if len(result.Chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(result.Chunks))
	}
	if got := result.Chunks[2].SizeBytes; got != 100*kb {
		t.Fatalf("last chunk size = %d, want %d", got, 100*kb)
	}
	if !bytes.Equal(transport.reassembled(), data) {
		t.Fatalf("reassembled bytes differ from the original file")
	}
}

func TestChunkRetriesThenSucceeds(t *testing.T) {
	transport := newFakeChunkTransport()
	transport.failBefore[2] = 3
	uc := newTestUploader(transport, newFakeStateStore(), nil)

	size := 5 * MinChunkSize
	data := randomBytes(t, size)
	result, err := uc.UploadFile(context.Background(), "flaky.bin", bytes.NewReader(data), size, ports.UploadOptions{
		ChunkSizeBytes: MinChunkSize,
		MaxRetries:     3,
	})
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success after retries, got %+v", result)
	}
	chunk := result.Chunks[2]
	if !chunk.Success || chunk.RetryCount != 3 {
		t.Fatalf("chunk 2 = %+v, want success with 3 retries", chunk)
	}
	if result.Chunks[0].RetryCount != 0 {
		t.Fatalf("chunk 0 should not have retried, got %d", result.Chunks[0].RetryCount)
	}
}

func TestRetryCeilingLeavesResumableState(t *testing.T) {
	transport := newFakeChunkTransport()
	transport.failBefore[1] = 1000
	store := newFakeStateStore()
	uc := newTestUploader(transport, store, nil)

	size := 3 * MinChunkSize
	data := randomBytes(t, size)
	result, err := uc.UploadFile(context.Background(), "doomed.bin", bytes.NewReader(data), size, ports.UploadOptions{
		ChunkSizeBytes: MinChunkSize,
		MaxRetries:     2,
	})
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if result.Success || result.FailedCount != 1 {
		t.Fatalf("expected one failed chunk, got %+v", result)
	}
	if transport.attempts[1] != 3 {
		t.Fatalf("expected exactly maxRetries+1 attempts, got %d", transport.attempts[1])
	}
	if result.Chunks[1].Error == "" {
		t.Fatalf("expected failed chunk to carry an error message")
	}
	if transport.finalizeCalls != 0 {
		t.Fatalf("finalize must not run with chunks outstanding")
	}

	state, err := store.LoadUploadState(context.Background(), result.UploadID)
	if err != nil {
		t.Fatalf("expected persisted state for resume, got %v", err)
	}
	if state.Status != domain.UploadPartiallyFailed {
		t.Fatalf("state status = %s, want %s", state.Status, domain.UploadPartiallyFailed)
	}
	if len(state.FailedChunkIndices) != 1 || state.FailedChunkIndices[0] != 1 {
		t.Fatalf("failed indices = %v, want [1]", state.FailedChunkIndices)
	}
}

func TestAuthFailureAbortsWithoutRetry(t *testing.T) {
	transport := newFakeChunkTransport()
	transport.uploadErr = domain.WrapError(domain.ErrUnauthorized, "upload chunk", errors.New("token expired"))
	store := newFakeStateStore()
	uc := newTestUploader(transport, store, nil)

	size := 4 * MinChunkSize
	data := randomBytes(t, size)
	result, err := uc.UploadFile(context.Background(), "secret.bin", bytes.NewReader(data), size, ports.UploadOptions{
		ChunkSizeBytes: MinChunkSize,
		MaxRetries:     5,
	})
	if err == nil {
		t.Fatalf("expected auth error to propagate, got result %+v", result)
	}
	if !domain.IsKind(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized kind, got %v", err)
	}
	for idx, n := range transport.attempts {
		if n > 1 {
			t.Fatalf("chunk %d was retried %d times despite auth failure", idx, n-1)
		}
	}
	if transport.finalizeCalls != 0 {
		t.Fatalf("finalize must not run after auth abort")
	}
	if len(store.uploads) != 1 {
		t.Fatalf("expected state persisted for a later resume")
	}
}

func TestSingleChunkFastPath(t *testing.T) {
	transport := newFakeChunkTransport()
	uc := newTestUploader(transport, newFakeStateStore(), nil)

	data := randomBytes(t, 100*kb)
	result, err := uc.UploadFile(context.Background(), "tiny.bin", bytes.NewReader(data), int64(len(data)), ports.UploadOptions{})
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if len(result.Chunks) != 1 {
		t.Fatalf("expected a single chunk, got %d", len(result.Chunks))
	}
	if result.Chunks[0].SizeBytes != 100*kb {
		t.Fatalf("chunk size = %d, want %d", result.Chunks[0].SizeBytes, 100*kb)
	}
	if !bytes.Equal(transport.reassembled(), data) {
		t.Fatalf("uploaded bytes differ from the original file")
	}
}

func TestConcurrencyNeverExceedsThree(t *testing.T) {
	transport := newFakeChunkTransport()
	transport.delay = 5 * time.Millisecond
	uc := newTestUploader(transport, newFakeStateStore(), nil)

	size := 12 * MinChunkSize
	data := randomBytes(t, size)
	if _, err := uc.UploadFile(context.Background(), "wide.bin", bytes.NewReader(data), size, ports.UploadOptions{
		ChunkSizeBytes: MinChunkSize,
	}); err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if transport.maxSeen > maxInFlightChunks {
		t.Fatalf("observed %d concurrent chunk uploads, limit is %d", transport.maxSeen, maxInFlightChunks)
	}
}

func TestInvalidUploadInput(t *testing.T) {
	uc := newTestUploader(newFakeChunkTransport(), newFakeStateStore(), nil)

	if _, err := uc.UploadFile(context.Background(), "x", bytes.NewReader(nil), 0, ports.UploadOptions{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("zero size: expected invalid input, got %v", err)
	}
	if _, err := uc.UploadFile(context.Background(), "x", bytes.NewReader([]byte("a")), 1, ports.UploadOptions{MaxRetries: -1}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("negative retries: expected invalid input, got %v", err)
	}
}

func TestProgressReportedPerChunk(t *testing.T) {
	transport := newFakeChunkTransport()
	uc := newTestUploader(transport, newFakeStateStore(), nil)

	var mu sync.Mutex
	var progress []domain.Progress
	var completions int

	size := 4 * MinChunkSize
	data := randomBytes(t, size)
	result, err := uc.UploadFile(context.Background(), "watched.bin", bytes.NewReader(data), size, ports.UploadOptions{
		ChunkSizeBytes: MinChunkSize,
		OnProgress: func(p domain.Progress) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
		OnChunkComplete: func(index, total int) {
			mu.Lock()
			completions++
			mu.Unlock()
		},
	})
	if err != nil || !result.Success {
		t.Fatalf("UploadFile() = %+v, %v", result, err)
	}
	if len(progress) != 4 || completions != 4 {
		t.Fatalf("expected 4 progress events and 4 completions, got %d and %d", len(progress), completions)
	}
	last := progress[len(progress)-1]
	if last.Percentage != 100 || last.UploadedBytes != size {
		t.Fatalf("final progress = %+v, want 100%% of %d bytes", last, size)
	}
}

func TestFinalizeFailureIsLenient(t *testing.T) {
	transport := newFakeChunkTransport()
	transport.finalizeErr = errors.New("assembly backend down")
	store := newFakeStateStore()
	events := &fakeEvents{}
	uc := newTestUploader(transport, store, events)

	size := 2 * MinChunkSize
	data := randomBytes(t, size)
	result, err := uc.UploadFile(context.Background(), "held.bin", bytes.NewReader(data), size, ports.UploadOptions{
		ChunkSizeBytes: MinChunkSize,
	})
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("finalize failure must not flip chunk-transfer success")
	}
	if result.FinalizeErr == nil {
		t.Fatalf("expected FinalizeErr to be carried")
	}
	if len(store.uploads) != 1 {
		t.Fatalf("expected state kept persisted for re-finalize")
	}
	if len(events.finalized) != 0 {
		t.Fatalf("finalized event must not fire when finalize failed")
	}
}

func TestResumeUploadsOnlyOutstandingChunks(t *testing.T) {
	transport := newFakeChunkTransport()
	transport.received = []int{0, 2}
	store := newFakeStateStore()
	uc := newTestUploader(transport, store, nil)

	size := 4 * MinChunkSize
	data := randomBytes(t, size)
	state := &domain.UploadState{
		UploadID:              "resume-1",
		FileName:              "resume.bin",
		FileSizeBytes:         size,
		ChunkSizeBytes:        MinChunkSize,
		TotalChunks:           4,
		CompletedChunks:       2,
		CompletedChunkIndices: []int{0, 2},
		FailedChunkIndices:    []int{1, 3},
		Status:                domain.UploadPartiallyFailed,
		StartedAt:             time.Now().UTC(),
	}
	if err := store.SaveUploadState(context.Background(), state); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	result, err := uc.ResumeUpload(context.Background(), "resume-1", bytes.NewReader(data), size)
	if err != nil {
		t.Fatalf("ResumeUpload() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("expected resumed upload to succeed, got %+v", result)
	}
	if len(result.Chunks) != 4 {
		t.Fatalf("expected results for all 4 chunks, got %d", len(result.Chunks))
	}
	for _, idx := range []int{0, 2} {
		if transport.attempts[idx] != 0 {
			t.Fatalf("chunk %d was re-uploaded despite being on the server", idx)
		}
	}
	for _, idx := range []int{1, 3} {
		if transport.attempts[idx] != 1 {
			t.Fatalf("chunk %d attempts = %d, want 1", idx, transport.attempts[idx])
		}
	}
	if transport.finalizeCalls != 1 {
		t.Fatalf("expected finalize after resume, got %d calls", transport.finalizeCalls)
	}
	if _, err := store.LoadUploadState(context.Background(), "resume-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected state deleted after completed resume, got %v", err)
	}
}

func TestResumeFallsBackToLocalCompletions(t *testing.T) {
	transport := newFakeChunkTransport()
	transport.receivedErr = errors.New("server unreachable for status")
	store := newFakeStateStore()
	uc := newTestUploader(transport, store, nil)

	size := 3 * MinChunkSize
	data := randomBytes(t, size)
	state := &domain.UploadState{
		UploadID:              "resume-2",
		FileName:              "resume.bin",
		FileSizeBytes:         size,
		ChunkSizeBytes:        MinChunkSize,
		TotalChunks:           3,
		CompletedChunks:       2,
		CompletedChunkIndices: []int{0, 1},
		Status:                domain.UploadPartiallyFailed,
		StartedAt:             time.Now().UTC(),
	}
	if err := store.SaveUploadState(context.Background(), state); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	result, err := uc.ResumeUpload(context.Background(), "resume-2", bytes.NewReader(data), size)
	if err != nil {
		t.Fatalf("ResumeUpload() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("expected resumed upload to succeed, got %+v", result)
	}
	if transport.attempts[0] != 0 || transport.attempts[1] != 0 {
		t.Fatalf("locally recorded chunks must not be re-uploaded: %v", transport.attempts)
	}
	if transport.attempts[2] != 1 {
		t.Fatalf("chunk 2 attempts = %d, want 1", transport.attempts[2])
	}
}

func TestResumeRejectsMismatchedFile(t *testing.T) {
	store := newFakeStateStore()
	uc := newTestUploader(newFakeChunkTransport(), store, nil)
	ctx := context.Background()

	if _, err := uc.ResumeUpload(ctx, "missing", bytes.NewReader(nil), 10); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("unknown id: expected not found, got %v", err)
	}

	state := &domain.UploadState{
		UploadID:       "resume-3",
		FileSizeBytes:  4 * MinChunkSize,
		ChunkSizeBytes: MinChunkSize,
		TotalChunks:    4,
	}
	if err := store.SaveUploadState(ctx, state); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if _, err := uc.ResumeUpload(ctx, "resume-3", bytes.NewReader(nil), 10); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("size mismatch: expected invalid input, got %v", err)
	}
}

func TestForgetUploadDropsPersistedState(t *testing.T) {
	store := newFakeStateStore()
	uc := newTestUploader(newFakeChunkTransport(), store, nil)
	ctx := context.Background()

	state := &domain.UploadState{UploadID: "up-1", TotalChunks: 4}
	if err := store.SaveUploadState(ctx, state); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	if err := uc.ForgetUpload(ctx, "up-1"); err != nil {
		t.Fatalf("ForgetUpload() error = %v", err)
	}
	if _, err := store.LoadUploadState(ctx, "up-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected state gone, got %v", err)
	}

	if err := uc.ForgetUpload(ctx, "up-404"); err != nil {
		t.Fatalf("ForgetUpload() unknown id error = %v", err)
	}
}
