package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bizledger/intake/internal/core/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := New(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store
}

func sampleFingerprint(id, fileHash string) domain.DocumentFingerprint {
	return domain.DocumentFingerprint{
		ID:            id,
		FileHash:      fileHash,
		ContentHash:   "content-" + fileHash,
		FileName:      "receipt.pdf",
		FileSizeBytes: 2048,
		ProcessedAt:   time.Now().UTC().Truncate(time.Second),
		Extracted: domain.ExtractedFields{
			Vendor:      "Ramu Vegetable Supplier",
			AmountMinor: 36000,
			Date:        "2015-12-25",
		},
	}
}

func TestFingerprintRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fp := sampleFingerprint("fp-1", "hash-1")
	if err := store.SaveFingerprint(ctx, fp); err != nil {
		t.Fatalf("SaveFingerprint() error = %v", err)
	}

	list, err := store.ListFingerprints(ctx)
	if err != nil {
		t.Fatalf("ListFingerprints() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 fingerprint, got %d", len(list))
	}
	got := list[0]
	if got.ID != fp.ID || got.FileHash != fp.FileHash || got.ContentHash != fp.ContentHash {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Extracted.Vendor != fp.Extracted.Vendor || got.Extracted.AmountMinor != fp.Extracted.AmountMinor {
		t.Fatalf("extracted fields mismatch: %+v", got.Extracted)
	}
}

func TestSaveFingerprintUpsertsOnFileHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveFingerprint(ctx, sampleFingerprint("fp-1", "hash-1")); err != nil {
		t.Fatalf("SaveFingerprint() error = %v", err)
	}
	second := sampleFingerprint("fp-2", "hash-1")
	second.FileName = "renamed.pdf"
	if err := store.SaveFingerprint(ctx, second); err != nil {
		t.Fatalf("SaveFingerprint() upsert error = %v", err)
	}

	list, err := store.ListFingerprints(ctx)
	if err != nil {
		t.Fatalf("ListFingerprints() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected upsert to keep one row, got %d", len(list))
	}
	if list[0].ID != "fp-2" || list[0].FileName != "renamed.pdf" {
		t.Fatalf("expected replaced row, got %+v", list[0])
	}
}

func TestDeleteAndClearFingerprints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveFingerprint(ctx, sampleFingerprint("fp-1", "hash-1")); err != nil {
		t.Fatalf("SaveFingerprint() error = %v", err)
	}
	if err := store.DeleteFingerprint(ctx, "fp-1"); err != nil {
		t.Fatalf("DeleteFingerprint() error = %v", err)
	}
	if err := store.DeleteFingerprint(ctx, "fp-1"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}

	if err := store.SaveFingerprint(ctx, sampleFingerprint("fp-2", "hash-2")); err != nil {
		t.Fatalf("SaveFingerprint() error = %v", err)
	}
	if err := store.ClearFingerprints(ctx); err != nil {
		t.Fatalf("ClearFingerprints() error = %v", err)
	}
	list, _ := store.ListFingerprints(ctx)
	if len(list) != 0 {
		t.Fatalf("expected empty registry after clear, got %d rows", len(list))
	}
}

func TestLocalStatsCountsAndBlocked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stats, err := store.LocalStats(ctx)
	if err != nil {
		t.Fatalf("LocalStats() error = %v", err)
	}
	if stats.Total != 0 || stats.DuplicatesBlocked != 0 || stats.LastProcessed != nil {
		t.Fatalf("expected zero stats, got %+v", stats)
	}

	older := sampleFingerprint("fp-1", "hash-1")
	older.ProcessedAt = time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	if err := store.SaveFingerprint(ctx, older); err != nil {
		t.Fatalf("SaveFingerprint() error = %v", err)
	}
	newer := sampleFingerprint("fp-2", "hash-2")
	newer.ProcessedAt = time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)
	if err := store.SaveFingerprint(ctx, newer); err != nil {
		t.Fatalf("SaveFingerprint() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.RecordDuplicateBlocked(ctx); err != nil {
			t.Fatalf("RecordDuplicateBlocked() error = %v", err)
		}
	}

	stats, err = store.LocalStats(ctx)
	if err != nil {
		t.Fatalf("LocalStats() error = %v", err)
	}
	if stats.Total != 2 || stats.DuplicatesBlocked != 3 {
		t.Fatalf("stats = %+v, want 2 total and 3 blocked", stats)
	}
	if stats.LastProcessed == nil {
		t.Fatalf("expected last processed timestamp")
	}
	if !stats.LastProcessed.Equal(newer.ProcessedAt) {
		t.Fatalf("LastProcessed = %v, want %v", stats.LastProcessed, newer.ProcessedAt)
	}
}

func TestUploadStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := &domain.UploadState{
		UploadID:              "up-1",
		FileName:              "big.bin",
		FileSizeBytes:         12 << 20,
		ChunkSizeBytes:        2 << 20,
		TotalChunks:           6,
		CompletedChunks:       2,
		CompletedChunkIndices: []int{0, 3},
		FailedChunkIndices:    []int{1},
		Status:                domain.UploadPartiallyFailed,
		StartedAt:             time.Now().UTC().Truncate(time.Second),
	}
	if err := store.SaveUploadState(ctx, state); err != nil {
		t.Fatalf("SaveUploadState() error = %v", err)
	}

	got, err := store.LoadUploadState(ctx, "up-1")
	if err != nil {
		t.Fatalf("LoadUploadState() error = %v", err)
	}
	if got.TotalChunks != 6 || got.CompletedChunks != 2 || got.Status != domain.UploadPartiallyFailed {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.CompletedChunkIndices) != 2 || got.CompletedChunkIndices[1] != 3 {
		t.Fatalf("completed indices = %v", got.CompletedChunkIndices)
	}

	state.CompletedChunks = 5
	if err := store.SaveUploadState(ctx, state); err != nil {
		t.Fatalf("SaveUploadState() upsert error = %v", err)
	}
	got, _ = store.LoadUploadState(ctx, "up-1")
	if got.CompletedChunks != 5 {
		t.Fatalf("expected upserted state, got %+v", got)
	}

	if err := store.DeleteUploadState(ctx, "up-1"); err != nil {
		t.Fatalf("DeleteUploadState() error = %v", err)
	}
	if _, err := store.LoadUploadState(ctx, "up-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestListUploadStates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"up-1", "up-2"} {
		if err := store.SaveUploadState(ctx, &domain.UploadState{UploadID: id, TotalChunks: 1}); err != nil {
			t.Fatalf("SaveUploadState(%s) error = %v", id, err)
		}
	}
	states, err := store.ListUploadStates(ctx)
	if err != nil {
		t.Fatalf("ListUploadStates() error = %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
}
