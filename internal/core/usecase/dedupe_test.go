package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bizledger/intake/internal/core/domain"
	"github.com/bizledger/intake/internal/core/ports"
)

// fakeStateStore is an in-memory StateStore shared by the dedupe and upload
// tests. SaveFingerprint upserts on file hash, matching the sqlite store.
type fakeStateStore struct {
	mu           sync.Mutex
	fingerprints map[string]domain.DocumentFingerprint // keyed by file hash
	blocked      int
	uploads      map[string]domain.UploadState

	fingerprintErr error
	uploadErr      error
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		fingerprints: make(map[string]domain.DocumentFingerprint),
		uploads:      make(map[string]domain.UploadState),
	}
}

func (f *fakeStateStore) SaveFingerprint(_ context.Context, fp domain.DocumentFingerprint) error {
	if f.fingerprintErr != nil {
		return f.fingerprintErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fingerprints[fp.FileHash] = fp
	return nil
}

func (f *fakeStateStore) ListFingerprints(context.Context) ([]domain.DocumentFingerprint, error) {
	if f.fingerprintErr != nil {
		return nil, f.fingerprintErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DocumentFingerprint, 0, len(f.fingerprints))
	for _, fp := range f.fingerprints {
		out = append(out, fp)
	}
	return out, nil
}

func (f *fakeStateStore) DeleteFingerprint(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash, fp := range f.fingerprints {
		if fp.ID == id {
			delete(f.fingerprints, hash)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeStateStore) ClearFingerprints(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fingerprints = make(map[string]domain.DocumentFingerprint)
	return nil
}

func (f *fakeStateStore) RecordDuplicateBlocked(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked++
	return nil
}

func (f *fakeStateStore) LocalStats(context.Context) (*domain.RegistryStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &domain.RegistryStats{
		Total:             len(f.fingerprints),
		DuplicatesBlocked: f.blocked,
	}
	for _, fp := range f.fingerprints {
		at := fp.ProcessedAt
		if stats.LastProcessed == nil || at.After(*stats.LastProcessed) {
			stats.LastProcessed = &at
		}
	}
	return stats, nil
}

func (f *fakeStateStore) SaveUploadState(_ context.Context, state *domain.UploadState) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[state.UploadID] = *state
	return nil
}

func (f *fakeStateStore) LoadUploadState(_ context.Context, uploadID string) (*domain.UploadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.uploads[uploadID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := state
	return &copied, nil
}

func (f *fakeStateStore) DeleteUploadState(_ context.Context, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, uploadID)
	return nil
}

func (f *fakeStateStore) ListUploadStates(context.Context) ([]domain.UploadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.UploadState, 0, len(f.uploads))
	for _, state := range f.uploads {
		out = append(out, state)
	}
	return out, nil
}

type fakeRemoteRegistry struct {
	checkResult *domain.DuplicateCheckResult
	checkErr    error
	registerErr error
	statsResult *domain.RegistryStats
	statsErr    error

	checkCalls    int
	registerCalls int
}

func (f *fakeRemoteRegistry) Check(context.Context, ports.RegistryCheckRequest) (*domain.DuplicateCheckResult, error) {
	f.checkCalls++
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	copied := *f.checkResult
	return &copied, nil
}

func (f *fakeRemoteRegistry) Register(context.Context, domain.DocumentFingerprint, string) error {
	f.registerCalls++
	return f.registerErr
}

func (f *fakeRemoteRegistry) Stats(context.Context, string) (*domain.RegistryStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	copied := *f.statsResult
	return &copied, nil
}

type fakeIdentity struct {
	userID string
}

func (f *fakeIdentity) UserID(context.Context) (string, bool) {
	return f.userID, f.userID != ""
}

type fakeEvents struct {
	registered []string
	finalized  []string
	err        error
}

func (f *fakeEvents) PublishDocumentRegistered(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.registered = append(f.registered, id)
	return nil
}

func (f *fakeEvents) PublishUploadFinalized(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.finalized = append(f.finalized, id)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocalDedupe(store *fakeStateStore) *DedupeUseCase {
	return NewDedupeUseCase(nil, store, nil, nil, discardLogger())
}

func TestExactDuplicateShortCircuit(t *testing.T) {
	store := newFakeStateStore()
	uc := newLocalDedupe(store)
	ctx := context.Background()

	data := []byte("receipt from ramu, 360 rupees")
	id, err := uc.RegisterDocument(ctx, "receipt.txt", bytes.NewReader(data), int64(len(data)), domain.ExtractedFields{Vendor: "Ramu"})
	if err != nil {
		t.Fatalf("RegisterDocument() error = %v", err)
	}
	if id == "" {
		t.Fatalf("expected fingerprint id")
	}

	result, err := uc.CheckForDuplicate(ctx, "copy.txt", bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		t.Fatalf("CheckForDuplicate() error = %v", err)
	}
	if !result.IsDuplicate || result.MatchType != domain.MatchExact {
		t.Fatalf("expected exact match, got %+v", result)
	}
	if result.Confidence != 1.0 {
		t.Fatalf("expected confidence 1.0, got %v", result.Confidence)
	}
	if result.Matched == nil || result.Matched.ID != id {
		t.Fatalf("expected matched fingerprint %s", id)
	}
	if store.blocked != 1 {
		t.Fatalf("expected blocked counter 1, got %d", store.blocked)
	}
}

func TestContentMatchOnIdenticalExtraction(t *testing.T) {
	store := newFakeStateStore()
	uc := newLocalDedupe(store)
	ctx := context.Background()

	extracted := domain.ExtractedFields{
		Vendor:      "Ramu Vegetable Supplier",
		AmountMinor: 36000,
		Date:        "2015-12-25",
	}

	dataA := []byte("original scanned bytes")
	if _, err := uc.RegisterDocument(ctx, "a.txt", bytes.NewReader(dataA), int64(len(dataA)), extracted); err != nil {
		t.Fatalf("RegisterDocument() error = %v", err)
	}

	dataB := []byte("rescanned different bytes")
	result, err := uc.CheckForDuplicate(ctx, "b.txt", bytes.NewReader(dataB), int64(len(dataB)), &extracted)
	if err != nil {
		t.Fatalf("CheckForDuplicate() error = %v", err)
	}
	if result.MatchType != domain.MatchContent {
		t.Fatalf("expected content match, got %s", result.MatchType)
	}
	if result.Confidence < contentMatchThreshold {
		t.Fatalf("expected confidence >= %v, got %v", contentMatchThreshold, result.Confidence)
	}
}

func TestNoMatchForNovelDocument(t *testing.T) {
	store := newFakeStateStore()
	uc := newLocalDedupe(store)

	data := []byte("never seen before")
	result, err := uc.CheckForDuplicate(context.Background(), "new.txt", bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		t.Fatalf("CheckForDuplicate() error = %v", err)
	}
	if result.IsDuplicate || result.MatchType != domain.MatchNone || result.Confidence != 0 {
		t.Fatalf("expected no match, got %+v", result)
	}
}

func TestRemoteFailureFallsBackToLocal(t *testing.T) {
	store := newFakeStateStore()
	remote := &fakeRemoteRegistry{checkErr: errors.New("network down")}
	uc := NewDedupeUseCase(remote, store, &fakeIdentity{userID: "user-1"}, nil, discardLogger())
	ctx := context.Background()

	data := []byte("same bytes both times")
	if _, err := uc.RegisterDocument(ctx, "a.txt", bytes.NewReader(data), int64(len(data)), domain.ExtractedFields{Vendor: "x"}); err != nil {
		t.Fatalf("RegisterDocument() error = %v", err)
	}

	result, err := uc.CheckForDuplicate(ctx, "a.txt", bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		t.Fatalf("expected no error to escape, got %v", err)
	}
	if remote.checkCalls != 1 {
		t.Fatalf("expected remote to be tried first")
	}
	if result.Source != domain.SourceLocalFallback {
		t.Fatalf("expected local fallback source, got %s", result.Source)
	}
	if result.MatchType != domain.MatchExact {
		t.Fatalf("expected exact match from local path, got %s", result.MatchType)
	}
}

func TestRemoteAnswersWhenAuthenticated(t *testing.T) {
	store := newFakeStateStore()
	remote := &fakeRemoteRegistry{
		checkResult: &domain.DuplicateCheckResult{
			IsDuplicate: true,
			MatchType:   domain.MatchExact,
			Confidence:  1.0,
		},
	}
	uc := NewDedupeUseCase(remote, store, &fakeIdentity{userID: "user-1"}, nil, discardLogger())

	data := []byte("anything")
	result, err := uc.CheckForDuplicate(context.Background(), "a.txt", bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		t.Fatalf("CheckForDuplicate() error = %v", err)
	}
	if result.Source != domain.SourceRemote {
		t.Fatalf("expected remote source, got %s", result.Source)
	}
}

func TestUnauthenticatedSkipsRemote(t *testing.T) {
	store := newFakeStateStore()
	remote := &fakeRemoteRegistry{checkResult: &domain.DuplicateCheckResult{}}
	uc := NewDedupeUseCase(remote, store, &fakeIdentity{}, nil, discardLogger())

	data := []byte("anything")
	if _, err := uc.CheckForDuplicate(context.Background(), "a.txt", bytes.NewReader(data), int64(len(data)), nil); err != nil {
		t.Fatalf("CheckForDuplicate() error = %v", err)
	}
	if remote.checkCalls != 0 {
		t.Fatalf("expected remote to be skipped without identity")
	}
}

func TestHashFailureDegradesToNovel(t *testing.T) {
	store := newFakeStateStore()
	uc := newLocalDedupe(store)

	result, err := uc.CheckForDuplicate(context.Background(), "broken.bin", failingReaderAt{}, 10, nil)
	if err != nil {
		t.Fatalf("expected graceful degrade, got %v", err)
	}
	if result.IsDuplicate || result.Confidence != 0 {
		t.Fatalf("expected novel classification, got %+v", result)
	}
}

func TestRegisterUpsertsOnFileHash(t *testing.T) {
	store := newFakeStateStore()
	uc := newLocalDedupe(store)
	ctx := context.Background()

	data := []byte("same document bytes")
	if _, err := uc.RegisterDocument(ctx, "a.txt", bytes.NewReader(data), int64(len(data)), domain.ExtractedFields{Vendor: "x"}); err != nil {
		t.Fatalf("RegisterDocument() error = %v", err)
	}
	if _, err := uc.RegisterDocument(ctx, "a.txt", bytes.NewReader(data), int64(len(data)), domain.ExtractedFields{Vendor: "x"}); err != nil {
		t.Fatalf("RegisterDocument() error = %v", err)
	}

	docs, err := uc.ProcessedDocuments(ctx)
	if err != nil {
		t.Fatalf("ProcessedDocuments() error = %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected a single registered fingerprint, got %d", len(docs))
	}
}

func TestRegisterPublishesEventAndSurvivesRemoteError(t *testing.T) {
	store := newFakeStateStore()
	remote := &fakeRemoteRegistry{registerErr: errors.New("remote down")}
	events := &fakeEvents{}
	uc := NewDedupeUseCase(remote, store, &fakeIdentity{userID: "user-1"}, events, discardLogger())

	data := []byte("receipt")
	id, err := uc.RegisterDocument(context.Background(), "a.txt", bytes.NewReader(data), int64(len(data)), domain.ExtractedFields{Vendor: "x"})
	if err != nil {
		t.Fatalf("expected remote register error to be swallowed, got %v", err)
	}
	if remote.registerCalls != 1 {
		t.Fatalf("expected best-effort remote register")
	}
	if len(events.registered) != 1 || events.registered[0] != id {
		t.Fatalf("expected registered event for %s, got %v", id, events.registered)
	}
}

func TestStatsRemoteFirstWithFallback(t *testing.T) {
	store := newFakeStateStore()
	now := time.Now().UTC()
	remote := &fakeRemoteRegistry{statsResult: &domain.RegistryStats{Total: 7, DuplicatesBlocked: 2, LastProcessed: &now}}
	uc := NewDedupeUseCase(remote, store, &fakeIdentity{userID: "user-1"}, nil, discardLogger())
	ctx := context.Background()

	stats, err := uc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Source != domain.SourceRemote || stats.Total != 7 {
		t.Fatalf("expected remote stats, got %+v", stats)
	}

	remote.statsErr = errors.New("remote down")
	stats, err = uc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() fallback error = %v", err)
	}
	if stats.Source != domain.SourceLocalFallback {
		t.Fatalf("expected local fallback stats, got %+v", stats)
	}
}

func TestRemoveAndClear(t *testing.T) {
	store := newFakeStateStore()
	uc := newLocalDedupe(store)
	ctx := context.Background()

	data := []byte("doc")
	id, err := uc.RegisterDocument(ctx, "a.txt", bytes.NewReader(data), int64(len(data)), domain.ExtractedFields{Vendor: "x"})
	if err != nil {
		t.Fatalf("RegisterDocument() error = %v", err)
	}
	if err := uc.RemoveDocument(ctx, id); err != nil {
		t.Fatalf("RemoveDocument() error = %v", err)
	}
	docs, _ := uc.ProcessedDocuments(ctx)
	if len(docs) != 0 {
		t.Fatalf("expected empty registry after remove")
	}

	if _, err := uc.RegisterDocument(ctx, "a.txt", bytes.NewReader(data), int64(len(data)), domain.ExtractedFields{Vendor: "x"}); err != nil {
		t.Fatalf("RegisterDocument() error = %v", err)
	}
	if err := uc.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	docs, _ = uc.ProcessedDocuments(ctx)
	if len(docs) != 0 {
		t.Fatalf("expected empty registry after clear")
	}
}

type failingReaderAt struct{}

func (failingReaderAt) ReadAt([]byte, int64) (int, error) {
	return 0, errors.New("unreadable source")
}
