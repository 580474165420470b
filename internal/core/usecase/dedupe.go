package usecase

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bizledger/intake/internal/core/domain"
	"github.com/bizledger/intake/internal/core/ports"
	"github.com/bizledger/intake/internal/fingerprint"
)

// contentMatchThreshold is the weighted field-similarity score at or above
// which two extractions are treated as the same document.
const contentMatchThreshold = 0.85

// visualMatchConfidence is deliberately below 1.0: the visual hash is a
// coarse tie-breaker for images, never the sole signal for financial
// documents.
const visualMatchConfidence = 0.9

type DedupeUseCase struct {
	remote   ports.FingerprintRegistry
	store    ports.StateStore
	identity ports.Identity
	events   ports.EventPublisher
	logger   *slog.Logger

	// OnCheck observes every completed duplicate check. Optional; used for
	// metrics.
	OnCheck func(result *domain.DuplicateCheckResult)
}

// NewDedupeUseCase builds the duplicate detector. remote, identity and events
// may be nil; absence of either remote or identity forces local-only
// operation.
func NewDedupeUseCase(
	remote ports.FingerprintRegistry,
	store ports.StateStore,
	identity ports.Identity,
	events ports.EventPublisher,
	logger *slog.Logger,
) *DedupeUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &DedupeUseCase{
		remote:   remote,
		store:    store,
		identity: identity,
		events:   events,
		logger:   logger,
	}
}

// CheckForDuplicate classifies a candidate document before any expensive
// processing is spent on it. A remote registry answers first when reachable
// and the caller is authenticated; any remote failure falls back to the local
// path without surfacing the error. A document that cannot be fingerprinted
// is treated as novel, never rejected.
func (uc *DedupeUseCase) CheckForDuplicate(
	ctx context.Context,
	fileName string,
	content io.ReaderAt,
	size int64,
	extracted *domain.ExtractedFields,
) (*domain.DuplicateCheckResult, error) {
	fileHash, err := fingerprint.FileHash(content, size)
	if err != nil {
		uc.logger.Warn("file_hash_failed", "file_name", fileName, "error", err)
		return uc.observed(noMatch(domain.SourceLocalFallback)), nil
	}

	if userID, ok := uc.callerID(ctx); ok && uc.remote != nil {
		req := ports.RegistryCheckRequest{
			FileHash:      fileHash,
			FileName:      fileName,
			FileSizeBytes: size,
			UserID:        userID,
		}
		if extracted != nil {
			req.Extracted = *extracted
		}
		result, err := uc.remote.Check(ctx, req)
		if err == nil {
			result.Source = domain.SourceRemote
			return uc.observed(result), nil
		}
		uc.logger.Warn("remote_registry_check_failed",
			"file_name", fileName,
			"error", err,
		)
	}

	result := uc.checkLocal(ctx, fileName, content, size, fileHash, extracted)
	if result.IsDuplicate {
		if err := uc.store.RecordDuplicateBlocked(ctx); err != nil {
			uc.logger.Warn("record_duplicate_blocked_failed", "error", err)
		}
	}
	return uc.observed(result), nil
}

func (uc *DedupeUseCase) checkLocal(
	ctx context.Context,
	fileName string,
	content io.ReaderAt,
	size int64,
	fileHash string,
	extracted *domain.ExtractedFields,
) *domain.DuplicateCheckResult {
	stored, err := uc.store.ListFingerprints(ctx)
	if err != nil {
		uc.logger.Warn("local_registry_read_failed", "error", err)
		return noMatch(domain.SourceLocalFallback)
	}

	// Exact match short-circuits; no further hashing needed.
	for i := range stored {
		if stored[i].FileHash == fileHash {
			return &domain.DuplicateCheckResult{
				IsDuplicate: true,
				MatchType:   domain.MatchExact,
				Matched:     &stored[i],
				Confidence:  1.0,
				Source:      domain.SourceLocalFallback,
			}
		}
	}

	if extracted != nil && !extracted.Empty() {
		var best *domain.DocumentFingerprint
		var bestScore float64
		for i := range stored {
			if stored[i].Extracted.Empty() {
				continue
			}
			score, ok := fingerprint.FieldSimilarity(*extracted, stored[i].Extracted)
			if ok && score > bestScore {
				best, bestScore = &stored[i], score
			}
		}
		if best != nil && bestScore >= contentMatchThreshold {
			return &domain.DuplicateCheckResult{
				IsDuplicate: true,
				MatchType:   domain.MatchContent,
				Matched:     best,
				Confidence:  bestScore,
				Source:      domain.SourceLocalFallback,
			}
		}
	}

	if visualHash, err := fingerprint.VisualHash(content, size); err == nil {
		for i := range stored {
			if stored[i].VisualHash != "" && stored[i].VisualHash == visualHash {
				return &domain.DuplicateCheckResult{
					IsDuplicate: true,
					MatchType:   domain.MatchVisual,
					Matched:     &stored[i],
					Confidence:  visualMatchConfidence,
					Source:      domain.SourceLocalFallback,
				}
			}
		}
	} else {
		uc.logger.Debug("visual_hash_skipped", "file_name", fileName, "error", err)
	}

	return noMatch(domain.SourceLocalFallback)
}

// RegisterDocument fingerprints a successfully processed document and stores
// it locally, best-effort remotely, so future uploads can be checked against
// it. The store upserts on file hash, so concurrent registration of the same
// bytes never yields two live entries.
func (uc *DedupeUseCase) RegisterDocument(
	ctx context.Context,
	fileName string,
	content io.ReaderAt,
	size int64,
	extracted domain.ExtractedFields,
) (string, error) {
	fileHash, err := fingerprint.FileHash(content, size)
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "fingerprint document", err)
	}

	contentHash := fingerprint.ContentHash(extracted)
	if contentHash == "" && fingerprint.IsPDF(content) {
		digest, err := fingerprint.PDFTextDigest(content, size)
		if err != nil {
			uc.logger.Debug("pdf_text_digest_skipped", "file_name", fileName, "error", err)
		} else {
			contentHash = digest
		}
	}

	visualHash, err := fingerprint.VisualHash(content, size)
	if err != nil {
		visualHash = ""
	}

	fp := domain.DocumentFingerprint{
		ID:            uuid.NewString(),
		FileHash:      fileHash,
		ContentHash:   contentHash,
		VisualHash:    visualHash,
		FileName:      fileName,
		FileSizeBytes: size,
		ProcessedAt:   time.Now().UTC(),
		Extracted:     extracted,
	}

	if err := uc.store.SaveFingerprint(ctx, fp); err != nil {
		return "", domain.WrapError(domain.ErrTemporary, "persist fingerprint", err)
	}

	if userID, ok := uc.callerID(ctx); ok && uc.remote != nil {
		if err := uc.remote.Register(ctx, fp, userID); err != nil {
			uc.logger.Warn("remote_registry_register_failed",
				"fingerprint_id", fp.ID,
				"error", err,
			)
		}
	}
	if uc.events != nil {
		if err := uc.events.PublishDocumentRegistered(ctx, fp.ID); err != nil {
			uc.logger.Warn("publish_document_registered_failed",
				"fingerprint_id", fp.ID,
				"error", err,
			)
		}
	}

	return fp.ID, nil
}

func (uc *DedupeUseCase) RemoveDocument(ctx context.Context, id string) error {
	return uc.store.DeleteFingerprint(ctx, id)
}

func (uc *DedupeUseCase) ProcessedDocuments(ctx context.Context) ([]domain.DocumentFingerprint, error) {
	return uc.store.ListFingerprints(ctx)
}

func (uc *DedupeUseCase) ClearAll(ctx context.Context) error {
	return uc.store.ClearFingerprints(ctx)
}

// Stats is remote-first with local fallback, same discipline as the check.
func (uc *DedupeUseCase) Stats(ctx context.Context) (*domain.RegistryStats, error) {
	if userID, ok := uc.callerID(ctx); ok && uc.remote != nil {
		stats, err := uc.remote.Stats(ctx, userID)
		if err == nil {
			stats.Source = domain.SourceRemote
			return stats, nil
		}
		uc.logger.Warn("remote_registry_stats_failed", "error", err)
	}

	stats, err := uc.store.LocalStats(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "read local registry stats", err)
	}
	stats.Source = domain.SourceLocalFallback
	return stats, nil
}

func (uc *DedupeUseCase) callerID(ctx context.Context) (string, bool) {
	if uc.identity == nil {
		return "", false
	}
	return uc.identity.UserID(ctx)
}

func (uc *DedupeUseCase) observed(result *domain.DuplicateCheckResult) *domain.DuplicateCheckResult {
	if uc.OnCheck != nil {
		uc.OnCheck(result)
	}
	return result
}

func noMatch(source domain.CheckSource) *domain.DuplicateCheckResult {
	return &domain.DuplicateCheckResult{
		IsDuplicate: false,
		MatchType:   domain.MatchNone,
		Confidence:  0,
		Source:      source,
	}
}
