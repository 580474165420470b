package domain

import "time"

// MatchType is the duplicate-classification tier, in decreasing order of
// certainty: exact (byte-identical file), content (same extracted fields),
// visual (same coarse perceptual signature), none.
type MatchType string

const (
	MatchExact   MatchType = "exact"
	MatchContent MatchType = "content"
	MatchVisual  MatchType = "visual"
	MatchNone    MatchType = "none"
)

// CheckSource reports which registry answered a duplicate check.
type CheckSource string

const (
	SourceRemote        CheckSource = "remote"
	SourceLocalFallback CheckSource = "local_fallback"
)

// ExtractedFields is the subset of OCR/extraction output the detector
// fingerprints. Zero values mean the field was absent from extraction.
type ExtractedFields struct {
	Vendor      string          `json:"vendor,omitempty"`
	AmountMinor int64           `json:"amount_minor,omitempty"`
	Date        string          `json:"date,omitempty"`
	Items       []ExtractedItem `json:"items,omitempty"`
}

type ExtractedItem struct {
	Name       string `json:"name"`
	PriceMinor int64  `json:"price_minor"`
}

// Empty reports whether no comparable field was extracted.
func (f ExtractedFields) Empty() bool {
	return f.Vendor == "" && f.AmountMinor == 0 && f.Date == "" && len(f.Items) == 0
}

// DocumentFingerprint identifies a processed document by the triple
// (file hash, content hash, visual hash).
type DocumentFingerprint struct {
	ID            string          `json:"id"`
	FileHash      string          `json:"file_hash"`
	ContentHash   string          `json:"content_hash,omitempty"`
	VisualHash    string          `json:"visual_hash,omitempty"`
	FileName      string          `json:"file_name"`
	FileSizeBytes int64           `json:"file_size_bytes"`
	ProcessedAt   time.Time       `json:"processed_at"`
	Extracted     ExtractedFields `json:"extracted,omitempty"`
}

// DuplicateCheckResult is the typed outcome of a duplicate check, including
// which registry path produced it.
type DuplicateCheckResult struct {
	IsDuplicate bool                 `json:"is_duplicate"`
	MatchType   MatchType            `json:"match_type"`
	Matched     *DocumentFingerprint `json:"matched,omitempty"`
	Confidence  float64              `json:"confidence"`
	Source      CheckSource          `json:"source"`
}

// RegistryStats summarizes a fingerprint registry.
type RegistryStats struct {
	Total             int         `json:"total"`
	DuplicatesBlocked int         `json:"duplicates_blocked"`
	LastProcessed     *time.Time  `json:"last_processed,omitempty"`
	Source            CheckSource `json:"source"`
}
