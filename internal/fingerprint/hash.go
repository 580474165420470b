// Package fingerprint computes the three document signatures used for
// duplicate detection: an exact file hash, a normalized content hash over
// extracted fields, and a coarse perceptual hash for images.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bizledger/intake/internal/core/domain"
)

// FileHash returns the SHA-256 digest of the raw file bytes. It is the
// exact-duplicate key.
func FileHash(content io.ReaderAt, size int64) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(content, 0, size)); err != nil {
		return "", fmt.Errorf("hash file bytes: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ContentHash digests the normalized extracted fields. It is order-independent
// over line items and tolerant of incidental re-encoding of the source file:
// two documents with the same vendor, amount, date and items hash identically.
// Returns "" when no comparable field was extracted.
func ContentHash(f domain.ExtractedFields) string {
	if f.Empty() {
		return ""
	}

	items := make([]string, 0, len(f.Items))
	for _, it := range f.Items {
		items = append(items, fmt.Sprintf("%s=%d", NormalizeText(it.Name), it.PriceMinor))
	}
	sort.Strings(items)

	canonical := strings.Join([]string{
		"vendor:" + NormalizeText(f.Vendor),
		fmt.Sprintf("amount:%d", f.AmountMinor),
		"date:" + strings.TrimSpace(f.Date),
		"items:" + strings.Join(items, ","),
	}, "|")

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// NormalizeText lowercases, trims and collapses internal whitespace so that
// cosmetic differences in extraction output do not change the content hash.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
