package fingerprint

import "github.com/bizledger/intake/internal/core/domain"

// amountTolerance is the relative difference under which two amounts are
// considered the same charge (OCR of totals is noisy around rounding).
const amountTolerance = 0.05

// StringSimilarity is normalized edit-distance similarity:
// (maxLen - distance) / maxLen. Symmetric, bounded to [0,1]; both inputs are
// normalized first.
func StringSimilarity(a, b string) float64 {
	a, b = NormalizeText(a), NormalizeText(b)
	if a == b {
		return 1
	}
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1
	}
	return float64(maxLen-levenshtein(a, b)) / float64(maxLen)
}

// FieldSimilarity scores two extraction records by averaging per-field
// signals over the fields present in both records: vendor string similarity,
// amount-within-tolerance, exact date match. Missing fields are excluded from
// the average rather than penalized, so partial extractions still score.
// ok is false when the records share no comparable field.
func FieldSimilarity(a, b domain.ExtractedFields) (score float64, ok bool) {
	var total float64
	var n int

	if a.Vendor != "" && b.Vendor != "" {
		total += StringSimilarity(a.Vendor, b.Vendor)
		n++
	}
	if a.AmountMinor != 0 && b.AmountMinor != 0 {
		if amountsClose(a.AmountMinor, b.AmountMinor) {
			total++
		}
		n++
	}
	if a.Date != "" && b.Date != "" {
		if a.Date == b.Date {
			total++
		}
		n++
	}

	if n == 0 {
		return 0, false
	}
	return total / float64(n), true
}

func amountsClose(a, b int64) bool {
	if a == b {
		return true
	}
	hi := max(a, b)
	diff := hi - min(a, b)
	return float64(diff) <= amountTolerance*float64(hi)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
