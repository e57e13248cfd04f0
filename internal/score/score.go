// Package score provides the pure scoring functions shared by the matching
// engines: amount similarity, date proximity, and combination of semantic
// and numeric similarity into one confidence value.
package score

import (
	"math"
	"time"
)

// Weights of the combined fuzzy-match score.
const (
	semanticWeight = 0.6
	amountWeight   = 0.4
)

// AmountSimilarity scores how close two signed amounts are, in [0,1].
// The difference is normalized by the larger magnitude, floored at 1 so
// near-zero amounts do not explode the ratio.
func AmountSimilarity(a, b float64) float64 {
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), 1)
	return math.Max(0, 1-diff/scale)
}

// DateDiffDays returns the absolute difference between two dates in whole
// days, ignoring the time-of-day component.
func DateDiffDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	diff := da.Sub(db)
	if diff < 0 {
		diff = -diff
	}
	return int(diff / (24 * time.Hour))
}

// WithinDays reports whether two dates fall within a tolerance window of
// whole days.
func WithinDays(a, b time.Time, tolerance int) bool {
	return DateDiffDays(a, b) <= tolerance
}

// CosineSimilarity computes the cosine similarity of two embedding vectors,
// clamped to [0,1]. Mismatched or empty vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return Clamp(sim)
}

// Combine merges a semantic-similarity score with an amount-similarity score
// into the single fuzzy-match confidence.
func Combine(semantic, amount float64) float64 {
	return Clamp(semanticWeight*semantic + amountWeight*amount)
}

// Clamp bounds a confidence value to [0,1].
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
