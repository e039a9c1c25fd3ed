package embeddings

import (
	"cmp"
	"math"
	"slices"
)

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when the lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
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
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Match is a ranked vector.
type Match struct {
	Index int
	Score float32
}

// TopK ranks vectors by similarity to query and returns the best k, best
// first. Ties keep input order.
func TopK(query []float32, vectors [][]float32, k int) []Match {
	if k <= 0 || len(vectors) == 0 {
		return nil
	}

	matches := make([]Match, len(vectors))
	for i, v := range vectors {
		matches[i] = Match{Index: i, Score: CosineSimilarity(query, v)}
	}
	slices.SortStableFunc(matches, func(a, b Match) int {
		return cmp.Compare(b.Score, a.Score)
	})

	if k < len(matches) {
		matches = matches[:k]
	}
	return matches
}
