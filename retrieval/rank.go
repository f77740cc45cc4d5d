// Package retrieval ranks stored chunks against a query and assembles the
// global and local search results handed to chat and tool callers.
package retrieval

import (
	"math"
	"sort"

	"github.com/fabfab/sales-rag/domain"
)

// CosineSimilarity returns dot(a,b) / (|a| * |b|). Vectors of different length
// and zero-magnitude inputs yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		return 1
	}
	if sim < -1 {
		return -1
	}
	return sim
}

// MismatchedDimensions counts the candidates whose embedding length differs
// from the query's.
func MismatchedDimensions(query []float32, candidates []domain.Chunk) int {
	n := 0
	for _, candidate := range candidates {
		if len(candidate.Embedding) != len(query) {
			n++
		}
	}
	return n
}

// Rank scores every candidate against query, drops those below
// minSimilarity or with a different dimension, sorts the rest by descending
// similarity and keeps topK. Equal scores keep their input order. candidates
// is not modified.
func Rank(query []float32, candidates []domain.Chunk, topK int, minSimilarity float64) []domain.ScoredChunk {
	scored := make([]domain.ScoredChunk, 0, len(candidates))
	for _, candidate := range candidates {
		if len(candidate.Embedding) != len(query) {
			continue
		}
		sim := CosineSimilarity(query, candidate.Embedding)
		if sim < minSimilarity {
			continue
		}
		scored = append(scored, domain.ScoredChunk{Chunk: candidate, Similarity: sim})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})

	if topK >= 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}
