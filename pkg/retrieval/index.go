// Package retrieval turns an enhanced query into ranked KB chunks via
// embedding, filtered vector search with progressive fallback, and
// optional parent-document expansion.
package retrieval

import (
	"context"

	"github.com/propengine/kbengine/pkg/models"
)

// Filter keys understood by the vector index. The userType key matches
// the given audience or "both".
const (
	FilterEntryType = "entryType"
	FilterUserType  = "userType"
	FilterCategory  = "category"
)

// VectorIndex is the narrow search boundary. Implementations return
// chunks ordered by similarity descending and never more than k.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, k int, filter map[string]string, threshold float64) ([]models.ScoredChunk, error)
	FetchSiblings(ctx context.Context, parentEntryID string) ([]models.KBChunk, error)
}
