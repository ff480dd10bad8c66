package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/propengine/kbengine/pkg/classify"
	"github.com/propengine/kbengine/pkg/config"
	"github.com/propengine/kbengine/pkg/llm"
	"github.com/propengine/kbengine/pkg/models"
)

// Input describes one retrieval run.
type Input struct {
	EnhancedQuery  string
	OriginalQuery  string
	ClassifiedType models.QueryType
	UserType       models.UserType
	Category       string
	// TargetTitle, when set, prepends a targeted attempt restricted to the
	// named parent document (the search_kb_targeted route).
	TargetTitle string
}

// Output bundles the retrieval result with its telemetry and the
// embedding usage to bill.
type Output struct {
	Result         models.RetrievalResult
	Execution      models.SearchExecution
	EmbeddingUsage llm.Usage
}

// Retriever runs embed → filtered search → parent expansion → ranking.
type Retriever struct {
	embedder llm.Embedder
	index    VectorIndex
	cfg      config.RetrievalConfig
}

// NewRetriever wires the pipeline.
func NewRetriever(embedder llm.Embedder, index VectorIndex, cfg config.RetrievalConfig) *Retriever {
	return &Retriever{embedder: embedder, index: index, cfg: cfg}
}

// Retrieve executes the full pipeline. An empty result is not an error;
// the orchestrator escalates on it. Errors are transport failures from
// the embedder or the index.
func (r *Retriever) Retrieve(ctx context.Context, in Input) (Output, error) {
	var out Output
	out.Execution.SimilarityThreshold = r.cfg.SimilarityThreshold

	embedStart := time.Now()
	embedded, err := r.embedder.Embed(ctx, in.EnhancedQuery)
	if err != nil {
		return out, fmt.Errorf("embed query: %w", err)
	}
	out.EmbeddingUsage = embedded.Usage
	// Cache hits report zero elapsed time so identical queries within the
	// TTL don't re-bill latency that never happened.
	if !embedded.CacheHit {
		out.Execution.EmbeddingTimeMs = time.Since(embedStart).Milliseconds()
	}

	searchStart := time.Now()
	var winner []models.ScoredChunk
	for _, filter := range r.attemptPlan(in) {
		hits, err := r.index.Search(ctx, embedded.Vector, r.cfg.TopK, filter, r.cfg.SimilarityThreshold)
		if err != nil {
			return out, fmt.Errorf("vector search: %w", err)
		}
		out.Execution.FiltersApplied = append(out.Execution.FiltersApplied, models.SearchAttempt{
			Filter:  filter,
			Results: len(hits),
		})
		out.Result.Attempts = out.Execution.FiltersApplied
		out.Execution.DocumentsScanned += len(hits)
		if len(hits) > 0 {
			winner = hits
			break
		}
	}
	out.Execution.SearchTimeMs = time.Since(searchStart).Milliseconds()
	out.Execution.DocumentsMatched = len(winner)
	if len(winner) == 0 {
		return out, nil
	}

	rerankStart := time.Now()
	selected := rankAndDedupe(winner, r.cfg.TopK)
	if needsFullContext(in, winner) {
		selected = r.expandParents(ctx, selected)
	}
	out.Execution.RerankTimeMs = time.Since(rerankStart).Milliseconds()

	out.Result.Chunks = selected
	out.Execution.DocumentsReturned = len(selected)
	return out, nil
}

// attemptPlan builds the ordered list of metadata filters to try. The
// progressive fallback is data, not control flow, so each branch is
// enumerable in tests.
func (r *Retriever) attemptPlan(in Input) []map[string]string {
	base := map[string]string{FilterUserType: string(in.UserType)}

	var plan []map[string]string
	add := func(f map[string]string) {
		for _, existing := range plan {
			if filtersEqual(existing, f) {
				return
			}
		}
		plan = append(plan, f)
	}

	if in.TargetTitle != "" {
		add(withEntries(base, fieldParentTitle, in.TargetTitle))
	}

	entryType, hasEntryType := classify.EntryTypeFor(in.ClassifiedType)

	full := cloneFilter(base)
	if hasEntryType {
		full[FilterEntryType] = string(entryType)
	}
	if in.Category != "" {
		full[FilterCategory] = in.Category
	}
	add(full)

	if hasEntryType {
		add(withEntries(base, FilterEntryType, string(entryType)))
	}
	add(cloneFilter(base))

	if in.ClassifiedType == models.QueryHowTo {
		add(withEntries(base, FilterEntryType, string(models.EntryError)))
	}
	if in.ClassifiedType == models.QueryDefinition &&
		strings.Contains(strings.ToLower(in.OriginalQuery), "error") {
		add(withEntries(base, FilterEntryType, string(models.EntryError)))
	}
	return plan
}

// rankAndDedupe orders chunks deterministically (similarity descending,
// then chunk index, then parent id) and keeps the best chunk per parent,
// up to k.
func rankAndDedupe(chunks []models.ScoredChunk, k int) []models.ScoredChunk {
	sorted := make([]models.ScoredChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Similarity != sorted[j].Similarity {
			return sorted[i].Similarity > sorted[j].Similarity
		}
		if sorted[i].ChunkIndex != sorted[j].ChunkIndex {
			return sorted[i].ChunkIndex < sorted[j].ChunkIndex
		}
		return sorted[i].ParentEntryID < sorted[j].ParentEntryID
	})

	seen := make(map[string]struct{})
	result := make([]models.ScoredChunk, 0, k)
	for _, c := range sorted {
		if _, ok := seen[c.ParentEntryID]; ok {
			continue
		}
		seen[c.ParentEntryID] = struct{}{}
		result = append(result, c)
		if len(result) == k {
			break
		}
	}
	return result
}

// needsFullContext decides whether matched chunks should be replaced by
// their whole parent documents.
func needsFullContext(in Input, hits []models.ScoredChunk) bool {
	if len(strings.Fields(in.OriginalQuery)) > 12 {
		return true
	}
	lower := strings.ToLower(in.OriginalQuery)
	for _, marker := range []string{"how do", "how to", "how can", "walk me through", "steps"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	perParent := make(map[string]int)
	for _, h := range hits {
		perParent[h.ParentEntryID]++
		if perParent[h.ParentEntryID] >= 2 {
			return true
		}
	}
	return false
}

// expandParents replaces each selected chunk with its full parent
// document (siblings concatenated in chunk order), within the total chunk
// budget. Parents whose sibling count would blow the budget keep only the
// matched chunk. Sibling fetch failures also fall back to the matched
// chunk.
func (r *Retriever) expandParents(ctx context.Context, selected []models.ScoredChunk) []models.ScoredChunk {
	budget := r.cfg.MaxExpandedChunks - len(selected)
	expanded := make([]models.ScoredChunk, 0, len(selected))
	for _, c := range selected {
		if c.TotalChunks <= 1 || c.TotalChunks-1 > budget {
			expanded = append(expanded, c)
			continue
		}
		siblings, err := r.index.FetchSiblings(ctx, c.ParentEntryID)
		if err != nil || len(siblings) == 0 {
			expanded = append(expanded, c)
			continue
		}
		budget -= len(siblings) - 1

		parts := make([]string, 0, len(siblings))
		for _, s := range siblings {
			parts = append(parts, s.Content)
		}
		whole := c
		whole.Content = strings.Join(parts, "\n\n")
		whole.ChunkIndex = 0
		whole.TotalChunks = len(siblings)
		whole.SectionLabel = ""
		expanded = append(expanded, whole)
	}
	return expanded
}

func cloneFilter(f map[string]string) map[string]string {
	out := make(map[string]string, len(f)+2)
	for k, v := range f {
		out[k] = v
	}
	return out
}

func withEntries(base map[string]string, key, value string) map[string]string {
	out := cloneFilter(base)
	out[key] = value
	return out
}

func filtersEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
