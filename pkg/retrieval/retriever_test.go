package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propengine/kbengine/pkg/config"
	"github.com/propengine/kbengine/pkg/llm"
	"github.com/propengine/kbengine/pkg/models"
)

type fakeEmbedder struct {
	cacheHit bool
	calls    int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) (llm.EmbedResult, error) {
	f.calls++
	return llm.EmbedResult{
		Vector:   []float32{0.1, 0.2, 0.3},
		Usage:    llm.Usage{InputTokens: 7, ModelID: "text-embedding-3-small"},
		CacheHit: f.cacheHit,
	}, nil
}

// fakeIndex answers each Search from a per-filter result table keyed by
// the entryType filter value ("" for no entryType).
type fakeIndex struct {
	byEntryType map[string][]models.ScoredChunk
	searches    []map[string]string
	siblings    map[string][]models.KBChunk
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, _ int, filter map[string]string, _ float64) ([]models.ScoredChunk, error) {
	copied := make(map[string]string, len(filter))
	for k, v := range filter {
		copied[k] = v
	}
	f.searches = append(f.searches, copied)
	if title, ok := filter[fieldParentTitle]; ok {
		return f.byEntryType["title:"+title], nil
	}
	key := filter[FilterEntryType]
	if _, hasCategory := filter[FilterCategory]; hasCategory {
		key += "+category"
	}
	return f.byEntryType[key], nil
}

func (f *fakeIndex) FetchSiblings(_ context.Context, parentEntryID string) ([]models.KBChunk, error) {
	return f.siblings[parentEntryID], nil
}

func chunk(id, parent, title string, index, total int, score float64) models.ScoredChunk {
	return models.ScoredChunk{
		KBChunk: models.KBChunk{
			ChunkID:       id,
			ParentEntryID: parent,
			ParentTitle:   title,
			Content:       "content of " + id,
			ChunkIndex:    index,
			TotalChunks:   total,
		},
		Similarity: score,
	}
}

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		SimilarityThreshold: 0.70,
		TopK:                5,
		MaxExpandedChunks:   12,
		EmbedCacheSize:      16,
		EmbedCacheTTL:       time.Minute,
	}
}

func TestRetrieveHowToNormalisation(t *testing.T) {
	index := &fakeIndex{byEntryType: map[string][]models.ScoredChunk{
		"how_to+category": {chunk("c1", "p1", "Upload Photos Guide", 0, 1, 0.91)},
	}}
	r := NewRetriever(&fakeEmbedder{}, index, testRetrievalConfig())

	out, err := r.Retrieve(context.Background(), Input{
		EnhancedQuery:  "upload photos",
		OriginalQuery:  "short query",
		ClassifiedType: models.QueryHowTo,
		UserType:       models.UserExternal,
		Category:       "listings",
	})
	require.NoError(t, err)

	require.NotEmpty(t, out.Execution.FiltersApplied)
	first := out.Execution.FiltersApplied[0]
	assert.Equal(t, "how_to", first.Filter[FilterEntryType])
	assert.Equal(t, "listings", first.Filter[FilterCategory])
	assert.Equal(t, string(models.UserExternal), first.Filter[FilterUserType])
	assert.Equal(t, 1, first.Results)
	assert.Len(t, out.Result.Chunks, 1)
	assert.InDelta(t, 0.91, out.Result.BestConfidence(), 1e-9)
}

func TestRetrieveProgressiveFallback(t *testing.T) {
	// Nothing matches until the entryType filter is dropped entirely.
	index := &fakeIndex{byEntryType: map[string][]models.ScoredChunk{
		"": {chunk("c9", "p9", "General Notes", 0, 1, 0.74)},
	}}
	r := NewRetriever(&fakeEmbedder{}, index, testRetrievalConfig())

	out, err := r.Retrieve(context.Background(), Input{
		EnhancedQuery:  "something",
		OriginalQuery:  "short",
		ClassifiedType: models.QueryHowTo,
		UserType:       models.UserInternal,
		Category:       "billing",
	})
	require.NoError(t, err)

	// Attempts: full filter, drop category, drop entryType (wins).
	require.GreaterOrEqual(t, len(out.Execution.FiltersApplied), 3)
	assert.Equal(t, 0, out.Execution.FiltersApplied[0].Results)
	assert.Equal(t, 0, out.Execution.FiltersApplied[1].Results)
	assert.Equal(t, 1, out.Execution.FiltersApplied[2].Results)

	_, hasEntry := out.Execution.FiltersApplied[2].Filter[FilterEntryType]
	assert.False(t, hasEntry)
	assert.Len(t, out.Result.Chunks, 1)
}

func TestRetrieveHowToFallsBackToError(t *testing.T) {
	// Only error entries match; the howto plan ends with an error-type
	// retry.
	index := &fakeIndex{byEntryType: map[string][]models.ScoredChunk{}}
	r := NewRetriever(&fakeEmbedder{}, index, testRetrievalConfig())

	out, err := r.Retrieve(context.Background(), Input{
		EnhancedQuery:  "upload fails",
		OriginalQuery:  "short",
		ClassifiedType: models.QueryHowTo,
		UserType:       models.UserExternal,
	})
	require.NoError(t, err)
	assert.Empty(t, out.Result.Chunks)

	last := out.Execution.FiltersApplied[len(out.Execution.FiltersApplied)-1]
	assert.Equal(t, string(models.EntryError), last.Filter[FilterEntryType])
}

func TestRetrieveDefinitionWithErrorWord(t *testing.T) {
	index := &fakeIndex{byEntryType: map[string][]models.ScoredChunk{}}
	r := NewRetriever(&fakeEmbedder{}, index, testRetrievalConfig())

	out, err := r.Retrieve(context.Background(), Input{
		EnhancedQuery:  "sync error meaning",
		OriginalQuery:  "what is a sync error",
		ClassifiedType: models.QueryDefinition,
		UserType:       models.UserExternal,
	})
	require.NoError(t, err)

	last := out.Execution.FiltersApplied[len(out.Execution.FiltersApplied)-1]
	assert.Equal(t, string(models.EntryError), last.Filter[FilterEntryType])
}

func TestRetrieveTargetedAttemptFirst(t *testing.T) {
	index := &fakeIndex{byEntryType: map[string][]models.ScoredChunk{
		"title:How to resize images": {chunk("c3", "p3", "How to resize images", 0, 1, 0.88)},
	}}
	r := NewRetriever(&fakeEmbedder{}, index, testRetrievalConfig())

	out, err := r.Retrieve(context.Background(), Input{
		EnhancedQuery:  "resize images",
		OriginalQuery:  "short",
		ClassifiedType: models.QueryGeneral,
		UserType:       models.UserExternal,
		TargetTitle:    "How to resize images",
	})
	require.NoError(t, err)

	assert.Equal(t, "How to resize images", out.Execution.FiltersApplied[0].Filter[fieldParentTitle])
	require.Len(t, out.Result.Chunks, 1)
	assert.Equal(t, "How to resize images", out.Result.Chunks[0].ParentTitle)
}

func TestRankAndDedupeDeterministic(t *testing.T) {
	chunks := []models.ScoredChunk{
		chunk("b2", "pB", "B", 2, 3, 0.80),
		chunk("a1", "pA", "A", 1, 3, 0.80),
		chunk("a0", "pA", "A", 0, 3, 0.80),
		chunk("c0", "pC", "C", 0, 1, 0.95),
	}

	got := rankAndDedupe(chunks, 5)
	require.Len(t, got, 3)
	// Highest score first; ties by chunk index then parent id, deduped
	// by parent.
	assert.Equal(t, "c0", got[0].ChunkID)
	assert.Equal(t, "a0", got[1].ChunkID)
	assert.Equal(t, "b2", got[2].ChunkID)
}

func TestRetrieveParentExpansion(t *testing.T) {
	index := &fakeIndex{
		byEntryType: map[string][]models.ScoredChunk{
			"how_to": {chunk("c1", "p1", "Upload Photos Guide", 1, 3, 0.90)},
		},
		siblings: map[string][]models.KBChunk{
			"p1": {
				{ChunkID: "c0", ParentEntryID: "p1", ChunkIndex: 0, Content: "part one"},
				{ChunkID: "c1", ParentEntryID: "p1", ChunkIndex: 1, Content: "part two"},
				{ChunkID: "c2", ParentEntryID: "p1", ChunkIndex: 2, Content: "part three"},
			},
		},
	}
	r := NewRetriever(&fakeEmbedder{}, index, testRetrievalConfig())

	out, err := r.Retrieve(context.Background(), Input{
		EnhancedQuery:  "upload photos guide",
		OriginalQuery:  "how do I upload photos for a new listing",
		ClassifiedType: models.QueryHowTo,
		UserType:       models.UserExternal,
	})
	require.NoError(t, err)
	require.Len(t, out.Result.Chunks, 1)

	whole := out.Result.Chunks[0]
	assert.Equal(t, "part one\n\npart two\n\npart three", whole.Content)
	assert.Equal(t, 3, whole.TotalChunks)
	assert.InDelta(t, 0.90, whole.Similarity, 1e-9)
}

func TestRetrieveExpansionRespectsBudget(t *testing.T) {
	big := make([]models.KBChunk, 20)
	for i := range big {
		big[i] = models.KBChunk{ChunkID: "x", ParentEntryID: "p1", ChunkIndex: i, Content: "c"}
	}
	index := &fakeIndex{
		byEntryType: map[string][]models.ScoredChunk{
			"how_to": {chunk("c1", "p1", "Huge Doc", 1, 20, 0.90)},
		},
		siblings: map[string][]models.KBChunk{"p1": big},
	}
	r := NewRetriever(&fakeEmbedder{}, index, testRetrievalConfig())

	out, err := r.Retrieve(context.Background(), Input{
		EnhancedQuery:  "huge",
		OriginalQuery:  "how do I do the thing",
		ClassifiedType: models.QueryHowTo,
		UserType:       models.UserExternal,
	})
	require.NoError(t, err)
	require.Len(t, out.Result.Chunks, 1)
	// 20 siblings exceed the 12-chunk budget: the matched chunk passes
	// through unexpanded.
	assert.Equal(t, "content of c1", out.Result.Chunks[0].Content)
}

func TestRetrieveCacheHitReportsZeroEmbeddingTime(t *testing.T) {
	index := &fakeIndex{byEntryType: map[string][]models.ScoredChunk{}}
	r := NewRetriever(&fakeEmbedder{cacheHit: true}, index, testRetrievalConfig())

	out, err := r.Retrieve(context.Background(), Input{
		EnhancedQuery:  "anything",
		OriginalQuery:  "short",
		ClassifiedType: models.QueryGeneral,
		UserType:       models.UserExternal,
	})
	require.NoError(t, err)
	assert.Zero(t, out.Execution.EmbeddingTimeMs)
}
