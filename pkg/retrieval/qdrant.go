package retrieval

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"github.com/propengine/kbengine/pkg/config"
	"github.com/propengine/kbengine/pkg/models"
)

// Payload field names in the KB collection.
const (
	fieldChunkID     = "chunk_id"
	fieldParentID    = "parent_entry_id"
	fieldParentTitle = "parent_title"
	fieldContent     = "content"
	fieldSection     = "section_label"
	fieldChunkIndex  = "chunk_index"
	fieldTotalChunks = "total_chunks"
	fieldEntryType   = "entryType"
	fieldUserType    = "userType"
	fieldCategory    = "category"
	fieldRelated     = "related_documents"
)

// QdrantIndex implements VectorIndex on Qdrant's gRPC Query API.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	cfg        config.QdrantConfig
}

// NewQdrantIndex connects to Qdrant. The Go client speaks the gRPC API
// (port 6334 by default); an api_key query parameter on the DSN is
// honoured.
func NewQdrantIndex(cfg config.QdrantConfig) (*QdrantIndex, error) {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant DSN: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant DSN: %w", err)
	}
	qcfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		qcfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		qcfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantIndex{client: client, collection: cfg.Collection, cfg: cfg}, nil
}

// Search runs one filtered similarity query.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, k int, filter map[string]string, threshold float64) ([]models.ScoredChunk, error) {
	cctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	vec := make([]float32, len(vector))
	copy(vec, vector)

	var queryFilter *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for key, value := range filter {
			if key == FilterUserType {
				// An entry scoped to "both" serves every audience.
				must = append(must, qdrant.NewMatchKeywords(key, value, string(models.UserBoth)))
				continue
			}
			must = append(must, qdrant.NewMatch(key, value))
		}
		queryFilter = &qdrant.Filter{Must: must}
	}

	limit := uint64(k)
	scoreThreshold := float32(threshold)
	hits, err := q.client.Query(cctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         queryFilter,
		ScoreThreshold: &scoreThreshold,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	chunks := make([]models.ScoredChunk, 0, len(hits))
	for _, hit := range hits {
		chunks = append(chunks, models.ScoredChunk{
			KBChunk:    chunkFromPayload(hit.Payload),
			Similarity: float64(hit.Score),
		})
	}
	return chunks, nil
}

// FetchSiblings returns every chunk of one parent document, ordered by
// chunk index.
func (q *QdrantIndex) FetchSiblings(ctx context.Context, parentEntryID string) ([]models.KBChunk, error) {
	cctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	points, err := q.client.Scroll(cctx, &qdrant.ScrollPoints{
		CollectionName: q.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(fieldParentID, parentEntryID)},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant scroll: %w", err)
	}

	chunks := make([]models.KBChunk, 0, len(points))
	for _, p := range points {
		chunks = append(chunks, chunkFromPayload(p.Payload))
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}

func chunkFromPayload(payload map[string]*qdrant.Value) models.KBChunk {
	chunk := models.KBChunk{
		ChunkID:       payload[fieldChunkID].GetStringValue(),
		ParentEntryID: payload[fieldParentID].GetStringValue(),
		ParentTitle:   payload[fieldParentTitle].GetStringValue(),
		Content:       payload[fieldContent].GetStringValue(),
		SectionLabel:  payload[fieldSection].GetStringValue(),
		ChunkIndex:    int(payload[fieldChunkIndex].GetIntegerValue()),
		TotalChunks:   int(payload[fieldTotalChunks].GetIntegerValue()),
		EntryType:     models.EntryType(payload[fieldEntryType].GetStringValue()),
		UserType:      models.UserType(payload[fieldUserType].GetStringValue()),
		Category:      payload[fieldCategory].GetStringValue(),
	}
	if related := payload[fieldRelated].GetListValue(); related != nil {
		for _, v := range related.Values {
			if s := v.GetStringValue(); s != "" {
				chunk.RelatedDocs = append(chunk.RelatedDocs, s)
			}
		}
	}
	return chunk
}

// Close releases the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
