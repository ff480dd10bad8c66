package models

import "time"

// Operation names the LLM boundary a usage record belongs to.
type Operation string

const (
	OpQueryIntelligence  Operation = "query_intelligence"
	OpEmbedding          Operation = "embedding"
	OpResponseGeneration Operation = "response_generation"
)

// TokenUsage is one per-LLM-call usage record. Cost is frozen at recording
// time from the price table; later price edits never alter emitted records.
type TokenUsage struct {
	Operation    Operation `json:"operation"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	ModelID      string    `json:"model_id"`
	CostUSD      float64   `json:"cost_usd"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// CostBreakdown aggregates TokenUsage entries by operation for one query.
type CostBreakdown struct {
	QueryIntelligenceUSD  float64 `json:"query_intelligence_usd"`
	EmbeddingUSD          float64 `json:"embedding_usd"`
	ResponseGenerationUSD float64 `json:"response_generation_usd"`
	TotalUSD              float64 `json:"total_usd"`
	InputTokens           int     `json:"input_tokens"`
	OutputTokens          int     `json:"output_tokens"`
}

// QueryType is the deterministic classifier's fast tag.
type QueryType string

const (
	QueryGreeting   QueryType = "greeting"
	QueryError      QueryType = "error"
	QueryDefinition QueryType = "definition"
	QueryHowTo      QueryType = "howto"
	QueryWorkflow   QueryType = "workflow"
	QueryGeneral    QueryType = "general"
)

// EscalationReason explains why a query was flagged for human follow-up.
type EscalationReason string

const (
	EscalationNone          EscalationReason = "none"
	EscalationNoResults     EscalationReason = "no_results"
	EscalationLowConfidence EscalationReason = "low_confidence"
	EscalationUserRequested EscalationReason = "user_requested"
)

// SearchExecution captures what retrieval actually did for one query.
type SearchExecution struct {
	FiltersApplied      []SearchAttempt `json:"filters_applied"`
	DocumentsScanned    int             `json:"documents_scanned"`
	DocumentsMatched    int             `json:"documents_matched"`
	DocumentsReturned   int             `json:"documents_returned"`
	SimilarityThreshold float64         `json:"similarity_threshold"`
	EmbeddingTimeMs     int64           `json:"embedding_time_ms"`
	SearchTimeMs        int64           `json:"search_time_ms"`
	RerankTimeMs        int64           `json:"rerank_time_ms"`
}

// QueryMetrics is the single per-query telemetry record. Exactly one is
// emitted for every finalised query.
type QueryMetrics struct {
	SessionID                string           `json:"session_id"`
	QueryText                string           `json:"query_text"`
	ClassifiedType           QueryType        `json:"classified_type"`
	ClassificationConfidence float64          `json:"classification_confidence"`
	EnhancedQuery            string           `json:"enhanced_query"`
	Routing                  Routing          `json:"routing"`
	SearchExecution          SearchExecution  `json:"search_execution"`
	SourcesFound             int              `json:"sources_found"`
	SourcesUsed              int              `json:"sources_used"`
	BestConfidence           float64          `json:"best_confidence"`
	TotalTimeMs              int64            `json:"total_time_ms"`
	ClassificationTimeMs     int64            `json:"classification_time_ms"`
	QueryIntelligenceTimeMs  int64            `json:"query_intelligence_time_ms"`
	ResponseGenerationTimeMs int64            `json:"response_generation_time_ms"`
	CostBreakdown            CostBreakdown    `json:"cost_breakdown"`
	Escalated                bool             `json:"escalated"`
	EscalationReason         EscalationReason `json:"escalation_reason"`

	// Degradation and invariant flags; operational, never user-facing.
	IntelligenceFallback bool `json:"query_intelligence_fallback,omitempty"`
	SessionDegraded      bool `json:"session_degraded,omitempty"`
	InvariantViolation   bool `json:"invariant_violation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
