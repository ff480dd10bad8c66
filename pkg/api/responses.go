package api

import (
	"time"

	"github.com/propengine/kbengine/pkg/models"
	"github.com/propengine/kbengine/pkg/orchestrator"
)

// AgentQueryResponse is the response body for POST /api/agent/:flavour/.
// The base fields are present for every flavour; the rest are gated by
// the agent profile.
type AgentQueryResponse struct {
	Response           string `json:"response"`
	SessionID          string `json:"session_id"`
	Timestamp          string `json:"timestamp"`
	RequiresEscalation bool   `json:"requires_escalation"`

	// support + test flavours
	Confidence *float64         `json:"confidence,omitempty"`
	Sources    []SourceResponse `json:"sources,omitempty"`

	// test flavour only
	QueryType                string                        `json:"query_type,omitempty"`
	ClassificationConfidence *float64                      `json:"classification_confidence,omitempty"`
	DebugMetrics             *models.QueryMetrics          `json:"debug_metrics,omitempty"`
	ContextDebug             *orchestrator.ContextSnapshot `json:"context_debug,omitempty"`
}

// SourceResponse is one cited KB document. Content is only exposed to the
// test flavour.
type SourceResponse struct {
	Title      string  `json:"title"`
	Section    string  `json:"section,omitempty"`
	Category   string  `json:"category,omitempty"`
	Confidence float64 `json:"confidence"`
	Content    string  `json:"content,omitempty"`
}

// buildResponse shapes the engine result per the agent profile.
func buildResponse(profile models.AgentProfile, res orchestrator.Result) *AgentQueryResponse {
	resp := &AgentQueryResponse{
		Response:           res.Text,
		SessionID:          res.SessionID,
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		RequiresEscalation: res.RequiresEscalation,
	}
	if profile.ExposeSources {
		confidence := res.Confidence
		resp.Confidence = &confidence
		for _, s := range res.Sources {
			src := SourceResponse{
				Title:      s.ParentTitle,
				Section:    s.SectionLabel,
				Category:   s.Category,
				Confidence: s.Similarity,
			}
			if profile.ExposeDebug {
				src.Content = s.Content
			}
			resp.Sources = append(resp.Sources, src)
		}
	}
	if profile.ExposeDebug {
		resp.QueryType = string(res.QueryType)
		clsConfidence := res.ClassificationConfidence
		resp.ClassificationConfidence = &clsConfidence
		debugMetrics := res.Metrics
		resp.DebugMetrics = &debugMetrics
		contextDebug := res.Context
		resp.ContextDebug = &contextDebug
	}
	return resp
}

// RateLimitedResponse is the 429 body.
type RateLimitedResponse struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	Limit          int    `json:"limit"`
	Remaining      int    `json:"remaining"`
	ResetInSeconds int64  `json:"reset_in_seconds"`
}

// FailureResponse is the body for failure-record endpoints.
type FailureResponse struct {
	FailureID string `json:"failure_id"`
	Status    string `json:"status"`
}

// HealthResponse reports component reachability.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
}
