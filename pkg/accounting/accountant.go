// Package accounting attributes LLM token usage and cost per session and
// operation.
package accounting

import (
	"log/slog"
	"sync"
	"time"

	"github.com/propengine/kbengine/pkg/config"
	"github.com/propengine/kbengine/pkg/models"
)

// Accountant records one TokenUsage entry per LLM call, keyed by session.
// Concurrent Record calls from unrelated requests are safe; the per-session
// slices are guarded by one mutex over the session map.
type Accountant struct {
	pricing *config.PriceTable

	mu       sync.Mutex
	sessions map[string][]models.TokenUsage
}

// NewAccountant creates an accountant backed by the given price table.
func NewAccountant(pricing *config.PriceTable) *Accountant {
	return &Accountant{
		pricing:  pricing,
		sessions: make(map[string][]models.TokenUsage),
	}
}

// Record freezes the cost of one call at current prices and appends it to
// the session's ledger. It returns the recorded entry.
func (a *Accountant) Record(sessionID string, op models.Operation, modelID string, inputTokens, outputTokens int) models.TokenUsage {
	usage := models.TokenUsage{
		Operation:    op,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		ModelID:      modelID,
		CostUSD:      a.pricing.Cost(modelID, inputTokens, outputTokens),
		RecordedAt:   time.Now(),
	}
	if usage.CostUSD == 0 && (inputTokens > 0 || outputTokens > 0) {
		slog.Debug("No price configured for model", "model_id", modelID, "operation", op)
	}

	a.mu.Lock()
	a.sessions[sessionID] = append(a.sessions[sessionID], usage)
	a.mu.Unlock()
	return usage
}

// Window returns the usage entries recorded for a session since the given
// mark and a new mark for the next window. The orchestrator calls this at
// FINALISE to assemble the query's cost breakdown.
func (a *Accountant) Window(sessionID string, since int) ([]models.TokenUsage, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := a.sessions[sessionID]
	if since > len(entries) {
		since = len(entries)
	}
	window := make([]models.TokenUsage, len(entries)-since)
	copy(window, entries[since:])
	return window, len(entries)
}

// Mark returns the current ledger position for a session. Record calls
// after Mark fall inside the next Window.
func (a *Accountant) Mark(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions[sessionID])
}

// SessionTotal sums the cost of every entry recorded for a session.
func (a *Accountant) SessionTotal(sessionID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0.0
	for _, u := range a.sessions[sessionID] {
		total += u.CostUSD
	}
	return total
}

// Forget drops a session's ledger after it ends.
func (a *Accountant) Forget(sessionID string) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

// Breakdown aggregates usage entries by operation.
func Breakdown(entries []models.TokenUsage) models.CostBreakdown {
	var b models.CostBreakdown
	for _, u := range entries {
		switch u.Operation {
		case models.OpQueryIntelligence:
			b.QueryIntelligenceUSD += u.CostUSD
		case models.OpEmbedding:
			b.EmbeddingUSD += u.CostUSD
		case models.OpResponseGeneration:
			b.ResponseGenerationUSD += u.CostUSD
		}
		b.TotalUSD += u.CostUSD
		b.InputTokens += u.InputTokens
		b.OutputTokens += u.OutputTokens
	}
	return b
}
