// Package metrics assembles the per-query telemetry record and buffers
// finished records per session until the batch flush at session end.
package metrics

import (
	"time"

	"github.com/propengine/kbengine/pkg/models"
)

// Recorder accumulates one query's telemetry. It is used by a single
// request goroutine; the collector it flushes into is concurrency-safe.
type Recorder struct {
	m     models.QueryMetrics
	start time.Time
}

// NewRecorder starts the wall clock for one query.
func NewRecorder(sessionID, queryText string) *Recorder {
	return &Recorder{
		m: models.QueryMetrics{
			SessionID:        sessionID,
			QueryText:        queryText,
			Routing:          models.RouteFullRAG,
			EscalationReason: models.EscalationNone,
		},
		start: time.Now(),
	}
}

// Time runs fn and returns its result along with the elapsed milliseconds.
func Time[T any](fn func() T) (T, int64) {
	start := time.Now()
	out := fn()
	return out, time.Since(start).Milliseconds()
}

func (r *Recorder) SetClassification(t models.QueryType, confidence float64, elapsedMs int64) {
	r.m.ClassifiedType = t
	r.m.ClassificationConfidence = confidence
	r.m.ClassificationTimeMs = elapsedMs
}

func (r *Recorder) SetVerdict(v models.Verdict, elapsedMs int64) {
	r.m.EnhancedQuery = v.EnhancedQuery
	r.m.Routing = v.Routing
	r.m.IntelligenceFallback = v.Fallback
	r.m.QueryIntelligenceTimeMs = elapsedMs
}

func (r *Recorder) SetRouting(routing models.Routing) {
	r.m.Routing = routing
}

func (r *Recorder) SetSearch(exec models.SearchExecution, sourcesFound int, best float64) {
	r.m.SearchExecution = exec
	r.m.SourcesFound = sourcesFound
	r.m.BestConfidence = best
}

func (r *Recorder) SetGeneration(elapsedMs int64) {
	r.m.ResponseGenerationTimeMs = elapsedMs
}

func (r *Recorder) SetSourcesUsed(n int) {
	r.m.SourcesUsed = n
}

func (r *Recorder) Escalate(reason models.EscalationReason) {
	r.m.Escalated = true
	r.m.EscalationReason = reason
}

func (r *Recorder) SetSessionDegraded() {
	r.m.SessionDegraded = true
}

func (r *Recorder) FlagInvariantViolation() {
	r.m.InvariantViolation = true
}

// Escalated reports whether an escalation reason has been set.
func (r *Recorder) Escalated() (bool, models.EscalationReason) {
	return r.m.Escalated, r.m.EscalationReason
}

// Snapshot returns the record as assembled so far, without finalising.
func (r *Recorder) Snapshot() models.QueryMetrics {
	return r.m
}

// Finalize stamps the total wall-clock time and cost breakdown and returns
// the completed record. The total is never reported below any per-phase
// timer. SimilarityThreshold is stamped even for queries
// that never searched, so records are comparable across routing branches.
func (r *Recorder) Finalize(cost models.CostBreakdown, threshold float64) models.QueryMetrics {
	r.m.CostBreakdown = cost
	r.m.SearchExecution.SimilarityThreshold = threshold
	total := time.Since(r.start).Milliseconds()
	for _, phase := range []int64{r.m.ClassificationTimeMs, r.m.QueryIntelligenceTimeMs, r.m.ResponseGenerationTimeMs} {
		if phase > total {
			total = phase
		}
	}
	r.m.TotalTimeMs = total
	r.m.CreatedAt = time.Now()
	return r.m
}
