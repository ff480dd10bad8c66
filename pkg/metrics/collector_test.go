package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propengine/kbengine/pkg/models"
)

type fakeSink struct {
	batches [][]models.QueryMetrics
	err     error
}

func (f *fakeSink) WriteQueryMetrics(_ context.Context, records []models.QueryMetrics) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, records)
	return nil
}

func TestCollectorFlushSession(t *testing.T) {
	sink := &fakeSink{}
	c := NewCollector(sink)

	c.Emit(models.QueryMetrics{SessionID: "s1", QueryText: "q1"})
	c.Emit(models.QueryMetrics{SessionID: "s1", QueryText: "q2"})
	c.Emit(models.QueryMetrics{SessionID: "s2", QueryText: "other"})

	assert.Len(t, c.Pending("s1"), 2)

	require.NoError(t, c.FlushSession(context.Background(), "s1"))
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 2)
	assert.Empty(t, c.Pending("s1"))
	assert.Len(t, c.Pending("s2"), 1)
}

func TestCollectorFlushEmptySessionIsNoop(t *testing.T) {
	sink := &fakeSink{}
	c := NewCollector(sink)
	require.NoError(t, c.FlushSession(context.Background(), "missing"))
	assert.Empty(t, sink.batches)
}

func TestCollectorFlushFailureRetainsRecords(t *testing.T) {
	sink := &fakeSink{err: errors.New("store down")}
	c := NewCollector(sink)

	c.Emit(models.QueryMetrics{SessionID: "s1"})
	require.Error(t, c.FlushSession(context.Background(), "s1"))
	assert.Len(t, c.Pending("s1"), 1)

	sink.err = nil
	require.NoError(t, c.FlushSession(context.Background(), "s1"))
	assert.Empty(t, c.Pending("s1"))
}

func TestRecorderFinalize(t *testing.T) {
	rec := NewRecorder("s1", "how do I upload photos")
	rec.SetClassification(models.QueryHowTo, 0.85, 1)
	rec.SetVerdict(models.Verdict{Routing: models.RouteFullRAG, EnhancedQuery: "upload photos guide"}, 12)
	rec.SetSearch(models.SearchExecution{SearchTimeMs: 30}, 2, 0.91)
	rec.SetSourcesUsed(2)
	rec.SetGeneration(40)

	time.Sleep(5 * time.Millisecond)
	record := rec.Finalize(models.CostBreakdown{TotalUSD: 0.001}, 0.70)

	assert.Equal(t, "s1", record.SessionID)
	assert.Equal(t, models.QueryHowTo, record.ClassifiedType)
	assert.Equal(t, models.RouteFullRAG, record.Routing)
	assert.Equal(t, "upload photos guide", record.EnhancedQuery)
	assert.Equal(t, 2, record.SourcesFound)
	assert.Equal(t, 2, record.SourcesUsed)
	assert.InDelta(t, 0.91, record.BestConfidence, 1e-9)
	assert.InDelta(t, 0.70, record.SearchExecution.SimilarityThreshold, 1e-9)
	assert.False(t, record.Escalated)
	assert.Equal(t, models.EscalationNone, record.EscalationReason)

	// Wall-clock dominates every per-phase timer.
	assert.GreaterOrEqual(t, record.TotalTimeMs, record.ClassificationTimeMs)
	assert.GreaterOrEqual(t, record.TotalTimeMs, record.QueryIntelligenceTimeMs)
	assert.GreaterOrEqual(t, record.TotalTimeMs, record.ResponseGenerationTimeMs)
	assert.False(t, record.CreatedAt.IsZero())
}

func TestRecorderEscalate(t *testing.T) {
	rec := NewRecorder("s1", "obscure question")
	rec.Escalate(models.EscalationNoResults)

	escalated, reason := rec.Escalated()
	assert.True(t, escalated)
	assert.Equal(t, models.EscalationNoResults, reason)
}
