package metrics

import (
	"context"
	"log/slog"
	"sync"

	"github.com/propengine/kbengine/pkg/models"
)

// Sink persists a batch of query metrics records.
type Sink interface {
	WriteQueryMetrics(ctx context.Context, records []models.QueryMetrics) error
}

// Collector buffers finalised QueryMetrics per session and flushes each
// session's batch in one write when the session ends. Buffering keeps the
// request path off the analytics store; a crashed process loses at most
// the unflushed batch, which is acceptable for telemetry.
type Collector struct {
	sink Sink

	mu      sync.Mutex
	pending map[string][]models.QueryMetrics
}

// NewCollector creates a collector writing batches to sink.
func NewCollector(sink Sink) *Collector {
	return &Collector{
		sink:    sink,
		pending: make(map[string][]models.QueryMetrics),
	}
}

// Emit buffers one finalised record. Exactly one Emit happens per query.
func (c *Collector) Emit(record models.QueryMetrics) {
	c.mu.Lock()
	c.pending[record.SessionID] = append(c.pending[record.SessionID], record)
	c.mu.Unlock()

	slog.Info("Query finalised",
		"session_id", record.SessionID,
		"type", record.ClassifiedType,
		"routing", record.Routing,
		"sources_found", record.SourcesFound,
		"best_confidence", record.BestConfidence,
		"total_ms", record.TotalTimeMs,
		"cost_usd", record.CostBreakdown.TotalUSD,
		"escalated", record.Escalated)
}

// Pending returns a copy of the unflushed records for a session.
func (c *Collector) Pending(sessionID string) []models.QueryMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := make([]models.QueryMetrics, len(c.pending[sessionID]))
	copy(records, c.pending[sessionID])
	return records
}

// FlushSession writes the session's buffered records in one batch and
// drops them from the buffer. On write failure the records are retained
// for a later flush attempt.
func (c *Collector) FlushSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	records := c.pending[sessionID]
	delete(c.pending, sessionID)
	c.mu.Unlock()

	if len(records) == 0 {
		return nil
	}
	if err := c.sink.WriteQueryMetrics(ctx, records); err != nil {
		c.mu.Lock()
		c.pending[sessionID] = append(records, c.pending[sessionID]...)
		c.mu.Unlock()
		return err
	}
	slog.Debug("Flushed session metrics", "session_id", sessionID, "records", len(records))
	return nil
}
