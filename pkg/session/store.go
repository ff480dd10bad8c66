// Package session is the two-tier conversation store: a TTL-bound Redis
// tier for the hot window and rolling summary, and a durable append-only
// log behind it. Appends for one session are serialised by a per-session
// lock held by the orchestrator across the user/assistant pair.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/propengine/kbengine/pkg/config"
	"github.com/propengine/kbengine/pkg/llm"
	"github.com/propengine/kbengine/pkg/models"
	"github.com/propengine/kbengine/pkg/store"
)

// Durable is the slice of the durable store the session tier needs.
type Durable interface {
	CreateSession(ctx context.Context, header models.SessionHeader) error
	GetSession(ctx context.Context, id string) (models.SessionHeader, error)
	AppendMessage(ctx context.Context, sessionID string, msg models.Message) (int, error)
	RecentMessages(ctx context.Context, sessionID string, n int) ([]models.Message, error)
	EndSession(ctx context.Context, sessionID string, reason models.EndReason) error
}

// Summarizer regenerates the rolling summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, recent []models.Message) (string, llm.Usage, error)
}

const (
	durableAppendAttempts = 3
	durableAppendBackoff  = 50 * time.Millisecond
	fallbackBufferSize    = 20
)

// Store composes the cache and durable tiers.
type Store struct {
	cache      *cacheTier
	durable    Durable
	summarizer Summarizer
	cfg        config.SessionConfig

	locks  *lockTable
	buffer *fallbackBuffer
}

// NewStore wires the two tiers.
func NewStore(rdb redis.UniversalClient, durable Durable, summarizer Summarizer, cfg config.SessionConfig, cacheTimeout time.Duration) *Store {
	return &Store{
		cache: &cacheTier{
			rdb:     rdb,
			recent:  cfg.CacheRecentMessages,
			ttl:     cfg.TTL,
			timeout: cacheTimeout,
		},
		durable:    durable,
		summarizer: summarizer,
		cfg:        cfg,
		locks:      newLockTable(),
		buffer:     newFallbackBuffer(fallbackBufferSize),
	}
}

// Lock serialises work on one session. The orchestrator holds it from the
// user append through the assistant append.
func (s *Store) Lock(sessionID string) { s.locks.Acquire(sessionID) }

// Unlock releases the session.
func (s *Store) Unlock(sessionID string) { s.locks.Release(sessionID) }

// Ensure resolves the caller's session: a missing, unknown, or ended id
// yields a fresh session. The returned bool is true when a new session
// was created.
func (s *Store) Ensure(ctx context.Context, sessionID, identity string) (models.SessionHeader, bool, error) {
	if sessionID != "" {
		header, err := s.durable.GetSession(ctx, sessionID)
		switch {
		case err == nil && header.Status == models.SessionActive:
			return header, false, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return models.SessionHeader{}, false, err
		}
		// Unknown or ended ids fall through to a fresh session.
	}

	header := models.SessionHeader{
		ID:           uuid.New().String(),
		Identity:     identity,
		Status:       models.SessionActive,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	if err := s.durable.CreateSession(ctx, header); err != nil {
		return models.SessionHeader{}, false, err
	}
	return header, true, nil
}

// Append writes the message to both tiers. The cache write is one
// pipelined round-trip; the durable write retries with bounded backoff
// and, on definitive failure, parks the message in the in-process
// fallback buffer for a later flush. Degraded is true when the durable
// tier did not accept the message. The returned count is the durable
// message count (0 when degraded).
func (s *Store) Append(ctx context.Context, sessionID string, msg models.Message) (count int, degraded bool, err error) {
	s.flushBuffered(ctx, sessionID)

	if cacheErr := s.cache.append(ctx, sessionID, msg); cacheErr != nil {
		slog.Warn("Session cache append failed", "session_id", sessionID, "error", cacheErr)
	}

	count, appendErr := s.appendDurable(ctx, sessionID, msg)
	if appendErr != nil {
		if errors.Is(appendErr, store.ErrSessionEnded) || errors.Is(appendErr, store.ErrNotFound) {
			return 0, false, appendErr
		}
		slog.Error("Durable append failed, buffering message",
			"session_id", sessionID, "buffered", s.buffer.size(sessionID)+1, "error", appendErr)
		s.buffer.add(sessionID, msg)
		return 0, true, nil
	}
	return count, false, nil
}

func (s *Store) appendDurable(ctx context.Context, sessionID string, msg models.Message) (int, error) {
	backoff := durableAppendBackoff
	var lastErr error
	for attempt := 0; attempt < durableAppendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		count, err := s.durable.AppendMessage(ctx, sessionID, msg)
		if err == nil {
			return count, nil
		}
		if errors.Is(err, store.ErrSessionEnded) || errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

// flushBuffered retries previously-parked messages, keeping their order
// ahead of the new append.
func (s *Store) flushBuffered(ctx context.Context, sessionID string) {
	pending := s.buffer.take(sessionID)
	for i, msg := range pending {
		if _, err := s.durable.AppendMessage(ctx, sessionID, msg); err != nil {
			s.buffer.restore(sessionID, pending[i:])
			return
		}
	}
	if len(pending) > 0 {
		slog.Info("Re-flushed buffered session messages", "session_id", sessionID, "count", len(pending))
	}
}

// ReadContext returns the recent window and summary. Cache misses fall
// through to the durable tier and repopulate the cache; when both tiers
// are out, an empty degraded context is returned rather than an error.
func (s *Store) ReadContext(ctx context.Context, sessionID string) models.SessionContext {
	recent, cacheErr := s.cache.recentMessages(ctx, sessionID, s.cfg.ContextMessages)
	if cacheErr == nil && recent != nil {
		summary, sumErr := s.cache.summary(ctx, sessionID)
		if sumErr != nil {
			slog.Warn("Summary read failed", "session_id", sessionID, "error", sumErr)
		}
		return models.SessionContext{Recent: recent, Summary: summary}
	}
	if cacheErr != nil {
		slog.Warn("Session cache read failed, falling back to durable tier",
			"session_id", sessionID, "error", cacheErr)
	}

	durableRecent, durErr := s.durable.RecentMessages(ctx, sessionID, s.cfg.CacheRecentMessages)
	if durErr != nil {
		if cacheErr != nil {
			slog.Error("Both session tiers unavailable, proceeding with empty context",
				"session_id", sessionID, "error", durErr)
			return models.SessionContext{Degraded: true}
		}
		return models.SessionContext{}
	}
	if len(durableRecent) == 0 {
		return models.SessionContext{}
	}

	if cacheErr == nil {
		if err := s.cache.repopulate(ctx, sessionID, durableRecent); err != nil {
			slog.Warn("Cache repopulate failed", "session_id", sessionID, "error", err)
		}
	}

	if len(durableRecent) > s.cfg.ContextMessages {
		durableRecent = durableRecent[len(durableRecent)-s.cfg.ContextMessages:]
	}
	return models.SessionContext{Recent: durableRecent}
}

// MaybeSummarize regenerates the rolling summary when the message count
// crossed the interval. Failures keep the previous summary and are never
// surfaced to the user.
func (s *Store) MaybeSummarize(ctx context.Context, sessionID string, messageCount int) {
	if messageCount == 0 || messageCount%s.cfg.SummaryInterval != 0 {
		return
	}

	recent, err := s.durable.RecentMessages(ctx, sessionID, s.cfg.SummaryInterval)
	if err != nil || len(recent) == 0 {
		if err != nil {
			slog.Warn("Summary source read failed", "session_id", sessionID, "error", err)
		}
		return
	}

	previous := ""
	if cached, err := s.cache.summary(ctx, sessionID); err == nil && cached != nil {
		previous = cached.Text
	}

	text, usage, err := s.summarizer.Summarize(ctx, previous, recent)
	if err != nil {
		slog.Warn("Rolling summary regeneration failed, keeping previous",
			"session_id", sessionID, "error", err)
		return
	}
	slog.Debug("Rolling summary regenerated",
		"session_id", sessionID, "covers_through", messageCount,
		"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)

	if err := s.cache.setSummary(ctx, sessionID, models.RollingSummary{
		Text:               text,
		CoversThroughIndex: messageCount,
	}); err != nil {
		slog.Warn("Summary write failed", "session_id", sessionID, "error", err)
	}
}

// End terminates the session in the durable tier and drops its cached
// state. Analytics flush and aggregate updates are the caller's job.
func (s *Store) End(ctx context.Context, sessionID string, reason models.EndReason) error {
	if err := s.durable.EndSession(ctx, sessionID, reason); err != nil {
		return err
	}
	if err := s.cache.drop(ctx, sessionID); err != nil {
		slog.Warn("Cache drop failed", "session_id", sessionID, "error", err)
	}
	return nil
}
