package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/propengine/kbengine/pkg/models"
)

// cacheTier keeps each session's recent messages in a Redis list and the
// rolling summary in a string key, both TTL-bound. The append is one
// pipelined round-trip: push, trim, refresh both TTLs.
type cacheTier struct {
	rdb     redis.UniversalClient
	recent  int
	ttl     time.Duration
	timeout time.Duration
}

func messagesKey(sessionID string) string { return "sess:" + sessionID + ":messages" }
func summaryKey(sessionID string) string  { return "sess:" + sessionID + ":summary" }

func (c *cacheTier) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// append pushes one message and re-arms the session TTL.
func (c *cacheTier) append(ctx context.Context, sessionID string, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal cached message: %w", err)
	}

	cctx, cancel := c.bound(ctx)
	defer cancel()

	key := messagesKey(sessionID)
	pipe := c.rdb.TxPipeline()
	pipe.LPush(cctx, key, data)
	pipe.LTrim(cctx, key, 0, int64(c.recent-1))
	pipe.Expire(cctx, key, c.ttl)
	pipe.Expire(cctx, summaryKey(sessionID), c.ttl)
	if _, err := pipe.Exec(cctx); err != nil {
		return fmt.Errorf("cache append: %w", err)
	}
	return nil
}

// recentMessages returns up to n cached messages in chronological order.
// A session with no cached list returns (nil, nil); the caller falls
// through to the durable tier.
func (c *cacheTier) recentMessages(ctx context.Context, sessionID string, n int) ([]models.Message, error) {
	cctx, cancel := c.bound(ctx)
	defer cancel()

	raw, err := c.rdb.LRange(cctx, messagesKey(sessionID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache read: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	// LPUSH stores newest first; reverse into real-time order.
	messages := make([]models.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var m models.Message
		if err := json.Unmarshal([]byte(raw[i]), &m); err != nil {
			return nil, fmt.Errorf("unmarshal cached message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// repopulate rebuilds the cached list from durable messages (oldest
// first).
func (c *cacheTier) repopulate(ctx context.Context, sessionID string, messages []models.Message) error {
	cctx, cancel := c.bound(ctx)
	defer cancel()

	key := messagesKey(sessionID)
	pipe := c.rdb.TxPipeline()
	pipe.Del(cctx, key)
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal cached message: %w", err)
		}
		pipe.LPush(cctx, key, data)
	}
	pipe.LTrim(cctx, key, 0, int64(c.recent-1))
	pipe.Expire(cctx, key, c.ttl)
	if _, err := pipe.Exec(cctx); err != nil {
		return fmt.Errorf("cache repopulate: %w", err)
	}
	return nil
}

// summary reads the rolling summary; (nil, nil) when none is cached.
func (c *cacheTier) summary(ctx context.Context, sessionID string) (*models.RollingSummary, error) {
	cctx, cancel := c.bound(ctx)
	defer cancel()

	raw, err := c.rdb.Get(cctx, summaryKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache summary read: %w", err)
	}
	var s models.RollingSummary
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("unmarshal cached summary: %w", err)
	}
	return &s, nil
}

// setSummary stores the rolling summary with the session TTL.
func (c *cacheTier) setSummary(ctx context.Context, sessionID string, s models.RollingSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	cctx, cancel := c.bound(ctx)
	defer cancel()

	if err := c.rdb.Set(cctx, summaryKey(sessionID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache summary write: %w", err)
	}
	return nil
}

// drop removes the session's cached state.
func (c *cacheTier) drop(ctx context.Context, sessionID string) error {
	cctx, cancel := c.bound(ctx)
	defer cancel()

	if err := c.rdb.Del(cctx, messagesKey(sessionID), summaryKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("cache drop: %w", err)
	}
	return nil
}
