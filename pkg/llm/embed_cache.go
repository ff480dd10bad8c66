package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachingEmbedder wraps an Embedder with a process-local, size-bounded,
// TTL-bound vector cache. Keys include the model id so a model switch
// invalidates cached vectors. Concurrent misses for the same key collapse
// into one upstream call.
type CachingEmbedder struct {
	inner   Embedder
	modelID string
	maxSize int
	ttl     time.Duration

	mu      sync.Mutex
	entries map[string]embedCacheEntry
	group   singleflight.Group
}

type embedCacheEntry struct {
	vector     []float32
	expiration time.Time
	lastAccess time.Time
}

// NewCachingEmbedder builds the cache around inner.
func NewCachingEmbedder(inner Embedder, modelID string, maxSize int, ttl time.Duration) *CachingEmbedder {
	return &CachingEmbedder{
		inner:   inner,
		modelID: modelID,
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]embedCacheEntry),
	}
}

// Embed returns the cached vector when the normalised text was embedded
// within the TTL; cache hits carry zero usage so they bill nothing.
func (c *CachingEmbedder) Embed(ctx context.Context, text string) (EmbedResult, error) {
	key := c.key(text)

	if vec, ok := c.get(key); ok {
		return EmbedResult{
			Vector:   vec,
			Usage:    Usage{ModelID: c.modelID},
			CacheHit: true,
		}, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		res, err := c.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.set(key, res.Vector)
		return res, nil
	})
	if err != nil {
		return EmbedResult{}, err
	}
	return v.(EmbedResult), nil
}

func (c *CachingEmbedder) key(text string) string {
	normalised := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(c.modelID + "\x00" + normalised))
	return hex.EncodeToString(sum[:])
}

func (c *CachingEmbedder) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiration) {
		delete(c.entries, key)
		return nil, false
	}
	entry.lastAccess = time.Now()
	c.entries[key] = entry
	return entry.vector, true
}

func (c *CachingEmbedder) set(key string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = embedCacheEntry{
		vector:     vector,
		expiration: time.Now().Add(c.ttl),
		lastAccess: time.Now(),
	}
}

// evictOldest removes the least-recently-accessed entry. Called with the
// lock held.
func (c *CachingEmbedder) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.lastAccess.Before(oldest) {
			oldestKey = k
			oldest = e.lastAccess
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
