package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	calls int
}

func (c *countingEmbedder) Embed(_ context.Context, text string) (EmbedResult, error) {
	c.calls++
	return EmbedResult{
		Vector: []float32{float32(len(text)), 1, 2},
		Usage:  Usage{InputTokens: len(text), ModelID: "text-embedding-3-small"},
	}, nil
}

func TestCachingEmbedderHit(t *testing.T) {
	inner := &countingEmbedder{}
	cache := NewCachingEmbedder(inner, "text-embedding-3-small", 16, time.Minute)
	ctx := context.Background()

	first, err := cache.Embed(ctx, "how do I upload photos")
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, 1, inner.calls)

	second, err := cache.Embed(ctx, "how do I upload photos")
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Vector, second.Vector)
	// A hit bills nothing.
	assert.Zero(t, second.Usage.InputTokens)
	assert.Zero(t, second.Usage.OutputTokens)
	assert.Equal(t, 1, inner.calls)
}

func TestCachingEmbedderNormalisesText(t *testing.T) {
	inner := &countingEmbedder{}
	cache := NewCachingEmbedder(inner, "m", 16, time.Minute)
	ctx := context.Background()

	_, err := cache.Embed(ctx, "How  do I   Upload Photos")
	require.NoError(t, err)
	res, err := cache.Embed(ctx, "how do i upload photos")
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, 1, inner.calls)
}

func TestCachingEmbedderTTLExpiry(t *testing.T) {
	inner := &countingEmbedder{}
	cache := NewCachingEmbedder(inner, "m", 16, 10*time.Millisecond)
	ctx := context.Background()

	_, err := cache.Embed(ctx, "query")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	res, err := cache.Embed(ctx, "query")
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, 2, inner.calls)
}

func TestCachingEmbedderEvictsWhenFull(t *testing.T) {
	inner := &countingEmbedder{}
	cache := NewCachingEmbedder(inner, "m", 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := cache.Embed(ctx, fmt.Sprintf("query %d", i))
		require.NoError(t, err)
	}
	// Bounded: at most maxSize entries retained.
	cache.mu.Lock()
	size := len(cache.entries)
	cache.mu.Unlock()
	assert.LessOrEqual(t, size, 2)
}
