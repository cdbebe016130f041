package embedding

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/pkg/logger"
	"github.com/supportdesk/deflection-engine/pkg/utils"
)

// Cache stores vectors by model and text hash. Implemented by cache/redis.Client.
type Cache interface {
	GetEmbedding(ctx context.Context, model, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, model, textHash string, embedding []float32, ttl time.Duration) error
}

type Cached struct {
	inner    Embedder
	cache    Cache
	model    string
	ttl      time.Duration
	maxChars int
	onLookup func(hit bool)
}

func NewCached(inner Embedder, cache Cache, model string, ttl time.Duration, maxChars int, onLookup func(hit bool)) *Cached {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Cached{inner: inner, cache: cache, model: model, ttl: ttl, maxChars: maxChars, onLookup: onLookup}
}

func (c *Cached) key(text string) string {
	return utils.HashString(Clean(text, c.maxChars))
}

func (c *Cached) Embed(ctx context.Context, text string) (Embedding, error) {
	key := c.key(text)

	if vec, ok := c.lookup(ctx, key); ok {
		return Embedding{Vector: vec}, nil
	}

	emb, err := c.inner.Embed(ctx, text)
	if err != nil {
		return Embedding{}, err
	}
	c.store(ctx, key, emb)
	return emb, nil
}

// EmbedBatch only sends cache misses to the inner embedder.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([]Embedding, error) {
	out := make([]Embedding, len(texts))
	keys := make([]string, len(texts))

	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		keys[i] = c.key(t)
		if vec, ok := c.lookup(ctx, keys[i]); ok {
			out[i] = Embedding{Vector: vec}
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = fresh[j]
		c.store(ctx, keys[i], fresh[j])
	}
	return out, nil
}

func (c *Cached) lookup(ctx context.Context, key string) ([]float32, bool) {
	vec, ok, err := c.cache.GetEmbedding(ctx, c.model, key)
	if err != nil {
		logger.Warn("Embedding cache lookup failed", zap.Error(err))
		ok = false
	}
	if c.onLookup != nil {
		c.onLookup(ok)
	}
	return vec, ok
}

func (c *Cached) store(ctx context.Context, key string, emb Embedding) {
	if emb.Simulated {
		return
	}
	if err := c.cache.SetEmbedding(ctx, c.model, key, emb.Vector, c.ttl); err != nil {
		logger.Warn("Failed to cache embedding", zap.Error(err))
	}
}
