package cache

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ppiankov/concord/internal/agent"
)

// EmbeddingCache memoises an Embedder by model and text.
// Concurrent lookups of the same text share a single upstream call.
type EmbeddingCache struct {
	inner  agent.Embedder
	cache  Cache
	model  string
	group  singleflight.Group
	logger *zap.Logger
}

// NewEmbeddingCache wraps inner with c. model distinguishes vectors from different embedding models.
func NewEmbeddingCache(inner agent.Embedder, c Cache, model string, logger *zap.Logger) *EmbeddingCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingCache{
		inner:  inner,
		cache:  c,
		model:  model,
		logger: logger.Named("cache"),
	}
}

// Embed returns the cached vector for text or computes and stores it
func (e *EmbeddingCache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := CacheKey(e.model, text)
	if vec, ok := e.lookup(key); ok {
		return vec, nil
	}

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		if vec, ok := e.lookup(key); ok {
			return vec, nil
		}
		vec, err := e.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(vec)
		if err == nil {
			err = e.cache.Set(key, data, 0)
		}
		if err != nil {
			e.logger.Warn("embedding not cached", zap.String("key", key), zap.Error(err))
		}
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (e *EmbeddingCache) lookup(key string) ([]float32, bool) {
	data, ok := e.cache.Get(key)
	if !ok {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil || len(vec) == 0 {
		_ = e.cache.Delete(key)
		return nil, false
	}
	return vec, true
}
