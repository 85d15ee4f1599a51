// Package cache keeps embedding vectors in a memory layer backed by disk so repeated
// triangulation passes do not re-embed unchanged evidence.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache defines the interface for caching
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// CacheKey generates a cache key for text embedded by model
func CacheKey(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return "concord:emb:v1:" + hex.EncodeToString(h.Sum(nil))
}
