package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"docuquery-backend/internal/logger"
)

// QueryCache memoizes query embeddings in Redis so repeated questions skip
// the provider round trip. A nil client disables caching; every method is
// safe to call on a nil receiver.
type QueryCache struct {
	client *redis.Client
	model  string
	ttl    time.Duration
}

func NewQueryCache(client *redis.Client, model string, ttl time.Duration) *QueryCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &QueryCache{client: client, model: model, ttl: ttl}
}

func (c *QueryCache) key(text string) string {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// Get returns the cached embedding for text, or nil on a miss. Cache
// failures degrade to a miss.
func (c *QueryCache) Get(ctx context.Context, text string) []float32 {
	if c == nil {
		return nil
	}

	raw, err := c.client.Get(ctx, c.key(text)).Bytes()
	if err != nil {
		return nil
	}

	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		logger.Warn("Dropping corrupt cached embedding", "error", err)
		c.client.Del(ctx, c.key(text))
		return nil
	}
	return vec
}

// Put stores an embedding. Failures are logged and ignored; the cache is
// best effort.
func (c *QueryCache) Put(ctx context.Context, text string, vec []float32) {
	if c == nil {
		return
	}

	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(text), raw, c.ttl).Err(); err != nil {
		logger.Debug("Failed to cache embedding", "error", err)
	}
}
