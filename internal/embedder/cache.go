package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how long a cached vector is trusted. Embeddings are
// deterministic per model, so the TTL mostly bounds memory, not staleness.
const DefaultCacheTTL = 24 * time.Hour

// CachedEmbedder fronts an Embedder with a Redis cache keyed per tenant.
// Tenants never share cache entries even for identical text, so cache timing
// cannot reveal what another tenant has embedded.
type CachedEmbedder struct {
	inner  Embedder
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedEmbedder wraps an embedder with a tenant-scoped cache. A nil rdb
// disables caching; every call passes through.
func NewCachedEmbedder(inner Embedder, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedEmbedder {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{inner: inner, rdb: rdb, ttl: ttl, logger: logger}
}

// cacheKey hashes the text so raw content never appears in Redis keys.
func (c *CachedEmbedder) cacheKey(tenantID, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("emb:%s:%s:%s", tenantID, c.inner.ModelName(), hex.EncodeToString(sum[:]))
}

// Embed returns the cached vector when present, otherwise embeds and stores.
// Cache failures degrade to a direct call; they are logged, never surfaced.
func (c *CachedEmbedder) Embed(ctx context.Context, tenantID, text string) ([]float32, error) {
	if c.rdb == nil {
		return c.inner.Embed(ctx, text)
	}

	key := c.cacheKey(tenantID, text)
	cached, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var vec []float32
		if err := json.Unmarshal(cached, &vec); err == nil && len(vec) == c.inner.Dimension() {
			return vec, nil
		}
		// Corrupt entry: drop it and re-embed.
		c.rdb.Del(ctx, key)
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("embedding cache read failed", "error", err)
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(vec)
	if err == nil {
		if err := c.rdb.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("embedding cache write failed", "error", err)
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text, consulting the cache per entry.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, tenantID string, texts []string) ([][]float32, error) {
	if c.rdb == nil {
		return c.inner.EmbedBatch(ctx, texts)
	}

	results := make([][]float32, len(texts))
	misses := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		cached, err := c.rdb.Get(ctx, c.cacheKey(tenantID, text)).Bytes()
		if err == nil {
			var vec []float32
			if err := json.Unmarshal(cached, &vec); err == nil && len(vec) == c.inner.Dimension() {
				results[i] = vec
				continue
			}
		}
		misses = append(misses, i)
		missTexts = append(missTexts, text)
	}

	if len(misses) > 0 {
		embedded, err := c.inner.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, idx := range misses {
			results[idx] = embedded[j]
			if encoded, err := json.Marshal(embedded[j]); err == nil {
				if err := c.rdb.Set(ctx, c.cacheKey(tenantID, texts[idx]), encoded, c.ttl).Err(); err != nil {
					c.logger.Warn("embedding cache write failed", "error", err)
				}
			}
		}
	}
	return results, nil
}

// Dimension returns the inner embedder's dimension.
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

// ModelName returns the inner embedder's model name.
func (c *CachedEmbedder) ModelName() string { return c.inner.ModelName() }

// Ensure CachedEmbedder implements TenantEmbedder.
var _ TenantEmbedder = (*CachedEmbedder)(nil)
