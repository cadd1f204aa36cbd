package costing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache is a redis-backed read cache for stock summaries. Concurrent misses
// for the same product collapse into a single repository load.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache constructs Cache.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{client: client, ttl: ttl}
}

func summaryKey(productID int64) string {
	return fmt.Sprintf("stock:summary:%d", productID)
}

// Fetch returns the cached summary or loads and caches it. ErrSummaryNotFound
// from the loader is passed through uncached so the first receipt is visible
// immediately.
func (c *Cache) Fetch(ctx context.Context, productID int64, loader func(context.Context) (StockSummary, error)) (StockSummary, error) {
	key := summaryKey(productID)

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var summary StockSummary
		if err := json.Unmarshal(payload, &summary); err == nil {
			return summary, nil
		}
		// Corrupt entry: fall through to the loader and overwrite.
	} else if !errors.Is(err, redis.Nil) {
		return loader(ctx)
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		summary, err := loader(ctx)
		if err != nil {
			return StockSummary{}, err
		}
		if encoded, err := json.Marshal(summary); err == nil {
			c.client.Set(ctx, key, encoded, c.ttl)
		}
		return summary, nil
	})
	if err != nil {
		return StockSummary{}, err
	}
	return result.(StockSummary), nil
}

// Invalidate drops the cached summary after a mutation.
func (c *Cache) Invalidate(ctx context.Context, productID int64) error {
	return c.client.Del(ctx, summaryKey(productID)).Err()
}
