package dbsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
)

const (
	cacheShards     = 64
	cacheEntryBytes = 128
	cacheLifeWindow = 24 * time.Hour
	megabyte        = 1 << 20
)

// OrderCache maps exchange order ids to trade ids. Memory is bounded to roughly capacity
// entries; the oldest insertions are evicted first and entries expire after a day.
type OrderCache struct {
	cache *bigcache.BigCache
}

// NewOrderCache returns a cache sized for capacity entries.
func NewOrderCache(capacity int) (*OrderCache, error) {
	if capacity <= 0 {
		capacity = 1
	}
	config := bigcache.DefaultConfig(cacheLifeWindow)
	config.Shards = cacheShards
	config.MaxEntriesInWindow = capacity
	config.MaxEntrySize = cacheEntryBytes
	config.HardMaxCacheSize = max(1, (capacity*cacheEntryBytes+megabyte-1)/megabyte)
	// Expired entries are dropped as new ones arrive; no cleanup goroutine is started.
	config.CleanWindow = 0
	config.Verbose = false

	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("order cache: %w", err)
	}
	return &OrderCache{cache: cache}, nil
}

// Get returns the trade id cached for orderID.
func (c *OrderCache) Get(orderID string) (string, bool) {
	data, err := c.cache.Get(orderID)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Put caches orderID → tradeID.
func (c *OrderCache) Put(orderID, tradeID string) error {
	if orderID == "" || tradeID == "" {
		return nil
	}
	if err := c.cache.Set(orderID, []byte(tradeID)); err != nil {
		return fmt.Errorf("order cache: put %s: %w", orderID, err)
	}
	return nil
}

// Delete drops orderID. Unknown ids are ignored.
func (c *OrderCache) Delete(orderID string) error {
	if err := c.cache.Delete(orderID); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return fmt.Errorf("order cache: delete %s: %w", orderID, err)
	}
	return nil
}

// Len reports the number of cached ids.
func (c *OrderCache) Len() int {
	return c.cache.Len()
}
