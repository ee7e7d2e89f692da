package cache

import (
	"context"
	"encoding/json"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

// Cache stores weather payloads keyed by (city, country_code, date). Records are insert-only and
// never expire: Lookup returns (payload, true, nil) on hit and (nil, false, nil) on miss; Store
// keeps the first payload written for a key and ignores later writes.
type Cache interface {
	Lookup(ctx context.Context, key models.CacheKey) (json.RawMessage, bool, error)
	Store(ctx context.Context, key models.CacheKey, payload json.RawMessage) error
}

// Pinger is implemented by backends that can report reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// InMemoryCache implements Cache in process memory. Safe for concurrent use; contents are lost
// on restart, so it suits tests and single-instance development.
type InMemoryCache struct {
	items *gocache.Cache
}

// NewInMemoryCache creates an empty in-memory cache with no expiry and no janitor.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		items: gocache.New(gocache.NoExpiration, 0),
	}
}

// Lookup implements Cache.Lookup.
func (c *InMemoryCache) Lookup(ctx context.Context, key models.CacheKey) (json.RawMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := c.items.Get(key.String())
	if !ok {
		return nil, false, nil
	}
	return v.(json.RawMessage), true, nil
}

// Store implements Cache.Store. The payload is copied so callers may reuse their buffer.
func (c *InMemoryCache) Store(ctx context.Context, key models.CacheKey, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := make(json.RawMessage, len(payload))
	copy(stored, payload)
	// Add fails when the key exists; the first record wins.
	_ = c.items.Add(key.String(), stored, gocache.NoExpiration)
	return nil
}

// count returns the number of stored records.
func (c *InMemoryCache) count() int {
	return c.items.ItemCount()
}
