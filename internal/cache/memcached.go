package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

const (
	keyPrefix = "weather:"
	// maxKeyLength is memcached's key limit; longer keys are hashed.
	maxKeyLength = 250
)

// MemcachedCache implements Cache using memcached. Items are written without expiration,
// but memcached may still evict them under memory pressure; an evicted record is simply
// fetched again.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// itemKey escapes the cache key so it contains no spaces or control characters.
func itemKey(key models.CacheKey) string {
	k := keyPrefix + url.QueryEscape(key.String())
	if len(k) <= maxKeyLength {
		return k
	}
	sum := sha256.Sum256([]byte(key.String()))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Lookup implements Cache.Lookup. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Lookup(ctx context.Context, key models.CacheKey) (json.RawMessage, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	item, err := c.client.Get(itemKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("memcache lookup: %w", err)
	}
	var record models.WeatherRecord
	if err := json.Unmarshal(item.Value, &record); err != nil {
		return nil, false, fmt.Errorf("memcache decode record: %w", err)
	}
	return record.Data, true, nil
}

// Store implements Cache.Store using add, so an existing record is never replaced.
func (c *MemcachedCache) Store(ctx context.Context, key models.CacheKey, payload json.RawMessage) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(models.WeatherRecord{
		City:        key.City,
		CountryCode: key.CountryCode,
		Date:        key.Date,
		Data:        payload,
	})
	if err != nil {
		return fmt.Errorf("memcache encode record: %w", err)
	}
	err = c.client.Add(&memcache.Item{
		Key:   itemKey(key),
		Value: raw,
	})
	if err != nil && !errors.Is(err, memcache.ErrNotStored) {
		return fmt.Errorf("memcache store: %w", err)
	}
	return nil
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
