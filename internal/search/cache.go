package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// CacheKey hashes a stage and prompt into a cache key.
func CacheKey(stage model.Stage, prompt string) string {
	sum := sha256.Sum256([]byte(string(stage) + "\x00" + prompt))
	return hex.EncodeToString(sum[:])
}

// Cache stores model responses. Get returns nil, nil on a miss or when the
// entry has expired.
type Cache interface {
	Get(ctx context.Context, key string) (*model.CacheEntry, error)
	Set(ctx context.Context, entry model.CacheEntry) error
}

// ResponseStore is the part of store.Store that backs StoreCache.
type ResponseStore interface {
	GetCachedResponse(ctx context.Context, key string) (*model.CacheEntry, error)
	SetCachedResponse(ctx context.Context, e model.CacheEntry) error
}

// StoreCache keeps responses in the record store.
type StoreCache struct {
	store ResponseStore
}

// NewStoreCache returns a cache backed by st.
func NewStoreCache(st ResponseStore) *StoreCache {
	return &StoreCache{store: st}
}

// Get implements Cache.
func (c *StoreCache) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	return c.store.GetCachedResponse(ctx, key)
}

// Set implements Cache.
func (c *StoreCache) Set(ctx context.Context, entry model.CacheEntry) error {
	return c.store.SetCachedResponse(ctx, entry)
}

// RedisClient is the subset of *redis.Client used by RedisCache.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisCache keeps responses in Redis with a native TTL.
type RedisCache struct {
	client RedisClient
	prefix string
	now    func() time.Time
}

// NewRedisCache returns a cache writing keys under prefix.
func NewRedisCache(client RedisClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, now: time.Now}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "redis cache: get")
	}
	var e model.CacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, eris.Wrap(err, "redis cache: decode")
	}
	if e.Expired(c.now()) {
		return nil, nil
	}
	return &e, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, entry model.CacheEntry) error {
	ttl := entry.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "redis cache: encode")
	}
	return eris.Wrap(c.client.Set(ctx, c.prefix+entry.Key, raw, ttl).Err(), "redis cache: set")
}

// NewRedis connects to the Redis server at url and verifies it answers.
func NewRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "redis: parse url")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "redis: ping")
	}
	return rdb, nil
}
