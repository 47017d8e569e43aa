package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"llmgate/internal/crypto"
	"llmgate/internal/imagecache"
)

// hits only moves if the hash still exists, so a bump never resurrects an expired entry.
var incrIfExistsScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return redis.call("HINCRBY", KEYS[1], "hits", 1)
end
return -1
`)

// RedisImageCache keeps the persistent tier in Redis hashes that expire on
// their own, so DeleteOlderThan has nothing to do.
type RedisImageCache struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	sealer *crypto.Sealer
}

var _ imagecache.Store = (*RedisImageCache)(nil)

type redisEntry struct {
	Images    json.RawMessage `json:"images,omitempty"`
	Sealed    string          `json:"sealed,omitempty"`
	Prompt    string          `json:"prompt"`
	Options   string          `json:"options"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Personal  bool            `json:"personal"`
	CreatedAt int64           `json:"created_at_ms"`
}

func NewRedisImageCache(rdb *redis.Client, ttl time.Duration, sealer *crypto.Sealer) *RedisImageCache {
	if ttl <= 0 {
		ttl = imagecache.DefaultL2TTL
	}
	return &RedisImageCache{redis: rdb, prefix: "llmgate:imgcache:", ttl: ttl, sealer: sealer}
}

func (c *RedisImageCache) key(k string) string { return c.prefix + k }

func (c *RedisImageCache) Get(ctx context.Context, key string) (imagecache.Entry, bool, error) {
	fields, err := c.redis.HGetAll(ctx, c.key(key)).Result()
	if err != nil {
		return imagecache.Entry{}, false, fmt.Errorf("redis get image cache entry: %w", err)
	}
	raw, ok := fields["entry"]
	if !ok {
		return imagecache.Entry{}, false, nil
	}

	var re redisEntry
	if err := json.Unmarshal([]byte(raw), &re); err != nil {
		return imagecache.Entry{}, false, fmt.Errorf("decode redis entry: %w", err)
	}
	images := []byte(re.Images)
	if re.Sealed != "" {
		if c.sealer == nil {
			return imagecache.Entry{}, false, fmt.Errorf("entry %s is sealed but no cache key is configured", key)
		}
		images, err = c.sealer.Open(re.Sealed, []byte(key))
		if err != nil {
			return imagecache.Entry{}, false, fmt.Errorf("open sealed entry: %w", err)
		}
	}

	e := imagecache.Entry{
		Prompt:    re.Prompt,
		Options:   re.Options,
		Provider:  re.Provider,
		Model:     re.Model,
		Personal:  re.Personal,
		CreatedAt: time.UnixMilli(re.CreatedAt),
	}
	if err := json.Unmarshal(images, &e.Images); err != nil {
		return imagecache.Entry{}, false, fmt.Errorf("decode cached images: %w", err)
	}
	if h, ok := fields["hits"]; ok {
		e.HitCount, _ = strconv.ParseInt(h, 10, 64)
	}
	return e, true, nil
}

func (c *RedisImageCache) Put(ctx context.Context, key string, e imagecache.Entry) error {
	images, err := json.Marshal(e.Images)
	if err != nil {
		return fmt.Errorf("encode images: %w", err)
	}
	re := redisEntry{
		Images:    images,
		Prompt:    e.Prompt,
		Options:   e.Options,
		Provider:  e.Provider,
		Model:     e.Model,
		Personal:  e.Personal,
		CreatedAt: e.CreatedAt.UnixMilli(),
	}
	if e.Personal && c.sealer != nil {
		re.Sealed, err = c.sealer.Seal(images, []byte(key))
		if err != nil {
			return fmt.Errorf("seal entry: %w", err)
		}
		re.Images = nil
	}
	payload, err := json.Marshal(re)
	if err != nil {
		return fmt.Errorf("encode redis entry: %w", err)
	}

	ttl := c.ttl - time.Since(e.CreatedAt)
	if ttl <= 0 {
		return nil
	}
	k := c.key(key)
	pipe := c.redis.TxPipeline()
	pipe.HSet(ctx, k, "entry", payload, "hits", e.HitCount)
	pipe.Expire(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put image cache entry: %w", err)
	}
	return nil
}

func (c *RedisImageCache) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (c *RedisImageCache) IncrementHits(ctx context.Context, key string) error {
	n, err := incrIfExistsScript.Run(ctx, c.redis, []string{c.key(key)}).Int64()
	if err != nil {
		return fmt.Errorf("redis increment hits: %w", err)
	}
	if n < 0 {
		return ErrNotFound
	}
	return nil
}

