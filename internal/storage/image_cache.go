package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"llmgate/internal/crypto"
	"llmgate/internal/imagecache"
)

// ImageCache is the SQL persistent tier of the image cache. Personal entries
// are sealed at rest when a Sealer is configured.
type ImageCache struct {
	store  *Store
	sealer *crypto.Sealer
}

var _ imagecache.Store = (*ImageCache)(nil)

func NewImageCache(store *Store, sealer *crypto.Sealer) *ImageCache {
	return &ImageCache{store: store, sealer: sealer}
}

func (c *ImageCache) Get(ctx context.Context, key string) (imagecache.Entry, bool, error) {
	q := c.store.sql.Select("images_json", "sealed", "prompt", "options_json", "provider", "model", "personal", "hit_count", "created_at_ms").
		From("image_cache").
		Where(sq.Eq{"cache_key": key})
	query, args, err := q.ToSql()
	if err != nil {
		return imagecache.Entry{}, false, fmt.Errorf("build get image cache query: %w", err)
	}

	var (
		imagesJSON string
		sealed     bool
		createdMS  int64
		e          imagecache.Entry
	)
	err = c.store.db.QueryRowContext(ctx, query, args...).
		Scan(&imagesJSON, &sealed, &e.Prompt, &e.Options, &e.Provider, &e.Model, &e.Personal, &e.HitCount, &createdMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return imagecache.Entry{}, false, nil
		}
		return imagecache.Entry{}, false, fmt.Errorf("get image cache entry: %w", err)
	}

	raw := []byte(imagesJSON)
	if sealed {
		if c.sealer == nil {
			return imagecache.Entry{}, false, fmt.Errorf("entry %s is sealed but no cache key is configured", key)
		}
		raw, err = c.sealer.Open(imagesJSON, []byte(key))
		if err != nil {
			return imagecache.Entry{}, false, fmt.Errorf("open sealed entry: %w", err)
		}
	}
	if err := json.Unmarshal(raw, &e.Images); err != nil {
		return imagecache.Entry{}, false, fmt.Errorf("decode cached images: %w", err)
	}
	e.CreatedAt = time.UnixMilli(createdMS)
	return e, true, nil
}

func (c *ImageCache) Put(ctx context.Context, key string, e imagecache.Entry) error {
	raw, err := json.Marshal(e.Images)
	if err != nil {
		return fmt.Errorf("encode images: %w", err)
	}
	imagesJSON := string(raw)
	sealed := false
	if e.Personal && c.sealer != nil {
		imagesJSON, err = c.sealer.Seal(raw, []byte(key))
		if err != nil {
			return fmt.Errorf("seal entry: %w", err)
		}
		sealed = true
	}
	if e.Options == "" {
		e.Options = "{}"
	}

	q := c.store.sql.Insert("image_cache").
		Columns("cache_key", "images_json", "sealed", "prompt", "options_json", "provider", "model", "personal", "hit_count", "created_at_ms").
		Values(key, imagesJSON, sealed, e.Prompt, e.Options, e.Provider, e.Model, e.Personal, e.HitCount, e.CreatedAt.UnixMilli()).
		Suffix("ON CONFLICT(cache_key) DO UPDATE SET images_json=excluded.images_json, sealed=excluded.sealed, prompt=excluded.prompt, options_json=excluded.options_json, provider=excluded.provider, model=excluded.model, personal=excluded.personal, hit_count=excluded.hit_count, created_at_ms=excluded.created_at_ms")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build put image cache query: %w", err)
	}
	if _, err := c.store.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("put image cache entry: %w", err)
	}
	return nil
}

func (c *ImageCache) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	q := c.store.sql.Delete("image_cache").Where(sq.Lt{"created_at_ms": cutoff.UnixMilli()})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build sweep query: %w", err)
	}
	res, err := c.store.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("sweep image cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return n, nil
}

func (c *ImageCache) IncrementHits(ctx context.Context, key string) error {
	q := c.store.sql.Update("image_cache").
		Set("hit_count", sq.Expr("hit_count + 1")).
		Where(sq.Eq{"cache_key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build increment hits query: %w", err)
	}
	res, err := c.store.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("increment hits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
