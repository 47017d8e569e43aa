package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"llmgate/internal/crypto"
	"llmgate/internal/imagecache"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	s, err := crypto.NewSealer("k1", map[string][]byte{"k1": make([]byte, 32)})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return s
}

func entry(personal bool, created time.Time) imagecache.Entry {
	return imagecache.Entry{
		Images:    []imagecache.Image{{Mime: "image/png", DataURL: "data:image/png;base64,iVBORw0KGgo="}},
		Prompt:    "photo of my dog",
		Options:   `{"size":"1024x1024"}`,
		Provider:  "openai",
		Model:     "gpt-image-1",
		Personal:  personal,
		CreatedAt: created,
	}
}

func TestSQLImageCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewImageCache(openTestStore(t), nil)
	created := time.UnixMilli(time.Now().UnixMilli())

	if _, found, err := c.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("expected clean miss, got found=%v err=%v", found, err)
	}
	if err := c.Put(ctx, "k", entry(false, created)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.IncrementHits(ctx, "k"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	got, found, err := c.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.HitCount != 1 || !got.CreatedAt.Equal(created) || got.Images[0].DataURL != "data:image/png;base64,iVBORw0KGgo=" {
		t.Fatalf("unexpected entry %+v", got)
	}
	if err := c.IncrementHits(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLImageCacheSealsPersonalEntries(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	c := NewImageCache(store, testSealer(t))

	if err := c.Put(ctx, "p", entry(true, time.Now())); err != nil {
		t.Fatalf("put: %v", err)
	}
	var raw string
	if err := store.db.QueryRowContext(ctx, "SELECT images_json FROM image_cache WHERE cache_key = ?", "p").Scan(&raw); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if strings.Contains(raw, "data:image/png") {
		t.Fatalf("personal entry stored in clear: %s", raw)
	}

	got, found, err := c.Get(ctx, "p")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if len(got.Images) != 1 || got.Images[0].Mime != "image/png" {
		t.Fatalf("unexpected images %+v", got.Images)
	}

	if _, _, err := NewImageCache(store, nil).Get(ctx, "p"); err == nil {
		t.Fatalf("expected error reading sealed entry without a key")
	}
}

func TestSQLImageCacheDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	c := NewImageCache(openTestStore(t), nil)
	now := time.Now()

	if err := c.Put(ctx, "old", entry(false, now.Add(-8*24*time.Hour))); err != nil {
		t.Fatalf("put old: %v", err)
	}
	if err := c.Put(ctx, "new", entry(false, now)); err != nil {
		t.Fatalf("put new: %v", err)
	}
	n, err := c.DeleteOlderThan(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted row, got %d", n)
	}
	if _, found, _ := c.Get(ctx, "new"); !found {
		t.Fatalf("fresh entry deleted")
	}
}

func TestRedisImageCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	c := NewRedisImageCache(rdb, time.Hour, testSealer(t))

	if err := c.Put(ctx, "k", entry(true, time.Now())); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.IncrementHits(ctx, "k"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	got, found, err := c.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.HitCount != 1 || !got.Personal || len(got.Images) != 1 {
		t.Fatalf("unexpected entry %+v", got)
	}
	if ttl := mr.TTL("llmgate:imgcache:k"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("expected ttl within an hour, got %s", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, found, _ := c.Get(ctx, "k"); found {
		t.Fatalf("expected entry to expire")
	}
	if err := c.IncrementHits(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}
