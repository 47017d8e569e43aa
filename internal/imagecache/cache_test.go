package imagecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	bumps   int
	getErr  error
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]Entry{}}
}

func (s *memStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return Entry{}, false, s.getErr
	}
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *memStore) Put(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

func (s *memStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *memStore) IncrementHits(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	e.HitCount++
	s.entries[key] = e
	s.bumps++
	return nil
}

func sampleEntry() Entry {
	return Entry{
		Images:   []Image{{Mime: "image/png", DataURL: "data:image/png;base64,AAAA"}},
		Prompt:   "a red fox",
		Options:  "{}",
		Provider: "openai",
		Model:    "dall-e-3",
	}
}

func TestRoundTripIncrementsHitCount(t *testing.T) {
	c := New(context.Background(), Config{Logger: zerolog.Nop()})
	defer c.Close()

	c.Put(context.Background(), "k", sampleEntry())
	for i := 1; i <= 3; i++ {
		got, ok := c.Get(context.Background(), "k")
		if !ok {
			t.Fatalf("read %d: expected hit", i)
		}
		if got.HitCount != int64(i) {
			t.Fatalf("read %d: expected hit count %d, got %d", i, i, got.HitCount)
		}
		if got.Images[0].DataURL != "data:image/png;base64,AAAA" {
			t.Fatalf("images changed on round trip")
		}
	}
	st := c.Stats()
	if st.MemoryHits != 3 || st.GlobalHits != 3 || st.DollarsSaved < 0.119 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestReturnedEntryIsACopy(t *testing.T) {
	c := New(context.Background(), Config{Logger: zerolog.Nop()})
	defer c.Close()

	c.Put(context.Background(), "k", sampleEntry())
	got, _ := c.Get(context.Background(), "k")
	got.Images[0].DataURL = "mutated"
	again, _ := c.Get(context.Background(), "k")
	if again.Images[0].DataURL == "mutated" {
		t.Fatalf("caller mutation leaked into cache")
	}
}

func TestPersistentHitPromotesAndBumps(t *testing.T) {
	store := newMemStore()
	e := sampleEntry()
	e.CreatedAt = time.Now().Add(-2 * time.Hour)
	e.HitCount = 4
	e.Personal = true
	store.entries["k"] = e

	c := New(context.Background(), Config{Store: store, Logger: zerolog.Nop()})
	got, ok := c.Get(context.Background(), "k")
	if !ok {
		t.Fatalf("expected persistent hit")
	}
	if got.HitCount != 5 {
		t.Fatalf("expected hit count 5, got %d", got.HitCount)
	}
	c.Close()

	if store.bumps != 1 {
		t.Fatalf("expected one async hit bump, got %d", store.bumps)
	}
	st := c.Stats()
	if st.PersistentHits != 1 || st.MemoryMisses != 1 || st.PersonalHits != 1 || st.MemoryEntries != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestExpiredMemoryEntryFallsBackToStore(t *testing.T) {
	now := time.Now()
	clock := now
	store := newMemStore()
	c := New(context.Background(), Config{Store: store, L1TTL: time.Minute, Logger: zerolog.Nop(), Now: func() time.Time { return clock }})
	defer c.Close()

	c.Put(context.Background(), "k", sampleEntry())
	clock = now.Add(2 * time.Minute)
	if _, ok := c.Get(context.Background(), "k"); !ok {
		t.Fatalf("expected persistent tier to serve the entry")
	}
	if st := c.Stats(); st.PersistentHits != 1 {
		t.Fatalf("expected persistent hit, got %+v", st)
	}
}

func TestStalePersistentEntryIsMiss(t *testing.T) {
	store := newMemStore()
	e := sampleEntry()
	e.CreatedAt = time.Now().Add(-8 * 24 * time.Hour)
	store.entries["k"] = e

	c := New(context.Background(), Config{Store: store, Logger: zerolog.Nop()})
	defer c.Close()
	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatalf("expected entry past L2 TTL to miss")
	}
}

func TestStoreErrorIsMiss(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("db down")
	c := New(context.Background(), Config{Store: store, Logger: zerolog.Nop()})
	defer c.Close()

	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatalf("expected miss on store error")
	}
	if st := c.Stats(); st.PersistentMisses != 1 {
		t.Fatalf("expected persistent miss, got %+v", st)
	}
}

func TestEvictsOldestOverCapacity(t *testing.T) {
	base := time.Now()
	c := New(context.Background(), Config{Capacity: 2, Logger: zerolog.Nop()})
	defer c.Close()

	for i := 0; i < 3; i++ {
		e := sampleEntry()
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		c.Put(context.Background(), fmt.Sprintf("k%d", i), e)
	}
	if _, ok := c.Get(context.Background(), "k0"); ok {
		t.Fatalf("expected oldest entry evicted")
	}
	for _, k := range []string{"k1", "k2"} {
		if _, ok := c.Get(context.Background(), k); !ok {
			t.Fatalf("expected %s to survive eviction", k)
		}
	}
}

func TestPromotionIntoFullMemoryEvictsOtherEntry(t *testing.T) {
	store := newMemStore()
	c := New(context.Background(), Config{Capacity: 2, Store: store, Logger: zerolog.Nop()})
	defer c.Close()

	c.Put(context.Background(), "a", sampleEntry())
	c.Put(context.Background(), "b", sampleEntry())
	old := sampleEntry()
	old.CreatedAt = time.Now().Add(-30 * time.Minute)
	_ = store.Put(context.Background(), "p", old)

	if _, ok := c.Get(context.Background(), "p"); !ok {
		t.Fatalf("expected persistent hit")
	}
	if _, ok := c.Get(context.Background(), "p"); !ok {
		t.Fatalf("expected promoted entry to hit")
	}
	st := c.Stats()
	if st.PersistentHits != 1 || st.MemoryHits != 1 {
		t.Fatalf("expected second read from memory, got %+v", st)
	}
	if st.MemoryEntries != 2 {
		t.Fatalf("expected memory at capacity, got %d entries", st.MemoryEntries)
	}

	store.mu.Lock()
	delete(store.entries, "a")
	delete(store.entries, "b")
	store.mu.Unlock()
	if _, ok := c.Get(context.Background(), "a"); ok {
		t.Fatalf("expected least recently inserted entry evicted")
	}
	if _, ok := c.Get(context.Background(), "b"); !ok {
		t.Fatalf("expected b to stay in memory")
	}
}

func TestPromotedEntryOlderThanMemoryTTLIsServedFromMemory(t *testing.T) {
	store := newMemStore()
	old := sampleEntry()
	old.CreatedAt = time.Now().Add(-3 * time.Hour)
	store.entries["k"] = old

	c := New(context.Background(), Config{L1TTL: time.Hour, Store: store, Logger: zerolog.Nop()})
	defer c.Close()

	for i := 0; i < 3; i++ {
		if _, ok := c.Get(context.Background(), "k"); !ok {
			t.Fatalf("read %d: expected hit", i)
		}
	}
	if st := c.Stats(); st.PersistentHits != 1 || st.MemoryHits != 2 {
		t.Fatalf("expected one persistent and two memory hits, got %+v", st)
	}
}

func TestEvictionFollowsInsertionOrder(t *testing.T) {
	base := time.Now()
	c := New(context.Background(), Config{Capacity: 2, Logger: zerolog.Nop()})
	defer c.Close()

	newer := sampleEntry()
	newer.CreatedAt = base
	c.Put(context.Background(), "first", newer)
	older := sampleEntry()
	older.CreatedAt = base.Add(-time.Minute)
	c.Put(context.Background(), "second", older)
	c.Put(context.Background(), "third", sampleEntry())

	if _, ok := c.Get(context.Background(), "first"); ok {
		t.Fatalf("expected first inserted entry evicted")
	}
	if _, ok := c.Get(context.Background(), "second"); !ok {
		t.Fatalf("expected second to survive despite older CreatedAt")
	}
}

func TestSweepDeletesExpired(t *testing.T) {
	store := newMemStore()
	old := sampleEntry()
	old.CreatedAt = time.Now().Add(-10 * 24 * time.Hour)
	store.entries["old"] = old
	fresh := sampleEntry()
	fresh.CreatedAt = time.Now()
	store.entries["fresh"] = fresh

	c := New(context.Background(), Config{Store: store, Logger: zerolog.Nop()})
	defer c.Close()
	c.Sweep(context.Background())

	if _, ok := store.entries["old"]; ok {
		t.Fatalf("expected expired entry swept")
	}
	if _, ok := store.entries["fresh"]; !ok {
		t.Fatalf("fresh entry must survive sweep")
	}
}
