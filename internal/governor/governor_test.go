package governor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestGovernor(cfg Config) *Governor {
	cfg.Logger = zerolog.Nop()
	return New(context.Background(), cfg)
}

func TestPerUserConcurrentCeiling(t *testing.T) {
	g := newTestGovernor(Config{MaxConcurrentPerUser: 2})
	defer g.Close()

	for i := 0; i < 2; i++ {
		if v := g.CanGenerate("u1"); !v.Allowed {
			t.Fatalf("acquire %d: expected allowed, got %+v", i, v)
		}
		g.Acquire("u1")
	}
	v := g.CanGenerate("u1")
	if v.Allowed || v.Scope != ScopeUser {
		t.Fatalf("expected per-user rejection, got %+v", v)
	}
	if other := g.CanGenerate("u2"); !other.Allowed {
		t.Fatalf("other users must not be affected: %+v", other)
	}

	g.Release("u1", true)
	if v := g.CanGenerate("u1"); !v.Allowed {
		t.Fatalf("expected allowed after release, got %+v", v)
	}
}

func TestGlobalCeilingCheckedFirst(t *testing.T) {
	g := newTestGovernor(Config{MaxGlobalConcurrent: 1})
	defer g.Close()

	g.Acquire("u1")
	v := g.CanGenerate("u2")
	if v.Allowed || v.Scope != ScopeGlobal {
		t.Fatalf("expected global rejection, got %+v", v)
	}
}

func TestFailedReleaseDoesNotConsumeQuota(t *testing.T) {
	g := newTestGovernor(Config{})
	defer g.Close()

	g.Acquire("u1")
	g.Release("u1", false)
	if got := g.Usage("u1").DailyCount; got != 0 {
		t.Fatalf("expected daily count 0 after failure, got %d", got)
	}
	g.Acquire("u1")
	g.Release("u1", true)
	if got := g.Usage("u1").DailyCount; got != 1 {
		t.Fatalf("expected daily count 1 after success, got %d", got)
	}
	if g.Active() != 0 {
		t.Fatalf("expected no active slots, got %d", g.Active())
	}
}

func TestDailyQuotaResetsAtMidnight(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 1, 20, 30, 0, 0, loc)
	g := newTestGovernor(Config{MaxDailyPerUser: 1, Location: loc, Now: func() time.Time { return now }})
	defer g.Close()

	g.Acquire("u1")
	g.Release("u1", true)
	v := g.CanGenerate("u1")
	if v.Allowed || v.Scope != ScopeDaily {
		t.Fatalf("expected daily rejection, got %+v", v)
	}
	if !strings.Contains(v.Reason, "4 hours") {
		t.Fatalf("expected hours until reset in reason, got %q", v.Reason)
	}

	now = time.Date(2026, 3, 2, 0, 0, 1, 0, loc)
	if v := g.CanGenerate("u1"); !v.Allowed {
		t.Fatalf("expected quota reset after midnight, got %+v", v)
	}
}

func TestRunReleasesOnErrorAndPanic(t *testing.T) {
	g := newTestGovernor(Config{})
	defer g.Close()

	boom := errors.New("upstream failed")
	if err := g.Run(context.Background(), "u1", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	func() {
		defer func() { _ = recover() }()
		_ = g.Run(context.Background(), "u1", func(context.Context) error { panic("bad") })
	}()

	if g.Active() != 0 {
		t.Fatalf("expected slots released, got %d active", g.Active())
	}
	if got := g.Usage("u1").DailyCount; got != 0 {
		t.Fatalf("failures must not count toward quota, got %d", got)
	}

	if err := g.Run(context.Background(), "u1", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := g.Usage("u1").DailyCount; got != 1 {
		t.Fatalf("expected daily count 1, got %d", got)
	}
}

func TestRunRejectsWithLimitError(t *testing.T) {
	g := newTestGovernor(Config{MaxGlobalConcurrent: 1})
	defer g.Close()

	g.Acquire("busy")
	called := false
	err := g.Run(context.Background(), "u1", func(context.Context) error { called = true; return nil })
	var le *LimitError
	if !errors.As(err, &le) || le.Scope != ScopeGlobal {
		t.Fatalf("expected global LimitError, got %v", err)
	}
	if called {
		t.Fatalf("fn must not run when rejected")
	}
}

func TestGCRemovesIdleUsers(t *testing.T) {
	g := newTestGovernor(Config{})
	defer g.Close()

	g.CanGenerate("idle")
	g.Acquire("busy")
	if removed := g.GC(); removed != 1 {
		t.Fatalf("expected 1 idle user removed, got %d", removed)
	}
	if g.Usage("busy").Concurrent != 1 {
		t.Fatalf("busy user must survive gc")
	}
}
