// Package governor enforces per-user and global concurrency ceilings and a
// per-user daily quota on image generation.
package governor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"llmgate/internal/background"
	"llmgate/internal/metrics"
)

const (
	DefaultMaxConcurrentPerUser = 2
	DefaultMaxDailyPerUser      = 50
	DefaultMaxGlobalConcurrent  = 10
	DefaultGCInterval           = 10 * time.Minute
)

type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeUser   Scope = "user"
	ScopeDaily  Scope = "daily"
)

type Verdict struct {
	Allowed bool   `json:"allowed"`
	Scope   Scope  `json:"scope,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// LimitError is returned by Run when a generation is refused.
type LimitError struct {
	Scope  Scope
	Reason string
}

func (e *LimitError) Error() string { return e.Reason }

type Usage struct {
	Concurrent int       `json:"concurrent"`
	DailyCount int       `json:"daily_count"`
	DailyLimit int       `json:"daily_limit"`
	ResetAt    time.Time `json:"reset_at"`
}

type Config struct {
	MaxConcurrentPerUser int
	MaxDailyPerUser      int
	MaxGlobalConcurrent  int
	GCInterval           time.Duration
	// Location decides where the daily quota resets at midnight.
	Location *time.Location
	Now      func() time.Time
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

type userRecord struct {
	concurrent int
	dailyCount int
	resetAt    time.Time
}

type Governor struct {
	cfg     Config
	metrics *metrics.Metrics

	mu     sync.Mutex
	global int
	users  map[string]*userRecord

	gc *background.Task
}

func New(ctx context.Context, cfg Config) *Governor {
	if cfg.MaxConcurrentPerUser <= 0 {
		cfg.MaxConcurrentPerUser = DefaultMaxConcurrentPerUser
	}
	if cfg.MaxDailyPerUser <= 0 {
		cfg.MaxDailyPerUser = DefaultMaxDailyPerUser
	}
	if cfg.MaxGlobalConcurrent <= 0 {
		cfg.MaxGlobalConcurrent = DefaultMaxGlobalConcurrent
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	g := &Governor{
		cfg:     cfg,
		metrics: m,
		users:   map[string]*userRecord{},
	}
	g.gc = background.Every(ctx, cfg.GCInterval, func(context.Context) { g.GC() })
	return g
}

// CanGenerate checks the global ceiling, then the user's concurrent ceiling,
// then the user's daily quota. It reserves nothing.
func (g *Governor) CanGenerate(userID string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkLocked(userID)
}

// Acquire takes a slot. Callers must have seen an allowed verdict and must pair it with Release.
func (g *Governor) Acquire(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquireLocked(userID)
}

// Release frees the slot. Only successful generations count toward the daily quota.
func (g *Governor) Release(userID string, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.global > 0 {
		g.global--
	}
	g.metrics.GovernorActive.Set(float64(g.global))
	u := g.userLocked(userID)
	if u.concurrent > 0 {
		u.concurrent--
	}
	if success {
		u.dailyCount++
	}
}

// Run checks and acquires atomically, runs fn, and always releases. A panic
// or a canceled context releases as a failure.
func (g *Governor) Run(ctx context.Context, userID string, fn func(ctx context.Context) error) (err error) {
	g.mu.Lock()
	v := g.checkLocked(userID)
	if !v.Allowed {
		g.mu.Unlock()
		return &LimitError{Scope: v.Scope, Reason: v.Reason}
	}
	g.acquireLocked(userID)
	g.mu.Unlock()

	success := false
	defer func() { g.Release(userID, success) }()

	err = fn(ctx)
	success = err == nil && ctx.Err() == nil
	return err
}

func (g *Governor) Usage(userID string) Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.users[userID]
	if !ok {
		return Usage{DailyLimit: g.cfg.MaxDailyPerUser, ResetAt: g.nextReset()}
	}
	g.rolloverLocked(u)
	return Usage{
		Concurrent: u.concurrent,
		DailyCount: u.dailyCount,
		DailyLimit: g.cfg.MaxDailyPerUser,
		ResetAt:    u.resetAt,
	}
}

// Active returns the number of generations holding a slot.
func (g *Governor) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.global
}

// GC drops idle user records.
func (g *Governor) GC() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, u := range g.users {
		g.rolloverLocked(u)
		if u.concurrent == 0 && u.dailyCount == 0 {
			delete(g.users, id)
			removed++
		}
	}
	if removed > 0 {
		g.cfg.Logger.Debug().Int("removed", removed).Msg("governor: collected idle users")
	}
	return removed
}

func (g *Governor) Close() {
	g.gc.Stop()
}

func (g *Governor) checkLocked(userID string) Verdict {
	if g.global >= g.cfg.MaxGlobalConcurrent {
		return g.reject(ScopeGlobal, "The image service is busy right now. Please try again in a moment.")
	}
	u := g.userLocked(userID)
	if u.concurrent >= g.cfg.MaxConcurrentPerUser {
		return g.reject(ScopeUser, fmt.Sprintf("You already have %d images generating. Please wait for one to finish.", u.concurrent))
	}
	if u.dailyCount >= g.cfg.MaxDailyPerUser {
		hours := int(math.Ceil(u.resetAt.Sub(g.cfg.Now()).Hours()))
		return g.reject(ScopeDaily, fmt.Sprintf("Daily limit of %d images reached. Resets in %d hours.", g.cfg.MaxDailyPerUser, hours))
	}
	return Verdict{Allowed: true}
}

func (g *Governor) reject(scope Scope, reason string) Verdict {
	g.metrics.GovernorRejections.WithLabelValues(string(scope)).Inc()
	return Verdict{Scope: scope, Reason: reason}
}

func (g *Governor) acquireLocked(userID string) {
	g.global++
	g.userLocked(userID).concurrent++
	g.metrics.GovernorActive.Set(float64(g.global))
}

func (g *Governor) userLocked(userID string) *userRecord {
	u, ok := g.users[userID]
	if !ok {
		u = &userRecord{resetAt: g.nextReset()}
		g.users[userID] = u
	}
	g.rolloverLocked(u)
	return u
}

func (g *Governor) rolloverLocked(u *userRecord) {
	if !g.cfg.Now().Before(u.resetAt) {
		u.dailyCount = 0
		u.resetAt = g.nextReset()
	}
}

func (g *Governor) nextReset() time.Time {
	now := g.cfg.Now().In(g.cfg.Location)
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, g.cfg.Location)
}
