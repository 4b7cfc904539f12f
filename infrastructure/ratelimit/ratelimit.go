// Package ratelimit implements the durability kernel's multi-bucket token
// bucket admission layer (§4.5): one golang.org/x/time/rate limiter per
// scope (e.g. "global", "per-workflow:<id>"), created lazily and swept when
// idle.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/metrics"
)

// Config tunes the limiter created per scope.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// IdleTTL is how long an unused scope's bucket is kept before a sweep
	// evicts it. Buckets are re-created transparently on next use.
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 10, Burst: 20, IdleTTL: 10 * time.Minute}
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Result is the outcome of a tryConsume call.
type Result struct {
	Allowed      bool
	RetryAfterMs int64
	Scope        string
}

// Limiter is a scope-keyed token bucket admission layer. State is
// in-memory only: per §4.5 a reboot admits up to burst capacity per scope,
// which is an accepted benign pressure release, not a durability gap.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
}

// New creates a Limiter. cfg zero-values fall back to DefaultConfig.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

// TryConsume attempts to take one token from scope's bucket.
func (l *Limiter) TryConsume(scope string) Result {
	return l.tryConsumeAt(scope, time.Now())
}

func (l *Limiter) tryConsumeAt(scope string, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[scope]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.buckets[scope] = b
	}
	b.lastUsed = now

	reservation := b.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		metrics.Global().RateLimitDenied.WithLabelValues("kernel", scope).Inc()
		return Result{Allowed: false, Scope: scope}
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return Result{Allowed: true, Scope: scope}
	}
	reservation.Cancel()
	metrics.Global().RateLimitDenied.WithLabelValues("kernel", scope).Inc()
	return Result{Allowed: false, RetryAfterMs: delay.Milliseconds(), Scope: scope}
}

// SweepIdle removes buckets unused for longer than cfg.IdleTTL. Intended to
// be called periodically by the kernel's scheduler.
func (l *Limiter) SweepIdle() int {
	return l.sweepIdleAt(time.Now())
}

func (l *Limiter) sweepIdleAt(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for scope, b := range l.buckets {
		if now.Sub(b.lastUsed) > l.cfg.IdleTTL {
			delete(l.buckets, scope)
			removed++
		}
	}
	return removed
}

// ScopeCount reports the number of live buckets, for tests and metrics.
func (l *Limiter) ScopeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
