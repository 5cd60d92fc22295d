// Package ratelimit implements per-key sliding-window rate limiting for
// request counts and token counts.
//
// Unlike a lazy-refill token bucket, a sliding window keeps the exact set of
// recent events in view, so a burst that exhausts the window at second 0
// recovers smoothly as those events age out, rather than refilling at a
// constant rate regardless of when the burst happened. Requests are tracked
// as a sorted-by-arrival slice of timestamps (a "sorted multiset"); tokens
// are tracked as a single window-bounded counter with a reset timestamp,
// since per-token timestamps would be wasteful to keep.
package ratelimit

import (
	"sync"
	"time"

	"github.com/chatcore/core/internal/chat"
)

// Limits holds the effective request and token limits for a key, over the
// configured window. A value of 0 means unlimited.
type Limits struct {
	MaxRequests int64
	Window      time.Duration
	MaxTokens   int64
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
	ResetAt           time.Time
}

// requestWindow tracks recent request timestamps for a single key.
type requestWindow struct {
	events []time.Time // ascending by arrival; oldest first
}

// evict drops events older than now-window.
func (w *requestWindow) evict(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.events) && w.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = w.events[i:]
	}
}

// tokenWindow tracks a single window-bounded token counter with a reset
// timestamp, since individual token events aren't worth tracking one by one.
type tokenWindow struct {
	consumed int64
	resetAt  time.Time
}

func (t *tokenWindow) rollIfExpired(now time.Time, window time.Duration) {
	if now.After(t.resetAt) {
		t.consumed = 0
		t.resetAt = now.Add(window)
	}
}

// Limiter holds the request and token sliding windows for a single key.
type Limiter struct {
	mu       sync.Mutex
	clock    chat.Clock
	limits   Limits
	requests requestWindow
	tokens   tokenWindow
	lastUsed time.Time
}

func newLimiter(limits Limits, clock chat.Clock) *Limiter {
	now := clock.Now()
	return &Limiter{
		clock:    clock,
		limits:   limits,
		tokens:   tokenWindow{resetAt: now.Add(limits.Window)},
		lastUsed: now,
	}
}

// AllowRequest records one request event if the sliding window has room.
func (l *Limiter) AllowRequest() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.lastUsed = now

	if l.limits.MaxRequests <= 0 {
		return Result{Allowed: true}
	}

	l.requests.evict(now, l.limits.Window)
	count := int64(len(l.requests.events))
	if count >= l.limits.MaxRequests {
		oldest := l.requests.events[0]
		retryAfter := oldest.Add(l.limits.Window).Sub(now).Seconds()
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{
			Allowed:           false,
			Limit:             l.limits.MaxRequests,
			Remaining:         0,
			RetryAfterSeconds: retryAfter,
			ResetAt:           oldest.Add(l.limits.Window),
		}
	}

	l.requests.events = append(l.requests.events, now)
	return Result{
		Allowed:   true,
		Limit:     l.limits.MaxRequests,
		Remaining: l.limits.MaxRequests - count - 1,
		ResetAt:   now.Add(l.limits.Window),
	}
}

// ConsumeTokens consumes estimated tokens from the window-bounded counter.
func (l *Limiter) ConsumeTokens(estimated int64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.lastUsed = now

	if l.limits.MaxTokens <= 0 {
		return Result{Allowed: true}
	}

	l.tokens.rollIfExpired(now, l.limits.Window)
	if l.tokens.consumed+estimated > l.limits.MaxTokens {
		return Result{
			Allowed:           false,
			Limit:             l.limits.MaxTokens,
			Remaining:         max64(0, l.limits.MaxTokens-l.tokens.consumed),
			RetryAfterSeconds: l.tokens.resetAt.Sub(now).Seconds(),
			ResetAt:           l.tokens.resetAt,
		}
	}

	l.tokens.consumed += estimated
	return Result{
		Allowed:   true,
		Limit:     l.limits.MaxTokens,
		Remaining: l.limits.MaxTokens - l.tokens.consumed,
		ResetAt:   l.tokens.resetAt,
	}
}

// AdjustTokens corrects the token counter by delta (actual - estimated).
// Positive delta consumes more; negative refunds. Never pushes the counter
// below zero.
func (l *Limiter) AdjustTokens(delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens.consumed = max64(0, l.tokens.consumed+delta)
}

// RequestResult returns current request-window state without consuming.
func (l *Limiter) RequestResult() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limits.MaxRequests <= 0 {
		return Result{Allowed: true}
	}
	now := l.clock.Now()
	l.requests.evict(now, l.limits.Window)
	count := int64(len(l.requests.events))
	return Result{
		Allowed:   true,
		Limit:     l.limits.MaxRequests,
		Remaining: max64(0, l.limits.MaxRequests-count),
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Registry manages per-key Limiters.
type Registry struct {
	mu       sync.RWMutex
	clock    chat.Clock
	limiters map[string]*Limiter
}

// NewRegistry creates a new rate limiter registry using the system clock.
func NewRegistry() *Registry {
	return NewRegistryWithClock(chat.SystemClock{})
}

// NewRegistryWithClock creates a registry driven by an injected clock, so
// tests can advance time deterministically instead of sleeping.
func NewRegistryWithClock(clock chat.Clock) *Registry {
	return &Registry{clock: clock, limiters: make(map[string]*Limiter)}
}

// GetOrCreate returns the limiter for key, creating one if needed. If the
// key's limits have changed, a new limiter is created (discarding its
// window -- acceptable since limit changes are rare admin actions).
func (r *Registry) GetOrCreate(key string, limits Limits) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits, r.clock)
	r.limiters[key] = l
	return l
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
