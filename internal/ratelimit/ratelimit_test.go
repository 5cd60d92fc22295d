package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestLimiter_AllowRequest_SlidingWindow(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := newLimiter(Limits{MaxRequests: 3, Window: time.Minute}, clock)

	for i := range 3 {
		r := l.AllowRequest()
		if !r.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	r := l.AllowRequest()
	if r.Allowed {
		t.Error("4th request should be denied")
	}
	if r.RetryAfterSeconds <= 0 {
		t.Error("RetryAfterSeconds should be positive")
	}
}

func TestLimiter_WindowRollsOver(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := newLimiter(Limits{MaxRequests: 1, Window: time.Minute}, clock)

	r := l.AllowRequest()
	if !r.Allowed {
		t.Fatal("first request should be allowed")
	}
	r = l.AllowRequest()
	if r.Allowed {
		t.Fatal("second request should be denied")
	}

	clock.advance(61 * time.Second)

	r = l.AllowRequest()
	if !r.Allowed {
		t.Error("request should be allowed once the oldest event has aged out")
	}
}

func TestLimiter_DualWindowIndependence(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := newLimiter(Limits{MaxRequests: 100, Window: time.Minute, MaxTokens: 10}, clock)

	r := l.ConsumeTokens(10)
	if !r.Allowed {
		t.Fatal("first token consume should be allowed")
	}
	r = l.ConsumeTokens(1)
	if r.Allowed {
		t.Error("token window should be exhausted")
	}

	req := l.AllowRequest()
	if !req.Allowed {
		t.Error("request window should be independent of token window")
	}
}

func TestLimiter_AdjustTokens(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := newLimiter(Limits{MaxTokens: 100, Window: time.Minute}, clock)

	l.ConsumeTokens(80)
	l.AdjustTokens(-30) // refund 30 (overestimated)

	r := l.ConsumeTokens(45)
	if !r.Allowed {
		t.Error("should be allowed after adjustment (had 50 remaining)")
	}

	r = l.ConsumeTokens(10)
	if r.Allowed {
		t.Error("should be denied after consuming more than remaining")
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := newLimiter(Limits{MaxRequests: 0, MaxTokens: 0, Window: time.Minute}, clock)

	r := l.AllowRequest()
	if !r.Allowed || r.Limit != 0 {
		t.Error("unlimited requests should always allow with limit 0")
	}
	r = l.ConsumeTokens(1_000_000)
	if !r.Allowed {
		t.Error("unlimited tokens should always allow")
	}
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := newLimiter(Limits{MaxRequests: 1000, Window: time.Minute, MaxTokens: 100000}, clock)

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			l.AllowRequest()
			l.ConsumeTokens(10)
			l.AdjustTokens(5)
		})
	}
	wg.Wait()
}

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	l1 := r.GetOrCreate("key1", Limits{MaxRequests: 10, Window: time.Minute})
	l2 := r.GetOrCreate("key1", Limits{MaxRequests: 10, Window: time.Minute})
	if l1 != l2 {
		t.Error("same key+limits should return same limiter")
	}

	l3 := r.GetOrCreate("key1", Limits{MaxRequests: 20, Window: time.Minute})
	if l1 == l3 {
		t.Error("changed limits should create new limiter")
	}
}

func TestRegistry_EvictStale(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	r := NewRegistryWithClock(clock)

	r.GetOrCreate("fresh", Limits{MaxRequests: 10, Window: time.Minute})
	r.GetOrCreate("stale", Limits{MaxRequests: 10, Window: time.Minute})

	clock.advance(2 * time.Hour)
	evicted := r.EvictStale(clock.Now().Add(-1 * time.Hour))
	if evicted != 2 {
		// Both entries were last used at t=0, which is now > 1hr stale.
		t.Errorf("evicted = %d, want 2", evicted)
	}
}

func TestLimiter_RequestResult(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := newLimiter(Limits{MaxRequests: 10, Window: time.Minute}, clock)
	l.AllowRequest()

	r := l.RequestResult()
	if !r.Allowed {
		t.Error("RequestResult should show allowed")
	}
	if r.Limit != 10 {
		t.Errorf("limit = %d, want 10", r.Limit)
	}
	if r.Remaining != 9 {
		t.Errorf("remaining = %d, want 9", r.Remaining)
	}
}

func TestLimiter_RequestResult_Unlimited(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := newLimiter(Limits{MaxRequests: 0, MaxTokens: 0, Window: time.Minute}, clock)
	r := l.RequestResult()
	if !r.Allowed {
		t.Error("unlimited RequestResult should be allowed")
	}
}

func BenchmarkAllowRequest(b *testing.B) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := newLimiter(Limits{MaxRequests: 1_000_000, Window: time.Minute}, clock)
	for b.Loop() {
		l.AllowRequest()
	}
}

func BenchmarkConsumeTokens(b *testing.B) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := newLimiter(Limits{MaxTokens: 1_000_000_000, Window: time.Minute}, clock)
	for b.Loop() {
		l.ConsumeTokens(100)
	}
}
