package worker

import (
	"context"
	"testing"
	"time"
)

type fakeRegistry struct {
	evicted int
}

func (f *fakeRegistry) EvictStale(time.Time) int { return f.evicted }

func TestRateLimiterEvictor_Name(t *testing.T) {
	t.Parallel()
	w := NewRateLimiterEvictor(&fakeRegistry{})
	if w.Name() != "rate_limiter_evictor" {
		t.Errorf("name = %q", w.Name())
	}
}

func TestRateLimiterEvictor_StopsOnCancel(t *testing.T) {
	t.Parallel()
	w := NewRateLimiterEvictor(&fakeRegistry{evicted: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("evictor did not stop")
	}
}
