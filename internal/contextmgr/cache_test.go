package contextmgr

import (
	"errors"
	"testing"
	"time"

	"github.com/chatcore/core/internal/cache"
	"github.com/chatcore/core/internal/chat"
)

var errTestSummarise = errors.New("summarise failed")

func TestCachingSummariser_HitAvoidsUpstreamCall(t *testing.T) {
	t.Parallel()
	c, err := cache.NewMemory(100, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	inner := &mockSummariser{result: "the summary"}
	cs := NewCachingSummariser(inner, c, time.Minute, nil)

	messages := []chat.Message{{ID: "m1"}, {ID: "m2"}}

	got, err := cs.Summarise(t.Context(), messages)
	if err != nil || got != "the summary" {
		t.Fatalf("got %q, %v", got, err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", inner.calls)
	}

	got, err = cs.Summarise(t.Context(), messages)
	if err != nil || got != "the summary" {
		t.Fatalf("got %q, %v", got, err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected cache hit to avoid upstream call, got %d calls", inner.calls)
	}
}

func TestCachingSummariser_DifferentSegmentsMiss(t *testing.T) {
	t.Parallel()
	c, err := cache.NewMemory(100, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	inner := &mockSummariser{result: "summary"}
	cs := NewCachingSummariser(inner, c, time.Minute, nil)

	if _, err := cs.Summarise(t.Context(), []chat.Message{{ID: "a"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.Summarise(t.Context(), []chat.Message{{ID: "b"}}); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 upstream calls for distinct segments, got %d", inner.calls)
	}
}

func TestCachingSummariser_PropagatesError(t *testing.T) {
	t.Parallel()
	c, err := cache.NewMemory(100, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	wantErr := errTestSummarise
	inner := &mockSummariser{err: wantErr}
	cs := NewCachingSummariser(inner, c, time.Minute, nil)

	if _, err := cs.Summarise(t.Context(), []chat.Message{{ID: "x"}}); err != wantErr {
		t.Fatalf("expected error to propagate, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 call, got %d", inner.calls)
	}
}
