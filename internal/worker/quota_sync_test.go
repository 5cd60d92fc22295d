package worker

import (
	"context"
	"testing"
	"time"

	"github.com/chatcore/core/internal/chat"
	"github.com/chatcore/core/internal/ratelimit"
)

type fakeQuotaStore struct {
	quotas map[string]chat.Quotas
}

func (s *fakeQuotaStore) GetQuotas(_ context.Context, userID string) (chat.Quotas, error) {
	return s.quotas[userID], nil
}

func TestQuotaSyncWorker_Run(t *testing.T) {
	t.Parallel()
	tracker := ratelimit.NewQuotaTracker()
	store := &fakeQuotaStore{quotas: map[string]chat.Quotas{"user-1": {RequestsToday: 5}}}

	// Pre-populate tracker with an entry so SyncAll has something to reload.
	tracker.Check("user-1", 10, 1000)

	w := NewQuotaSyncWorker(tracker, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Wait briefly, then cancel.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	if got := tracker.Snapshot("user-1").RequestsToday; got != 5 {
		t.Errorf("requests today after sync = %d, want 5", got)
	}
}
