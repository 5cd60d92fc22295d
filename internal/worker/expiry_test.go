package worker

import (
	"context"
	"testing"
	"time"
)

type fakeExpiryStore struct {
	expired int
}

func (f *fakeExpiryStore) ExpireInactiveSessions(context.Context, time.Time) (int, error) {
	return f.expired, nil
}

func TestSessionExpirySweeper_Name(t *testing.T) {
	t.Parallel()
	w := NewSessionExpirySweeper(&fakeExpiryStore{}, 30*24*time.Hour)
	if w.Name() != "session_expiry_sweeper" {
		t.Errorf("name = %q", w.Name())
	}
}

func TestSessionExpirySweeper_StopsOnCancel(t *testing.T) {
	t.Parallel()
	w := NewSessionExpirySweeper(&fakeExpiryStore{expired: 2}, time.Hour)

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
		t.Fatal("sweeper did not stop")
	}
}
