package worker

import (
	"context"
	"log/slog"
	"time"
)

const expirySweepInterval = 15 * time.Minute

// SessionExpiryStore marks sessions inactive since cutoff as expired.
type SessionExpiryStore interface {
	ExpireInactiveSessions(ctx context.Context, cutoff time.Time) (int, error)
}

// SessionExpirySweeper periodically deactivates sessions that have had no
// activity for longer than the configured TTL, per spec.md's
// inactivity-expiry session lifecycle rule.
type SessionExpirySweeper struct {
	store SessionExpiryStore
	ttl   time.Duration
}

// NewSessionExpirySweeper creates a SessionExpirySweeper with the given
// inactivity TTL.
func NewSessionExpirySweeper(store SessionExpiryStore, ttl time.Duration) *SessionExpirySweeper {
	return &SessionExpirySweeper{store: store, ttl: ttl}
}

// Name returns the worker identifier.
func (s *SessionExpirySweeper) Name() string { return "session_expiry_sweeper" }

// Run sweeps for inactive sessions on a fixed interval until ctx is
// cancelled.
func (s *SessionExpirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.ttl)
			n, err := s.store.ExpireInactiveSessions(ctx, cutoff)
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "session expiry sweep failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if n > 0 {
				slog.Info("session expiry sweep", "expired", n)
			}
		}
	}
}
