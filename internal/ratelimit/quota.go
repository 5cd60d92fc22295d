package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/chatcore/core/internal/chat"
)

// QuotaStore provides the persisted daily usage counters for quota sync.
type QuotaStore interface {
	GetQuotas(ctx context.Context, userID string) (chat.Quotas, error)
}

// QuotaTracker enforces daily request/token quotas per user, mirroring
// spec.md's User.quotas (requestsToday, tokensToday, resetAt). Entries roll
// over automatically once resetAt has passed, rather than relying on a
// background job to zero them out.
type QuotaTracker struct {
	mu      sync.Mutex
	clock   chat.Clock
	budgets map[string]*chat.Quotas
}

// NewQuotaTracker creates a QuotaTracker using the system clock.
func NewQuotaTracker() *QuotaTracker {
	return NewQuotaTrackerWithClock(chat.SystemClock{})
}

// NewQuotaTrackerWithClock creates a QuotaTracker driven by an injected clock.
func NewQuotaTrackerWithClock(clock chat.Clock) *QuotaTracker {
	return &QuotaTracker{clock: clock, budgets: make(map[string]*chat.Quotas)}
}

func (q *QuotaTracker) entry(userID string) *chat.Quotas {
	e, ok := q.budgets[userID]
	if !ok {
		e = &chat.Quotas{ResetAt: q.nextMidnight()}
		q.budgets[userID] = e
	}
	if q.clock.Now().After(e.ResetAt) {
		e.RequestsToday = 0
		e.TokensToday = 0
		e.ResetAt = q.nextMidnight()
	}
	return e
}

func (q *QuotaTracker) nextMidnight() time.Time {
	now := q.clock.Now()
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// Check reports whether userID is within the given daily limits. A limit of
// 0 means unlimited for that dimension.
func (q *QuotaTracker) Check(userID string, maxRequests int, maxTokens int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.entry(userID)
	return !e.HasExceeded(maxRequests, maxTokens)
}

// Consume records one request and its token cost against the user's daily
// counters.
func (q *QuotaTracker) Consume(userID string, tokens int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.entry(userID)
	e.RequestsToday++
	e.TokensToday += tokens
}

// Snapshot returns a copy of the current counters for userID.
func (q *QuotaTracker) Snapshot(userID string) chat.Quotas {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.entry(userID)
}

// Sync reloads a user's consumed counters from the store, used after
// restart so in-memory counters reflect what was already persisted today.
func (q *QuotaTracker) Sync(ctx context.Context, store QuotaStore, userID string) error {
	quotas, err := store.GetQuotas(ctx, userID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.budgets[userID] = &quotas
	return nil
}

// SyncAll reloads consumed counters for all currently tracked users.
func (q *QuotaTracker) SyncAll(ctx context.Context, store QuotaStore) error {
	q.mu.Lock()
	userIDs := make([]string, 0, len(q.budgets))
	for k := range q.budgets {
		userIDs = append(userIDs, k)
	}
	q.mu.Unlock()

	for _, id := range userIDs {
		if err := q.Sync(ctx, store, id); err != nil {
			return err
		}
	}
	return nil
}
