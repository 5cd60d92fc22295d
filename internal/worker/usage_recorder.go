package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatcore/core/internal/chat"
)

const (
	tokenChanSize   = 1000
	tokenBatchSize  = 100
	tokenFlushEvery = 5 * time.Second
	tokenDrainTime  = 30 * time.Second
)

// tokenDelta is one session's token accumulation from a single turn.
type tokenDelta struct {
	sessionID string
	tokens    int64
}

// TokenStore is the persistence interface consumed by TokenRecorder.
type TokenStore interface {
	AddSessionTokens(ctx context.Context, sessionID string, tokens int64) error
}

// SessionReader is the read/title-update slice of session persistence that
// TokenRecorder passes straight through, so it can stand in for
// orchestrator.SessionStore wholesale.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (*chat.Session, error)
	SetSessionTitle(ctx context.Context, sessionID, title string) error
}

// TokenRecorder buffers per-turn token deltas and batch-flushes them to the
// store, coalescing same-session deltas within a batch into a single
// UPDATE. Deltas are dropped if the channel is full -- token accounting is
// accumulated statistics, not the turn's record of truth (messages are
// persisted synchronously), so back-pressure here drops counters rather
// than blocking a turn. It also implements orchestrator.SessionStore
// directly, passing GetSession/SetSessionTitle straight through to the
// underlying store so it can be handed to the orchestrator in place of the
// real store.
type TokenRecorder struct {
	ch     chan tokenDelta
	store  TokenStore
	reader SessionReader
}

// NewTokenRecorder creates a TokenRecorder backed by store, reading
// sessions through reader.
func NewTokenRecorder(store TokenStore, reader SessionReader) *TokenRecorder {
	return &TokenRecorder{
		ch:     make(chan tokenDelta, tokenChanSize),
		store:  store,
		reader: reader,
	}
}

// GetSession passes through to the underlying store.
func (t *TokenRecorder) GetSession(ctx context.Context, sessionID string) (*chat.Session, error) {
	return t.reader.GetSession(ctx, sessionID)
}

// SetSessionTitle passes through to the underlying store.
func (t *TokenRecorder) SetSessionTitle(ctx context.Context, sessionID, title string) error {
	return t.reader.SetSessionTitle(ctx, sessionID, title)
}

// AddSessionTokens enqueues the delta for asynchronous batch persistence
// instead of writing synchronously on the turn's hot path.
func (t *TokenRecorder) AddSessionTokens(_ context.Context, sessionID string, tokens int64) error {
	t.Record(sessionID, tokens)
	return nil
}

// Name returns the worker identifier.
func (t *TokenRecorder) Name() string { return "token_recorder" }

// Record enqueues a token delta for sessionID. It never blocks; drops on a
// full channel.
func (t *TokenRecorder) Record(sessionID string, tokens int64) {
	select {
	case t.ch <- tokenDelta{sessionID: sessionID, tokens: tokens}:
	default:
		slog.Warn("token delta dropped, channel full", "session_id", sessionID)
	}
}

// Run processes deltas until ctx is cancelled, then drains remaining deltas.
func (t *TokenRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(tokenFlushEvery)
	defer ticker.Stop()

	buf := make(map[string]int64, tokenBatchSize)
	pending := 0

	for {
		select {
		case d := <-t.ch:
			buf[d.sessionID] += d.tokens
			pending++
			if pending >= tokenBatchSize {
				t.flush(ctx, buf)
				buf = make(map[string]int64, tokenBatchSize)
				pending = 0
			}

		case <-ticker.C:
			if len(buf) > 0 {
				t.flush(ctx, buf)
				buf = make(map[string]int64, tokenBatchSize)
				pending = 0
			}

		case <-ctx.Done():
			t.drain(buf)
			return nil
		}
	}
}

func (t *TokenRecorder) drain(buf map[string]int64) {
	ctx, cancel := context.WithTimeout(context.Background(), tokenDrainTime)
	defer cancel()

	for {
		select {
		case d := <-t.ch:
			buf[d.sessionID] += d.tokens
		default:
			if len(buf) > 0 {
				t.flush(ctx, buf)
			}
			return
		}
	}
}

func (t *TokenRecorder) flush(ctx context.Context, buf map[string]int64) {
	for sessionID, tokens := range buf {
		if err := t.store.AddSessionTokens(ctx, sessionID, tokens); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "token flush failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}
}
