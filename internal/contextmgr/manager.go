// Package contextmgr tracks per-session token usage against a provider's
// context window and triggers summarisation of the oldest turns as usage
// approaches the limit, so a long-running session never overflows the
// model's context window.
package contextmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatcore/core/internal/chat"
)

// charsPerToken is the heuristic ratio used for token estimation when no
// provider-specific tokeniser is available.
const charsPerToken = 4

// defaultRecentWindow is used when Config.RecentWindow is zero.
const defaultRecentWindow = 10 * time.Minute

// Store persists messages for a session and loads the working history back
// on demand. The context manager never keeps its own copy of history across
// process restarts; it rebuilds from Store on first touch of a session.
type Store interface {
	AppendMessage(ctx context.Context, msg chat.Message) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)
	DeleteMessages(ctx context.Context, ids []string) error
}

// SessionStore is the slice of session persistence the context manager
// needs to keep a session's persisted token total in sync with the working
// set it holds in memory.
type SessionStore interface {
	AddSessionTokens(ctx context.Context, sessionID string, tokens int64) error
}

// Summariser produces a concise summary of a conversation segment.
type Summariser interface {
	Summarise(ctx context.Context, messages []chat.Message) (string, error)
}

// Config configures a Manager.
type Config struct {
	// MaxTokens is the provider's context window size.
	MaxTokens int
	// ThresholdRatio is the fraction of MaxTokens at which summarisation
	// triggers. Defaults to 0.75 if zero or negative.
	ThresholdRatio float64
	Store          Store
	Summariser     Summariser
	// Sessions is optional; when nil, summarisation still runs but the
	// persisted session token total is left untouched.
	Sessions SessionStore
	// RecentWindow is how far back from now a message must be to be exempt
	// from summarisation. Defaults to 10 minutes if zero.
	RecentWindow time.Duration
	Clock        chat.Clock
}

type sessionWindow struct {
	mu       sync.Mutex
	messages []chat.Message
	tokens   int
	loaded   bool
}

// Manager tracks one sessionWindow per session, keyed by session ID so
// concurrent turns on different sessions never contend on the same lock.
type Manager struct {
	maxTokens      int
	thresholdRatio float64
	store          Store
	summariser     Summariser
	sessionStore   SessionStore
	recentWindow   time.Duration
	clock          chat.Clock

	mu       sync.Mutex
	sessions map[string]*sessionWindow
}

// NewManager returns a ready-to-use Manager. If cfg.ThresholdRatio is zero
// or negative, 0.75 is used. If cfg.RecentWindow is zero, 10 minutes is
// used.
func NewManager(cfg Config) *Manager {
	ratio := cfg.ThresholdRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	window := cfg.RecentWindow
	if window <= 0 {
		window = defaultRecentWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = chat.SystemClock{}
	}
	return &Manager{
		maxTokens:      cfg.MaxTokens,
		thresholdRatio: ratio,
		store:          cfg.Store,
		summariser:     cfg.Summariser,
		sessionStore:   cfg.Sessions,
		recentWindow:   window,
		clock:          clock,
		sessions:       make(map[string]*sessionWindow),
	}
}

func (m *Manager) windowFor(sessionID string) *sessionWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.sessions[sessionID]
	if !ok {
		w = &sessionWindow{}
		m.sessions[sessionID] = w
	}
	return w
}

// DropSession releases the in-memory window for sessionID, e.g. once a
// session is closed or expires.
func (m *Manager) DropSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// AppendMessage persists msg and appends it to the session's working set,
// summarising the oldest turns if the estimated token count now exceeds the
// configured threshold.
func (m *Manager) AppendMessage(ctx context.Context, sessionID string, msg chat.Message) error {
	w := m.windowFor(sessionID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := m.ensureLoadedLocked(ctx, sessionID, w); err != nil {
		return err
	}

	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("contextmgr: persist message: %w", err)
	}
	w.messages = append(w.messages, msg)
	w.tokens += estimateTokens(msg)

	threshold := int(float64(m.maxTokens) * m.thresholdRatio)
	if m.maxTokens > 0 && w.tokens > threshold && len(w.messages) > 1 {
		if err := m.summariseOldestLocked(ctx, sessionID, w); err != nil {
			return fmt.Errorf("contextmgr: auto-summarise: %w", err)
		}
	}
	return nil
}

// Window returns the current working history for a session, loading it from
// Store on first access. The returned slice is ready to pass directly to a
// provider's CompletionRequest.Messages.
func (m *Manager) Window(ctx context.Context, sessionID string) ([]chat.Message, error) {
	w := m.windowFor(sessionID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := m.ensureLoadedLocked(ctx, sessionID, w); err != nil {
		return nil, err
	}
	out := make([]chat.Message, len(w.messages))
	copy(out, w.messages)
	return out, nil
}

// TokenEstimate returns the current estimated token count for a session's
// working set.
func (m *Manager) TokenEstimate(ctx context.Context, sessionID string) (int, error) {
	w := m.windowFor(sessionID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := m.ensureLoadedLocked(ctx, sessionID, w); err != nil {
		return 0, err
	}
	return w.tokens, nil
}

func (m *Manager) ensureLoadedLocked(ctx context.Context, sessionID string, w *sessionWindow) error {
	if w.loaded {
		return nil
	}
	msgs, err := m.store.RecentMessages(ctx, sessionID, 0)
	if err != nil {
		return fmt.Errorf("contextmgr: load history: %w", err)
	}
	w.messages = msgs
	w.tokens = 0
	for _, msg := range msgs {
		w.tokens += estimateTokens(msg)
	}
	w.loaded = true
	return nil
}

// summariseOldestLocked compresses every user/assistant message older than
// now-RecentWindow into a single summary message: it persists the summary,
// deletes the summarised rows from Store, and decrements the session's
// persisted token total by the estimated tokens of the removed messages
// plus the estimated tokens of the summary message.
// A no-op (nil error, nothing changed) if fewer than two messages qualify.
// Must be called with w.mu held.
func (m *Manager) summariseOldestLocked(ctx context.Context, sessionID string, w *sessionWindow) error {
	cutoff := m.clock.Now().Add(-m.recentWindow)

	removedIdx := make(map[int]bool)
	var toSummarise []chat.Message
	for i, msg := range w.messages {
		if msg.IsSummary {
			continue
		}
		if msg.Role != chat.RoleUser && msg.Role != chat.RoleAssistant {
			continue
		}
		if msg.CreatedAt.Before(cutoff) {
			removedIdx[i] = true
			toSummarise = append(toSummarise, msg)
		}
	}
	if len(toSummarise) < 2 {
		return nil
	}

	summary, err := m.summariser.Summarise(ctx, toSummarise)
	if err != nil {
		return err
	}

	removedTokens := 0
	removedIDs := make([]string, 0, len(toSummarise))
	for _, msg := range toSummarise {
		removedTokens += estimateTokens(msg)
		removedIDs = append(removedIDs, msg.ID)
	}

	summaryMsg := chat.Message{
		ID:        chat.NewID(),
		SessionID: sessionID,
		Role:      chat.RoleSystem,
		Content:   "[conversation summary]: " + summary,
		Status:    chat.MessageStatusCompleted,
		IsSummary: true,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.AppendMessage(ctx, summaryMsg); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}
	if err := m.store.DeleteMessages(ctx, removedIDs); err != nil {
		return fmt.Errorf("delete summarised messages: %w", err)
	}

	summaryTokens := estimateTokens(summaryMsg)
	if m.sessionStore != nil {
		delta := -int64(removedTokens + summaryTokens)
		if err := m.sessionStore.AddSessionTokens(ctx, sessionID, delta); err != nil {
			return fmt.Errorf("decrement session tokens: %w", err)
		}
	}

	newMessages := make([]chat.Message, 0, len(w.messages)-len(removedIdx)+1)
	inserted := false
	for i, msg := range w.messages {
		if removedIdx[i] {
			if !inserted {
				newMessages = append(newMessages, summaryMsg)
				inserted = true
			}
			continue
		}
		newMessages = append(newMessages, msg)
	}
	w.messages = newMessages
	w.tokens = w.tokens - removedTokens + summaryTokens
	return nil
}

// Summarize forces summarisation of a session's working set right now,
// regardless of whether the token threshold has been crossed, and returns
// the resulting token estimate. It is still bound by RecentWindow: messages
// newer than now-RecentWindow are never summarised. Used by the explicit
// summarize endpoint rather than the automatic threshold trigger.
func (m *Manager) Summarize(ctx context.Context, sessionID string) (int, error) {
	w := m.windowFor(sessionID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := m.ensureLoadedLocked(ctx, sessionID, w); err != nil {
		return 0, err
	}
	if len(w.messages) < 2 {
		return w.tokens, nil
	}
	if err := m.summariseOldestLocked(ctx, sessionID, w); err != nil {
		return 0, fmt.Errorf("contextmgr: summarise: %w", err)
	}
	return w.tokens, nil
}

// estimateTokens returns a rough token count for a single message using the
// one-token-per-four-characters heuristic.
func estimateTokens(m chat.Message) int {
	chars := len(m.Content) + len(string(m.Role))
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
