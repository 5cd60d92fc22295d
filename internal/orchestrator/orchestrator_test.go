package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatcore/core/internal/chat"
	"github.com/chatcore/core/internal/circuitbreaker"
	"github.com/chatcore/core/internal/contextmgr"
	"github.com/chatcore/core/internal/llmprovider"
	"github.com/chatcore/core/internal/llmprovider/mock"
	"github.com/chatcore/core/internal/ratelimit"
	"github.com/chatcore/core/internal/safety"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type memMessageStore struct {
	mu       sync.Mutex
	messages map[string][]chat.Message
}

func newMemMessageStore() *memMessageStore {
	return &memMessageStore{messages: make(map[string][]chat.Message)}
}

func (s *memMessageStore) AppendMessage(_ context.Context, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return nil
}

func (s *memMessageStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out, nil
}

func (s *memMessageStore) DeleteMessages(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	for sid, msgs := range s.messages {
		kept := msgs[:0:0]
		for _, m := range msgs {
			if !remove[m.ID] {
				kept = append(kept, m)
			}
		}
		s.messages[sid] = kept
	}
	return nil
}

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*chat.Session
	tokens   map[string]int64
}

func newMemSessionStore(sessions ...*chat.Session) *memSessionStore {
	m := &memSessionStore{sessions: make(map[string]*chat.Session), tokens: make(map[string]int64)}
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	return m
}

func (s *memSessionStore) GetSession(_ context.Context, id string) (*chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessionStore) SetSessionTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id].Title = title
	return nil
}

func (s *memSessionStore) AddSessionTokens(_ context.Context, id string, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[id] += tokens
	return nil
}

func newTestOrchestrator(t *testing.T, provider *mock.Provider, session *chat.Session) (*Orchestrator, *memMessageStore) {
	t.Helper()
	msgStore := newMemMessageStore()
	sessionStore := newMemSessionStore(session)

	reg := llmprovider.NewRegistry(circuitbreaker.DefaultConfig(), nil)
	reg.Register(provider)

	cm := contextmgr.NewManager(contextmgr.Config{
		MaxTokens: 8000, ThresholdRatio: 0.75, Store: msgStore,
		Summariser: &nullSummariser{},
	})

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rateLimiters := ratelimit.NewRegistryWithClock(clock)
	quotas := ratelimit.NewQuotaTrackerWithClock(clock)
	gate := safety.NewGate(nil, 0.95)

	orch := New(Config{
		Clock:             clock,
		RequestLimits:     ratelimit.Limits{MaxRequests: 50, Window: 15 * time.Minute},
		DailyRequestLimit: 1000,
		DailyTokenLimit:   1_000_000,
	}, rateLimiters, quotas, gate, cm, reg, sessionStore)

	return orch, msgStore
}

type nullSummariser struct{}

func (nullSummariser) Summarise(context.Context, []chat.Message) (string, error) { return "", nil }

func drain(t *testing.T, ch <-chan TurnEvent) []TurnEvent {
	t.Helper()
	var events []TurnEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining events")
		}
	}
}

func TestRunTurn_CompletesSuccessfully(t *testing.T) {
	t.Parallel()
	p := mock.New("mockprovider")
	p.StreamChunks = []llmprovider.Chunk{
		{Text: "Hel"}, {Text: "lo!"},
		{Done: true, FinishReason: "stop", Usage: &llmprovider.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}},
	}
	session := &chat.Session{ID: "sess-1", UserID: "user-1", Provider: "mockprovider", Model: "mock-model", Status: chat.SessionActive}
	orch, msgStore := newTestOrchestrator(t, p, session)

	events, err := orch.RunTurn(context.Background(), TurnRequest{
		SessionID: "sess-1", UserID: "user-1", Content: "hi there", CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("unexpected admission error: %v", err)
	}

	got := drain(t, events)
	outcome := Collect(toChannel(got))
	if outcome.Kind != chat.TurnCompleted {
		t.Fatalf("expected TurnCompleted, got %v", outcome.Kind)
	}
	if outcome.AssistantMessage.Content != "Hello!" {
		t.Fatalf("expected concatenated content 'Hello!', got %q", outcome.AssistantMessage.Content)
	}

	persisted := msgStore.messages["sess-1"]
	if len(persisted) != 2 {
		t.Fatalf("expected 2 persisted messages (user+assistant), got %d", len(persisted))
	}
	if persisted[0].Role != chat.RoleUser || persisted[1].Role != chat.RoleAssistant {
		t.Fatalf("unexpected persisted roles: %+v", persisted)
	}
}

func TestRunTurn_RejectsEmptyMessage(t *testing.T) {
	t.Parallel()
	p := mock.New("mockprovider")
	session := &chat.Session{ID: "sess-1", UserID: "user-1", Provider: "mockprovider", Model: "mock-model", Status: chat.SessionActive}
	orch, _ := newTestOrchestrator(t, p, session)

	_, err := orch.RunTurn(context.Background(), TurnRequest{SessionID: "sess-1", UserID: "user-1", Content: "   "})
	if !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRunTurn_FallsBackOnProviderError(t *testing.T) {
	t.Parallel()
	p := mock.New("mockprovider")
	p.StreamErr = errors.New("upstream unavailable")
	session := &chat.Session{ID: "sess-1", UserID: "user-1", Provider: "mockprovider", Model: "mock-model", Status: chat.SessionActive}
	orch, _ := newTestOrchestrator(t, p, session)

	events, err := orch.RunTurn(context.Background(), TurnRequest{SessionID: "sess-1", UserID: "user-1", Content: "hi"})
	if err != nil {
		t.Fatalf("unexpected admission error: %v", err)
	}
	got := drain(t, events)
	outcome := Collect(toChannel(got))
	if outcome.Kind != chat.TurnFellBack {
		t.Fatalf("expected TurnFellBack, got %v", outcome.Kind)
	}
}

func TestRunTurn_RejectsUnknownSession(t *testing.T) {
	t.Parallel()
	p := mock.New("mockprovider")
	session := &chat.Session{ID: "sess-1", UserID: "user-1", Provider: "mockprovider", Model: "mock-model", Status: chat.SessionActive}
	orch, _ := newTestOrchestrator(t, p, session)

	_, err := orch.RunTurn(context.Background(), TurnRequest{SessionID: "missing", UserID: "user-1", Content: "hi"})
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunTurn_RejectsOtherUsersSession(t *testing.T) {
	t.Parallel()
	p := mock.New("mockprovider")
	session := &chat.Session{ID: "sess-1", UserID: "user-1", Provider: "mockprovider", Model: "mock-model", Status: chat.SessionActive}
	orch, _ := newTestOrchestrator(t, p, session)

	_, err := orch.RunTurn(context.Background(), TurnRequest{SessionID: "sess-1", UserID: "user-2", Content: "hi"})
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user's session, got %v", err)
	}
}

func TestRunTurn_RejectsInactiveSession(t *testing.T) {
	t.Parallel()
	p := mock.New("mockprovider")
	session := &chat.Session{ID: "sess-1", UserID: "user-1", Provider: "mockprovider", Model: "mock-model", Status: chat.SessionClosed}
	orch, _ := newTestOrchestrator(t, p, session)

	_, err := orch.RunTurn(context.Background(), TurnRequest{SessionID: "sess-1", UserID: "user-1", Content: "hi"})
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for inactive session, got %v", err)
	}
}

func toChannel(events []TurnEvent) <-chan TurnEvent {
	ch := make(chan TurnEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}
