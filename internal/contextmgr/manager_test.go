package contextmgr

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/chatcore/core/internal/chat"
)

type memStore struct {
	mu       sync.Mutex
	messages map[string][]chat.Message
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string][]chat.Message)}
}

func (s *memStore) AppendMessage(_ context.Context, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return nil
}

func (s *memStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *memStore) DeleteMessages(_ context.Context, ids []string) error {
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

type mockSummariser struct {
	result string
	err    error
	calls  int
	seen   [][]chat.Message
}

func (m *mockSummariser) Summarise(_ context.Context, messages []chat.Message) (string, error) {
	m.calls++
	m.seen = append(m.seen, messages)
	return m.result, m.err
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		msg     chat.Message
		wantMin int
		wantMax int
	}{
		{name: "empty message", msg: chat.Message{}, wantMin: 0, wantMax: 0},
		{name: "short message", msg: chat.Message{Role: chat.RoleUser, Content: "Hi"}, wantMin: 1, wantMax: 2},
		{
			name:    "long message",
			msg:     chat.Message{Role: chat.RoleAssistant, Content: strings.Repeat("a", 400)},
			wantMin: 95,
			wantMax: 110,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := estimateTokens(tt.msg)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("estimateTokens() = %d, want [%d, %d]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestManager_AppendMessage_TracksTokens(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	s := &mockSummariser{result: "summary"}
	m := NewManager(Config{MaxTokens: 10000, ThresholdRatio: 0.75, Store: store, Summariser: s})

	ctx := context.Background()
	if err := m.AppendMessage(ctx, "sess-1", chat.Message{SessionID: "sess-1", Role: chat.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tokens, err := m.TokenEstimate(ctx, "sess-1")
	if err != nil || tokens == 0 {
		t.Fatalf("expected nonzero token estimate, got %d err=%v", tokens, err)
	}
	if s.calls != 0 {
		t.Fatalf("expected no summarisation below threshold, got %d calls", s.calls)
	}
}

func TestManager_AutoSummarisesOverThreshold(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	s := &mockSummariser{result: "condensed summary"}
	m := NewManager(Config{MaxTokens: 100, ThresholdRatio: 0.5, Store: store, Summariser: s})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		msg := chat.Message{SessionID: "sess-1", Role: chat.RoleUser, Content: strings.Repeat("word ", 10)}
		if err := m.AppendMessage(ctx, "sess-1", msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if s.calls == 0 {
		t.Fatal("expected auto-summarisation to trigger")
	}

	window, err := m.Window(ctx, "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var foundSummary bool
	for _, msg := range window {
		if msg.IsSummary {
			foundSummary = true
		}
	}
	if !foundSummary {
		t.Fatal("expected a summary message in the working window")
	}
}

func TestManager_Window_LoadsFromStoreOnce(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	_ = store.AppendMessage(context.Background(), chat.Message{SessionID: "sess-1", Role: chat.RoleUser, Content: "previously persisted"})

	m := NewManager(Config{MaxTokens: 10000, ThresholdRatio: 0.75, Store: store, Summariser: &mockSummariser{}})
	window, err := m.Window(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(window) != 1 || window[0].Content != "previously persisted" {
		t.Fatalf("expected loaded history, got %+v", window)
	}
}

func TestManager_DropSession(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	m := NewManager(Config{MaxTokens: 10000, Store: store, Summariser: &mockSummariser{}})
	ctx := context.Background()
	_ = m.AppendMessage(ctx, "sess-1", chat.Message{SessionID: "sess-1", Role: chat.RoleUser, Content: "hi"})
	m.DropSession("sess-1")

	m.mu.Lock()
	_, exists := m.sessions["sess-1"]
	m.mu.Unlock()
	if exists {
		t.Fatal("expected session window to be removed")
	}
}
