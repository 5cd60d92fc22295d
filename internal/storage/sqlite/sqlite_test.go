package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/chatcore/core/internal/chat"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := &chat.User{
		ID:        "user-1",
		Role:      "user",
		Plan:      chat.PlanFree,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatal("upsert:", err)
	}

	got, err := s.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Plan != chat.PlanFree {
		t.Errorf("plan = %q, want %q", got.Plan, chat.PlanFree)
	}

	u.Plan = chat.PlanPaid
	u.Quotas.RequestsToday = 3
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatal("upsert update:", err)
	}
	got, err = s.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatal("get after update:", err)
	}
	if got.Plan != chat.PlanPaid {
		t.Errorf("plan = %q, want %q", got.Plan, chat.PlanPaid)
	}
	if got.Quotas.RequestsToday != 3 {
		t.Errorf("requests today = %d, want 3", got.Quotas.RequestsToday)
	}

	if _, err := s.GetUser(ctx, "nonexistent"); err != chat.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func mustCreateUser(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.UpsertUser(context.Background(), &chat.User{
		ID: id, Role: "user", Plan: chat.PlanFree, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal("create user:", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "user-1")

	now := time.Now().UTC().Truncate(time.Second)
	sess := &chat.Session{
		ID: "sess-1", UserID: "user-1", Provider: "openai", Model: "gpt-4o",
		SystemPrompt: "be concise", Temperature: 0.7, MaxTokens: 512,
		Status: chat.SessionActive, CreatedAt: now, LastActivityAt: now,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Provider != "openai" || got.Model != "gpt-4o" {
		t.Errorf("provider/model = %q/%q, want openai/gpt-4o", got.Provider, got.Model)
	}
	if got.SystemPrompt != "be concise" {
		t.Errorf("system prompt = %q", got.SystemPrompt)
	}
	if got.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", got.Temperature)
	}

	if err := s.SetSessionTitle(ctx, "sess-1", "first question"); err != nil {
		t.Fatal("set title:", err)
	}
	got, _ = s.GetSession(ctx, "sess-1")
	if got.Title != "first question" {
		t.Errorf("title = %q, want %q", got.Title, "first question")
	}

	if err := s.AddSessionTokens(ctx, "sess-1", 42); err != nil {
		t.Fatal("add tokens:", err)
	}
	stats, err := s.SessionStats(ctx, "sess-1")
	if err != nil {
		t.Fatal("stats:", err)
	}
	if stats.TotalTokens != 42 {
		t.Errorf("total tokens = %d, want 42", stats.TotalTokens)
	}

	sessions, total, err := s.ListSessions(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatal("list:", err)
	}
	if total != 1 || len(sessions) != 1 {
		t.Fatalf("list count = %d/%d, want 1/1", len(sessions), total)
	}
}

func TestExpireInactiveSessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "user-1")

	stale := time.Now().UTC().Add(-48 * time.Hour)
	fresh := time.Now().UTC()

	if err := s.CreateSession(ctx, &chat.Session{
		ID: "sess-stale", UserID: "user-1", Provider: "openai", Model: "gpt-4o",
		Status: chat.SessionActive, CreatedAt: stale, LastActivityAt: stale,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSession(ctx, &chat.Session{
		ID: "sess-fresh", UserID: "user-1", Provider: "openai", Model: "gpt-4o",
		Status: chat.SessionActive, CreatedAt: fresh, LastActivityAt: fresh,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := s.ExpireInactiveSessions(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	got, err := s.GetSession(ctx, "sess-stale")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != chat.SessionExpired {
		t.Errorf("stale session status = %q, want expired", got.Status)
	}

	got, err = s.GetSession(ctx, "sess-fresh")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != chat.SessionActive {
		t.Errorf("fresh session status = %q, want active", got.Status)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "user-1")

	now := time.Now().UTC()
	if err := s.CreateSession(ctx, &chat.Session{
		ID: "sess-1", UserID: "user-1", Provider: "openai", Model: "gpt-4o",
		Status: chat.SessionActive, CreatedAt: now, LastActivityAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	msgs := []chat.Message{
		{ID: "m1", SessionID: "sess-1", Role: chat.RoleUser, Content: "hi", CreatedAt: now},
		{ID: "m2", SessionID: "sess-1", Role: chat.RoleAssistant, Content: "hello", CreatedAt: now.Add(time.Millisecond)},
	}
	for _, m := range msgs {
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatal("append:", err)
		}
	}

	got, err := s.RecentMessages(ctx, "sess-1", 0)
	if err != nil {
		t.Fatal("recent:", err)
	}
	if len(got) != 2 {
		t.Fatalf("recent count = %d, want 2", len(got))
	}
	if got[0].Content != "hi" || got[1].Content != "hello" {
		t.Errorf("order wrong: %+v", got)
	}

	limited, err := s.ListMessages(ctx, "sess-1", 1)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(limited) != 1 || limited[0].Content != "hello" {
		t.Errorf("limited = %+v, want last message only", limited)
	}

	summary := chat.Message{
		ID: "m3", SessionID: "sess-1", Role: chat.RoleSystem,
		Content: "[conversation summary]: greeting exchanged", IsSummary: true, CreatedAt: now.Add(2 * time.Millisecond),
	}
	if err := s.AppendMessage(ctx, summary); err != nil {
		t.Fatal("append summary:", err)
	}
	stats, err := s.SessionStats(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.SummaryCount != 1 {
		t.Errorf("summary count = %d, want 1", stats.SummaryCount)
	}
	if stats.MessageCount != 3 {
		t.Errorf("message count = %d, want 3", stats.MessageCount)
	}

	if err := s.AddSessionTokens(ctx, "sess-1", 42); err != nil {
		t.Fatal("add tokens:", err)
	}

	if err := s.ClearContext(ctx, "sess-1", true); err != nil {
		t.Fatal("clear keepSystem:", err)
	}
	got, err = s.RecentMessages(ctx, "sess-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].IsSummary {
		t.Errorf("messages after clear(keepSystem=true) = %+v, want only the system summary", got)
	}
	stats, err = s.SessionStats(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalTokens != 0 {
		t.Errorf("total tokens after clear = %d, want 0", stats.TotalTokens)
	}
	if stats.MessageCount != 1 {
		t.Errorf("message count after clear(keepSystem=true) = %d, want 1", stats.MessageCount)
	}

	if err := s.ClearContext(ctx, "sess-1", false); err != nil {
		t.Fatal("clear:", err)
	}
	got, err = s.RecentMessages(ctx, "sess-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("messages after clear = %d, want 0", len(got))
	}
}
