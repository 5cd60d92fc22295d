package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/chatcore/core/internal/chat"
	"github.com/chatcore/core/internal/safety"
)

type createSessionRequest struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"systemPrompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"maxTokens"`
}

type createSessionResponse struct {
	SessionID    string          `json:"sessionId"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Settings     sessionSettings `json:"settings"`
	SystemPrompt string          `json:"systemPrompt"`
}

type sessionSettings struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user := chat.UserFromContext(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthenticated"))
		return
	}

	providers := s.registeredProviders()
	params := safety.SessionCreateParams{
		Provider: req.Provider, Model: req.Model, SystemPrompt: req.SystemPrompt,
		Temperature: req.Temperature, MaxTokens: req.MaxTokens,
	}
	if err := s.safetyGate().ValidateSessionCreate(params, providers); err != nil {
		writeError(w, r.Context(), err)
		return
	}

	now := s.deps.Clock.Now()
	session := &chat.Session{
		ID:             chat.NewID(),
		UserID:         user.ID,
		Provider:       req.Provider,
		Model:          req.Model,
		SystemPrompt:   req.SystemPrompt,
		Status:         chat.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if req.Temperature != nil {
		session.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		session.MaxTokens = *req.MaxTokens
	}

	if err := s.deps.Store.CreateSession(r.Context(), session); err != nil {
		writeError(w, r.Context(), err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: session.ID, Provider: session.Provider, Model: session.Model,
		Settings:     sessionSettings{Temperature: session.Temperature, MaxTokens: session.MaxTokens},
		SystemPrompt: session.SystemPrompt,
	})
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user := chat.UserFromContext(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthenticated"))
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	sessions, total, err := s.deps.Store.ListSessions(r.Context(), user.ID, limit, offset)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": total})
}

// ownedSession fetches the session identified by sid and confirms it
// belongs to the request's authenticated principal and is still active.
// Any mismatch is reported as chat.ErrNotFound, never leaking that a
// session exists under another user's ID.
func (s *server) ownedSession(w http.ResponseWriter, r *http.Request, sid string) (*chat.Session, bool) {
	user := chat.UserFromContext(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthenticated"))
		return nil, false
	}
	session, err := s.deps.Store.GetSession(r.Context(), sid)
	if err != nil {
		writeError(w, r.Context(), err)
		return nil, false
	}
	if session.UserID != user.ID || session.Status != chat.SessionActive {
		writeError(w, r.Context(), chat.ErrNotFound)
		return nil, false
	}
	return session, true
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	session, ok := s.ownedSession(w, r, sid)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	messages, err := s.deps.Store.ListMessages(r.Context(), sid, limit)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sid, "messages": messages, "session": session,
	})
}

func (s *server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if _, ok := s.ownedSession(w, r, sid); !ok {
		return
	}
	keepSystem := r.URL.Query().Get("keepSystem") == "true"
	if err := s.deps.Store.ClearContext(r.Context(), sid, keepSystem); err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": "context cleared"})
}

func (s *server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if _, ok := s.ownedSession(w, r, sid); !ok {
		return
	}
	tokens, err := s.deps.Orchestrator.Summarize(r.Context(), sid)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": "summarized", "tokensAfter": tokens,
	})
}

func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	session, ok := s.ownedSession(w, r, sid)
	if !ok {
		return
	}
	messages, err := s.deps.Store.ListMessages(r.Context(), sid, 0)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "text" {
		w.Header()["Content-Type"] = []string{"text/plain"}
		w.Header()["Content-Disposition"] = []string{`attachment; filename="` + sid + `.txt"`}
		w.WriteHeader(http.StatusOK)
		for _, m := range messages {
			w.Write([]byte(string(m.Role) + ": " + m.Content + "\n\n"))
		}
		return
	}

	w.Header()["Content-Type"] = jsonCT
	w.Header()["Content-Disposition"] = []string{`attachment; filename="` + sid + `.json"`}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"session": session, "messages": messages})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if _, ok := s.ownedSession(w, r, sid); !ok {
		return
	}
	stats, err := s.deps.Store.SessionStats(r.Context(), sid)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *server) registeredProviders() map[string]bool {
	out := make(map[string]bool)
	for _, name := range s.deps.Orchestrator.Providers().List() {
		out[name] = true
	}
	return out
}

func (s *server) safetyGate() *safety.Gate {
	return s.deps.Orchestrator.SafetyGate()
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
