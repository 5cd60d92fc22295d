package transport

import (
	"net/http"

	"github.com/chatcore/core/internal/chat"
	"github.com/chatcore/core/internal/orchestrator"
)

type simpleResponse struct {
	Success          bool          `json:"success"`
	UserMessage      *chat.Message `json:"userMessage"`
	AssistantMessage *chat.Message `json:"assistantMessage"`
}

// handleChatMessageSimple drives the same orchestrator turn as the SSE
// endpoint but buffers every token instead of relaying it immediately,
// returning one JSON body once the turn reaches a terminal state --
// grounded on gandalf's non-streaming handleChatCompletion path.
func (s *server) handleChatMessageSimple(w http.ResponseWriter, r *http.Request) {
	var req chatMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user := chat.UserFromContext(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthenticated"))
		return
	}

	events, err := s.deps.Orchestrator.RunTurn(r.Context(), orchestrator.TurnRequest{
		SessionID: req.SessionID, UserID: user.ID, Content: req.Message,
		CorrelationID: chat.RequestIDFromContext(r.Context()), ProviderOverride: req.ProviderOverride,
	})
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}

	outcome := orchestrator.Collect(events)
	writeJSON(w, http.StatusOK, simpleResponse{
		Success:          outcome.Kind == chat.TurnCompleted || outcome.Kind == chat.TurnFellBack,
		UserMessage:      &chat.Message{SessionID: req.SessionID, Role: chat.RoleUser, Content: req.Message},
		AssistantMessage: outcome.AssistantMessage,
	})
}
