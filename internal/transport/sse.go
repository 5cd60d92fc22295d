package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/chatcore/core/internal/chat"
	"github.com/chatcore/core/internal/orchestrator"
)

var (
	sseDataPrefix   = []byte("data: ")
	sseNewline      = []byte("\n\n")
	sseHeaders      = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseCORS         = []string{"*"}
	sseAccelBuf     = []string{"no"}
)

func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseHeaders
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["Access-Control-Allow-Origin"] = sseCORS
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

func writeSSEFrame(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.Write(sseDataPrefix)
	w.Write(data)
	w.Write(sseNewline)
}

type tokenFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
}

type doneFrame struct {
	Type         string              `json:"type"`
	MessageID    string              `json:"messageId"`
	Usage        *frameUsage         `json:"usage,omitempty"`
	ResponseTime int64               `json:"responseTime"`
}

type frameUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type chatMessageRequest struct {
	SessionID        string `json:"sessionId"`
	Message          string `json:"message"`
	ProviderOverride string `json:"provider"`
}

// handleChatMessage drives a turn over SSE: one `data: <json>\n\n` frame
// per token, terminating on a done frame after which the response ends.
// Only {type:"token"} and {type:"done"} frames are written; there is no
// error frame. A turn rejected by RunTurn gets a JSON error response before
// any SSE header is sent, and a provider failure ends as the fallback text
// followed by a done frame.
func (s *server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
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

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	for ev := range events {
		switch ev.Type {
		case orchestrator.EventToken:
			writeSSEFrame(w, tokenFrame{Type: "token", Content: ev.Content, MessageID: ev.MessageID})
			flusher.Flush()
		case orchestrator.EventDone:
			df := doneFrame{Type: "done", MessageID: ev.MessageID, ResponseTime: ev.ResponseTime.Milliseconds()}
			if ev.Usage != nil {
				df.Usage = &frameUsage{
					PromptTokens: ev.Usage.PromptTokens, CompletionTokens: ev.Usage.CompletionTokens,
					TotalTokens: ev.Usage.TotalTokens,
				}
			}
			writeSSEFrame(w, df)
			flusher.Flush()
		}
	}
}
