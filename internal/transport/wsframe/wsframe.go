// Package wsframe implements the bidirectional framed transport binding: a
// persistent websocket connection carrying the auth -> chat/ping -> token/
// done/error/pong frame grammar, for clients that reuse one connection
// across many turns instead of opening a new SSE request per message.
package wsframe

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/chatcore/core/internal/chat"
	"github.com/chatcore/core/internal/orchestrator"
)

// Authenticator validates the bearer token sent in the first "auth" frame
// and returns the caller's principal.
type Authenticator interface {
	AuthenticateToken(ctx context.Context, token string) (*chat.User, error)
}

// Handler wires a chi route to a persistent websocket connection.
type Handler struct {
	Auth         Authenticator
	Orchestrator *orchestrator.Orchestrator
}

// NewHandler returns a ready-to-use Handler.
func NewHandler(auth Authenticator, orch *orchestrator.Orchestrator) *Handler {
	return &Handler{Auth: auth, Orchestrator: orch}
}

type inFrame struct {
	Type             string `json:"type"`
	Token            string `json:"token"`
	SessionID        string `json:"sessionId"`
	Message          string `json:"message"`
	ProviderOverride string `json:"providerOverride"`
}

type outFrame struct {
	Type         string      `json:"type"`
	SessionID    string      `json:"sessionId,omitempty"`
	MessageID    string      `json:"messageId,omitempty"`
	Content      string      `json:"content,omitempty"`
	Usage        *outUsage   `json:"usage,omitempty"`
	ResponseTime int64       `json:"responseTime,omitempty"`
	Message      string      `json:"message,omitempty"`
	Retryable    bool        `json:"retryable,omitempty"`
}

type outUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ServeHTTP accepts the websocket connection and runs the auth -> frame-loop
// lifecycle until the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	ctx := r.Context()
	user, ok := h.authenticate(ctx, conn)
	if !ok {
		return
	}

	for {
		var in inFrame
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := json.Unmarshal(data, &in); err != nil {
			writeFrame(ctx, conn, outFrame{Type: "error", Message: "Invalid message type or not authenticated"})
			continue
		}

		switch in.Type {
		case "ping":
			writeFrame(ctx, conn, outFrame{Type: "pong"})
		case "chat":
			h.runTurn(ctx, conn, user, in)
		default:
			writeFrame(ctx, conn, outFrame{Type: "error", Message: "Invalid message type or not authenticated"})
		}
	}
}

// authenticate waits for the client's first "auth" frame and validates it,
// replying with auth_success, or with auth_error when the token is rejected.
// A first frame that is not an auth frame gets an error frame. The
// connection is closed on any failure.
func (h *Handler) authenticate(ctx context.Context, conn *websocket.Conn) (*chat.User, bool) {
	authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, data, err := conn.Read(authCtx)
	if err != nil {
		return nil, false
	}
	var in inFrame
	if err := json.Unmarshal(data, &in); err != nil || in.Type != "auth" {
		writeFrame(ctx, conn, outFrame{Type: "error", Message: "Invalid message type or not authenticated"})
		return nil, false
	}

	user, err := h.Auth.AuthenticateToken(ctx, in.Token)
	if err != nil {
		writeFrame(ctx, conn, outFrame{Type: "auth_error", Message: err.Error()})
		return nil, false
	}
	writeFrame(ctx, conn, outFrame{Type: "auth_success"})
	return user, true
}

func (h *Handler) runTurn(ctx context.Context, conn *websocket.Conn, user *chat.User, in inFrame) {
	events, err := h.Orchestrator.RunTurn(ctx, orchestrator.TurnRequest{
		SessionID: in.SessionID, UserID: user.ID, Content: in.Message, ProviderOverride: in.ProviderOverride,
	})
	if err != nil {
		writeFrame(ctx, conn, outFrame{Type: "error", Message: err.Error(), Retryable: true, SessionID: in.SessionID})
		return
	}

	for ev := range events {
		switch ev.Type {
		case orchestrator.EventToken:
			writeFrame(ctx, conn, outFrame{Type: "token", SessionID: in.SessionID, MessageID: ev.MessageID, Content: ev.Content})
		case orchestrator.EventDone:
			of := outFrame{Type: "done", SessionID: in.SessionID, MessageID: ev.MessageID, ResponseTime: ev.ResponseTime.Milliseconds()}
			if ev.Usage != nil {
				of.Usage = &outUsage{
					PromptTokens: ev.Usage.PromptTokens, CompletionTokens: ev.Usage.CompletionTokens,
					TotalTokens: ev.Usage.TotalTokens,
				}
			}
			writeFrame(ctx, conn, of)
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v outFrame) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.LogAttrs(ctx, slog.LevelDebug, "websocket write failed", slog.String("error", err.Error()))
	}
}
