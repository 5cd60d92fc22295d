// Package transport implements the HTTP surface of the conversation core:
// one chi router shared by the SSE turn endpoint, the buffering "simple"
// variant, the bidirectional websocket binding, and plain session/message
// CRUD, all backed by the same Orchestrator.
package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/chatcore/core/internal/chat"
	"github.com/chatcore/core/internal/orchestrator"
	"github.com/chatcore/core/internal/ratelimit"
	"github.com/chatcore/core/internal/telemetry"
	"github.com/chatcore/core/internal/transport/wsframe"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Store is the persistence surface the transport layer needs beyond what
// the Orchestrator already asks of orchestrator.SessionStore: session CRUD,
// message listing, context reset, and stats. A concrete implementation
// lives in internal/storage.
type Store interface {
	orchestrator.SessionStore
	CreateSession(ctx context.Context, s *chat.Session) error
	ListSessions(ctx context.Context, userID string, limit, offset int) ([]*chat.Session, int, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)
	ClearContext(ctx context.Context, sessionID string, keepSystem bool) error
	SessionStats(ctx context.Context, sessionID string) (SessionStats, error)
}

// SessionStats summarises a session for the /stats endpoint.
type SessionStats struct {
	MessageCount   int
	SummaryCount   int
	TotalTokens    int64
	CreatedAt      string
	LastActivityAt string
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth         chat.Authenticator
	TokenAuth    wsframe.Authenticator // validates the websocket binding's "auth" frame bearer token
	Orchestrator *orchestrator.Orchestrator
	Store        Store
	Clock        chat.Clock
	RateLimiter  *ratelimit.Registry // per-user HTTP-layer limiter, separate from the turn limiter
	HTTPLimits   ratelimit.Limits
	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Clock == nil {
		deps.Clock = chat.SystemClock{}
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/chat/session", s.handleCreateSession)
		r.Post("/chat/message", s.handleChatMessage)
		r.Post("/chat/message/simple", s.handleChatMessageSimple)
		r.Get("/chat/sessions", s.handleListSessions)
		r.Get("/chat/sessions/{sid}/messages", s.handleListMessages)
		r.Delete("/chat/sessions/{sid}/context", s.handleClearContext)
		r.Post("/chat/sessions/{sid}/summarize", s.handleSummarize)
		r.Get("/chat/sessions/{sid}/export", s.handleExport)
		r.Get("/chat/sessions/{sid}/stats", s.handleStats)
	})

	// /ws/chat authenticates itself via the first "auth" frame per the
	// bidirectional binding's own grammar, so it sits outside the HTTP
	// authenticate/rateLimit middleware group.
	r.Get("/ws/chat", s.handleWebSocket)

	return r
}

type server struct {
	deps Deps
}
