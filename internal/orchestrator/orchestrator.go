// Package orchestrator implements the turn orchestrator: the state machine
// that turns one user message into an admitted, context-loaded, provider-
// streamed, persisted assistant turn. It is the only component that knows
// how a turn becomes an assistant message; everything else (rate limiting,
// safety, provider selection, context tracking) is a collaborator it calls
// in a fixed order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/chatcore/core/internal/chat"
	"github.com/chatcore/core/internal/contextmgr"
	"github.com/chatcore/core/internal/llmprovider"
	"github.com/chatcore/core/internal/ratelimit"
	"github.com/chatcore/core/internal/safety"
	"github.com/chatcore/core/internal/telemetry"
)

// EventType identifies the kind of TurnEvent pushed to a subscriber.
type EventType string

const (
	EventToken EventType = "token"
	EventDone  EventType = "done"
)

// TurnEvent is one increment of a streamed turn, pushed over a typed
// channel rather than delivered through a callback so a transport binding
// can select on it alongside its own connection lifecycle.
type TurnEvent struct {
	Type          EventType
	MessageID     string
	Content       string
	Usage         *llmprovider.Usage
	ResponseTime  time.Duration
	Fallback      bool
	CorrelationID string
}

// TurnRequest is the inbound request for a single user turn. Identity is
// assumed already validated by the time it reaches the orchestrator.
type TurnRequest struct {
	SessionID        string
	UserID           string
	Content          string
	CorrelationID    string
	ProviderOverride string
}

// SessionStore is the slice of session persistence the orchestrator needs.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*chat.Session, error)
	SetSessionTitle(ctx context.Context, sessionID, title string) error
	AddSessionTokens(ctx context.Context, sessionID string, tokens int64) error
}

// Config configures an Orchestrator's admission thresholds.
type Config struct {
	Clock             chat.Clock
	RequestLimits     ratelimit.Limits // e.g. 50 requests per 15 minutes, keyed per user
	DailyRequestLimit int
	DailyTokenLimit   int64
	TitleMaxRunes     int
	// TurnTimeout bounds admission-to-terminal-event wall clock; an adapter
	// that never emits a terminal chunk within this window is treated as a
	// provider error and routes to FALLBACK_SAFE. Defaults to 120s.
	TurnTimeout time.Duration
	// Metrics is optional; when nil, turn and token counters are not reported.
	Metrics *telemetry.Metrics
}

// Orchestrator wires the rate limiter, safety gate, context manager, and
// provider registry into the turn state machine: ADMIT -> LOAD_CTX ->
// SELECT_PROVIDER -> STREAM -> FINALIZE | FALLBACK_SAFE.
type Orchestrator struct {
	cfg          Config
	rateLimiters *ratelimit.Registry
	quotas       *ratelimit.QuotaTracker
	safetyGate   *safety.Gate
	contextMgr   *contextmgr.Manager
	providers    *llmprovider.Registry
	sessions     SessionStore
}

// New returns a ready-to-use Orchestrator.
func New(cfg Config, rateLimiters *ratelimit.Registry, quotas *ratelimit.QuotaTracker, safetyGate *safety.Gate, contextMgr *contextmgr.Manager, providers *llmprovider.Registry, sessions SessionStore) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = chat.SystemClock{}
	}
	if cfg.TitleMaxRunes == 0 {
		cfg.TitleMaxRunes = 50
	}
	if cfg.TurnTimeout == 0 {
		cfg.TurnTimeout = 120 * time.Second
	}
	return &Orchestrator{
		cfg: cfg, rateLimiters: rateLimiters, quotas: quotas,
		safetyGate: safetyGate, contextMgr: contextMgr, providers: providers, sessions: sessions,
	}
}

// RunTurn admits req and, on success, returns a channel of TurnEvents for
// the caller's transport binding to relay. A non-nil error means no turn
// was started and the returned channel is nil. Errors from admission and
// the session lookup leave nothing persisted; an error from loading the
// context window comes after the user message has been persisted. Reject
// order is validation, quota, rate limit, then safety screen.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (<-chan TurnEvent, error) {
	if err := o.safetyGate.ValidateMessage(req.Content); err != nil {
		return nil, err
	}
	if !o.quotas.Check(req.UserID, o.cfg.DailyRequestLimit, o.cfg.DailyTokenLimit) {
		return nil, chat.ErrQuotaExceeded
	}
	limiter := o.rateLimiters.GetOrCreate("chat:"+req.UserID, o.cfg.RequestLimits)
	if res := limiter.AllowRequest(); !res.Allowed {
		return nil, chat.ErrRateLimited
	}
	if verdict := o.safetyGate.ScreenInbound(req.Content); verdict.Blocked {
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.TurnsTotal.WithLabelValues("blocked_inbound").Inc()
		}
		return nil, fmt.Errorf("%w: %s", chat.ErrSafetyBlocked, verdict.Reason)
	}

	session, err := o.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chat.ErrNotFound, err)
	}
	if session.UserID != req.UserID || session.Status != chat.SessionActive {
		return nil, chat.ErrNotFound
	}

	userMsg := chat.Message{
		ID:        chat.NewID(),
		SessionID: req.SessionID,
		Role:      chat.RoleUser,
		Content:   req.Content,
		Status:    chat.MessageStatusCompleted,
		CreatedAt: o.cfg.Clock.Now(),
	}
	if err := o.contextMgr.AppendMessage(ctx, req.SessionID, userMsg); err != nil {
		return nil, fmt.Errorf("%w: %w", chat.ErrInternal, err)
	}

	if session.Title == "" {
		title := req.Content
		if runeLen := len([]rune(title)); runeLen > o.cfg.TitleMaxRunes {
			title = string([]rune(title)[:o.cfg.TitleMaxRunes])
		}
		if err := o.sessions.SetSessionTitle(ctx, req.SessionID, title); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "failed to persist derived session title",
				slog.String("session_id", req.SessionID), slog.String("error", err.Error()))
		}
	}

	window, err := o.contextMgr.Window(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chat.ErrInternal, err)
	}

	providerName := req.ProviderOverride
	if providerName == "" {
		providerName = session.Provider
	}

	events := make(chan TurnEvent, 8)
	assistantID := chat.NewID()
	go o.stream(ctx, req, session, providerName, window, assistantID, events)
	return events, nil
}

func toProviderMessages(session *chat.Session, msgs []chat.Message) []llmprovider.Message {
	out := make([]llmprovider.Message, 0, len(msgs)+1)
	if session.SystemPrompt != "" {
		out = append(out, llmprovider.Message{Role: "system", Content: session.SystemPrompt})
	}
	for _, m := range msgs {
		out = append(out, llmprovider.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// stream runs SELECT_PROVIDER and STREAM against a context detached from
// the caller's: per the cancellation contract, a disconnecting client must
// not abort the upstream call, since the assistant turn must still reach a
// persisted, completed state. Tokens produced after the caller's ctx is
// done are simply not forwarded.
func (o *Orchestrator) stream(callerCtx context.Context, req TurnRequest, session *chat.Session, providerName string, window []chat.Message, assistantID string, events chan<- TurnEvent) {
	defer close(events)
	start := o.cfg.Clock.Now()

	group := o.providers.FallbackGroup(providerName)
	upstreamCtx, cancel := context.WithTimeout(context.WithoutCancel(callerCtx), o.cfg.TurnTimeout)
	defer cancel()
	completionReq := llmprovider.CompletionRequest{
		Model:    session.Model,
		Messages: toProviderMessages(session, window),
		Stream:   true,
	}
	if session.Temperature > 0 {
		temp := session.Temperature
		completionReq.Temperature = &temp
	}
	if session.MaxTokens > 0 {
		maxTok := session.MaxTokens
		completionReq.MaxTokens = &maxTok
	}
	_, ch, err := llmprovider.StreamCompletion(upstreamCtx, group, completionReq)
	if err != nil {
		o.fallbackSafe(callerCtx, req, assistantID, err, events)
		return
	}

	var buf strings.Builder
	var usage *llmprovider.Usage
	var streamErr error
	discard := false

	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		if chunk.Text != "" {
			buf.WriteString(chunk.Text)
			if !discard && !o.emit(callerCtx, events, TurnEvent{
				Type: EventToken, MessageID: assistantID, Content: chunk.Text, CorrelationID: req.CorrelationID,
			}) {
				discard = true
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Done {
			break
		}
	}

	if streamErr != nil {
		o.fallbackSafe(callerCtx, req, assistantID, streamErr, events)
		return
	}

	if verdict := o.safetyGate.ScreenOutbound(buf.String()); verdict.Blocked {
		o.fallbackSafe(callerCtx, req, assistantID, fmt.Errorf("%w: %s", chat.ErrSafetyBlocked, verdict.Reason), events)
		return
	}

	o.finalize(callerCtx, req, assistantID, session.Model, buf.String(), usage, o.cfg.Clock.Now().Sub(start), events)
}

// finalize persists the completed assistant message exactly once, updates
// session and user token accounting, and emits the terminal done event.
func (o *Orchestrator) finalize(ctx context.Context, req TurnRequest, assistantID, model, content string, usage *llmprovider.Usage, responseTime time.Duration, events chan<- TurnEvent) {
	persistCtx := context.WithoutCancel(ctx)
	assistantMsg := chat.Message{
		ID:        assistantID,
		SessionID: req.SessionID,
		Role:      chat.RoleAssistant,
		Content:   content,
		Status:    chat.MessageStatusCompleted,
		CreatedAt: o.cfg.Clock.Now(),
	}
	if usage != nil {
		assistantMsg.PromptTokens = usage.PromptTokens
		assistantMsg.CompletionTokens = usage.CompletionTokens
	}
	if err := o.contextMgr.AppendMessage(persistCtx, req.SessionID, assistantMsg); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "failed to persist assistant message",
			slog.String("session_id", req.SessionID), slog.String("error", err.Error()))
	}
	if usage != nil {
		total := int64(usage.TotalTokens)
		if err := o.sessions.AddSessionTokens(persistCtx, req.SessionID, total); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "failed to update session token total",
				slog.String("session_id", req.SessionID), slog.String("error", err.Error()))
		}
		o.quotas.Consume(req.UserID, total)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
			o.cfg.Metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
		}
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.TurnsTotal.WithLabelValues("completed").Inc()
	}

	o.emit(ctx, events, TurnEvent{
		Type: EventDone, MessageID: assistantID, Usage: usage,
		ResponseTime: responseTime, CorrelationID: req.CorrelationID,
	})
}

// fallbackSafe persists a canned safe response in place of a failed or
// blocked completion, so every turn still reaches a completed assistant
// message regardless of what went wrong upstream.
func (o *Orchestrator) fallbackSafe(ctx context.Context, req TurnRequest, assistantID string, cause error, events chan<- TurnEvent) {
	persistCtx := context.WithoutCancel(ctx)
	text := o.safetyGate.SafeResponse()
	assistantMsg := chat.Message{
		ID:        assistantID,
		SessionID: req.SessionID,
		Role:      chat.RoleAssistant,
		Content:   text,
		Status:    chat.MessageStatusCompleted,
		Err:       classifyError(cause),
		CreatedAt: o.cfg.Clock.Now(),
	}
	if err := o.contextMgr.AppendMessage(persistCtx, req.SessionID, assistantMsg); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "failed to persist fallback message",
			slog.String("session_id", req.SessionID), slog.String("error", err.Error()))
	}
	slog.LogAttrs(ctx, slog.LevelWarn, "turn fell back to safe response",
		slog.String("session_id", req.SessionID), slog.String("error", cause.Error()))
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.TurnsTotal.WithLabelValues("fell_back").Inc()
	}

	o.emit(ctx, events, TurnEvent{Type: EventToken, MessageID: assistantID, Content: text, CorrelationID: req.CorrelationID})
	o.emit(ctx, events, TurnEvent{Type: EventDone, MessageID: assistantID, Fallback: true, CorrelationID: req.CorrelationID})
}

// httpStatusError is an interface for errors carrying an HTTP status code,
// matching the shape providers return from provider.APIError.
type httpStatusError interface {
	HTTPStatus() int
}

// classifyError turns the cause of a fallback into a MessageError, assigning
// a stable code and a best-effort retryable verdict a client can act on.
func classifyError(cause error) *chat.MessageError {
	if cause == nil {
		return nil
	}
	me := &chat.MessageError{Message: cause.Error(), Code: "upstream_error", Retryable: true}

	switch {
	case errors.Is(cause, chat.ErrSafetyBlocked):
		me.Code, me.Retryable = "safety_blocked", false
	case errors.Is(cause, context.DeadlineExceeded), errors.Is(cause, os.ErrDeadlineExceeded):
		me.Code, me.Retryable = "timeout", true
	default:
		var he httpStatusError
		var netErr *net.OpError
		switch {
		case errors.As(cause, &he):
			status := he.HTTPStatus()
			me.Code = fmt.Sprintf("provider_http_%d", status)
			me.Retryable = status == 429 || (status >= 500 && status <= 504)
		case errors.As(cause, &netErr):
			me.Code, me.Retryable = "network_error", true
		}
	}
	return me
}

// emit pushes ev to events, returning false without blocking forever if
// ctx has already been cancelled (the client disconnected). A false return
// on a token event means the caller should stop forwarding further tokens,
// though the stream itself keeps running to completion.
func (o *Orchestrator) emit(ctx context.Context, events chan<- TurnEvent, ev TurnEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Providers returns the provider registry, for transport-layer checks like
// "is this a known provider" at session-creation time.
func (o *Orchestrator) Providers() *llmprovider.Registry { return o.providers }

// SafetyGate returns the safety gate, for transport-layer validation of
// session-creation requests.
func (o *Orchestrator) SafetyGate() *safety.Gate { return o.safetyGate }

// Summarize forces the context manager to condense a session's oldest
// turns right now, for the explicit summarize endpoint.
func (o *Orchestrator) Summarize(ctx context.Context, sessionID string) (int, error) {
	return o.contextMgr.Summarize(ctx, sessionID)
}

// Collect drains a TurnEvent channel to completion and returns a single
// buffered outcome, for transport bindings that return one JSON response
// instead of streaming increments.
func Collect(events <-chan TurnEvent) chat.TurnOutcome {
	var buf strings.Builder
	var messageID string
	var fellBack bool
	for ev := range events {
		switch ev.Type {
		case EventToken:
			buf.WriteString(ev.Content)
			messageID = ev.MessageID
		case EventDone:
			messageID = ev.MessageID
			fellBack = ev.Fallback
		}
	}
	kind := chat.TurnCompleted
	if fellBack {
		kind = chat.TurnFellBack
	}
	return chat.TurnOutcome{
		Kind:             kind,
		AssistantMessage: &chat.Message{ID: messageID, Role: chat.RoleAssistant, Content: buf.String()},
	}
}
