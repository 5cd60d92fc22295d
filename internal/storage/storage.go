// Package storage defines persistence interfaces for the conversation core.
package storage

import (
	"context"
	"time"

	"github.com/chatcore/core/internal/chat"
	"github.com/chatcore/core/internal/transport"
)

// UserStore manages user persistence.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*chat.User, error)
	UpsertUser(ctx context.Context, u *chat.User) error
}

// SessionStore manages session persistence. It satisfies both
// orchestrator.SessionStore (the narrow slice the turn state machine needs)
// and transport.Store's session-CRUD surface.
type SessionStore interface {
	CreateSession(ctx context.Context, s *chat.Session) error
	GetSession(ctx context.Context, sessionID string) (*chat.Session, error)
	ListSessions(ctx context.Context, userID string, limit, offset int) ([]*chat.Session, int, error)
	SetSessionTitle(ctx context.Context, sessionID, title string) error
	AddSessionTokens(ctx context.Context, sessionID string, tokens int64) error
	SessionStats(ctx context.Context, sessionID string) (transport.SessionStats, error)
	ExpireInactiveSessions(ctx context.Context, cutoff time.Time) (int, error)
}

// MessageStore manages message persistence. AppendMessage and
// RecentMessages also satisfy contextmgr.Store.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg chat.Message) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)
	DeleteMessages(ctx context.Context, ids []string) error
	ClearContext(ctx context.Context, sessionID string, keepSystem bool) error
}

// Store combines all storage interfaces backing the conversation core.
type Store interface {
	UserStore
	SessionStore
	MessageStore
	Close() error
}
