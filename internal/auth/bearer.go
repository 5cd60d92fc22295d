// Package auth resolves a bearer token into the already-validated principal
// the rest of the service trusts. It deliberately does not issue, rotate, or
// verify credentials against an identity provider -- by the time a token
// reaches here it is assumed to already identify a known user; this package's
// only job is turning that token into a chat.User cheaply and on every
// request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chatcore/core/internal/chat"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up role/plan changes promptly
	cacheMaxLen = 10_000           // max concurrent active users expected per deployment
)

// UserStore is the slice of user persistence BearerAuth needs.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*chat.User, error)
}

// BearerAuth authenticates requests whose bearer token is the caller's user
// ID, resolving it to a chat.User and caching the result in an otter
// W-TinyLFU cache so repeat requests skip the store lookup.
type BearerAuth struct {
	store UserStore
	cache *otter.Cache[string, *chat.User]
}

// NewBearerAuth returns a BearerAuth backed by store.
func NewBearerAuth(store UserStore) (*BearerAuth, error) {
	c, err := otter.New(&otter.Options[string, *chat.User]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *chat.User](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &BearerAuth{store: store, cache: c}, nil
}

// Authenticate implements chat.Authenticator.
func (a *BearerAuth) Authenticate(ctx context.Context, r *http.Request) (*chat.User, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, chat.ErrUnauthenticated
	}

	if u, ok := a.cache.GetIfPresent(raw); ok {
		return u, nil
	}

	u, err := a.store.GetUser(ctx, raw)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return nil, chat.ErrUnauthenticated
		}
		return nil, err
	}

	a.cache.Set(raw, u)
	return u, nil
}

// AuthenticateToken implements wsframe.Authenticator, resolving the bearer
// token carried in a websocket binding's first "auth" frame the same way
// Authenticate resolves the HTTP header.
func (a *BearerAuth) AuthenticateToken(ctx context.Context, token string) (*chat.User, error) {
	if token == "" {
		return nil, chat.ErrUnauthenticated
	}
	if u, ok := a.cache.GetIfPresent(token); ok {
		return u, nil
	}
	u, err := a.store.GetUser(ctx, token)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return nil, chat.ErrUnauthenticated
		}
		return nil, err
	}
	a.cache.Set(token, u)
	return u, nil
}

// InvalidateUser evicts a cached principal, e.g. after a role or plan change
// that must take effect before the cache TTL would otherwise expire it.
func (a *BearerAuth) InvalidateUser(userID string) {
	a.cache.Invalidate(userID)
}
