package chat

import (
	"context"
	"net/http"
)

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// User is set later by the transport's authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	User      *User
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.RequestID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// RequestIDFromContext extracts the request ID stashed by the transport's
// requestID middleware, or "" if none is present.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithUser stores the authenticated principal in the existing
// requestMeta if present, falling back to creating new metadata (e.g. tests
// that skip the requestID middleware).
func ContextWithUser(ctx context.Context, u *User) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.User = u
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{User: u})
}

// UserFromContext extracts the authenticated principal from context, or nil
// if the request has not been authenticated.
func UserFromContext(ctx context.Context) *User {
	if m := metaFromContext(ctx); m != nil {
		return m.User
	}
	return nil
}

// Authenticator validates request credentials and returns the caller's
// principal. The core never authenticates a request itself -- it trusts
// whatever Authenticator the transport layer is wired with.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*User, error)
}
