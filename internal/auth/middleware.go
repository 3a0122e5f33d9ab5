// Package auth resolves the user behind an HTTP or WebSocket request.
// Foreman does not manage accounts; it trusts an identity asserted by the
// fronting proxy.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when a request carries no identity.
var ErrUnauthenticated = errors.New("no user identity on request")

// ContextKey is used for storing the user id in a request context.
type ContextKey string

const UserContextKey ContextKey = "user"

// Identity yields the caller's user id.
type Identity interface {
	UserID(r *http.Request) (string, error)
}

// HeaderIdentity reads the user id from a header set by a trusted proxy.
// Anonymous, when set, is used for requests without the header.
type HeaderIdentity struct {
	Header    string
	Anonymous string
}

func (h HeaderIdentity) UserID(r *http.Request) (string, error) {
	if id := strings.TrimSpace(r.Header.Get(h.Header)); id != "" {
		return id, nil
	}
	if h.Anonymous != "" {
		return h.Anonymous, nil
	}
	return "", ErrUnauthenticated
}

// Middleware provides HTTP middleware for identity resolution.
type Middleware struct {
	identity Identity
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(identity Identity) *Middleware {
	return &Middleware{identity: identity}
}

// RequireUser wraps a handler to require an identity.
func (m *Middleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := m.identity.UserID(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// WithUser stores user in ctx.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// UserFromContext retrieves the user id from a request context.
func UserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(UserContextKey).(string)
	return user
}
