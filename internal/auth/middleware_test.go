package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderIdentity(t *testing.T) {
	id := HeaderIdentity{Header: "X-Foreman-User"}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := id.UserID(r)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	r.Header.Set("X-Foreman-User", " alice ")
	user, err := id.UserID(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	id.Anonymous = "anonymous"
	user, err = id.UserID(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "anonymous", user)
}

func TestRequireUser(t *testing.T) {
	var seen string
	h := NewMiddleware(HeaderIdentity{Header: "X-User"}).RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, seen)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User", "bob")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", seen)
}
