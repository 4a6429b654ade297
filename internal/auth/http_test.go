// ABOUTME: tests for the bearer-token HTTP middleware
// ABOUTME: covers header parsing, user resolution, and anonymous mode

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deepstudy/internal/store"
)

func newAuthedRequest(t *testing.T, token string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func identityEcho(captured **Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = MustFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_ValidToken(t *testing.T) {
	st := store.NewMockStore()
	v, err := NewJWTVerifier("test-secret")
	require.NoError(t, err)

	user := &store.User{ID: "user-1", Username: "ada", PasswordHash: "x", CreatedAt: time.Now()}
	require.NoError(t, st.CreateUser(context.Background(), user))

	token, err := v.Generate("user-1", "stale-name", time.Hour)
	require.NoError(t, err)

	var got *Identity
	handler := Middleware(st, v, nil)(identityEcho(&got))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newAuthedRequest(t, token))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.UserID)
	// Username comes from the store, not from token claims.
	assert.Equal(t, "ada", got.Username)
}

func TestMiddleware_MissingHeader(t *testing.T) {
	st := store.NewMockStore()
	v, err := NewJWTVerifier("test-secret")
	require.NoError(t, err)

	handler := Middleware(st, v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newAuthedRequest(t, ""))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "authentication required")
}

func TestMiddleware_BadScheme(t *testing.T) {
	st := store.NewMockStore()
	v, err := NewJWTVerifier("test-secret")
	require.NoError(t, err)

	handler := Middleware(st, v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_InvalidToken(t *testing.T) {
	st := store.NewMockStore()
	v, err := NewJWTVerifier("test-secret")
	require.NoError(t, err)

	handler := Middleware(st, v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newAuthedRequest(t, "not-a-token"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid or expired token")
}

func TestMiddleware_UnknownUser(t *testing.T) {
	st := store.NewMockStore()
	v, err := NewJWTVerifier("test-secret")
	require.NoError(t, err)

	token, err := v.Generate("ghost", "ghost", time.Hour)
	require.NoError(t, err)

	handler := Middleware(st, v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newAuthedRequest(t, token))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown user")
}

func TestAllowAnonymous(t *testing.T) {
	var got *Identity
	handler := AllowAnonymous()(identityEcho(&got))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "local", got.UserID)
	assert.Equal(t, "local", got.Username)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "case insensitive scheme", header: "bearer abc123", want: "abc123"},
		{name: "missing", header: "", wantErr: true},
		{name: "no token", header: "Bearer", wantErr: true},
		{name: "wrong scheme", header: "Token abc123", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := extractBearerToken(req)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
