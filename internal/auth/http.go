// ABOUTME: HTTP middleware enforcing bearer-token authentication
// ABOUTME: verifies tokens, resolves the user record, and injects the identity

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/deepstudy/internal/store"
)

// UserStore resolves user records during authentication.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// extractBearerToken pulls the token from an Authorization: Bearer header.
func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// Middleware returns HTTP middleware that authenticates every request.
// The token's subject must resolve to an existing user; the identity is
// then available to handlers via FromContext.
func Middleware(users UserStore, verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r)
			if err != nil {
				writeUnauthorized(w, "authentication required")
				return
			}

			identity, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("token verification failed", "error", err)
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			user, err := users.GetUser(r.Context(), identity.UserID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					logger.Warn("token subject has no user record", "user_id", identity.UserID)
					writeUnauthorized(w, "unknown user")
					return
				}
				logger.Error("user lookup failed", "user_id", identity.UserID, "error", err)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				return
			}
			identity.Username = user.Username

			ctx := WithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AllowAnonymous returns middleware that injects a fixed local identity.
// Used when authentication is disabled for single-user deployments.
func AllowAnonymous() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithIdentity(r.Context(), &Identity{UserID: "local", Username: "local"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}
