// ABOUTME: request-scoped identity propagation through context.Context
// ABOUTME: carries the authenticated user from middleware to handlers

package auth

import "context"

// Identity describes an authenticated caller.
type Identity struct {
	UserID   string
	Username string
}

type identityKey struct{}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext extracts the identity from the context, if present.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

// MustFromContext extracts the identity or panics. Only call from handlers
// behind the auth middleware, which guarantees an identity is present.
func MustFromContext(ctx context.Context) *Identity {
	id, ok := FromContext(ctx)
	if !ok {
		panic("auth: no identity in context")
	}
	return id
}
