package auth

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const authContextKey contextKey = "auth_context"

// AuthContext is the verified identity attached to a request after the gate
// accepts its bearer token. It is immutable for the life of the request; all
// tenant scoping downstream derives from TenantID.
type AuthContext struct {
	TenantID    string
	UserID      string
	Permissions []string
	SessionID   uuid.UUID
}

// Has reports whether the context satisfies the required permission.
func (a *AuthContext) Has(required string) bool {
	return HasPermission(a.Permissions, required)
}

// WithAuthContext stores the verified auth context on a request context.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext extracts the auth context from a request context.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey).(*AuthContext)
	return ac, ok
}

// MustFromContext extracts the auth context or panics. Handlers behind the
// auth middleware may rely on its presence.
func MustFromContext(ctx context.Context) *AuthContext {
	ac, ok := FromContext(ctx)
	if !ok {
		panic("auth context not found in request context")
	}
	return ac
}
