// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Principal kinds produced by the credential resolver
const (
	KindTrustedProxy = "trusted-proxy"
	KindMesh         = "mesh"
	KindSharedSecret = "shared-secret"
	KindDevice       = "device"
)

// AuthContext holds the authenticated identity information for a connection.
// This is populated by the handshake and can be retrieved from context in
// downstream dispatch handlers.
type AuthContext struct {
	Kind        string // "trusted-proxy" | "mesh" | "shared-secret" | "device"
	PrincipalID string // asserted user, mesh login, client id, or device id
	DeviceID    string // empty for non-device principals
	Role        string
	Scopes      []string // granted scope set, never wider than requested
	Paired      bool
}

// HasScope returns true if the granted scope set contains the named scope.
func (a *AuthContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
