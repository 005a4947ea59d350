// ABOUTME: HTTP middleware for JWT authentication on the admin API
// ABOUTME: Extracts a bearer token from the Authorization header and attaches the admin identity

package auth

import (
	"context"
	"net/http"
	"strings"
)

// adminKey is the context key for the authenticated admin subject
type adminKey struct{}

// AdminFromContext returns the authenticated admin subject, or "" if the
// request was not admin-authenticated.
func AdminFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(adminKey{}).(string)
	return sub
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// AdminAuthMiddleware creates an HTTP middleware that validates admin JWTs
// and attaches the admin subject to the request context.
func AdminAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), adminKey{}, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
