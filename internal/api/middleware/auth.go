package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/parleychat/parley/internal/auth"
)

type contextKey string

const UserContextKey contextKey = "username"

// AuthMiddleware validates bearer tokens for authenticated endpoints.
type AuthMiddleware struct {
	tokens *auth.TokenIssuer
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(tokens *auth.TokenIssuer) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// RequireAuth verifies the session token and stores the username in the
// request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			jsonError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		username, err := m.tokens.Validate(token)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetUserFromContext retrieves the authenticated username from the
// request context. Empty means unauthenticated.
func GetUserFromContext(ctx context.Context) string {
	username, ok := ctx.Value(UserContextKey).(string)
	if !ok {
		return ""
	}
	return username
}
