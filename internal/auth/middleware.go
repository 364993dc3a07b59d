// Package auth trusts the identity headers set by the authentication
// gateway in front of this service. Session management itself lives in the
// gateway, not here.
package auth

import (
	"context"
	"net/http"

	log "github.com/sirupsen/logrus"
)

type contextKey string

// UserEmailKey is the context key used to store the authenticated user's email.
const UserEmailKey contextKey = "user_email"

// remoteEmailHeader is set by the reverse proxy after it has authenticated
// the request. Requests must never reach this service without passing the
// proxy.
const remoteEmailHeader = "Remote-Email"

// RequireAuth extracts the authenticated user's email from the gateway
// header and stores it in the request context for downstream handlers.
// Returns 401 Unauthorized when the header is missing.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := r.Header.Get(remoteEmailHeader)
		if email == "" {
			log.Warn("auth: no identity header present")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserEmailKey, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserEmailFromContext returns the user email from the context.
func GetUserEmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(UserEmailKey).(string)
	return email, ok
}
