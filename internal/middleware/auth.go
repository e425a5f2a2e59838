// Package middleware holds the HTTP middleware chain: JWT
// authentication, tenant resolution, plan gating and request auditing.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/shepherdsync/backend/internal/apperr"
	"github.com/shepherdsync/backend/internal/auth"
	"github.com/shepherdsync/backend/internal/respond"
)

type contextKey string

const claimsKey contextKey = "auth.claims"

// ClaimsFromContext returns the authenticated caller's claims, or nil.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// WithClaims injects claims into a context. Exposed for handler tests.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// Authenticator rejects requests without a valid bearer token and
// stores the parsed claims in the request context.
func Authenticator(issuer *auth.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				respond.Error(w, apperr.Unauthorized("missing bearer token"))
				return
			}

			claims, err := issuer.ParseAccess(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				respond.Error(w, apperr.Unauthorized("invalid or expired token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
