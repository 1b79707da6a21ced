// Package auth verifies bearer tokens and carries the caller's identity
// through request contexts.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/transubtil/sharebox/internal/logging"
	"github.com/transubtil/sharebox/internal/metrics"
)

type contextKey string

const principalContextKey contextKey = "principal"

// ErrInvalidToken is returned when no verifier accepts a token.
var ErrInvalidToken = errors.New("invalid token")

// Principal is an authenticated caller.
type Principal struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// Verifier turns a bearer token into a Principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// Chain tries each verifier in order and returns the first success.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, token string) (Principal, error) {
	err := ErrInvalidToken
	for _, v := range c {
		if v == nil {
			continue
		}
		p, verr := v.Verify(ctx, token)
		if verr == nil {
			return p, nil
		}
		err = verr
	}
	return Principal{}, err
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// FromContext returns the principal set by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// Middleware rejects requests without a valid bearer token and stores the
// verified principal in the request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				metrics.RecordAuthAttempt(false)
				sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
				return
			}

			p, err := v.Verify(r.Context(), token)
			if err != nil {
				metrics.RecordAuthAttempt(false)
				logging.WithContext(r.Context()).Debug("token rejected", zap.Error(err))
				sendAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			metrics.RecordAuthAttempt(true)
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin rejects callers that are not administrators. It must run
// inside Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		if !ok {
			sendAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !p.IsAdmin {
			sendAuthError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
		"code":  code,
	})
}
