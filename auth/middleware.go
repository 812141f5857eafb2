// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenResolver maps a bearer token to the user it was issued to.
type TokenResolver interface {
	UserID(ctx context.Context, token string) (uuid.UUID, error)
}

// BearerToken extracts the token from an Authorization header, or ""
// when the header does not carry the Bearer scheme.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// Middleware authenticates requests with the identity provider and
// attaches the resolved user id to the request context.
type Middleware struct {
	log      *zap.Logger
	resolver TokenResolver
}

// NewMiddleware creates an authentication middleware backed by the given
// token resolver.
func NewMiddleware(log *zap.Logger, resolver TokenResolver) *Middleware {
	return &Middleware{log: log, resolver: resolver}
}

// Wrap returns a handler that rejects unauthenticated requests with 401
// and otherwise invokes next with the user id in the context.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			serveUnauthorized(w, "missing bearer token")
			return
		}

		userID, err := m.resolver.UserID(r.Context(), token)
		if err != nil {
			m.log.Debug("token resolution failed", zap.Error(Error.Wrap(err)))
			serveUnauthorized(w, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

// RequireService guards admin-only endpoints: the bearer must equal the
// process-configured service key. The comparison is constant time.
func RequireService(serviceKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if serviceKey == "" || len(token) != len(serviceKey) ||
			subtle.ConstantTimeCompare([]byte(token), []byte(serviceKey)) != 1 {
			serveUnauthorized(w, "service key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func serveUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
