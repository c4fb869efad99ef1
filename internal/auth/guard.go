// Package auth validates the shared-secret header on protected requests.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/comigor/threadgate/internal/apperr"
	"github.com/comigor/threadgate/internal/logger"
)

// ErrorWriter renders a rejection.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Guard compares one request header against a server-held secret.
type Guard struct {
	header  string
	secret  []byte
	onError ErrorWriter
}

// NewGuard creates a guard for the given header and secret. A nil onError
// falls back to plain-text http.Error responses.
func NewGuard(header, secret string, onError ErrorWriter) (*Guard, error) {
	if header == "" || secret == "" {
		return nil, apperr.New(apperr.KindConfiguration, "auth.NewGuard", "header name and secret are required")
	}
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), apperr.KindOf(err).HTTPStatus())
		}
	}
	return &Guard{header: header, secret: []byte(secret), onError: onError}, nil
}

// Check returns nil when the request carries the exact secret, an
// Unauthenticated error when the header is missing and a Forbidden error when
// it does not match. An empty header value counts as missing.
func (g *Guard) Check(r *http.Request) error {
	provided := r.Header.Get(g.header)
	if provided == "" {
		return apperr.New(apperr.KindUnauthenticated, "auth.Check", "Authentication required")
	}
	if subtle.ConstantTimeCompare([]byte(provided), g.secret) != 1 {
		logger.L.Warn("rejected request with invalid credential",
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path,
			"method", r.Method,
		)
		return apperr.New(apperr.KindForbidden, "auth.Check", "Invalid credentials")
	}
	return nil
}

// Middleware wraps next so that it only runs for authenticated requests.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(r); err != nil {
			g.onError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
