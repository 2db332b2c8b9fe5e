// Package auth verifies the single pre-shared API key that guards the tunnel
// control endpoints.
package auth

import (
	"crypto/subtle"
	"net/http"
)

// HeaderName is the request header carrying the API key.
const HeaderName = "X-API-Key"

// Auth checks presented keys against the configured secret.
type Auth struct {
	key []byte
}

// New returns an Auth for the given pre-shared key.
func New(apiKey string) *Auth {
	return &Auth{key: []byte(apiKey)}
}

// Verify reports whether the presented key matches, in constant time.
func (a *Auth) Verify(presented string) bool {
	return subtle.ConstantTimeCompare(a.key, []byte(presented)) == 1
}

// VerifyRequest checks the request's X-API-Key header.
func (a *Auth) VerifyRequest(r *http.Request) bool {
	return a.Verify(r.Header.Get(HeaderName))
}

// Middleware rejects requests without a valid key.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.VerifyRequest(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
