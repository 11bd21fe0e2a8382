// Package middleware holds HTTP middleware for the REST server. The
// WebSocket server does not apply it.
package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// APIKeyAuth validates requests carrying either a signed JWT or one of a
// fixed set of API keys. Health, metrics, and login stay reachable
// without credentials.
type APIKeyAuth struct {
	keys      map[string]struct{}
	jwtSecret []byte
}

// NewAPIKeyAuth creates the auth middleware from the configured key list
// and JWT signing secret. An empty secret disables JWT validation; API
// keys still work.
func NewAPIKeyAuth(keys []string, jwtSecret string) *APIKeyAuth {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	var secret []byte
	if jwtSecret != "" {
		secret = []byte(jwtSecret)
	}
	return &APIKeyAuth{keys: set, jwtSecret: secret}
}

// unauthenticatedPath reports the paths that never require credentials: health and metrics are
// probed by infrastructure, and login is how a client obtains a JWT in
// the first place.
func unauthenticatedPath(path string) bool {
	return path == "/health" || path == "/metrics" || path == "/login"
}

// Handler returns the middleware handler.
func (a *APIKeyAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unauthenticatedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// Authorization: Bearer <JWT-or-API-key>
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			if a.jwtSecret != nil {
				token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
					if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
					}
					return a.jwtSecret, nil
				})
				if err == nil && token.Valid {
					next.ServeHTTP(w, r)
					return
				}
			}

			if _, ok := a.keys[tokenString]; ok {
				next.ServeHTTP(w, r)
				return
			}
		}

		// X-API-Key fallback for clients that cannot set Authorization.
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			if _, ok := a.keys[apiKey]; ok {
				next.ServeHTTP(w, r)
				return
			}
		}

		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}
