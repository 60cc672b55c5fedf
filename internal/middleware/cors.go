// Package middleware provides HTTP middleware for the device APIs.
package middleware

import (
	"net/http"
	"path"
	"slices"
)

const (
	corsMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Last-Event-ID, " + PeerTokenHeader + ", " + PeerDeviceHeader
)

// CORS returns middleware that answers browser UIs of either device.
// Entries in allowedOrigins are exact origins, "*" or glob patterns such
// as "https://*.example.com".
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(allowedOrigins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if origin != "" {
				explicit := matchOrigin(allowedOrigins, origin)
				if explicit || wildcard {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", corsMethods)
					w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
				}
				// Credentials only for listed origins; an echoed "*" would allow CSRF.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchOrigin reports whether origin is listed or matches a listed pattern.
func matchOrigin(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o == "*" {
			continue
		}
		if o == origin {
			return true
		}
		if ok, err := path.Match(o, origin); err == nil && ok {
			return true
		}
	}
	return false
}
