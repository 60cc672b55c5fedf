package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"regexp"
)

const (
	// PeerTokenHeader carries the pairing token shared by both devices.
	PeerTokenHeader = "X-Peer-Token"
	// PeerDeviceHeader optionally names the connecting device.
	PeerDeviceHeader = "X-Peer-Device"
)

type contextKey int

const peerDeviceKey contextKey = iota

var deviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

// PeerDeviceFromContext returns the device name set by PeerAuth, or "".
func PeerDeviceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(peerDeviceKey).(string); ok {
		return v
	}
	return ""
}

// PeerAuth rejects peer connections that do not present token. An empty
// token disables the check. A well-formed device name header is stored in
// the request context.
func PeerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got := r.Header.Get(PeerTokenHeader)
				if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
					http.Error(w, `{"error":"invalid peer token"}`, http.StatusUnauthorized)
					return
				}
			}

			ctx := r.Context()
			if device := r.Header.Get(PeerDeviceHeader); deviceNamePattern.MatchString(device) {
				ctx = context.WithValue(ctx, peerDeviceKey, device)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
