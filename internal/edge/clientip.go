package edge

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the canonical client address for a request. When the
// request came through a trusted proxy the first X-Forwarded-For hop wins,
// then X-Real-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		if net.ParseIP(rip) != nil {
			return rip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RealIP rewrites RemoteAddr to the canonical client address so every
// downstream consumer (rate limiter, audit capture, blocklist) reads the
// same value. Runs before anything that keys on the address.
func RealIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.RemoteAddr = ClientIP(r)
		next.ServeHTTP(w, r)
	})
}
