// Package server applies the per-address sliding-window rate limit to every
// HTTP request, protecting the services from abuse.
package server

import (
	"log"
	"net"
	"net/http"

	"github.com/Tyrowin/gomessenger/internal/apperr"
)

// clientIP returns the rate-limit origin of r: the host part of the remote
// address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimit charges every request to the caller's address and answers 429
// with Retry-After once the window is exhausted.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		res := s.limiter.Allow(ip)
		if !res.Allowed {
			log.Printf("Rate limit exceeded for %s on %s %s", ip, r.Method, r.URL.Path)
			writeError(w, apperr.TooManyRequests(res.RetryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}
