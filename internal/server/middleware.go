package server

import (
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/BitOpenCode/MRKT/internal/auth"
	"golang.org/x/time/rate"
)

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	clients map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = int(rps*2) + 1
	}
	return &clientLimiter{rps: rate.Limit(rps), burst: burst, clients: make(map[string]*limiterEntry)}
}

func (l *clientLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.clients[key]
	if !ok {
		if len(l.clients) > 10000 {
			l.sweep(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// sweep drops clients idle for ten minutes. Callers hold l.mu.
func (l *clientLimiter) sweep(now time.Time) {
	for k, e := range l.clients {
		if now.Sub(e.lastSeen) > 10*time.Minute {
			delete(l.clients, k)
		}
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limited wraps write routes with the per-client limiter.
func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeFail(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		h(w, r)
	}
}

// authenticate returns the caller's claims or writes the error response.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, err := s.verifier.FromRequest(r)
	switch {
	case err == nil:
		return claims, true
	case errors.Is(err, auth.ErrNoSecret):
		writeFail(w, http.StatusServiceUnavailable, "Authentication is not configured")
	case errors.Is(err, auth.ErrExpired):
		writeFail(w, http.StatusUnauthorized, "Token has expired")
	case errors.Is(err, auth.ErrNoToken), errors.Is(err, auth.ErrBadScheme):
		writeFail(w, http.StatusUnauthorized, "Authentication required")
	default:
		log.Printf("[api] Rejected token from %s: %v", clientKey(r), err)
		writeFail(w, http.StatusUnauthorized, "Invalid token")
	}
	return nil, false
}
