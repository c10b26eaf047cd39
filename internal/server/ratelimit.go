package server

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

const rateLimitBurst = 5

// rateLimiter applies a per-client-address requests-per-minute budget.
// rpm <= 0 disables limiting.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rate.Limiter
	rpm     int
}

func newRateLimiter(rpm int) *rateLimiter {
	return &rateLimiter{clients: make(map[string]*rate.Limiter), rpm: rpm}
}

func (rl *rateLimiter) allow(remoteAddr string) bool {
	if rl.rpm <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	rl.mu.Lock()
	lim, ok := rl.clients[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(rl.rpm)/60.0), rateLimitBurst)
		rl.clients[host] = lim
	}
	rl.mu.Unlock()

	return lim.Allow()
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r.RemoteAddr) {
			s.writeErrorBody(w, http.StatusTooManyRequests, "rate_limit_error", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
