// Rate limiter for the admin control plane.
// One token bucket per client IP.
package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter holds a token bucket per client IP.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	window  time.Duration
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows maxRate requests per window, refilled evenly.
func NewRateLimiter(maxRate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*client),
		limit:   rate.Every(window / time.Duration(maxRate)),
		burst:   maxRate,
		window:  window,
	}
}

func (rl *RateLimiter) get(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	c, ok := rl.clients[ip]
	if !ok {
		rl.cleanup(now)
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter
}

// Allow reports whether ip may make another request now.
func (rl *RateLimiter) Allow(ip string) bool {
	return rl.get(ip).Allow()
}

// RetryAfter returns how many seconds until ip has a token again.
func (rl *RateLimiter) RetryAfter(ip string) int {
	r := rl.get(ip).Reserve()
	delay := r.Delay()
	r.Cancel()
	return int(math.Ceil(delay.Seconds()))
}

// cleanup drops clients idle for two windows. Caller holds mu.
func (rl *RateLimiter) cleanup(now time.Time) {
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > 2*rl.window {
			delete(rl.clients, ip)
		}
	}
}

// clientIP prefers the first X-Forwarded-For hop over the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware wraps a handler with rate limiting. Returns 429 if exceeded.
func RateLimitMiddleware(rl *RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter(ip)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
