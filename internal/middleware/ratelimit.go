package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a per-client token bucket guarding the signal ingestion
// endpoints. A client is identified by remote IP; registries and
// inspection endpoints are not limited.
type RateLimiter struct {
	mu             sync.Mutex
	buckets        map[string]*bucket
	requestsPerMin int
	done           chan struct{}
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter builds a limiter allowing requestsPerMin signals per
// client per minute.
func NewRateLimiter(requestsPerMin int) *RateLimiter {
	rl := &RateLimiter{
		buckets:        make(map[string]*bucket),
		requestsPerMin: requestsPerMin,
		done:           make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Middleware rejects over-limit requests with 429 before they reach the
// ingestion handler.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientKey(r)) {
			http.Error(w, "signal rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok {
		rl.buckets[key] = &bucket{tokens: rl.requestsPerMin - 1, lastRefill: now}
		return true
	}

	refill := int(now.Sub(b.lastRefill).Minutes() * float64(rl.requestsPerMin))
	if refill > 0 {
		b.tokens = min(rl.requestsPerMin, b.tokens+refill)
		b.lastRefill = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets idle long enough to have fully refilled anyway.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		now := time.Now()
		for key, b := range rl.buckets {
			if now.Sub(b.lastRefill) > 10*time.Minute {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Close stops the background sweep.
func (rl *RateLimiter) Close() {
	close(rl.done)
}
