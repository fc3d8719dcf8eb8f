package worker

import (
	"net/http"
	"sync"
	"time"
)

// RateLimiter implements a token bucket. Tokens refill continuously at
// rate per second up to burst.
type RateLimiter struct {
	lastUpdate time.Time
	rate       float64
	burst      int
	tokens     float64
	requests   int64
	rejected   int64
	mu         sync.Mutex
}

// NewRateLimiter creates a limiter allowing rate requests per second with
// the given burst capacity.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

// Allow reports whether a request should be admitted.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.requests++

	now := time.Now()
	elapsed := now.Sub(rl.lastUpdate).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > float64(rl.burst) {
		rl.tokens = float64(rl.burst)
	}
	rl.lastUpdate = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}

	rl.rejected++
	return false
}

// Stats returns rate limiter counters for the stats endpoint.
func (rl *RateLimiter) Stats() map[string]any {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]any{
		"rate":           rl.rate,
		"burst":          rl.burst,
		"current_tokens": rl.tokens,
		"total_requests": rl.requests,
		"rejected":       rl.rejected,
		"rejection_rate": float64(rl.rejected) / max(float64(rl.requests), 1),
	}
}

// RateLimitMiddleware applies one shared limiter to every request.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PerClientRateLimiter keys a token bucket per client address so one noisy
// ingester cannot starve the rest. Idle buckets are dropped lazily during
// lookups.
type PerClientRateLimiter struct {
	lastCleanup     time.Time
	clients         map[string]*RateLimiter
	rate            float64
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	mu              sync.Mutex
}

// NewPerClientRateLimiter creates a per-client rate limiter.
func NewPerClientRateLimiter(rate float64, burst int) *PerClientRateLimiter {
	return &PerClientRateLimiter{
		rate:            rate,
		burst:           burst,
		clients:         make(map[string]*RateLimiter),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

// Allow reports whether a request from the given client should be admitted.
func (p *PerClientRateLimiter) Allow(clientKey string) bool {
	return p.getLimiter(clientKey).Allow()
}

func (p *PerClientRateLimiter) getLimiter(key string) *RateLimiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastCleanup) > p.cleanupInterval {
		p.cleanupLocked()
	}

	limiter, ok := p.clients[key]
	if !ok {
		limiter = NewRateLimiter(p.rate, p.burst)
		p.clients[key] = limiter
	}
	return limiter
}

// cleanupLocked drops buckets idle past maxIdleTime. Caller holds p.mu;
// each limiter's lock is taken only for the lastUpdate read, so the nested
// acquisition is brief and always in the same order.
func (p *PerClientRateLimiter) cleanupLocked() {
	now := time.Now()
	for key, limiter := range p.clients {
		limiter.mu.Lock()
		idle := now.Sub(limiter.lastUpdate)
		limiter.mu.Unlock()

		if idle > p.maxIdleTime {
			delete(p.clients, key)
		}
	}
	p.lastCleanup = now
}

// Stats returns aggregate counters across all client buckets.
func (p *PerClientRateLimiter) Stats() map[string]any {
	p.mu.Lock()
	rate := p.rate
	burst := p.burst
	active := len(p.clients)
	limiters := make([]*RateLimiter, 0, active)
	for _, limiter := range p.clients {
		limiters = append(limiters, limiter)
	}
	p.mu.Unlock()

	var totalRequests, totalRejected int64
	for _, limiter := range limiters {
		limiter.mu.Lock()
		totalRequests += limiter.requests
		totalRejected += limiter.rejected
		limiter.mu.Unlock()
	}

	return map[string]any{
		"rate":           rate,
		"burst":          burst,
		"active_clients": active,
		"total_requests": totalRequests,
		"total_rejected": totalRejected,
	}
}

// PerClientRateLimitMiddleware applies per-client rate limiting keyed by
// X-Real-IP (set by chi's RealIP middleware) or RemoteAddr.
func PerClientRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.RemoteAddr
			if ip := r.Header.Get("X-Real-IP"); ip != "" {
				clientKey = ip
			}

			if !limiter.Allow(clientKey) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
