package handlers

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/giftlane/relay/api/metrics"
	"github.com/giftlane/relay/utils/pkg/clientip"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// RateLimitError is the body of a 429 response.
type RateLimitError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"` // seconds
}

type RateLimiterConfig struct {
	// Name labels the limiter in metrics.
	Name  string
	Rate  rate.Limit
	Burst int
	// TrustProxy keys clients by X-Forwarded-For.
	TrustProxy bool
	// IdleTTL is how long an idle client keeps its bucket.
	IdleTTL time.Duration
	Clock   clockwork.Clock
}

// RateLimiter limits requests per client IP with token buckets held in
// memory. It complements the shared Redis windows used by the realtime
// gateway.
type RateLimiter struct {
	cfg      RateLimiterConfig
	mu       sync.Mutex
	limiters map[string]*rateLimiterEntry
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Name == "" {
		cfg.Name = "api"
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &RateLimiter{cfg: cfg, limiters: make(map[string]*rateLimiterEntry)}
}

// AllowWithRetry takes a token for key, or reports how long until one is
// available.
func (rl *RateLimiter) AllowWithRetry(key string) (bool, time.Duration) {
	now := rl.cfg.Clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[key]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now

	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.AllowWithRetry(key)
	return ok
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Sweep drops clients idle for longer than IdleTTL.
func (rl *RateLimiter) Sweep() int {
	cutoff := rl.cfg.Clock.Now().Add(-rl.cfg.IdleTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			n++
		}
	}
	return n
}

// Start sweeps idle clients until ctx is done.
func (rl *RateLimiter) Start(ctx context.Context) {
	ticker := rl.cfg.Clock.NewTicker(rl.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			rl.Sweep()
		}
	}
}

// Middleware rejects clients over their budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := rl.AllowWithRetry(clientip.FromRequest(r, rl.cfg.TrustProxy))
		if allowed {
			next.ServeHTTP(w, r)
			return
		}
		secs := max(int(retryAfter.Seconds()), 1)
		metrics.HTTPRateLimitedTotal.WithLabelValues(rl.cfg.Name).Inc()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, RateLimitError{
			Error:      "rate_limit_exceeded",
			Message:    "Too many requests. Please slow down.",
			RetryAfter: secs,
		})
	})
}
