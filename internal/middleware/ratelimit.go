package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/microsoft/nxs/internal/httputil"
	"github.com/microsoft/nxs/internal/logging"
)

// RateLimiter applies a per-client-IP token bucket, grounded on
// r3e-network-service_layer/infrastructure/middleware/ratelimit.go.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
	logger   *logging.Logger
}

// NewRateLimiter builds a RateLimiter allowing requestsPerSecond sustained
// throughput per client IP, with burst headroom.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *logging.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.r, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Handler returns the mux middleware.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := httputil.ClientIP(r)
		if key == "" {
			key = "unknown"
		}
		if !rl.limiterFor(key).Allow() {
			if rl.logger != nil {
				rl.logger.WithContext(r.Context()).WithField("client_ip", key).Warn("rate limit exceeded")
			}
			w.Header().Set("Retry-After", "1")
			httputil.WriteErrorResponse(w, r, http.StatusTooManyRequests, "capacity", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartCleanup periodically drops the limiter map once it grows past a
// bound, matching the teacher's simple unbounded-growth guard.
func (rl *RateLimiter) StartCleanup(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			select {
			case <-ticker.C:
				rl.mu.Lock()
				if len(rl.limiters) > 10000 {
					rl.limiters = make(map[string]*rate.Limiter)
				}
				rl.mu.Unlock()
			case <-done:
				return
			}
		}
	}()
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
