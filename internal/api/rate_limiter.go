package api

import (
	"math"
	"net/http"
	"sync"

	apperrors "github.com/cloud-importer/internal/errors"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per owner
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	limit     rate.Limit
	burstSize int
}

// NewRateLimiter creates a limiter allowing rps requests per second per owner
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     rate.Limit(rps),
		burstSize: burst,
	}
}

// getLimiter returns the limiter for key, creating it on first use
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.limit, rl.burstSize)
	rl.limiters[key] = limiter
	return limiter
}

// Allow reports whether the caller identified by key may proceed
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

// RateLimitMiddleware rejects owners that exceed their request rate. Callers
// without an owner id are keyed by remote address.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderOwnerID)
			if key == "" {
				key = r.RemoteAddr
			}

			if !rl.Allow(key) {
				retryAfter := 1
				if rl.limit > 0 {
					retryAfter = int(math.Ceil(1 / float64(rl.limit)))
				}
				respondServiceError(w, r, apperrors.NewRateLimitError(retryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
