package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/smallbiznis/valora-bridge/internal/clock"
	"github.com/smallbiznis/valora-bridge/internal/cookie"
)

const (
	limiterIdle  = 5 * time.Minute
	limiterSweep = time.Minute
)

// RateLimiter throttles requests per browser device, falling back to the
// client IP for browsers that have no device cookie yet.
type RateLimiter struct {
	limit rate.Limit
	burst int
	clock clock.Clock

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	*rate.Limiter
	seen time.Time
}

// NewRateLimiter allows requestsPerMinute per key with a burst of a tenth
// of that. A non-positive budget returns nil, which never limits.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	return &RateLimiter{
		limit:   rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:   max(1, requestsPerMinute/10),
		clock:   clock.Real(),
		buckets: make(map[string]*bucket),
	}
}

// WithClock swaps the time source.
func (r *RateLimiter) WithClock(clk clock.Clock) *RateLimiter {
	if r != nil && clk != nil {
		r.clock = clk
	}
	return r
}

// Handler returns the gin middleware.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		if !r.allow(limitKey(c)) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

// Len reports how many keys are tracked.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

func limitKey(c *gin.Context) string {
	if device, err := c.Cookie(cookie.Device); err == nil && device != "" {
		return "device:" + device
	}
	return "ip:" + c.ClientIP()
}

func (r *RateLimiter) allow(key string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.seen = now
	if now.Sub(r.lastSweep) >= limiterSweep {
		r.lastSweep = now
		for k, other := range r.buckets {
			if now.Sub(other.seen) > limiterIdle {
				delete(r.buckets, k)
			}
		}
	}
	r.mu.Unlock()

	return b.AllowN(now, 1)
}
