package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc selects the identity a rate-limit bucket is keyed on
type KeyFunc func(*gin.Context) string

// KeyByUserOrIP prefers the authenticated customer and falls back to the
// client IP. Prefixes keep the two namespaces apart.
func KeyByUserOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if id := c.GetString("userID"); id != "" {
			return "user:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a process-local token bucket per key. Idle buckets are
// dropped after ttl during lookups.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc
	ttl   time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
	now      func() time.Time
}

// NewRateLimiter creates a limiter refilling rps tokens per second per key.
// A burst <= 0 is treated as 1.
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		ttl:      10 * time.Minute,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

const cleanupEvery = 5000

func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Sweep before touching key so a stale bucket for it is replaced too
	rl.lookups++
	if rl.lookups >= cleanupEvery {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}

	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Handler rejects requests over the key's budget with 429
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.getVisitor(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}

		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limited",
			"message": "Too many requests. Please slow down.",
			"code":    "RATE_LIMITED",
		})
	}
}
