package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

type RateLimitConfig struct {
	Limit  int
	Burst  int
	Window time.Duration
}

// RateLimiter is a fixed-window counter per caller. A request is allowed
// while the window's count stays within Limit+Burst.
type RateLimiter struct {
	mu       sync.Mutex
	counters *cache.Cache
	config   RateLimitConfig
}

func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{
		counters: cache.New(config.Window, 2*config.Window),
		config:   config,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	count, err := rl.counters.IncrementInt(key, 1)
	if err != nil {
		// First request of a new window.
		rl.counters.Set(key, 1, rl.config.Window)
		count = 1
	}
	return count <= rl.config.Limit+rl.config.Burst
}

// RateLimit keys on the authenticated user, falling back to the client IP.
func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(ContextUserID)
		if key == "" {
			key = c.ClientIP()
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.Limit+rl.config.Burst))
		if !rl.Allow(key) {
			c.Header("Retry-After", strconv.Itoa(int(rl.config.Window.Seconds())))
			abort(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
