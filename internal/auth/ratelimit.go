package auth

import (
	"net/http"
	"sync"
	"time"

	"github.com/GianGuaz256/vending-server/internal/payload"
	"github.com/VictoriaMetrics/metrics"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

var rateLimitedCounter = metrics.GetOrCreateCounter(`http_rate_limited_total`)

// KeyedLimiter hands out one token bucket per key. Entries are never evicted,
// which is acceptable for the bounded population of machines talking to this
// service.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func NewKeyedLimiter(perMinute, burst int) *KeyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = perMinute
	}

	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

func (l *KeyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}

func RateLimitMiddleware(limiter *KeyedLimiter, keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(keyFn(c)) {
			rateLimitedCounter.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, payload.ErrorResponse{Error: "rate_limited"})
			return
		}
		c.Next()
	}
}
