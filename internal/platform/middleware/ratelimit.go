package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	max        float64
	rate       float64
	lastRefill time.Time
}

// take refills the bucket and spends one token. When empty it returns the
// whole seconds until the next token.
func (b *tokenBucket) take(now time.Time) (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = math.Min(b.max, b.tokens+now.Sub(b.lastRefill).Seconds()*b.rate)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.rate <= 0 {
		return false, 1
	}
	return false, int((1-b.tokens)/b.rate) + 1
}

// idle reports whether the bucket would be full by now, so dropping it loses
// no state.
func (b *tokenBucket) idle(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens+now.Sub(b.lastRefill).Seconds()*b.rate >= b.max
}

// bucketSweepInterval is how often idle buckets are evicted.
const bucketSweepInterval = time.Minute

// limiter holds one bucket per caller key.
type limiter struct {
	cfg       RateLimitConfig
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	lastSweep time.Time
}

func newLimiter(cfg RateLimitConfig, now time.Time) *limiter {
	return &limiter{cfg: cfg, buckets: make(map[string]*tokenBucket), lastSweep: now}
}

func (l *limiter) bucketFor(key string, now time.Time) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= bucketSweepInterval {
		l.sweep(now)
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: float64(l.cfg.BurstSize), max: float64(l.cfg.BurstSize), rate: l.cfg.RequestsPerSecond, lastRefill: now}
		l.buckets[key] = b
	}
	return b
}

// sweep drops buckets that have refilled. Callers hold l.mu.
func (l *limiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if b.idle(now) {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

// RateLimit throttles each caller separately. Authenticated callers are
// keyed by user id so one account cannot spread reveals across addresses;
// anonymous callers fall back to their IP. Buckets that have refilled are
// evicted once a minute.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	l := newLimiter(cfg, time.Now())
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			now := time.Now()
			if ok, retry := l.bucketFor(key, now).take(now); !ok {
				h.Set("Retry-After", strconv.Itoa(retry))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
