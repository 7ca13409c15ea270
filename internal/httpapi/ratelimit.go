package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/auth"
)

// RateLimiter is a fixed-window request limiter keyed by caller and backed
// by Redis, so every replica shares the same counters.
type RateLimiter struct {
	redis    redis.UniversalClient
	logger   *zap.Logger
	requests int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter allows requests per window for each caller.
func NewRateLimiter(client redis.UniversalClient, requests int, window time.Duration, logger *zap.Logger) *RateLimiter {
	if requests <= 0 {
		requests = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		redis:    client,
		logger:   logger,
		requests: requests,
		window:   window,
		now:      time.Now,
	}
}

// Middleware returns the HTTP middleware function. It must run after the
// auth middleware; anonymous requests are keyed by remote address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := "ratelimit:" + callerKey(r)

		allowed, remaining, resetAt := rl.checkRateLimit(ctx, key)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.requests))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if !allowed {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("path", r.URL.Path),
			)
			retry := int(resetAt.Sub(rl.now()).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
			writeMessage(w, http.StatusTooManyRequests, "Too many requests. Please retry after the rate limit window resets.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerKey(r *http.Request) string {
	if u, err := auth.GetUserContext(r.Context()); err == nil {
		return "user:" + u.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// checkRateLimit counts the request in the current window.
func (rl *RateLimiter) checkRateLimit(ctx context.Context, key string) (allowed bool, remaining int, resetAt time.Time) {
	window := rl.now().Truncate(rl.window)
	resetAt = window.Add(rl.window)
	windowKey := fmt.Sprintf("%s:%d", key, window.Unix())

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, rl.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open: an unavailable Redis must not take the API down.
		rl.logger.Error("Rate limit check failed", zap.Error(err))
		return true, rl.requests, resetAt
	}

	count := incr.Val()
	remaining = rl.requests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.requests), remaining, resetAt
}
