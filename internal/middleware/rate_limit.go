package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/realtime-ai/presenced/internal/contextkey"
	"github.com/realtime-ai/presenced/internal/utils"
)

// RateLimiter implements a token bucket rate limiting mechanism backed by the
// shared store, so the budget holds across instances.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *utils.Logger

	capacity int64   // Maximum number of tokens the bucket can hold
	rate     float64 // Tokens added per second
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(redisClient *redis.Client, logger *utils.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		capacity:    5,
		rate:        1.0, // 1 token per second
	}
}

// Middleware applies rate limiting to HTTP requests. Authenticated requests
// are limited per user, anonymous ones per client IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		subject, _ := req.Context().Value(contextkey.ContextKeyUserID).(string)
		if subject == "" {
			subject = clientIP(req)
		}

		if !rl.Allow(req.Context(), subject) {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, req)
	})
}

// Allow checks if a request is allowed for a given subject.
func (rl *RateLimiter) Allow(ctx context.Context, subject string) bool {
	key := fmt.Sprintf("prs:rate_limit:%s", subject)

	val, err := rl.redisClient.HMGet(ctx, key, "tokens", "last_refill").Result()
	if err != nil {
		// Never block traffic on a store failure.
		rl.logger.Error(ctx, "failed to read rate limit bucket for %s: %v", subject, err)
		return true
	}

	currentTokens := rl.capacity
	lastRefillTime := time.Now()

	if val[0] != nil && val[1] != nil {
		if t, err := strconv.ParseFloat(val[0].(string), 64); err == nil {
			currentTokens = int64(t)
		}
		if t, err := time.Parse(time.RFC3339Nano, val[1].(string)); err == nil {
			lastRefillTime = t
		}
	}

	// Refill tokens
	now := time.Now()
	diff := now.Sub(lastRefillTime).Seconds()
	tokensToAdd := int64(diff * rl.rate)
	currentTokens = int64(math.Min(float64(rl.capacity), float64(currentTokens+tokensToAdd)))
	lastRefillTime = now

	// Consume token
	if currentTokens >= 1 {
		currentTokens--
		_, err = rl.redisClient.HMSet(ctx, key, "tokens", currentTokens, "last_refill", lastRefillTime.Format(time.RFC3339Nano)).Result()
		if err != nil {
			rl.logger.Error(ctx, "failed to update rate limit bucket for %s: %v", subject, err)
			return true
		}
		return true
	}

	return false
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
