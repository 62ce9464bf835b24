package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/presenced/internal/contextkey"
	"github.com/realtime-ai/presenced/internal/utils"
)

func newTestLimiter(t *testing.T) (*miniredis.Miniredis, *redis.Client, *RateLimiter) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client, NewRateLimiter(client, utils.NewLogger("error"))
}

func TestAllowConsumesBucket(t *testing.T) {
	_, _, rl := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow(ctx, "u1"), "request %d should pass", i+1)
	}
	assert.False(t, rl.Allow(ctx, "u1"), "bucket should be empty")
}

func TestAllowRefillsOverTime(t *testing.T) {
	_, client, rl := newTestLimiter(t)
	ctx := context.Background()

	// An empty bucket last refilled 2.5s ago earns two tokens back.
	stale := time.Now().Add(-2500 * time.Millisecond).Format(time.RFC3339Nano)
	require.NoError(t, client.HSet(ctx, "prs:rate_limit:u2", "tokens", "0", "last_refill", stale).Err())

	assert.True(t, rl.Allow(ctx, "u2"))
	assert.True(t, rl.Allow(ctx, "u2"))
	assert.False(t, rl.Allow(ctx, "u2"))
}

func TestAllowTracksSubjectsIndependently(t *testing.T) {
	_, _, rl := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, rl.Allow(ctx, "u3"))
	}
	assert.False(t, rl.Allow(ctx, "u3"))
	assert.True(t, rl.Allow(ctx, "u4"))
}

func TestAllowFailsOpenOnStoreError(t *testing.T) {
	mr, _, rl := newTestLimiter(t)
	mr.Close()

	assert.True(t, rl.Allow(context.Background(), "u5"))
}

func TestMiddlewareLimitsAuthenticatedUser(t *testing.T) {
	_, _, rl := newTestLimiter(t)

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	doRequest := func() int {
		req := httptest.NewRequest(http.MethodGet, "/debug/rooms/r1", nil)
		req = req.WithContext(context.WithValue(req.Context(), contextkey.ContextKeyUserID, "mw-user"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, doRequest())
	}
	assert.Equal(t, http.StatusTooManyRequests, doRequest())
}

func TestMiddlewareFallsBackToClientIP(t *testing.T) {
	_, client, rl := newTestLimiter(t)

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "198.51.100.7:4242"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	exists, err := client.Exists(context.Background(), "prs:rate_limit:198.51.100.7").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}
