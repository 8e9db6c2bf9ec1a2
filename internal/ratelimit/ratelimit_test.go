package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBurstThenRefill(t *testing.T) {
	l := NewLocal(Policy{RPS: 1, Burst: 2})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "inst-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "inst-1")
	assert.False(t, ok, "burst exhausted")

	ok, _ = l.Allow(ctx, "inst-2")
	assert.True(t, ok, "keys are independent")

	now = now.Add(1100 * time.Millisecond)
	ok, _ = l.Allow(ctx, "inst-1")
	assert.True(t, ok, "refilled")
}

func TestLocalSweepsIdleBuckets(t *testing.T) {
	l := NewLocal(Policy{RPS: 1, Burst: 1})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()
	_, _ = l.Allow(ctx, "a")
	now = now.Add(10 * time.Minute)
	_, _ = l.Allow(ctx, "b")
	_, ok := l.buckets["a"]
	assert.False(t, ok)
	assert.Len(t, l.buckets, 1)
}

type failing struct{}

func (failing) Allow(context.Context, string) (bool, error) {
	return false, errors.New("backend down")
}

func TestGuardFailsOpen(t *testing.T) {
	g := &Guard{Limiter: failing{}, Scope: "webhook"}
	assert.True(t, g.Allow(context.Background(), "x"))

	var nilGuard *Guard
	assert.True(t, nilGuard.Allow(context.Background(), "x"))
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	g := &Guard{Limiter: NewLocal(Policy{RPS: 0.001, Burst: 1}), Scope: "api"}
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", ClientIP(req))
	req.RemoteAddr = "10.1.2.3"
	assert.Equal(t, "10.1.2.3", ClientIP(req))
}

// TestRedisTokenBucket needs a Redis on localhost:6379 and skips otherwise.
func TestRedisTokenBucket(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available")
	}
	t.Cleanup(func() { client.Close() })

	l := NewRedis(client, Policy{RPS: 1, Burst: 1})
	l.Prefix = "caseline:test:" + t.Name() + ":"
	now := time.Now()
	l.Now = func() time.Time { return now }

	ok, err := l.Allow(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Allow(ctx, "inst-1")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(1100 * time.Millisecond)
	ok, err = l.Allow(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
