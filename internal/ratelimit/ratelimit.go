// Package ratelimit throttles webhook deliveries per channel instance and API calls per client.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"caseline/internal/observability"
)

// Policy is a token bucket: RPS tokens per second up to Burst.
type Policy struct {
	RPS   float64
	Burst int
}

func (p Policy) normalized() Policy {
	if p.RPS <= 0 {
		p.RPS = 1
	}
	if p.Burst <= 0 {
		p.Burst = 1
	}
	return p
}

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Local keeps one x/time/rate limiter per key in process memory.
type Local struct {
	policy    Policy
	idle      time.Duration
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocal(p Policy) *Local {
	return &Local{
		policy:  p.normalized(),
		idle:    3 * time.Minute,
		buckets: map[string]*bucket{},
		now:     time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.policy.RPS), l.policy.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

// tokenBucketScript refills and consumes atomically.
// KEYS[1] bucket key; ARGV rate, capacity, cost, now (seconds, microsecond precision).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 60)
return allowed
`)

// Redis shares buckets between caseline replicas.
type Redis struct {
	Client redis.Scripter
	Policy Policy
	Prefix string
	Now    func() time.Time
}

func NewRedis(client redis.Scripter, p Policy) *Redis {
	return &Redis{Client: client, Policy: p.normalized(), Prefix: "caseline:ratelimit:", Now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	p := r.Policy.normalized()
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	ts := float64(now().UnixMicro()) / 1e6
	allowed, err := tokenBucketScript.Run(ctx, r.Client, []string{r.Prefix + key}, p.RPS, p.Burst, 1, ts).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return allowed == 1, nil
}

// Guard applies a limiter and fails open when the limiter backend errors.
type Guard struct {
	Limiter Limiter
	Scope   string
	Logger  *slog.Logger
}

// Allow reports whether the request for key may proceed. A nil Guard or Limiter allows all.
func (g *Guard) Allow(ctx context.Context, key string) bool {
	if g == nil || g.Limiter == nil {
		return true
	}
	ok, err := g.Limiter.Allow(ctx, key)
	if err != nil {
		if g.Logger != nil {
			g.Logger.WarnContext(ctx, "rate limiter unavailable", "scope", g.Scope, "error", err)
		}
		return true
	}
	if !ok {
		observability.ObserveRateLimited(g.Scope)
	}
	return ok
}

// Middleware limits requests by client address.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allow(r.Context(), ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the remote host of r without the port.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
