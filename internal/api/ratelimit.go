package api

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/clickstock/internal/auth"
	"github.com/ignite/clickstock/internal/config"
	"github.com/ignite/clickstock/internal/pkg/httputil"
)

// Class selects which per-minute limit applies to a route group.
type Class string

const (
	ClassGeneric Class = "generic"
	ClassAdmin   Class = "admin"
	ClassBatch   Class = "batch"
)

// Lua script for atomic per-minute rate limiting. Checks before
// incrementing so a denied request never consumes budget.
const minuteLimitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")

if current >= limit then
    return {0, current}  -- denied
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}  -- allowed
`

// RateLimiter enforces per-minute request budgets keyed by API key prefix
// (or client IP before authentication). Counters live in Redis so limits
// hold across replicas; without Redis an in-process counter stands in.
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	cfg    config.RateLimitConfig

	// Fallback counters when Redis is absent or unreachable.
	local *xsync.Map[string, localWindow]

	now func() time.Time // swappable for tests
}

type localWindow struct {
	bucket int64
	count  int64
}

// NewRateLimiter creates a rate limiter. redisClient may be nil, in which
// case counters are process-local.
func NewRateLimiter(redisClient *redis.Client, cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(minuteLimitLuaScript),
		cfg:    cfg,
		local:  xsync.NewMap[string, localWindow](),
		now:    time.Now,
	}
}

func (l *RateLimiter) limitFor(class Class) int64 {
	switch class {
	case ClassAdmin:
		return int64(l.cfg.AdminPerMin)
	case ClassBatch:
		return int64(l.cfg.BatchPerMin)
	default:
		return int64(l.cfg.GenericPerMin)
	}
}

// Limit returns middleware enforcing the class budget. A nil or disabled
// limiter passes requests through untouched.
func (l *RateLimiter) Limit(class Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil || !l.cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit := l.limitFor(class)
			if limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			now := l.now()
			identity := callerIdentity(r)
			allowed, current := l.checkAndIncrement(r.Context(), class, identity, limit, now)

			remaining := limit - current
			if remaining < 0 {
				remaining = 0
			}
			reset := (now.Unix()/60 + 1) * 60
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

			if !allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(reset-now.Unix(), 10))
				httputil.Error(w, r, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
					fmt.Sprintf("limit of %d requests per minute exceeded", limit))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// checkAndIncrement consumes one unit of the minute budget. Returns whether
// the request is allowed and the window's count after the call.
func (l *RateLimiter) checkAndIncrement(ctx context.Context, class Class, identity string, limit int64, now time.Time) (bool, int64) {
	bucket := now.Unix() / 60

	if l.redis != nil {
		key := fmt.Sprintf("ratelimit:%s:%s:%d", class, identity, bucket)
		result, err := l.script.Run(ctx, l.redis, []string{key}, limit, 120).Slice()
		if err == nil && len(result) == 2 {
			allowed, _ := result[0].(int64)
			current, _ := result[1].(int64)
			return allowed == 1, current
		}
		if err != nil {
			// Redis trouble must not take the API down with it.
			log.Printf("[RateLimiter] redis check failed, falling back to local counter: %v", err)
		}
	}

	key := string(class) + ":" + identity
	allowed := true
	var current int64
	l.local.Compute(key, func(old localWindow, loaded bool) (localWindow, xsync.ComputeOp) {
		if !loaded || old.bucket != bucket {
			current = 1
			return localWindow{bucket: bucket, count: 1}, xsync.UpdateOp
		}
		if old.count >= limit {
			allowed = false
			current = old.count
			return old, xsync.CancelOp
		}
		old.count++
		current = old.count
		return old, xsync.UpdateOp
	})
	return allowed, current
}

// callerIdentity keys the budget by API key prefix once authenticated,
// otherwise by client IP (RealIP middleware has already resolved proxies).
func callerIdentity(r *http.Request) string {
	if p, ok := auth.FromContext(r.Context()); ok {
		return "key:" + p.KeyPrefix
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
