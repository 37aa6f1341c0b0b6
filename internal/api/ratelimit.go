package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// rateLimitScript atomically increments a window counter and sets its
// expiry on first use.
var rateLimitScript = redis.NewScript(`
local current = redis.call('INCRBY', KEYS[1], ARGV[2])
if current == tonumber(ARGV[2]) then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// Counter tracks request counts per client within a fixed window.
type Counter interface {
	// Incr adds cost to the client's counter for the current window and
	// returns the new total.
	Incr(ctx context.Context, clientID string, cost int, window time.Duration) (int, error)
}

// RedisCounter counts in Redis so limits hold across replicas.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a Redis-backed counter.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, clientID string, cost int, window time.Duration) (int, error) {
	key := "phishguard:ratelimit:" + clientID + ":" + strconv.FormatInt(time.Now().Unix()/int64(window.Seconds()), 10)
	n, err := rateLimitScript.Run(ctx, c.client, []string{key}, window.Milliseconds(), cost).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// MemoryCounter counts in process memory. Suitable for single-instance
// deployments. Stale client entries are evicted once per window so the maps
// stay bounded by the number of active clients.
type MemoryCounter struct {
	mu        sync.Mutex
	counts    map[string]int
	windows   map[string]time.Time
	lastPrune time.Time
}

// NewMemoryCounter creates an in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		counts:    make(map[string]int),
		windows:   make(map[string]time.Time),
		lastPrune: time.Now(),
	}
}

func (c *MemoryCounter) Incr(_ context.Context, clientID string, cost int, window time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastPrune) >= window {
		for id, start := range c.windows {
			if now.Sub(start) >= window {
				delete(c.windows, id)
				delete(c.counts, id)
			}
		}
		c.lastPrune = now
	}

	if start, ok := c.windows[clientID]; !ok || now.Sub(start) >= window {
		c.windows[clientID] = now
		c.counts[clientID] = 0
	}
	c.counts[clientID] += cost
	return c.counts[clientID], nil
}

// RateLimiter enforces a fixed-window request budget per client IP.
// Counter failures fail open.
type RateLimiter struct {
	counter  Counter
	limit    int
	bulkCost int
	window   time.Duration
	logger   *zap.Logger
}

// NewRateLimiter creates a rate limiter allowing limit requests per minute.
// Bulk lookups consume bulkCost units each.
func NewRateLimiter(counter Counter, limit, bulkCost int, logger *zap.Logger) *RateLimiter {
	if bulkCost < 1 {
		bulkCost = 1
	}
	return &RateLimiter{
		counter:  counter,
		limit:    limit,
		bulkCost: bulkCost,
		window:   time.Minute,
		logger:   logger,
	}
}

// Middleware returns the chi middleware enforcing the limit.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cost := 1
			if strings.HasSuffix(r.URL.Path, "/lookup/bulk") {
				cost = rl.bulkCost
			}

			count, err := rl.counter.Incr(r.Context(), clientIP(r), cost, rl.window)
			if err != nil {
				// A broken counter must not take the API down with it.
				rl.logger.Warn("rate limit counter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			remaining := rl.limit - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if count > rl.limit {
				w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the caller's address. middleware.RealIP has already
// folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
