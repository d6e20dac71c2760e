// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/observability"
)

// RateLimiter is a fixed-window request limiter keyed by client and
// endpoint. Counters live in Redis when a client is configured and in
// process memory otherwise.
type RateLimiter struct {
	redis       redis.Scripter
	logger      *zap.Logger
	metrics     *observability.Metrics
	config      RateLimitConfig
	localLimits sync.Map // key -> *localWindow
	lastSweep   atomic.Int64
	now         func() time.Time
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled           bool                      `yaml:"enabled"`
	RequestsPerMinute int                       `yaml:"requests_per_minute"`
	Window            time.Duration             `yaml:"window"`
	Endpoints         map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders    bool                      `yaml:"include_headers"`
}

// EndpointLimits overrides the default limit for one route.
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           false,
		RequestsPerMinute: 600,
		Window:            time.Minute,
		Endpoints:         DefaultEndpointLimits(),
		IncludeHeaders:    true,
	}
}

// DefaultEndpointLimits returns endpoint-specific limits for the ingest routes.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		// HEC batches carry many events per request
		"POST:/services/collector/event": {
			Path:              "/services/collector/event",
			Method:            http.MethodPost,
			RequestsPerMinute: 120,
			CostMultiplier:    1,
		},
		"POST:/services/collector/raw": {
			Path:              "/services/collector/raw",
			Method:            http.MethodPost,
			RequestsPerMinute: 120,
			CostMultiplier:    1,
		},
	}
}

var windowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// NewRateLimiter creates a new rate limiter. A nil redisClient keeps
// counters in memory, which is only correct for a single instance.
func NewRateLimiter(redisClient redis.Scripter, cfg RateLimitConfig, logger *zap.Logger, metrics *observability.Metrics) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		redis:   redisClient,
		logger:  logger,
		metrics: metrics,
		config:  cfg,
		now:     time.Now,
	}
}

// Check counts one request for clientID against the endpoint's limit.
// Redis failures are logged and the request is allowed.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) *RateLimitResult {
	limit := rl.effectiveLimit(endpoint, method)
	key := fmt.Sprintf("threatlens:ratelimit:%s:%s:%s", clientID, method, endpoint)

	var count int
	var ttl time.Duration
	if rl.redis != nil {
		vals, err := windowScript.Run(ctx, rl.redis, []string{key}, rl.config.Window.Milliseconds()).Int64Slice()
		if err != nil || len(vals) != 2 {
			rl.logger.Warn("Rate limit check failed, allowing request", zap.String("client", clientID), zap.Error(err))
			return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit}
		}
		count = int(vals[0])
		ttl = time.Duration(vals[1]) * time.Millisecond
		if ttl < 0 {
			ttl = rl.config.Window
		}
	} else {
		count, ttl = rl.localIncr(key)
	}

	result := &RateLimitResult{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   rl.now().Add(ttl),
	}
	if !result.Allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
	}
	return result
}

type localWindow struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	evicted bool
}

func (rl *RateLimiter) localIncr(key string) (int, time.Duration) {
	now := rl.now()
	rl.maybeSweep(now)

	for {
		v, _ := rl.localLimits.LoadOrStore(key, &localWindow{})
		w := v.(*localWindow)

		w.mu.Lock()
		if w.evicted {
			// removed by a sweep after we loaded it
			w.mu.Unlock()
			continue
		}
		if !now.Before(w.resetAt) {
			w.count = 0
			w.resetAt = now.Add(rl.config.Window)
		}
		w.count++
		count, ttl := w.count, w.resetAt.Sub(now)
		w.mu.Unlock()
		return count, ttl
	}
}

// maybeSweep drops expired local windows at most once per window, so the
// map only holds clients seen in the current window.
func (rl *RateLimiter) maybeSweep(now time.Time) {
	last := rl.lastSweep.Load()
	if now.UnixNano()-last < int64(rl.config.Window) {
		return
	}
	if !rl.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	rl.localLimits.Range(func(k, v any) bool {
		w := v.(*localWindow)
		w.mu.Lock()
		if !now.Before(w.resetAt) {
			w.evicted = true
			rl.localLimits.Delete(k)
		}
		w.mu.Unlock()
		return true
	})
}

func (rl *RateLimiter) effectiveLimit(endpoint, method string) int {
	limit := rl.config.RequestsPerMinute
	ep, ok := rl.config.Endpoints[method+":"+endpoint]
	if !ok {
		return limit
	}
	if ep.RequestsPerMinute > 0 && ep.RequestsPerMinute < limit {
		limit = ep.RequestsPerMinute
	}
	if ep.CostMultiplier > 1 {
		limit /= ep.CostMultiplier
	}
	return max(limit, 1)
}

// Middleware returns an HTTP middleware for rate limiting. Clients are
// identified by getClientID, falling back to the remote IP.
func (rl *RateLimiter) Middleware(getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var clientID string
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = clientIP(r)
			}

			result := rl.Check(r.Context(), clientID, r.URL.Path, r.Method)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				if !result.ResetAt.IsZero() {
					w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
				}
			}

			if !result.Allowed {
				rl.metrics.ObserveRateLimited()
				retry := max(int(result.RetryAfter.Seconds()), 1)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","detail":"%s","retry_after":%d}`, result.Reason, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP expects chi's RealIP middleware to have rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
