package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter enforces per-organization request limits on the correlation API.
// Counters live in Redis so limits hold across replicas. When Redis is
// unreachable the limiter fails open: a broken counter store must not take
// the analysis API down with it.
type Limiter struct {
	redis  *redis.Client
	config LimitConfig
	logger *zap.Logger
}

// LimitConfig holds rate limiting configuration.
type LimitConfig struct {
	Tiers          map[string]TierLimits
	Operations     map[string]OperationCost
	DefaultTier    string
	IncludeHeaders bool
}

// TierLimits defines the per-minute budget for a subscription tier.
type TierLimits struct {
	RequestsPerMinute int
	BurstSize         int
}

// OperationCost scales an operation against the tier budget. An analysis
// run is far more expensive than a status read and consumes more budget.
type OperationCost struct {
	Multiplier int
}

// LimitResult is the outcome of a rate limit check.
type LimitResult struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	Limit      int           `json:"limit"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Tier       string        `json:"tier"`
	Reason     string        `json:"reason,omitempty"`
}

// NewLimiter creates a Redis-backed API rate limiter.
func NewLimiter(client *redis.Client, cfg LimitConfig, logger *zap.Logger) *Limiter {
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Operations == nil {
		cfg.Operations = DefaultOperationCosts()
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = "standard"
	}
	return &Limiter{
		redis:  client,
		config: cfg,
		logger: logger,
	}
}

// DefaultTiers returns the built-in subscription tiers.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"standard": {
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		"professional": {
			RequestsPerMinute: 300,
			BurstSize:         60,
		},
		"enterprise": {
			RequestsPerMinute: 1000,
			BurstSize:         200,
		},
	}
}

// DefaultOperationCosts returns cost multipliers for the expensive
// correlation operations. Unlisted operations cost 1.
func DefaultOperationCosts() map[string]OperationCost {
	return map[string]OperationCost{
		// Full pipeline run over the lookback window
		"POST:analyze": {Multiplier: 5},
		// Report assembly over the last result
		"GET:executive-report": {Multiplier: 2},
		// Spawns a background monitoring loop
		"POST:real-time/start": {Multiplier: 2},
	}
}

// operationOf maps a request to its rate limit operation key, stripping the
// organization segment so all orgs share the same cost table.
func operationOf(method, path string) string {
	rest, ok := strings.CutPrefix(path, correlationPrefix)
	if !ok {
		return ""
	}
	_, op, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return method + ":" + op
}

// Check performs a rate limit check for one request.
func (l *Limiter) Check(ctx context.Context, tier, orgID, operation string) (*LimitResult, error) {
	limits, ok := l.config.Tiers[tier]
	if !ok {
		tier = l.config.DefaultTier
		limits = l.config.Tiers[tier]
	}

	effective := limits.RequestsPerMinute
	if cost, ok := l.config.Operations[operation]; ok && cost.Multiplier > 1 {
		effective /= cost.Multiplier
	}
	if effective < 1 {
		effective = 1
	}

	redisKey := fmt.Sprintf("shadowscan:ratelimit:%s:%s:%s:minute", tier, orgID, operation)
	now := time.Now()

	script := redis.NewScript(`
		local current = redis.call('INCR', KEYS[1])
		if current == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return current
	`)

	current, err := script.Run(ctx, l.redis, []string{redisKey}, 60000).Int()
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
		return &LimitResult{Allowed: true, Tier: tier}, nil
	}

	allowed := current <= effective
	remaining := effective - current
	if remaining < 0 {
		remaining = 0
	}

	ttl, _ := l.redis.TTL(ctx, redisKey).Result()

	result := &LimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     effective,
		ResetAt:   now.Add(ttl),
		Tier:      tier,
	}
	if !allowed {
		result.RetryAfter = ttl
		result.Reason = "rate limit exceeded"
	}
	return result, nil
}

// Middleware returns an HTTP middleware enforcing the limiter. The tier
// comes from getTier; the counter key is the organization segment of the
// request path, falling back to the client IP for unscoped routes.
func (l *Limiter) Middleware(getTier func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := orgSegment(r.URL.Path)
			if subject == "" {
				subject = clientIP(r)
			}

			result, err := l.Check(r.Context(), getTier(r), subject, operationOf(r.Method, r.URL.Path))
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if l.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"success":false,"error":{"code":"rate_limit_exceeded","message":"%s","retry_after":%d}}`,
					result.Reason, int(result.RetryAfter.Seconds()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func orgSegment(path string) string {
	rest, ok := strings.CutPrefix(path, correlationPrefix)
	if !ok {
		return ""
	}
	org, _, _ := strings.Cut(rest, "/")
	return org
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
