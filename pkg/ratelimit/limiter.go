// Package ratelimit implements a sliding-window log limiter on Redis sorted sets.
// The limiter fails open: when Redis is unreachable requests are admitted and the
// result is flagged as degraded.
package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

//go:embed sliding_window.lua
var slidingWindowScript string

const (
	defaultKeyPrefix = "quotaguard:rl"
	scriptReplyLen   = 3
)

var (
	// ErrInvalidPolicy rejects malformed policies.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")
	errInvalidReply  = errors.New("invalid sliding window reply")
)

// Result is the outcome of one Check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded marks a result produced while the backing store was unavailable.
	Degraded bool
	// Unlimited marks pairs without a configured policy.
	Unlimited bool
}

// Observer receives limiter events for metrics.
type Observer interface {
	RateLimitChecked(tier string, endpointClass string, allowed bool)
	RateLimitDegraded(tier string, endpointClass string)
}

// Limiter evaluates requests against per-tier policies.
type Limiter struct {
	client   redis.Scripter
	script   *redis.Script
	policies Policies
	prefix   string
	nowFn    func() time.Time
	logger   *zap.Logger
	observer Observer
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter clock.
func WithClock(now func() time.Time) Option {
	return func(limiter *Limiter) {
		if now != nil {
			limiter.nowFn = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(limiter *Limiter) {
		if logger != nil {
			limiter.logger = logger
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(observer Observer) Option {
	return func(limiter *Limiter) {
		limiter.observer = observer
	}
}

// WithKeyPrefix namespaces the Redis keys.
func WithKeyPrefix(prefix string) Option {
	return func(limiter *Limiter) {
		if strings.TrimSpace(prefix) != "" {
			limiter.prefix = prefix
		}
	}
}

// NewLimiter wires a Limiter. A nil client disables throttling entirely.
func NewLimiter(client redis.Scripter, policies Policies, options ...Option) (*Limiter, error) {
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	limiter := &Limiter{
		client:   client,
		script:   redis.NewScript(slidingWindowScript),
		policies: policies,
		prefix:   defaultKeyPrefix,
		nowFn:    time.Now,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(limiter)
		}
	}
	return limiter, nil
}

// Check records one request for identifier and reports whether it fits the window.
func (limiter *Limiter) Check(ctx context.Context, identifier string, tier string, endpointClass string) Result {
	policy, ok := limiter.policies.Lookup(tier, endpointClass)
	if !ok || limiter.client == nil {
		return Result{Allowed: true, Unlimited: true}
	}
	now := limiter.nowFn()
	key := limiter.key(tier, endpointClass, identifier)
	reply, err := limiter.script.Run(ctx, limiter.client,
		[]string{key},
		now.UnixMilli(),
		policy.Window.Milliseconds(),
		policy.Limit,
		strconv.FormatInt(now.UnixNano(), 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err == nil && len(reply) != scriptReplyLen {
		err = fmt.Errorf("%w: %d values", errInvalidReply, len(reply))
	}
	if err != nil {
		limiter.logger.Warn("rate limiting unavailable, admitting request",
			zap.String("tier", tier),
			zap.String("endpoint_class", endpointClass),
			zap.Error(err),
		)
		if limiter.observer != nil {
			limiter.observer.RateLimitDegraded(tier, endpointClass)
		}
		return Result{Allowed: true, Limit: policy.Limit, Remaining: policy.Limit, Degraded: true}
	}
	result := Result{
		Allowed:   reply[0] == 1,
		Limit:     policy.Limit,
		Remaining: reply[1],
		ResetAt:   time.UnixMilli(reply[2]).UTC(),
	}
	if !result.Allowed {
		result.RetryAfter = result.ResetAt.Sub(now)
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
	}
	if limiter.observer != nil {
		limiter.observer.RateLimitChecked(tier, endpointClass, result.Allowed)
	}
	return result
}

func (limiter *Limiter) key(tier string, endpointClass string, identifier string) string {
	return strings.Join([]string{limiter.prefix, tier, endpointClass, identifier}, ":")
}

// Headers renders the conventional rate limit response headers.
func Headers(result Result) map[string]string {
	if result.Unlimited {
		return map[string]string{}
	}
	headers := map[string]string{
		"X-RateLimit-Limit": strconv.FormatInt(result.Limit, 10),
	}
	if result.Degraded {
		return headers
	}
	headers["X-RateLimit-Remaining"] = strconv.FormatInt(result.Remaining, 10)
	headers["X-RateLimit-Reset"] = strconv.FormatInt(result.ResetAt.Unix(), 10)
	if !result.Allowed {
		seconds := int64((result.RetryAfter + time.Second - 1) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		headers["Retry-After"] = strconv.FormatInt(seconds, 10)
	}
	return headers
}
