// Package ratelimit implements the shared Redis counters behind the
// rate-limiting defenses: per-IP and per-fingerprint submission rates,
// content-hash repetition, and the long-lived per-IP spam score.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/redis"
)

const (
	// DefaultWindow is the counting window for submission-rate
	// counters. The window start is baked into the key, so counters
	// roll over without coordination between workers.
	DefaultWindow = time.Minute

	// ipScoreTTL bounds how long a client IP's accumulated spam score
	// survives without new submissions.
	ipScoreTTL = 24 * time.Hour
)

// Counter scopes for RateLimitKey.
const (
	ScopeIP          = "ip"
	ScopeFingerprint = "fp"
)

// Limiter tracks submission rates in Redis. Counters are best-effort:
// a store failure returns an error and the caller decides whether to
// degrade open or closed.
type Limiter struct {
	redis  *redis.Client
	logger *zap.Logger
	window time.Duration

	// now is swappable in tests.
	now func() time.Time
}

// NewLimiter creates a limiter over a Redis client.
func NewLimiter(redisClient *redis.Client, logger *zap.Logger) (*Limiter, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Limiter{
		redis:  redisClient,
		logger: logger,
		window: DefaultWindow,
		now:    time.Now,
	}, nil
}

// windowStart truncates the current time to the window boundary.
func (l *Limiter) windowStart() int64 {
	return l.now().UTC().Truncate(l.window).Unix()
}

// IncrRate increments the submission counter for a subject within the
// current window and returns the new count. Scope is ScopeIP or
// ScopeFingerprint.
func (l *Limiter) IncrRate(ctx context.Context, scope, subject string) (int64, error) {
	key := redis.RateLimitKey(scope, subject, l.windowStart())
	count, err := l.redis.IncrWithExpire(ctx, key, 2*l.window)
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	return count, nil
}

// IncrHashCount increments the repetition counter for a content hash
// within the current window and returns the new count.
func (l *Limiter) IncrHashCount(ctx context.Context, hash string) (int64, error) {
	if hash == "" {
		return 0, nil
	}
	key := redis.HashCountKey(hash, l.windowStart())
	count, err := l.redis.IncrWithExpire(ctx, key, 2*l.window)
	if err != nil {
		return 0, fmt.Errorf("failed to increment hash counter: %w", err)
	}
	return count, nil
}

// AddIPScore adds a request's spam score to the client IP's running
// total and returns the accumulated value. Zero deltas still read the
// current total so callers can threshold on history alone.
func (l *Limiter) AddIPScore(ctx context.Context, ip string, delta int) (int64, error) {
	if ip == "" {
		return 0, nil
	}
	key := redis.IPScoreKey(ip)
	if delta == 0 {
		return l.IPScore(ctx, ip)
	}
	total, err := l.redis.IncrByWithExpire(ctx, key, int64(delta), ipScoreTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to accumulate ip score: %w", err)
	}
	return total, nil
}

// IPScore reads the accumulated spam score for a client IP. A missing
// key reads as zero.
func (l *Limiter) IPScore(ctx context.Context, ip string) (int64, error) {
	raw, err := l.redis.Get(ctx, redis.IPScoreKey(ip))
	if err != nil {
		return 0, fmt.Errorf("failed to read ip score: %w", err)
	}
	if raw == "" {
		return 0, nil
	}
	total, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		l.logger.Warn("Corrupt ip score value, treating as zero",
			zap.String("ip", ip),
			zap.String("value", raw))
		return 0, nil
	}
	return total, nil
}
