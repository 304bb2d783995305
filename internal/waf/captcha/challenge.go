package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/redis"
)

// challengeTTL bounds how long an unanswered challenge stays valid.
const challengeTTL = 10 * time.Minute

// Challenge is a pending CAPTCHA challenge record. The token is the
// only thing the client sees; everything else is server-side state
// restored on verification.
type Challenge struct {
	Token       string `json:"token"`
	ProviderID  string `json:"provider_id"`
	EndpointID  string `json:"endpoint_id,omitempty"`
	OriginalURI string `json:"original_uri"`
	ContentHash string `json:"content_hash,omitempty"`
	ClientIP    string `json:"client_ip,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// Challenges stores pending challenge records in Redis.
type Challenges struct {
	redis  *redis.Client
	logger *zap.Logger
}

// NewChallenges creates the challenge store.
func NewChallenges(redisClient *redis.Client, logger *zap.Logger) (*Challenges, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Challenges{redis: redisClient, logger: logger}, nil
}

// Create writes a new challenge record and returns it with a fresh
// token.
func (c *Challenges) Create(ctx context.Context, ch Challenge) (*Challenge, error) {
	ch.Token = uuid.New().String()
	ch.CreatedAt = time.Now().UTC().Unix()

	data, err := json.Marshal(&ch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode challenge: %w", err)
	}
	if err := c.redis.Set(ctx, redis.ChallengeKey(ch.Token), string(data), challengeTTL); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	c.logger.Debug("Created CAPTCHA challenge",
		zap.String("token", ch.Token),
		zap.String("endpoint_id", ch.EndpointID))
	return &ch, nil
}

// Get loads a challenge by token. Missing or expired tokens return
// nil without error.
func (c *Challenges) Get(ctx context.Context, token string) (*Challenge, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := c.redis.Get(ctx, redis.ChallengeKey(token))
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	if raw == "" {
		return nil, nil
	}

	var ch Challenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		c.logger.Warn("Corrupt challenge record",
			zap.String("token", token),
			zap.Error(err))
		return nil, nil
	}
	return &ch, nil
}

// Delete removes a consumed challenge. Tokens are single-use.
func (c *Challenges) Delete(ctx context.Context, token string) error {
	return c.redis.Del(ctx, redis.ChallengeKey(token))
}
