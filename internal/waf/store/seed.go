package store

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/redis"
	"github.com/formwarden/waf/pkg/types"
)

// Default thresholds written on first start when the threshold hash is
// absent from the store.
var defaultThresholds = map[string]string{
	types.ThresholdSpamScoreBlock:       "100",
	types.ThresholdSpamScoreFlag:        "40",
	types.ThresholdHashCountBlock:       "5",
	types.ThresholdIPRateLimit:          "30",
	types.ThresholdIPSpamScore:          "200",
	types.ThresholdFingerprintRateLimit: "20",
	types.ThresholdExposeWAFHeaders:     "false",
}

// Builtin fingerprint profiles. Bump the version when changing a
// profile so running instances upgrade the stored record in place.
var builtinFingerprintProfiles = []*types.FingerprintProfile{
	{
		ID:             "standard",
		Fields:         []string{"email", "name", "subject"},
		IncludeIP:      true,
		IncludeUA:      true,
		Builtin:        true,
		BuiltinVersion: 1,
	},
	{
		ID:             "content-only",
		Fields:         []string{"email", "name", "subject", "message"},
		Builtin:        true,
		BuiltinVersion: 1,
	},
}

// SeedDefaults holds values the coordinator injects into the one-shot
// seeding pass. Profiles are the builtin defense profiles registered by
// the executor package.
type SeedDefaults struct {
	Routing  types.RoutingConfig
	Profiles []*types.DefenseProfile
}

// Seed writes default records for any collection absent from the store
// and upgrades stale builtin records in place. User-created records are
// never touched, so the pass is idempotent.
func (c *Client) Seed(ctx context.Context, defaults SeedDefaults) error {
	if err := c.seedThresholds(ctx); err != nil {
		return err
	}
	if err := c.seedRouting(ctx, defaults.Routing); err != nil {
		return err
	}
	if err := c.seedDefaultVhost(ctx); err != nil {
		return err
	}
	if err := c.seedFingerprintProfiles(ctx); err != nil {
		return err
	}
	if err := c.seedDefenseProfiles(ctx, defaults.Profiles); err != nil {
		return err
	}
	return nil
}

func (c *Client) seedThresholds(ctx context.Context) error {
	exists, err := c.redis.Exists(ctx, redis.KeyThresholds)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	values := make([]interface{}, 0, len(defaultThresholds)*2)
	for k, v := range defaultThresholds {
		values = append(values, k, v)
	}
	if err := c.redis.HSet(ctx, redis.KeyThresholds, values...); err != nil {
		return err
	}
	c.logger.Info("Seeded default thresholds")
	return nil
}

func (c *Client) seedRouting(ctx context.Context, routing types.RoutingConfig) error {
	exists, err := c.redis.Exists(ctx, redis.KeyRouting)
	if err != nil {
		return err
	}
	if exists || routing.Upstream == "" {
		return nil
	}

	useTLS := "false"
	if routing.UseTLS != nil && *routing.UseTLS {
		useTLS = "true"
	}
	err = c.redis.HSet(ctx, redis.KeyRouting,
		"upstream", routing.Upstream,
		"upstream_ssl", routing.UpstreamSSL,
		"use_tls", useTLS,
		"timeout", strconv.Itoa(routing.Timeout))
	if err != nil {
		return err
	}
	c.logger.Info("Seeded default routing config",
		zap.String("upstream", routing.Upstream))
	return nil
}

func (c *Client) seedDefaultVhost(ctx context.Context) error {
	key := redis.VhostConfigKey(types.DefaultVhostID)
	raw, err := c.redis.Get(ctx, key)
	if err != nil {
		return err
	}
	if raw != "" {
		return nil
	}

	vhost := types.Vhost{
		ID:   types.DefaultVhostID,
		Mode: types.ModeMonitoring,
	}
	data, err := json.Marshal(&vhost)
	if err != nil {
		return err
	}
	if err := c.redis.Set(ctx, key, string(data), 0); err != nil {
		return err
	}
	c.logger.Info("Seeded default vhost", zap.String("vhost_id", vhost.ID))
	return nil
}

func (c *Client) seedFingerprintProfiles(ctx context.Context) error {
	for i, builtin := range builtinFingerprintProfiles {
		key := redis.FingerprintProfileKey(builtin.ID)
		raw, err := c.redis.Get(ctx, key)
		if err != nil {
			return err
		}

		if raw != "" {
			var stored types.FingerprintProfile
			// A corrupt record is rewritten like a stale one.
			if err := json.Unmarshal([]byte(raw), &stored); err == nil {
				if !stored.Builtin || stored.BuiltinVersion >= builtin.BuiltinVersion {
					continue
				}
			}
		}

		data, err := json.Marshal(builtin)
		if err != nil {
			return err
		}
		if err := c.redis.Set(ctx, key, string(data), 0); err != nil {
			return err
		}
		if err := c.redis.ZAdd(ctx, redis.KeyFingerprintIndex, float64(i), builtin.ID); err != nil {
			return err
		}
		c.logger.Info("Seeded builtin fingerprint profile",
			zap.String("profile_id", builtin.ID),
			zap.Int("version", builtin.BuiltinVersion))
	}
	return nil
}

func (c *Client) seedDefenseProfiles(ctx context.Context, builtins []*types.DefenseProfile) error {
	for i, builtin := range builtins {
		key := redis.ProfileConfigKey(builtin.ID)
		raw, err := c.redis.Get(ctx, key)
		if err != nil {
			return err
		}

		if raw != "" {
			var stored types.DefenseProfile
			if err := json.Unmarshal([]byte(raw), &stored); err == nil {
				if !stored.Builtin || stored.BuiltinVersion >= builtin.BuiltinVersion {
					continue
				}
			}
		}

		data, err := json.Marshal(builtin)
		if err != nil {
			return err
		}
		if err := c.redis.Set(ctx, key, string(data), 0); err != nil {
			return err
		}
		if err := c.redis.ZAdd(ctx, redis.KeyProfileIndex, float64(i), builtin.ID); err != nil {
			return err
		}
		c.logger.Info("Seeded builtin defense profile",
			zap.String("profile_id", builtin.ID),
			zap.Int("version", builtin.BuiltinVersion))
	}
	return nil
}
