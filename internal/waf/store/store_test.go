package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/configtypes"
	"github.com/formwarden/waf/internal/common/redis"
	"github.com/formwarden/waf/pkg/types"
)

func newTestStore(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	redisClient, err := redis.NewClient(&configtypes.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { redisClient.Close() })

	return NewClient(redisClient, zap.NewNop()), mr
}

func TestPullKeywords(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	mr.SAdd(redis.KeyBlockedKeywords, "Viagra", "casino royale", "  CRYPTO  ")
	mr.SAdd(redis.KeyFlaggedKeywords, "loan:25", "winner", "Deal:0", "bad:-3")

	blocked, flagged, err := store.PullKeywords(ctx)
	require.NoError(t, err)

	assert.Contains(t, blocked, "viagra")
	assert.Contains(t, blocked, "casino royale")
	assert.Contains(t, blocked, "crypto")

	assert.Equal(t, 25, flagged["loan"])
	assert.Equal(t, DefaultFlaggedScore, flagged["winner"])
	assert.Equal(t, 0, flagged["deal"])
	// a negative suffix is not a score
	assert.Equal(t, DefaultFlaggedScore, flagged["bad:-3"])
}

func TestPullThresholdsTyped(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	mr.HSet(redis.KeyThresholds, types.ThresholdSpamScoreBlock, "80")
	mr.HSet(redis.KeyThresholds, types.ThresholdExposeWAFHeaders, "true")
	mr.HSet(redis.KeyThresholds, "custom_label", "tier-a")

	th, err := store.PullThresholds(ctx)
	require.NoError(t, err)

	assert.Equal(t, float64(80), th[types.ThresholdSpamScoreBlock])
	assert.Equal(t, true, th[types.ThresholdExposeWAFHeaders])
	assert.Equal(t, "tier-a", th["custom_label"])
}

func TestPullRouting(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	mr.HSet(redis.KeyRouting, "upstream", "haproxy:80")
	mr.HSet(redis.KeyRouting, "upstream_ssl", "haproxy:443")
	mr.HSet(redis.KeyRouting, "use_tls", "true")
	mr.HSet(redis.KeyRouting, "timeout", "15")

	routing, err := store.PullRouting(ctx)
	require.NoError(t, err)

	assert.Equal(t, "haproxy:80", routing.Upstream)
	assert.Equal(t, "haproxy:443", routing.UpstreamSSL)
	require.NotNil(t, routing.UseTLS)
	assert.True(t, *routing.UseTLS)
	assert.Equal(t, 15, routing.Timeout)
}

func TestPullAllowlistSkipsInvalid(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	mr.SAdd(redis.KeyIPAllowlist, "203.0.113.7", "10.0.0.0/8", "not-an-ip")

	allowlist, err := store.PullAllowlist(ctx)
	require.NoError(t, err)

	assert.True(t, allowlist.Contains("203.0.113.7"))
	assert.True(t, allowlist.Contains("10.1.2.3"))
	assert.False(t, allowlist.Contains("198.51.100.1"))
}

func TestPullWildcardHostsOrdering(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	mr.ZAdd(redis.KeyWildcardHosts, 5, "*.example.com|vh-short")
	mr.ZAdd(redis.KeyWildcardHosts, 1, "*.shop.example.com|vh-long")
	mr.ZAdd(redis.KeyWildcardHosts, 1, "*.api.example.net|vh-other")
	mr.ZAdd(redis.KeyWildcardHosts, 2, "malformed-no-separator")

	hosts, err := store.PullWildcardHosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 3)

	// longest pattern first; ties broken by priority
	assert.Equal(t, "vh-long", hosts[0].VhostID)
	assert.Equal(t, "vh-other", hosts[1].VhostID)
	assert.Equal(t, "vh-short", hosts[2].VhostID)
}

func TestPullVhostsSkipsMalformed(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	mr.ZAdd(redis.KeyVhostIndex, 1, "vh-good")
	mr.ZAdd(redis.KeyVhostIndex, 2, "vh-bad")
	mr.Set(redis.VhostConfigKey("vh-good"), `{"id":"vh-good","mode":"blocking","hostnames":["example.com"]}`)
	mr.Set(redis.VhostConfigKey("vh-bad"), `{not json`)

	vhosts, err := store.PullVhosts(ctx, []string{"vh-good", "vh-bad"})
	require.NoError(t, err)

	require.Contains(t, vhosts, "vh-good")
	assert.Equal(t, "blocking", vhosts["vh-good"].Mode)
	assert.NotContains(t, vhosts, "vh-bad")
}

func TestPullEndpointTables(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	mr.ZAdd(redis.KeyVhostIndex, 1, "vh-1")

	mr.HSet(redis.VhostEndpointsExactKey("vh-1"), "/contact", "ep-contact")
	mr.HSet(redis.VhostEndpointsExactKey("vh-1"), "/submit|POST", "ep-submit")

	mr.ZAdd(redis.VhostEndpointsPrefixKey("vh-1"), 10, "/api|*|ep-api")
	mr.ZAdd(redis.VhostEndpointsPrefixKey("vh-1"), 5, "/api/forms|POST|ep-forms")
	mr.ZAdd(redis.VhostEndpointsPrefixKey("vh-1"), 1, "bad-entry")

	rule, _ := json.Marshal(types.RegexRule{Pattern: `^/f/\d+$`, EndpointID: "ep-regex", Priority: 3})
	mr.ZAdd(redis.VhostEndpointsRegexKey("vh-1"), 3, string(rule))

	mr.HSet(redis.KeyEndpointPathsExact, "/global", "ep-global")

	tables, err := store.PullEndpointTables(ctx, []string{"vh-1"})
	require.NoError(t, err)

	table := tables["vh-1"]
	require.NotNil(t, table)
	assert.Equal(t, "ep-contact", table.Exact["/contact"])
	assert.Equal(t, "ep-submit", table.Exact["/submit|POST"])

	require.Len(t, table.Prefix, 2)
	assert.Equal(t, "ep-forms", table.Prefix[0].EndpointID) // longer prefix first
	assert.Equal(t, "POST", table.Prefix[0].Method)
	assert.Equal(t, "ep-api", table.Prefix[1].EndpointID)

	require.Len(t, table.Regex, 1)
	assert.Equal(t, "ep-regex", table.Regex[0].EndpointID)

	global := tables[""]
	require.NotNil(t, global)
	assert.Equal(t, "ep-global", global.Exact["/global"])
}

func TestPullProfiles(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	mr.ZAdd(redis.KeyProfileIndex, 1, "standard")
	profile := types.DefenseProfile{
		ID: "standard",
		Nodes: []types.ProfileNode{
			{ID: "start", Type: "defense", Name: "keyword_filter"},
		},
	}
	data, _ := json.Marshal(&profile)
	mr.Set(redis.ProfileConfigKey("standard"), string(data))
	mr.Set(redis.KeyProfilesVersion, "7")

	profiles, version, err := store.PullProfiles(ctx)
	require.NoError(t, err)

	require.Contains(t, profiles, "standard")
	assert.Len(t, profiles["standard"].Nodes, 1)
	assert.Equal(t, int64(7), version)
}

func TestPullSnapshotEmptyStore(t *testing.T) {
	store, _ := newTestStore(t)

	snap, err := store.PullSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Empty(t, snap.BlockedKeywords)
	assert.Empty(t, snap.Vhosts)
	assert.NotNil(t, snap.Allowlist)
	assert.NotNil(t, snap.EndpointTables[""])
}

func TestSeedIdempotent(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	defaults := SeedDefaults{
		Routing: types.RoutingConfig{Upstream: "haproxy:80", UpstreamSSL: "haproxy:443"},
	}
	require.NoError(t, store.Seed(ctx, defaults))

	th, err := store.PullThresholds(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(100), th[types.ThresholdSpamScoreBlock])

	routing, err := store.PullRouting(ctx)
	require.NoError(t, err)
	assert.Equal(t, "haproxy:80", routing.Upstream)

	// operator lowers a threshold; a second pass must not restore it
	mr.HSet(redis.KeyThresholds, types.ThresholdSpamScoreBlock, "50")
	require.NoError(t, store.Seed(ctx, defaults))

	th, err = store.PullThresholds(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(50), th[types.ThresholdSpamScoreBlock])

	vhosts, err := store.PullVhosts(ctx, nil)
	require.NoError(t, err)
	require.Contains(t, vhosts, types.DefaultVhostID)
	assert.Equal(t, types.ModeMonitoring, vhosts[types.DefaultVhostID].Mode)
}

func TestSeedBuiltinUpgrade(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	// v0 builtin record and one user-created record
	stale, _ := json.Marshal(&types.FingerprintProfile{
		ID: "standard", Builtin: true, BuiltinVersion: 0,
	})
	mr.Set(redis.FingerprintProfileKey("standard"), string(stale))

	user, _ := json.Marshal(&types.FingerprintProfile{
		ID: "content-only", Fields: []string{"message"},
	})
	mr.Set(redis.FingerprintProfileKey("content-only"), string(user))
	mr.ZAdd(redis.KeyFingerprintIndex, 1, "standard")
	mr.ZAdd(redis.KeyFingerprintIndex, 2, "content-only")

	require.NoError(t, store.Seed(ctx, SeedDefaults{}))

	profiles, err := store.PullFingerprintProfiles(ctx)
	require.NoError(t, err)

	// stale builtin upgraded in place
	require.Contains(t, profiles, "standard")
	assert.Equal(t, 1, profiles["standard"].BuiltinVersion)
	assert.True(t, profiles["standard"].IncludeIP)

	// user record with a builtin id untouched
	require.Contains(t, profiles, "content-only")
	assert.False(t, profiles["content-only"].Builtin)
	assert.Equal(t, []string{"message"}, profiles["content-only"].Fields)
}
