// Package store pulls WAF policy collections out of the backing
// key-value store and converts raw records into the typed snapshot
// representation. Every pull is best-effort: a failed or malformed
// record is logged and skipped, and the caller keeps serving the
// previous snapshot.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/redis"
	"github.com/formwarden/waf/internal/waf/hotcache"
	"github.com/formwarden/waf/pkg/types"
)

// DefaultFlaggedScore applies to flagged keywords stored without a
// kw:N score suffix.
const DefaultFlaggedScore = 10

// Client reads policy collections from the config store.
type Client struct {
	redis  *redis.Client
	logger *zap.Logger
}

// NewClient creates a store client.
func NewClient(redisClient *redis.Client, logger *zap.Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// PullSnapshot performs the full pull in the fixed collection order and
// assembles a complete snapshot. Any error aborts the pull; the caller
// keeps the previous snapshot.
func (c *Client) PullSnapshot(ctx context.Context) (*hotcache.Snapshot, error) {
	snap := hotcache.NewSnapshot()

	var err error
	if snap.BlockedKeywords, snap.FlaggedKeywords, err = c.PullKeywords(ctx); err != nil {
		return nil, err
	}
	if snap.BlockedHashes, err = c.PullBlockedHashes(ctx); err != nil {
		return nil, err
	}
	if snap.Thresholds, err = c.PullThresholds(ctx); err != nil {
		return nil, err
	}
	if snap.Routing, err = c.PullRouting(ctx); err != nil {
		return nil, err
	}
	if snap.Allowlist, err = c.PullAllowlist(ctx); err != nil {
		return nil, err
	}
	if snap.VhostIndex, err = c.pullIndex(ctx, redis.KeyVhostIndex); err != nil {
		return nil, err
	}
	if snap.ExactHosts, err = c.PullExactHosts(ctx); err != nil {
		return nil, err
	}
	if snap.WildcardHosts, err = c.PullWildcardHosts(ctx); err != nil {
		return nil, err
	}
	if snap.Vhosts, err = c.PullVhosts(ctx, snap.VhostIndex); err != nil {
		return nil, err
	}
	if snap.EndpointTables, err = c.PullEndpointTables(ctx, snap.VhostIndex); err != nil {
		return nil, err
	}
	if snap.Endpoints, err = c.PullEndpoints(ctx); err != nil {
		return nil, err
	}
	if snap.Profiles, snap.ProfilesVersion, err = c.PullProfiles(ctx); err != nil {
		return nil, err
	}
	if snap.CaptchaProviders, err = c.PullCaptchaProviders(ctx); err != nil {
		return nil, err
	}
	if snap.FingerprintProfiles, err = c.PullFingerprintProfiles(ctx); err != nil {
		return nil, err
	}

	return snap, nil
}

// PullKeywords loads the blocked and flagged keyword sets. Flagged
// entries may carry a score suffix ("casino:25"); entries without one
// get DefaultFlaggedScore.
func (c *Client) PullKeywords(ctx context.Context) (map[string]struct{}, map[string]int, error) {
	blockedRaw, err := c.redis.SMembers(ctx, redis.KeyBlockedKeywords)
	if err != nil {
		return nil, nil, err
	}
	blocked := make(map[string]struct{}, len(blockedRaw))
	for _, kw := range blockedRaw {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			blocked[kw] = struct{}{}
		}
	}

	flaggedRaw, err := c.redis.SMembers(ctx, redis.KeyFlaggedKeywords)
	if err != nil {
		return nil, nil, err
	}
	flagged := make(map[string]int, len(flaggedRaw))
	for _, entry := range flaggedRaw {
		kw, score := ParseFlaggedEntry(entry)
		if kw != "" {
			flagged[kw] = score
		}
	}

	return blocked, flagged, nil
}

// ParseFlaggedEntry splits a flagged keyword entry into keyword and
// score. Entries without a kw:N suffix get DefaultFlaggedScore.
func ParseFlaggedEntry(entry string) (string, int) {
	entry = strings.ToLower(strings.TrimSpace(entry))
	if idx := strings.LastIndexByte(entry, ':'); idx > 0 {
		if score, err := strconv.Atoi(entry[idx+1:]); err == nil && score >= 0 {
			return entry[:idx], score
		}
	}
	return entry, DefaultFlaggedScore
}

// PullBlockedHashes loads the blocked content-hash set.
func (c *Client) PullBlockedHashes(ctx context.Context) (map[string]struct{}, error) {
	raw, err := c.redis.SMembers(ctx, redis.KeyBlockedHashes)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]struct{}, len(raw))
	for _, h := range raw {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hashes[h] = struct{}{}
		}
	}
	return hashes, nil
}

// PullThresholds loads the global threshold map. Stored values are
// strings; the bool/number/string parse ladder recovers the type.
func (c *Client) PullThresholds(ctx context.Context) (types.Thresholds, error) {
	raw, err := c.redis.HGetAll(ctx, redis.KeyThresholds)
	if err != nil {
		return nil, err
	}
	th := make(types.Thresholds, len(raw))
	for k, v := range raw {
		th[k] = types.ParseThresholdValue(v)
	}
	return th, nil
}

// PullRouting loads the stored global routing config.
func (c *Client) PullRouting(ctx context.Context) (types.RoutingConfig, error) {
	raw, err := c.redis.HGetAll(ctx, redis.KeyRouting)
	if err != nil {
		return types.RoutingConfig{}, err
	}

	routing := types.RoutingConfig{
		Upstream:    raw["upstream"],
		UpstreamSSL: raw["upstream_ssl"],
	}
	if v, ok := raw["use_tls"]; ok {
		useTLS := v == "true" || v == "1"
		routing.UseTLS = &useTLS
	}
	if v, ok := raw["timeout"]; ok {
		if secs, err := strconv.Atoi(v); err == nil {
			routing.Timeout = secs
		}
	}
	return routing, nil
}

// PullAllowlist loads and partitions the IP allowlist into exact IPs
// and CIDR ranges. Invalid entries are logged and skipped.
func (c *Client) PullAllowlist(ctx context.Context) (*types.Allowlist, error) {
	raw, err := c.redis.SMembers(ctx, redis.KeyIPAllowlist)
	if err != nil {
		return nil, err
	}
	allowlist, invalid := types.NewAllowlist(raw)
	for _, entry := range invalid {
		c.logger.Warn("Skipping invalid allowlist entry", zap.String("entry", entry))
	}
	return allowlist, nil
}

// pullIndex loads a priority-ordered id list from a sorted set.
func (c *Client) pullIndex(ctx context.Context, key string) ([]string, error) {
	entries, err := c.redis.ZRangeWithScores(ctx, key)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if id, ok := e.Member.(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// PullExactHosts loads the hostname-to-vhost map.
func (c *Client) PullExactHosts(ctx context.Context) (map[string]string, error) {
	raw, err := c.redis.HGetAll(ctx, redis.KeyExactHosts)
	if err != nil {
		return nil, err
	}
	hosts := make(map[string]string, len(raw))
	for host, vhostID := range raw {
		hosts[strings.ToLower(host)] = vhostID
	}
	return hosts, nil
}

// PullWildcardHosts loads "pattern|vhost_id" entries and pre-sorts them
// by decreasing pattern length, then increasing priority, the order the
// vhost matcher scans in.
func (c *Client) PullWildcardHosts(ctx context.Context) ([]types.WildcardHost, error) {
	entries, err := c.redis.ZRangeWithScores(ctx, redis.KeyWildcardHosts)
	if err != nil {
		return nil, err
	}

	hosts := make([]types.WildcardHost, 0, len(entries))
	for _, e := range entries {
		member, ok := e.Member.(string)
		if !ok {
			continue
		}
		parts := strings.SplitN(member, "|", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			c.logger.Warn("Skipping malformed wildcard host entry", zap.String("entry", member))
			continue
		}
		hosts = append(hosts, types.WildcardHost{
			Pattern:  strings.ToLower(parts[0]),
			VhostID:  parts[1],
			Priority: int(e.Score),
		})
	}

	sort.SliceStable(hosts, func(i, j int) bool {
		if len(hosts[i].Pattern) != len(hosts[j].Pattern) {
			return len(hosts[i].Pattern) > len(hosts[j].Pattern)
		}
		return hosts[i].Priority < hosts[j].Priority
	})

	return hosts, nil
}

// PullVhosts loads the JSON config record of every indexed vhost plus
// the default vhost. Malformed records are skipped.
func (c *Client) PullVhosts(ctx context.Context, index []string) (map[string]*types.Vhost, error) {
	ids := index
	if !contains(ids, types.DefaultVhostID) {
		ids = append(append([]string(nil), ids...), types.DefaultVhostID)
	}

	vhosts := make(map[string]*types.Vhost, len(ids))
	for _, id := range ids {
		raw, err := c.redis.Get(ctx, redis.VhostConfigKey(id))
		if err != nil {
			return nil, err
		}
		if raw == "" {
			continue
		}
		var vhost types.Vhost
		if err := json.Unmarshal([]byte(raw), &vhost); err != nil {
			c.logger.Warn("Skipping malformed vhost record",
				zap.String("vhost_id", id),
				zap.Error(err))
			continue
		}
		if vhost.ID == "" {
			vhost.ID = id
		}
		vhosts[id] = &vhost
	}
	return vhosts, nil
}

// PullEndpointTables loads the path tables for every vhost scope and
// the global scope (empty key).
func (c *Client) PullEndpointTables(ctx context.Context, vhostIndex []string) (map[string]*types.EndpointTable, error) {
	tables := make(map[string]*types.EndpointTable, len(vhostIndex)+1)

	global, err := c.pullEndpointTable(ctx,
		redis.KeyEndpointPathsExact,
		redis.KeyEndpointPathsPrefix,
		redis.KeyEndpointPathsRegex)
	if err != nil {
		return nil, err
	}
	tables[""] = global

	for _, vhostID := range vhostIndex {
		table, err := c.pullEndpointTable(ctx,
			redis.VhostEndpointsExactKey(vhostID),
			redis.VhostEndpointsPrefixKey(vhostID),
			redis.VhostEndpointsRegexKey(vhostID))
		if err != nil {
			return nil, err
		}
		tables[vhostID] = table
	}
	return tables, nil
}

func (c *Client) pullEndpointTable(ctx context.Context, exactKey, prefixKey, regexKey string) (*types.EndpointTable, error) {
	table := &types.EndpointTable{}

	exact, err := c.redis.HGetAll(ctx, exactKey)
	if err != nil {
		return nil, err
	}
	table.Exact = exact

	prefixEntries, err := c.redis.ZRangeWithScores(ctx, prefixKey)
	if err != nil {
		return nil, err
	}
	for _, e := range prefixEntries {
		member, ok := e.Member.(string)
		if !ok {
			continue
		}
		parts := strings.SplitN(member, "|", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			c.logger.Warn("Skipping malformed prefix rule", zap.String("entry", member))
			continue
		}
		table.Prefix = append(table.Prefix, types.PrefixRule{
			Prefix:     parts[0],
			Method:     strings.ToUpper(parts[1]),
			EndpointID: parts[2],
			Priority:   int(e.Score),
		})
	}
	// longest prefix first, then priority
	sort.SliceStable(table.Prefix, func(i, j int) bool {
		if len(table.Prefix[i].Prefix) != len(table.Prefix[j].Prefix) {
			return len(table.Prefix[i].Prefix) > len(table.Prefix[j].Prefix)
		}
		return table.Prefix[i].Priority < table.Prefix[j].Priority
	})

	regexEntries, err := c.redis.ZRangeWithScores(ctx, regexKey)
	if err != nil {
		return nil, err
	}
	for _, e := range regexEntries {
		member, ok := e.Member.(string)
		if !ok {
			continue
		}
		var rule types.RegexRule
		if err := json.Unmarshal([]byte(member), &rule); err != nil || rule.Pattern == "" || rule.EndpointID == "" {
			c.logger.Warn("Skipping malformed regex rule", zap.String("entry", member))
			continue
		}
		if rule.Priority == 0 {
			rule.Priority = int(e.Score)
		}
		table.Regex = append(table.Regex, rule)
	}
	sort.SliceStable(table.Regex, func(i, j int) bool {
		return table.Regex[i].Priority < table.Regex[j].Priority
	})

	return table, nil
}

// PullEndpoints loads the JSON config record of every indexed endpoint.
func (c *Client) PullEndpoints(ctx context.Context) (map[string]*types.Endpoint, error) {
	index, err := c.pullIndex(ctx, redis.KeyEndpointIndex)
	if err != nil {
		return nil, err
	}

	endpoints := make(map[string]*types.Endpoint, len(index))
	for _, id := range index {
		raw, err := c.redis.Get(ctx, redis.EndpointConfigKey(id))
		if err != nil {
			return nil, err
		}
		if raw == "" {
			continue
		}
		var endpoint types.Endpoint
		if err := json.Unmarshal([]byte(raw), &endpoint); err != nil {
			c.logger.Warn("Skipping malformed endpoint record",
				zap.String("endpoint_id", id),
				zap.Error(err))
			continue
		}
		if endpoint.ID == "" {
			endpoint.ID = id
		}
		endpoints[id] = &endpoint
	}
	return endpoints, nil
}

// PullProfiles loads defense profile records and the monotonic profile
// version counter.
func (c *Client) PullProfiles(ctx context.Context) (map[string]*types.DefenseProfile, int64, error) {
	index, err := c.pullIndex(ctx, redis.KeyProfileIndex)
	if err != nil {
		return nil, 0, err
	}

	profiles := make(map[string]*types.DefenseProfile, len(index))
	for _, id := range index {
		raw, err := c.redis.Get(ctx, redis.ProfileConfigKey(id))
		if err != nil {
			return nil, 0, err
		}
		if raw == "" {
			continue
		}
		var profile types.DefenseProfile
		if err := json.Unmarshal([]byte(raw), &profile); err != nil {
			c.logger.Warn("Skipping malformed defense profile",
				zap.String("profile_id", id),
				zap.Error(err))
			continue
		}
		if profile.ID == "" {
			profile.ID = id
		}
		profiles[id] = &profile
	}

	var version int64
	if raw, err := c.redis.Get(ctx, redis.KeyProfilesVersion); err != nil {
		return nil, 0, err
	} else if raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			version = v
		}
	}

	return profiles, version, nil
}

// PullCaptchaProviders loads CAPTCHA provider records.
func (c *Client) PullCaptchaProviders(ctx context.Context) (map[string]*types.CaptchaProvider, error) {
	index, err := c.pullIndex(ctx, redis.KeyCaptchaIndex)
	if err != nil {
		return nil, err
	}

	providers := make(map[string]*types.CaptchaProvider, len(index))
	for _, id := range index {
		raw, err := c.redis.Get(ctx, redis.CaptchaProviderKey(id))
		if err != nil {
			return nil, err
		}
		if raw == "" {
			continue
		}
		var provider types.CaptchaProvider
		if err := json.Unmarshal([]byte(raw), &provider); err != nil {
			c.logger.Warn("Skipping malformed CAPTCHA provider",
				zap.String("provider_id", id),
				zap.Error(err))
			continue
		}
		if provider.ID == "" {
			provider.ID = id
		}
		providers[id] = &provider
	}
	return providers, nil
}

// PullFingerprintProfiles loads fingerprint profile records.
func (c *Client) PullFingerprintProfiles(ctx context.Context) (map[string]*types.FingerprintProfile, error) {
	index, err := c.pullIndex(ctx, redis.KeyFingerprintIndex)
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*types.FingerprintProfile, len(index))
	for _, id := range index {
		raw, err := c.redis.Get(ctx, redis.FingerprintProfileKey(id))
		if err != nil {
			return nil, err
		}
		if raw == "" {
			continue
		}
		var profile types.FingerprintProfile
		if err := json.Unmarshal([]byte(raw), &profile); err != nil {
			c.logger.Warn("Skipping malformed fingerprint profile",
				zap.String("profile_id", id),
				zap.Error(err))
			continue
		}
		if profile.ID == "" {
			profile.ID = id
		}
		profiles[id] = &profile
	}
	return profiles, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
