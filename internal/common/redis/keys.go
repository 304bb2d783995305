package redis

import "fmt"

// Config store key layout. Collections the sync coordinator pulls each
// tick live under the waf: prefix; runtime counters carry their own
// prefixes so they can expire independently.
const (
	KeyBlockedKeywords = "waf:keywords:blocked"
	KeyFlaggedKeywords = "waf:keywords:flagged"
	KeyBlockedHashes   = "waf:hashes:blocked"

	KeyThresholds = "waf:config:thresholds"
	KeyRouting    = "waf:config:routing"

	KeyIPAllowlist = "waf:whitelist:ips"

	KeyVhostIndex    = "waf:vhosts:index"
	KeyExactHosts    = "waf:vhosts:hosts:exact"
	KeyWildcardHosts = "waf:vhosts:hosts:wildcard"

	KeyEndpointIndex = "waf:endpoints:index"

	KeyProfileIndex    = "waf:defense_profiles:index"
	KeyProfilesVersion = "waf:defense_profiles:version"

	KeyCaptchaIndex     = "waf:captcha:index"
	KeyFingerprintIndex = "waf:fingerprint:profiles:index"
)

// VhostConfigKey returns the JSON record key for one vhost.
func VhostConfigKey(vhostID string) string {
	return "waf:vhosts:config:" + vhostID
}

// EndpointConfigKey returns the JSON record key for one endpoint.
func EndpointConfigKey(endpointID string) string {
	return "waf:endpoints:config:" + endpointID
}

// Global endpoint path tables.
const (
	KeyEndpointPathsExact  = "waf:endpoints:paths:exact"
	KeyEndpointPathsPrefix = "waf:endpoints:paths:prefix"
	KeyEndpointPathsRegex  = "waf:endpoints:paths:regex"
)

// VhostEndpointsExactKey returns the exact-path table key for a vhost.
func VhostEndpointsExactKey(vhostID string) string {
	return "waf:vhosts:endpoints:" + vhostID + ":exact"
}

// VhostEndpointsPrefixKey returns the prefix table key for a vhost.
func VhostEndpointsPrefixKey(vhostID string) string {
	return "waf:vhosts:endpoints:" + vhostID + ":prefix"
}

// VhostEndpointsRegexKey returns the regex table key for a vhost.
func VhostEndpointsRegexKey(vhostID string) string {
	return "waf:vhosts:endpoints:" + vhostID + ":regex"
}

// ProfileConfigKey returns the JSON record key for one defense profile.
func ProfileConfigKey(profileID string) string {
	return "waf:defense_profiles:config:" + profileID
}

// CaptchaProviderKey returns the JSON record key for one CAPTCHA provider.
func CaptchaProviderKey(providerID string) string {
	return "waf:captcha:config:" + providerID
}

// FingerprintProfileKey returns the JSON record key for one fingerprint
// profile.
func FingerprintProfileKey(profileID string) string {
	return "waf:fingerprint:profiles:config:" + profileID
}

// ChallengeKey returns the key for a pending CAPTCHA challenge record.
func ChallengeKey(token string) string {
	return "waf:captcha:challenge:" + token
}

// RateLimitKey returns the per-minute counter key for a client IP on an
// endpoint. The window is baked into the key so counters roll over
// without coordination.
func RateLimitKey(scope, subject string, windowStart int64) string {
	return fmt.Sprintf("waf:ratelimit:%s:%s:%d", scope, subject, windowStart)
}

// HashCountKey returns the submission counter key for a content hash.
func HashCountKey(hash string, windowStart int64) string {
	return fmt.Sprintf("waf:hashrate:%s:%d", hash, windowStart)
}

// IPScoreKey returns the accumulated-spam-score key for a client IP.
func IPScoreKey(ip string) string {
	return "waf:ipscore:" + ip
}

// LeaderKey is the lock key for leader-elected background tasks.
const LeaderKey = "waf:leader"
