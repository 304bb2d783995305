// Package defenses contains the builtin defense and observation
// handlers registered with the profile executor at startup. Every
// handler is a pure function of the request context and its node
// config; shared state is limited to the Redis counters behind the
// rate-limiting defenses.
package defenses

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/ratelimit"
	"github.com/formwarden/waf/internal/waf/wafctx"
	"github.com/formwarden/waf/pkg/types"
)

// Builtin defense names.
const (
	DefKeywordFilter        = "keyword_filter"
	DefPatternMatch         = "pattern_match"
	DefContentHash          = "content_hash"
	DefHoneypotField        = "honeypot_field"
	DefFieldPolicy          = "field_policy"
	DefIPRateLimit          = "ip_rate_limit"
	DefFingerprintRateLimit = "fingerprint_rate_limit"
	DefDisposableEmail      = "disposable_email"
	DefIPReputation         = "ip_reputation"
	DefGeoIP                = "geoip"
	DefFingerprint          = "fingerprint"
)

// Builtin observation names.
const (
	ObsRequestLogger = "request_logger"
	ObsIPAllowlist   = "ip_allowlist"
)

// ReputationProvider answers IP reputation lookups. Implementations
// must bound their own I/O; the handler treats errors as provider
// failure and applies the node's fallback_action.
type ReputationProvider interface {
	Reputation(ip string) (score int, listed bool, err error)
}

// GeoIPProvider answers country/ASN lookups for client IPs.
type GeoIPProvider interface {
	Lookup(ip string) (country, asn string, err error)
}

// Defenses bundles the builtin handlers and their dependencies.
// Providers are optional; absent ones degrade the corresponding
// defenses to neutral results.
type Defenses struct {
	limiter      *ratelimit.Limiter
	logger       *zap.Logger
	reputation   ReputationProvider
	geoip        GeoIPProvider
	patternCache *lru.Cache
}

const patternCacheSize = 256

// New creates the builtin defense set.
func New(limiter *ratelimit.Limiter, logger *zap.Logger) (*Defenses, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	patternCache, _ := lru.New(patternCacheSize)
	return &Defenses{limiter: limiter, logger: logger, patternCache: patternCache}, nil
}

// WithReputationProvider attaches an IP reputation backend.
func (d *Defenses) WithReputationProvider(p ReputationProvider) *Defenses {
	d.reputation = p
	return d
}

// WithGeoIPProvider attaches a GeoIP backend.
func (d *Defenses) WithGeoIPProvider(p GeoIPProvider) *Defenses {
	d.geoip = p
	return d
}

// Register installs every builtin handler into the registry.
func (d *Defenses) Register(reg *profile.Registry) {
	reg.RegisterDefense(DefKeywordFilter, d.KeywordFilter)
	reg.RegisterDefense(DefPatternMatch, d.PatternMatch)
	reg.RegisterDefense(DefContentHash, d.ContentHash)
	reg.RegisterDefense(DefHoneypotField, d.HoneypotField)
	reg.RegisterDefense(DefFieldPolicy, d.FieldPolicy)
	reg.RegisterDefense(DefIPRateLimit, d.IPRateLimit)
	reg.RegisterDefense(DefFingerprintRateLimit, d.FingerprintRateLimit)
	reg.RegisterDefense(DefDisposableEmail, d.DisposableEmail)
	reg.RegisterDefense(DefIPReputation, d.IPReputation)
	reg.RegisterDefense(DefGeoIP, d.GeoIP)
	reg.RegisterDefense(DefFingerprint, d.FingerprintDefense)

	reg.RegisterObservation(ObsRequestLogger, d.RequestLogger)
	reg.RegisterObservation(ObsIPAllowlist, d.IPAllowlist)
}

// ignoredFields returns the set of field names excluded from
// inspection for this request.
func ignoredFields(rc *wafctx.RequestContext) map[string]struct{} {
	ignored := make(map[string]struct{})
	if rc.Effective != nil {
		for _, name := range rc.Effective.Fields.Ignored {
			ignored[name] = struct{}{}
		}
	}
	return ignored
}

// inspectableValues iterates form values in submission order, skipping
// ignored fields.
func inspectableValues(rc *wafctx.RequestContext, visit func(name, value string)) {
	if rc.Form == nil {
		return
	}
	ignored := ignoredFields(rc)
	for _, name := range rc.Form.Order {
		if _, skip := ignored[name]; skip {
			continue
		}
		for _, value := range rc.Form.Values[name] {
			visit(name, value)
		}
	}
}

// fallbackResult maps a fallback_action config value to a result used
// when an external provider fails.
func fallbackResult(action, defense string) profile.NodeResult {
	switch action {
	case types.ActionBlock:
		return profile.Blocked("provider_failure", []string{"fallback_block:" + defense}, nil)
	case types.ActionMonitor:
		return profile.Neutral("fallback_monitor:" + defense)
	default:
		return profile.Neutral("fallback_allow:" + defense)
	}
}

func cfgString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func cfgInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func cfgBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}
