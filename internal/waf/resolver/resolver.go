// Package resolver merges global, vhost, and endpoint configuration
// into the immutable per-request EffectiveContext.
package resolver

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/formwarden/waf/internal/common/configtypes"
	"github.com/formwarden/waf/internal/waf/hotcache"
	"github.com/formwarden/waf/internal/waf/match"
	"github.com/formwarden/waf/pkg/types"
)

// Skip reasons reported when the WAF pipeline is bypassed.
const (
	SkipVhostDisabled = "vhost_disabled"
	SkipWAFDisabled   = "waf_disabled"
	SkipPassthrough   = "passthrough"
	SkipAllowlistedIP = "allowlisted_ip"
)

// Fields ignored by default on every endpoint. Framework tokens and
// CAPTCHA response fields never count as form content.
var defaultIgnoredFields = []string{
	"_csrf",
	"_token",
	"captcha",
	"g-recaptcha-response",
	"h-captcha-response",
	"cf-turnstile-response",
}

// KeywordPolicy is the materialized keyword inheritance for one request.
type KeywordPolicy struct {
	InheritGlobal     bool
	AdditionalBlocked []string
	ExcludedBlocked   map[string]struct{}
	AdditionalFlagged []string
	ExcludedFlagged   map[string]struct{}
}

// PatternPolicy is the materialized pattern inheritance for one request.
type PatternPolicy struct {
	InheritGlobal bool
	Disabled      map[string]struct{}
	Custom        []types.CustomPattern
}

// ResolvedRouting is the final forwarding target for one request.
type ResolvedRouting struct {
	Upstream string
	UseTLS   bool
	Timeout  int // seconds
}

// EffectiveContext is the resolver's output. All fields are frozen
// after construction; request handlers and defenses read it only.
type EffectiveContext struct {
	VhostID           string
	VhostMatchKind    match.VhostMatchKind
	EndpointID        string
	EndpointMatchKind match.EndpointMatchKind
	EndpointGlobal    bool

	Mode       string
	SkipWAF    bool
	SkipReason string

	Thresholds types.Thresholds
	Keywords   KeywordPolicy
	Patterns   PatternPolicy
	Routing    ResolvedRouting

	Fields      types.FieldSpec
	Security    types.SecurityConfig
	RateLimit   types.RateLimitConfig
	Captcha     types.CaptchaConfig
	Timing      *types.TimingConfig
	Behavioral  *types.BehavioralConfig
	Fingerprint string
	ProfileID   string
}

// ShouldBlock reports whether this request's mode actually enforces
// block decisions. Monitoring and passthrough log but never block.
func (ec *EffectiveContext) ShouldBlock() bool {
	return ec.Mode == types.ModeBlocking || ec.Mode == types.ModeStrict
}

// Resolver builds EffectiveContexts from the current snapshot. The
// round-robin counters for direct upstreams persist across requests.
type Resolver struct {
	upstreamCfg *configtypes.UpstreamConfig

	rrMu       sync.Mutex
	rrCounters map[string]*atomic.Uint64
}

// NewResolver creates a resolver. upstreamCfg supplies the final
// routing fallback when neither the vhost nor the stored global
// routing names an upstream.
func NewResolver(upstreamCfg *configtypes.UpstreamConfig) *Resolver {
	return &Resolver{
		upstreamCfg: upstreamCfg,
		rrCounters:  make(map[string]*atomic.Uint64),
	}
}

// Resolve composes the effective context for one request. The snapshot
// must stay pinned by the caller for the request's lifetime.
func (r *Resolver) Resolve(snap *hotcache.Snapshot, vm match.VhostMatch, em match.EndpointMatch) *EffectiveContext {
	vhost := vm.Vhost
	endpoint := em.Endpoint

	ec := &EffectiveContext{
		VhostMatchKind:    vm.Kind,
		EndpointMatchKind: em.Kind,
		EndpointGlobal:    em.Global,
	}
	if vhost != nil {
		ec.VhostID = vhost.ID
	}
	if endpoint != nil {
		ec.EndpointID = endpoint.ID
	}

	ec.Mode = resolveMode(vhost, endpoint)
	switch {
	case vhost != nil && !vhost.IsEnabled():
		ec.SkipWAF = true
		ec.SkipReason = SkipVhostDisabled
	case vhost != nil && !vhost.IsWAFEnabled():
		ec.SkipWAF = true
		ec.SkipReason = SkipWAFDisabled
	case ec.Mode == types.ModePassthrough:
		ec.SkipWAF = true
		ec.SkipReason = SkipPassthrough
	}

	ec.Thresholds = mergeThresholds(snap.Thresholds, vhost, endpoint)
	if ec.Mode == types.ModeStrict {
		ec.Thresholds = tightenThresholds(ec.Thresholds)
	}

	ec.Keywords = mergeKeywords(vhost, endpoint)
	ec.Patterns = mergePatterns(endpoint)
	ec.Routing = r.resolveRouting(snap, vhost)

	if vhost != nil {
		ec.Timing = vhost.Timing
		ec.Behavioral = vhost.Behavioral
	}

	applyEndpointConfig(ec, endpoint)

	return ec
}

func resolveMode(vhost *types.Vhost, endpoint *types.Endpoint) string {
	if endpoint != nil && endpoint.Mode != "" {
		return endpoint.Mode
	}
	if vhost != nil && vhost.Mode != "" {
		return vhost.Mode
	}
	return types.ModeBlocking
}

func mergeThresholds(global types.Thresholds, vhost *types.Vhost, endpoint *types.Endpoint) types.Thresholds {
	merged := global.Merge(nil)
	if vhost != nil {
		merged = merged.Merge(vhost.Thresholds)
	}
	if endpoint != nil {
		merged = merged.Merge(endpoint.Thresholds)
	}
	return merged
}

// tightenThresholds lowers every numeric threshold by 25 percent, with
// floor division. Booleans and labels pass through untouched.
func tightenThresholds(th types.Thresholds) types.Thresholds {
	tightened := make(types.Thresholds, len(th))
	for k, v := range th {
		if n, ok := v.(float64); ok {
			tightened[k] = float64(int(n*3) / 4)
			continue
		}
		tightened[k] = v
	}
	return tightened
}

func mergeKeywords(vhost *types.Vhost, endpoint *types.Endpoint) KeywordPolicy {
	policy := KeywordPolicy{
		InheritGlobal:   true,
		ExcludedBlocked: make(map[string]struct{}),
		ExcludedFlagged: make(map[string]struct{}),
	}

	apply := func(o *types.KeywordOverrides) {
		if o == nil {
			return
		}
		if o.InheritGlobal != nil {
			policy.InheritGlobal = policy.InheritGlobal && *o.InheritGlobal
		}
		policy.AdditionalBlocked = appendLower(policy.AdditionalBlocked, o.AdditionalBlocked)
		policy.AdditionalFlagged = appendLower(policy.AdditionalFlagged, o.AdditionalFlagged)
		for _, kw := range o.ExcludedBlocked {
			policy.ExcludedBlocked[strings.ToLower(kw)] = struct{}{}
		}
		for _, kw := range o.ExcludedFlagged {
			policy.ExcludedFlagged[strings.ToLower(kw)] = struct{}{}
		}
	}

	if vhost != nil {
		apply(vhost.Keywords)
	}
	if endpoint != nil {
		apply(endpoint.Keywords)
	}
	return policy
}

func appendLower(dst, src []string) []string {
	for _, s := range src {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			dst = append(dst, s)
		}
	}
	return dst
}

func mergePatterns(endpoint *types.Endpoint) PatternPolicy {
	policy := PatternPolicy{
		InheritGlobal: true,
		Disabled:      make(map[string]struct{}),
	}
	if endpoint == nil || endpoint.Patterns == nil {
		return policy
	}
	o := endpoint.Patterns
	if o.InheritGlobal != nil {
		policy.InheritGlobal = *o.InheritGlobal
	}
	for _, name := range o.Disabled {
		policy.Disabled[name] = struct{}{}
	}
	policy.Custom = append(policy.Custom, o.Custom...)
	return policy
}

// resolveRouting picks the upstream with precedence vhost override,
// stored global routing, environment default. Direct upstreams take
// round-robin turns on a per-vhost counter.
func (r *Resolver) resolveRouting(snap *hotcache.Snapshot, vhost *types.Vhost) ResolvedRouting {
	routing := ResolvedRouting{}

	useTLS := false
	timeout := 0
	plain, ssl := "", ""

	if r.upstreamCfg != nil {
		plain = r.upstreamCfg.Addr
		ssl = r.upstreamCfg.AddrSSL
		useTLS = r.upstreamCfg.UseTLS
		timeout = int(r.upstreamCfg.Timeout.ToDuration().Seconds())
	}
	if snap.Routing.Upstream != "" {
		plain = snap.Routing.Upstream
	}
	if snap.Routing.UpstreamSSL != "" {
		ssl = snap.Routing.UpstreamSSL
	}
	if snap.Routing.UseTLS != nil {
		useTLS = *snap.Routing.UseTLS
	}
	if snap.Routing.Timeout > 0 {
		timeout = snap.Routing.Timeout
	}
	if vhost != nil && vhost.Routing != nil {
		if vhost.Routing.Upstream != "" {
			plain = vhost.Routing.Upstream
		}
		if vhost.Routing.UpstreamSSL != "" {
			ssl = vhost.Routing.UpstreamSSL
		}
		if vhost.Routing.UseTLS != nil {
			useTLS = *vhost.Routing.UseTLS
		}
		if vhost.Routing.Timeout > 0 {
			timeout = vhost.Routing.Timeout
		}
	}

	routing.UseTLS = useTLS
	routing.Timeout = timeout
	if useTLS && ssl != "" {
		routing.Upstream = ssl
	} else {
		routing.Upstream = plain
	}

	if vhost != nil && len(vhost.DirectUpstreams) > 0 {
		routing.Upstream = r.pickDirectUpstream(vhost.ID, vhost.DirectUpstreams)
	}

	return routing
}

func (r *Resolver) pickDirectUpstream(vhostID string, upstreams []string) string {
	r.rrMu.Lock()
	counter, ok := r.rrCounters[vhostID]
	if !ok {
		counter = &atomic.Uint64{}
		r.rrCounters[vhostID] = counter
	}
	r.rrMu.Unlock()

	n := counter.Add(1) - 1
	return upstreams[n%uint64(len(upstreams))]
}

func applyEndpointConfig(ec *EffectiveContext, endpoint *types.Endpoint) {
	if endpoint != nil && endpoint.Fields != nil {
		ec.Fields = *endpoint.Fields
	}
	ec.Fields.Ignored = unionFields(defaultIgnoredFields, ec.Fields.Ignored)

	if endpoint == nil {
		return
	}
	if endpoint.Security != nil {
		ec.Security = *endpoint.Security
	}
	if endpoint.RateLimit != nil {
		ec.RateLimit = *endpoint.RateLimit
	}
	if endpoint.Captcha != nil {
		ec.Captcha = *endpoint.Captcha
	}
	ec.Fingerprint = endpoint.FingerprintProfile
	ec.ProfileID = endpoint.ProfileID
}

// unionFields merges two field lists, deduplicated and sorted so the
// resolved context is deterministic for identical inputs.
func unionFields(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, f := range a {
		seen[f] = struct{}{}
	}
	for _, f := range b {
		seen[f] = struct{}{}
	}
	union := make([]string, 0, len(seen))
	for f := range seen {
		union = append(union, f)
	}
	sort.Strings(union)
	return union
}
