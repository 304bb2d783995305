// Package types contains the configuration records shared between the
// config store client, the hot cache, and the request pipeline. All
// records are created by the admin plane and read here; nothing in this
// package mutates stored state.
package types

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// WAF operating modes. Endpoint mode wins over vhost mode; absent both,
// the resolver falls back to ModeBlocking.
const (
	ModeBlocking    = "blocking"
	ModeMonitoring  = "monitoring"
	ModePassthrough = "passthrough"
	ModeStrict      = "strict"
)

// Final actions a defense profile can produce.
const (
	ActionAllow   = "allow"
	ActionBlock   = "block"
	ActionTarpit  = "tarpit"
	ActionCaptcha = "captcha"
	ActionMonitor = "monitor"
	ActionFlag    = "flag"
)

// DefaultVhostID is the terminal fallback vhost. It may omit hostnames.
const DefaultVhostID = "_default"

/// Threshold keys stored in waf:config:thresholds. Values are serialized
// as strings in the store; ParseThresholdValue recovers the type.
const (
	ThresholdSpamScoreBlock       = "spam_score_block"
	ThresholdSpamScoreFlag        = "spam_score_flag"
	ThresholdHashCountBlock       = "hash_count_block"
	ThresholdIPRateLimit          = "ip_rate_limit"
	ThresholdIPSpamScore          = "ip_spam_score_threshold"
	ThresholdFingerprintRateLimit = "fingerprint_rate_limit"
	ThresholdExposeWAFHeaders     = "expose_waf_headers"
)

// Thresholds is the typed threshold map. Values are bool, float64, or
// string depending on what ParseThresholdValue recovered. The map is
// deep-merged during context resolution: global, then vhost overrides,
// then endpoint overrides.
type Thresholds map[string]any

// ParseThresholdValue parses a stored threshold string: literal
// true/false become bool, numeric strings become float64, anything else
// stays a string.
func ParseThresholdValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return raw
}

// Int returns the threshold as an int, or def when absent or non-numeric.
func (t Thresholds) Int(key string, def int) int {
	v, ok := t[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		if p, err := strconv.Atoi(n); err == nil {
			return p
		}
	}
	return def
}

// Bool returns the threshold as a bool, or def when absent or not boolean.
func (t Thresholds) Bool(key string, def bool) bool {
	v, ok := t[key]
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// Merge returns a new map with overlay entries written over t.
// Neither input is mutated.
func (t Thresholds) Merge(overlay Thresholds) Thresholds {
	merged := make(Thresholds, len(t)+len(overlay))
	for k, v := range t {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// KeywordOverrides adjusts the global keyword lists for a vhost or
// endpoint. Exclusions and additions union up the inheritance chain;
// InheritGlobal flags AND together.
type KeywordOverrides struct {
	InheritGlobal     *bool    `json:"inherit_global,omitempty"`
	AdditionalBlocked []string `json:"additional_blocked,omitempty"`
	ExcludedBlocked   []string `json:"excluded_blocked,omitempty"`
	AdditionalFlagged []string `json:"additional_flagged,omitempty"`
	ExcludedFlagged   []string `json:"excluded_flagged,omitempty"`
}

// CustomPattern is an endpoint-supplied detection regex.
type CustomPattern struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Score   int    `json:"score,omitempty"`
	Action  string `json:"action,omitempty"`
}

// PatternOverrides disables builtin detection patterns or adds custom ones.
type PatternOverrides struct {
	InheritGlobal *bool           `json:"inherit_global,omitempty"`
	Disabled      []string        `json:"disabled,omitempty"`
	Custom        []CustomPattern `json:"custom,omitempty"`
}

// HashConfig selects the form fields that feed the content hash.
type HashConfig struct {
	Enabled bool     `json:"enabled"`
	Fields  []string `json:"fields,omitempty"`
}

// Unexpected-field actions for FieldSpec.
const (
	UnexpectedAllow  = "allow"
	UnexpectedFlag   = "flag"
	UnexpectedFilter = "filter"
	UnexpectedBlock  = "block"
)

// FieldSpec describes the expected shape of a form submission.
type FieldSpec struct {
	Required         []string       `json:"required,omitempty"`
	Ignored          []string       `json:"ignored,omitempty"`
	Expected         []string       `json:"expected,omitempty"`
	Honeypot         []string       `json:"honeypot,omitempty"`
	MaxLengths       map[string]int `json:"max_lengths,omitempty"`
	Hash             HashConfig     `json:"hash"`
	UnexpectedAction string         `json:"unexpected_action,omitempty"`
}

// SecurityConfig holds per-endpoint security toggles.
type SecurityConfig struct {
	DisposableEmailCheck bool     `json:"disposable_email_check,omitempty"`
	EmailFields          []string `json:"email_fields,omitempty"`
	HoneypotAction       string   `json:"honeypot_action,omitempty"`
	HoneypotScore        int      `json:"honeypot_score,omitempty"`
	AnomalyCheck         bool     `json:"anomaly_check,omitempty"`
}

// RateLimitConfig caps submissions per client IP.
type RateLimitConfig struct {
	Enabled   bool `json:"enabled"`
	PerMinute int  `json:"per_minute,omitempty"`
}

// CaptchaConfig wires an endpoint to a CAPTCHA provider.
type CaptchaConfig struct {
	Enabled       bool   `json:"enabled"`
	Provider      string `json:"provider,omitempty"`
	TrustDuration int    `json:"trust_duration,omitempty"` // seconds
	OnFailure     string `json:"on_failure,omitempty"`     // allow|block|monitor
}

// RoutingConfig selects the upstream a request is forwarded to.
type RoutingConfig struct {
	Upstream    string `json:"upstream,omitempty"`
	UpstreamSSL string `json:"upstream_ssl,omitempty"`
	UseTLS      *bool  `json:"use_tls,omitempty"`
	Timeout     int    `json:"timeout,omitempty"` // seconds
}

// TimingConfig bounds acceptable form fill timing.
type TimingConfig struct {
	MinFillSeconds int `json:"min_fill_seconds,omitempty"`
	MaxFillSeconds int `json:"max_fill_seconds,omitempty"`
}

// BehavioralConfig toggles behavioral signal collection.
type BehavioralConfig struct {
	Enabled        bool `json:"enabled"`
	RequireJS      bool `json:"require_js,omitempty"`
	TrackMouse     bool `json:"track_mouse,omitempty"`
	TrackKeystroke bool `json:"track_keystroke,omitempty"`
}

// Vhost is the configuration unit bound to one or more hostnames.
type Vhost struct {
	ID              string            `json:"id"`
	Hostnames       []string          `json:"hostnames,omitempty"`
	Priority        int               `json:"priority,omitempty"`
	Enabled         *bool             `json:"enabled,omitempty"`
	WAFEnabled      *bool             `json:"waf_enabled,omitempty"`
	Mode            string            `json:"mode,omitempty"`
	Thresholds      Thresholds        `json:"thresholds,omitempty"`
	Keywords        *KeywordOverrides `json:"keywords,omitempty"`
	Routing         *RoutingConfig    `json:"routing,omitempty"`
	Timing          *TimingConfig     `json:"timing,omitempty"`
	Behavioral      *BehavioralConfig `json:"behavioral,omitempty"`
	DirectUpstreams []string          `json:"direct_upstreams,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (v *Vhost) IsEnabled() bool {
	return v.Enabled == nil || *v.Enabled
}

// IsWAFEnabled treats a missing flag as enabled.
func (v *Vhost) IsWAFEnabled() bool {
	return v.WAFEnabled == nil || *v.WAFEnabled
}

// Endpoint is the configuration unit bound to a (path, method,
// content-type) match. VhostID scopes the endpoint to one vhost; empty
// means global scope.
type Endpoint struct {
	ID                 string            `json:"id"`
	VhostID            string            `json:"vhost_id,omitempty"`
	Path               string            `json:"path,omitempty"`
	Methods            []string          `json:"methods,omitempty"`
	ContentTypes       []string          `json:"content_types,omitempty"`
	Mode               string            `json:"mode,omitempty"`
	Priority           int               `json:"priority,omitempty"`
	Thresholds         Thresholds        `json:"thresholds,omitempty"`
	Keywords           *KeywordOverrides `json:"keywords,omitempty"`
	Patterns           *PatternOverrides `json:"patterns,omitempty"`
	Fields             *FieldSpec        `json:"fields,omitempty"`
	Security           *SecurityConfig   `json:"security,omitempty"`
	RateLimit          *RateLimitConfig  `json:"rate_limit,omitempty"`
	Captcha            *CaptchaConfig    `json:"captcha,omitempty"`
	FingerprintProfile string            `json:"fingerprint_profile,omitempty"`
	ProfileID          string            `json:"profile_id,omitempty"`
}

// WildcardHost is one entry of the wildcard hostname table, stored as
// "pattern|vhost_id" with the priority as the zset score.
type WildcardHost struct {
	Pattern  string
	VhostID  string
	Priority int
}

// PrefixRule is one entry of a prefix path table, stored as
// "prefix|method|endpoint_id" with a numeric priority score. Method "*"
// matches any method.
type PrefixRule struct {
	Prefix     string
	Method     string
	EndpointID string
	Priority   int
}

// RegexRule is one entry of a regex path table, stored as JSON.
type RegexRule struct {
	Pattern    string `json:"pattern"`
	Method     string `json:"method,omitempty"`
	EndpointID string `json:"endpoint_id"`
	Priority   int    `json:"priority,omitempty"`
}

// EndpointTable holds the three path-matching tables for one scope.
// Prefix entries are kept sorted longest-prefix-first then by priority;
// regex entries by ascending priority.
type EndpointTable struct {
	Exact  map[string]string
	Prefix []PrefixRule
	Regex  []RegexRule
}

// Allowlist partitions allowlist entries into exact IPs and CIDR ranges.
type Allowlist struct {
	Exact map[string]struct{}
	CIDRs []*net.IPNet
}

// NewAllowlist parses raw entries; invalid ones are returned for logging.
func NewAllowlist(entries []string) (*Allowlist, []string) {
	al := &Allowlist{Exact: make(map[string]struct{})}
	var invalid []string
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				invalid = append(invalid, entry)
				continue
			}
			al.CIDRs = append(al.CIDRs, ipnet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			invalid = append(invalid, entry)
			continue
		}
		al.Exact[ip.String()] = struct{}{}
	}
	return al, invalid
}

// Contains reports whether ip matches an exact entry or any CIDR range.
func (a *Allowlist) Contains(ipStr string) bool {
	if a == nil {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	if _, ok := a.Exact[ip.String()]; ok {
		return true
	}
	for _, ipnet := range a.CIDRs {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// Node types in a defense profile graph.
const (
	NodeStart       = "start"
	NodeDefense     = "defense"
	NodeObservation = "observation"
	NodeOperator    = "operator"
	NodeAction      = "action"
)

// ProfileNode is one node of a defense profile DAG. The patch directives
// (Remove, InsertAfter, InsertBefore) are only meaningful in a child
// profile and are stripped during inheritance resolution.
type ProfileNode struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Name    string            `json:"name,omitempty"`
	Config  map[string]any    `json:"config,omitempty"`
	Inputs  []string          `json:"inputs,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`

	Remove       bool   `json:"remove,omitempty"`
	InsertAfter  string `json:"insert_after,omitempty"`
	InsertBefore string `json:"insert_before,omitempty"`
}

// Clone returns a deep copy of the node.
func (n ProfileNode) Clone() ProfileNode {
	c := n
	if n.Config != nil {
		c.Config = make(map[string]any, len(n.Config))
		for k, v := range n.Config {
			c.Config[k] = v
		}
	}
	c.Inputs = append([]string(nil), n.Inputs...)
	if n.Outputs != nil {
		c.Outputs = make(map[string]string, len(n.Outputs))
		for k, v := range n.Outputs {
			c.Outputs[k] = v
		}
	}
	return c
}

// ProfileSettings holds profile-level execution settings.
type ProfileSettings struct {
	DefaultAction      string `json:"default_action,omitempty"`
	MaxExecutionTimeMS int    `json:"max_execution_time_ms,omitempty"`
}

// DefenseProfile is a named DAG of defense, observation, operator, and
// action nodes. Extends references a parent profile; the chain depth is
// limited to three.
type DefenseProfile struct {
	ID             string          `json:"id"`
	Extends        string          `json:"extends,omitempty"`
	Builtin        bool            `json:"builtin,omitempty"`
	BuiltinVersion int             `json:"builtin_version,omitempty"`
	Settings       ProfileSettings `json:"settings"`
	Nodes          []ProfileNode   `json:"nodes"`
}

// Clone returns a deep copy of the profile.
func (p *DefenseProfile) Clone() *DefenseProfile {
	c := *p
	c.Nodes = make([]ProfileNode, len(p.Nodes))
	for i, n := range p.Nodes {
		c.Nodes[i] = n.Clone()
	}
	return &c
}

// CaptchaProvider is a stored CAPTCHA provider record.
type CaptchaProvider struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // recaptcha_v2, recaptcha_v3, hcaptcha, turnstile
	SiteKey   string `json:"site_key,omitempty"`
	Secret    string `json:"secret,omitempty"`
	VerifyURL string `json:"verify_url,omitempty"`
	Builtin   bool   `json:"builtin,omitempty"`
}

// FingerprintProfile selects the signals that feed a submission
// fingerprint.
type FingerprintProfile struct {
	ID             string   `json:"id"`
	Fields         []string `json:"fields,omitempty"`
	IncludeIP      bool     `json:"include_ip,omitempty"`
	IncludeUA      bool     `json:"include_ua,omitempty"`
	Builtin        bool     `json:"builtin,omitempty"`
	BuiltinVersion int      `json:"builtin_version,omitempty"`
}

// Duration wraps time.Duration with YAML/JSON string parsing.
type Duration time.Duration

// ToDuration converts to a standard time.Duration.
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
