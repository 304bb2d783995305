package defenses

import (
	"strconv"

	"github.com/formwarden/waf/internal/waf/formdata"
	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/ratelimit"
	"github.com/formwarden/waf/internal/waf/wafctx"
	"github.com/formwarden/waf/pkg/types"
)

// IPRateLimit counts submissions per client IP per minute. The cap
// comes from the endpoint's rate-limit config when enabled, otherwise
// from the ip_rate_limit threshold. A store failure degrades open.
func (d *Defenses) IPRateLimit(rc *wafctx.RequestContext, cfg map[string]any) profile.NodeResult {
	if rc.ClientIP == "" {
		return profile.Neutral("skipped")
	}

	limit := threshold(rc, types.ThresholdIPRateLimit, 30)
	if rc.Effective != nil && rc.Effective.RateLimit.Enabled && rc.Effective.RateLimit.PerMinute > 0 {
		limit = rc.Effective.RateLimit.PerMinute
	}
	limit = cfgInt(cfg, "per_minute", limit)
	if limit <= 0 {
		return profile.NodeResult{}
	}

	ctx, cancel := rc.GetContext()
	defer cancel()
	count, err := d.limiter.IncrRate(ctx, ratelimit.ScopeIP, rc.ClientIP)
	if err != nil {
		rc.Logger.Warn("IP rate counter unavailable")
		return profile.Neutral("rate_counter_error")
	}

	if count > int64(limit) {
		return profile.Blocked("ip_rate_limit_exceeded",
			[]string{"rate:ip:" + strconv.FormatInt(count, 10)},
			map[string]any{"count": count, "limit": limit})
	}
	return profile.NodeResult{}
}

// FingerprintRateLimit counts submissions per submission fingerprint
// per minute, catching distributed senders reusing one payload shape.
// The fingerprint is computed on demand from the endpoint's
// fingerprint profile.
func (d *Defenses) FingerprintRateLimit(rc *wafctx.RequestContext, cfg map[string]any) profile.NodeResult {
	fp := ensureFingerprint(rc)
	if fp == "" {
		return profile.Neutral("skipped")
	}

	limit := cfgInt(cfg, "per_minute", threshold(rc, types.ThresholdFingerprintRateLimit, 20))
	if limit <= 0 {
		return profile.NodeResult{}
	}

	ctx, cancel := rc.GetContext()
	defer cancel()
	count, err := d.limiter.IncrRate(ctx, ratelimit.ScopeFingerprint, fp)
	if err != nil {
		rc.Logger.Warn("Fingerprint rate counter unavailable")
		return profile.Neutral("rate_counter_error")
	}

	if count > int64(limit) {
		return profile.Blocked("fingerprint_rate_limit_exceeded",
			[]string{"rate:fp:" + strconv.FormatInt(count, 10)},
			map[string]any{"count": count, "limit": limit})
	}
	return profile.NodeResult{}
}

// FingerprintDefense computes and attaches the submission fingerprint
// without judging it, so later nodes and upstream headers can use it.
func (d *Defenses) FingerprintDefense(rc *wafctx.RequestContext, cfg map[string]any) profile.NodeResult {
	if ensureFingerprint(rc) == "" {
		return profile.Neutral("skipped")
	}
	return profile.NodeResult{}
}

// ensureFingerprint returns the request's submission fingerprint,
// computing it from the resolved fingerprint profile on first use.
// Falls back to the builtin "standard" profile when the endpoint does
// not name one.
func ensureFingerprint(rc *wafctx.RequestContext) string {
	if fp := rc.Fingerprint(); fp != "" {
		return fp
	}
	if rc.Snapshot == nil {
		return ""
	}

	profileID := "standard"
	if rc.Effective != nil && rc.Effective.Fingerprint != "" {
		profileID = rc.Effective.Fingerprint
	}
	fpProfile := rc.Snapshot.FingerprintProfiles[profileID]
	if fpProfile == nil {
		return ""
	}

	fp := formdata.Fingerprint(rc.Form, fpProfile.Fields,
		fpProfile.IncludeIP, rc.ClientIP,
		fpProfile.IncludeUA, rc.UserAgent)
	if fp != "" {
		rc.SetFingerprint(fp)
	}
	return fp
}
