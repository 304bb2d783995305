package defenses

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/wafctx"
	"github.com/formwarden/waf/pkg/types"
)

// IPReputation scores the client IP. With a provider attached, the
// provider's verdict wins: a listed IP blocks, otherwise its score
// contributes. Without one, the defense falls back to the locally
// accumulated spam-score history against ip_spam_score_threshold.
// Provider failure applies the node's fallback_action.
func (d *Defenses) IPReputation(rc *wafctx.RequestContext, cfg map[string]any) profile.NodeResult {
	if rc.ClientIP == "" {
		return profile.Neutral("skipped")
	}

	if d.reputation != nil {
		score, listed, err := d.reputation.Reputation(rc.ClientIP)
		if err != nil {
			rc.Logger.Warn("IP reputation provider failed", zap.Error(err))
			return fallbackResult(cfgString(cfg, "fallback_action", types.ActionAllow), DefIPReputation)
		}
		if listed {
			return profile.Blocked("ip_reputation_listed",
				[]string{"rep:listed"},
				map[string]any{"ip": rc.ClientIP})
		}
		if score > 0 {
			return profile.Score(score, []string{"rep:score:" + strconv.Itoa(score)}, nil)
		}
		return profile.NodeResult{}
	}

	ctx, cancel := rc.GetContext()
	defer cancel()
	total, err := d.limiter.IPScore(ctx, rc.ClientIP)
	if err != nil {
		rc.Logger.Warn("IP score history unavailable")
		return fallbackResult(cfgString(cfg, "fallback_action", types.ActionAllow), DefIPReputation)
	}

	limit := cfgInt(cfg, "ip_spam_score_threshold", threshold(rc, types.ThresholdIPSpamScore, 200))
	if limit > 0 && total >= int64(limit) {
		return profile.Blocked("ip_spam_history",
			[]string{"rep:history:" + strconv.FormatInt(total, 10)},
			map[string]any{"total": total, "limit": limit})
	}
	return profile.NodeResult{}
}

// GeoIP looks up the client IP's country and ASN and scores or blocks
// per the node config: blocked_countries block outright,
// flagged_countries contribute score. Requires an attached provider;
// provider failure applies fallback_action.
func (d *Defenses) GeoIP(rc *wafctx.RequestContext, cfg map[string]any) profile.NodeResult {
	if rc.ClientIP == "" {
		return profile.Neutral("skipped")
	}
	if d.geoip == nil {
		return profile.Neutral("not_registered")
	}

	country, asn, err := d.geoip.Lookup(rc.ClientIP)
	if err != nil {
		rc.Logger.Warn("GeoIP provider failed", zap.Error(err))
		return fallbackResult(cfgString(cfg, "fallback_action", types.ActionAllow), DefGeoIP)
	}

	details := map[string]any{"country": country, "asn": asn}

	if containsString(cfg["blocked_countries"], country) {
		return profile.Blocked("geo_blocked",
			[]string{"geo:" + country},
			details)
	}
	if containsString(cfg["flagged_countries"], country) {
		return profile.Score(cfgInt(cfg, "score", 25),
			[]string{"geo:" + country},
			details)
	}
	return profile.NodeResult{Details: details}
}

// containsString checks a JSON-decoded string list for a value,
// case-insensitively on ASCII country codes.
func containsString(raw any, value string) bool {
	list, ok := raw.([]any)
	if !ok || value == "" {
		return false
	}
	for _, item := range list {
		if s, ok := item.(string); ok && strings.EqualFold(s, value) {
			return true
		}
	}
	return false
}
