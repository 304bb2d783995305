package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/wafctx"
	"github.com/formwarden/waf/pkg/types"
)

// Threshold fallbacks advertised when the store carries no value.
// These mirror the defaults the defenses enforce.
const (
	fallbackSpamScoreBlock       = defaultSpamScoreBlock
	fallbackHashCountBlock       = 5
	fallbackIPSpamScoreThreshold = 200
	fallbackFingerprintRateLimit = 20
	fallbackIPRateLimit          = 30
)

// injectContextHeaders writes the resolution results toward the
// upstream. These are always sent so cooperating proxies can act on
// them; the client only sees headers when debug is on.
func (s *Server) injectContextHeaders(rc *wafctx.RequestContext, debug bool) {
	h := &rc.HTTPCtx.Request.Header
	ec := rc.Effective

	if debug {
		h.Set("X-WAF-Debug", "on")
	} else {
		h.Set("X-WAF-Debug", "off")
	}
	h.Set("X-WAF-Mode", ec.Mode)
	h.Set("X-WAF-Vhost", ec.VhostID)
	h.Set("X-WAF-Endpoint", ec.EndpointID)
	h.Set("X-WAF-Match-Type", string(ec.EndpointMatchKind))
	h.Set("X-WAF-Vhost-Match", string(ec.VhostMatchKind))
	h.Set("X-Client-IP", rc.ClientIP)

	h.Set("X-WAF-Rate-Limit", strconv.FormatBool(ec.RateLimit.Enabled))
	rateLimit := ec.RateLimit.PerMinute
	if rateLimit == 0 {
		rateLimit = ec.Thresholds.Int(types.ThresholdIPRateLimit, fallbackIPRateLimit)
	}
	h.Set("X-WAF-Rate-Limit-Value", strconv.Itoa(rateLimit))

	h.Set("X-WAF-Spam-Threshold", strconv.Itoa(ec.Thresholds.Int(types.ThresholdSpamScoreBlock, fallbackSpamScoreBlock)))
	h.Set("X-WAF-Hash-Rate-Threshold", strconv.Itoa(ec.Thresholds.Int(types.ThresholdHashCountBlock, fallbackHashCountBlock)))
	h.Set("X-WAF-IP-Spam-Threshold", strconv.Itoa(ec.Thresholds.Int(types.ThresholdIPSpamScore, fallbackIPSpamScoreThreshold)))
	h.Set("X-WAF-Fingerprint-Threshold", strconv.Itoa(ec.Thresholds.Int(types.ThresholdFingerprintRateLimit, fallbackFingerprintRateLimit)))
}

// injectExecutionHeaders writes the inspection outcome toward the
// upstream: score, flags, and the computed fingerprints.
func (s *Server) injectExecutionHeaders(rc *wafctx.RequestContext, exec *profile.Execution) {
	h := &rc.HTTPCtx.Request.Header

	h.Set("X-Spam-Score", strconv.Itoa(exec.Score))
	if len(exec.Flags) > 0 {
		h.Set("X-Spam-Flags", strings.Join(exec.Flags, ","))
	}
	if hash := rc.ContentHash(); hash != "" {
		h.Set("X-Form-Hash", hash)
	}
	if fp := rc.Fingerprint(); fp != "" {
		h.Set("X-Submission-Fingerprint", fp)
		h.Set("X-Fingerprint-Profile", fingerprintProfileID(rc))
	}
	if fields := filteredFields(exec); len(fields) > 0 {
		h.Set("X-WAF-Filtered", "true")
		h.Set("X-WAF-Filtered-Fields", strings.Join(fields, ","))
	}
}

// applyResponseHeaders mirrors the decision toward the client. Only
// called when debug headers are exposed.
func (s *Server) applyResponseHeaders(rc *wafctx.RequestContext, exec *profile.Execution, blocked bool) {
	h := &rc.HTTPCtx.Response.Header
	ec := rc.Effective

	h.Set("X-WAF-Mode", ec.Mode)
	h.Set("X-WAF-Vhost", ec.VhostID)
	h.Set("X-WAF-Endpoint", ec.EndpointID)
	h.Set("X-WAF-Match-Type", string(ec.EndpointMatchKind))
	h.Set("X-WAF-Vhost-Match", string(ec.VhostMatchKind))

	if rc.AllowlistedIP {
		h.Set("X-Allowed-IP", "true")
	}
	if exec == nil {
		return
	}

	h.Set("X-Spam-Score", strconv.Itoa(exec.Score))
	if len(exec.Flags) > 0 {
		h.Set("X-Spam-Flags", strings.Join(exec.Flags, ","))
	}

	h.Set("X-Blocked", strconv.FormatBool(blocked))
	if blocked && exec.BlockReason != "" {
		h.Set("X-Block-Reason", exec.BlockReason)
	}
	if !blocked && exec.WouldBlock() {
		h.Set("X-WAF-Would-Block", "true")
		if exec.BlockReason != "" {
			h.Set("X-WAF-Block-Reason", exec.BlockReason)
		}
	}

	if country, ok := exec.Details["country"].(string); ok && country != "" {
		h.Set("X-GeoIP-Country", country)
	}
	if asn, ok := exec.Details["asn"]; ok {
		h.Set("X-GeoIP-ASN", fmt.Sprint(asn))
	}
}

// filteredFields extracts the field names removed by the field-policy
// filter action, if any.
func filteredFields(exec *profile.Execution) []string {
	raw, ok := exec.Details["filtered_fields"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		fields := make([]string, 0, len(v))
		for _, f := range v {
			fields = append(fields, fmt.Sprint(f))
		}
		return fields
	}
	return nil
}

func fingerprintProfileID(rc *wafctx.RequestContext) string {
	if rc.Effective != nil && rc.Effective.Fingerprint != "" {
		return rc.Effective.Fingerprint
	}
	return "standard"
}
