package defenses

import (
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/wafctx"
)

// RequestLogger records a structured summary of the inspected request.
// Informational only.
func (d *Defenses) RequestLogger(rc *wafctx.RequestContext, cfg map[string]any) profile.NodeResult {
	fieldCount := 0
	if rc.Form != nil {
		fieldCount = rc.Form.Len()
	}
	rc.Logger.Info("Inspecting submission",
		zap.String("host", rc.Host),
		zap.String("path", rc.Path),
		zap.String("method", rc.Method),
		zap.Int("form_fields", fieldCount))
	return profile.NodeResult{}
}

// IPAllowlist reports whether the client IP is allowlisted. The server
// short-circuits allowlisted requests before the executor runs; this
// observation exists for profiles that want the signal mid-graph.
func (d *Defenses) IPAllowlist(rc *wafctx.RequestContext, cfg map[string]any) profile.NodeResult {
	if rc.AllowlistedIP || (rc.Snapshot != nil && rc.Snapshot.Allowlist.Contains(rc.ClientIP)) {
		return profile.NodeResult{
			Flags:   []string{"allowlisted_ip"},
			Details: map[string]any{"ip": rc.ClientIP},
		}
	}
	return profile.NodeResult{}
}
