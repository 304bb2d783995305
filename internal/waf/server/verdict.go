package server

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/waf/captcha"
	"github.com/formwarden/waf/internal/waf/events"
	"github.com/formwarden/waf/internal/waf/hotcache"
	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/resolver"
	"github.com/formwarden/waf/internal/waf/wafctx"
	"github.com/formwarden/waf/pkg/types"
)

// blockedResponse is the JSON body of a 403. Reason and request ID are
// revealed only when debug headers are exposed.
type blockedResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// forward proxies the request upstream and finishes the bookkeeping.
// Response headers are applied after the proxy call: the upstream
// response replaces whatever was set before.
func (s *Server) forward(rc *wafctx.RequestContext, exec *profile.Execution, decision string, debug bool, start time.Time) {
	ctx := rc.HTTPCtx
	ec := rc.Effective

	err := s.proxy.Forward(ctx, ec.Routing)
	ctx.Response.Header.Set("X-Request-ID", rc.RequestID)
	if debug {
		s.applyResponseHeaders(rc, exec, false)
	}

	if s.metrics != nil {
		if err != nil {
			s.metrics.RecordUpstreamError(ec.Routing.Upstream)
		} else {
			s.metrics.RecordUpstreamResponse(s.vhostLabel(ec), ctx.Response.StatusCode())
		}
	}
	if err != nil {
		rc.Logger.Error("Upstream forward failed",
			zap.String("upstream", ec.Routing.Upstream),
			zap.Error(err))
	}

	s.finish(rc, exec, decision, ctx.Response.StatusCode(), start)
}

// writeBlocked answers a 403 for an enforced block.
func (s *Server) writeBlocked(rc *wafctx.RequestContext, exec *profile.Execution, debug bool, start time.Time) {
	ctx := rc.HTTPCtx

	body := blockedResponse{Error: "Request blocked"}
	if debug {
		body.Reason = exec.BlockReason
		body.RequestID = rc.RequestID
	}
	payload, _ := json.Marshal(body)

	ctx.SetStatusCode(fasthttp.StatusForbidden)
	ctx.SetContentType("application/json")
	ctx.SetBody(payload)
	if debug {
		s.applyResponseHeaders(rc, exec, true)
	}

	rc.Logger.Info("Request blocked",
		zap.String("reason", exec.BlockReason),
		zap.Int("score", exec.Score))
	if s.metrics != nil {
		s.metrics.RecordBlock(s.vhostLabel(rc.Effective), exec.BlockReason)
	}
	s.finish(rc, exec, events.DecisionBlocked, fasthttp.StatusForbidden, start)
}

// tarpit sleeps the configured delay, then either answers 429 or
// forwards, per the action's "then" setting.
func (s *Server) tarpit(rc *wafctx.RequestContext, exec *profile.Execution, debug bool, start time.Time) {
	delay := time.Duration(exec.TarpitDelaySeconds) * time.Second
	rc.Logger.Info("Tarpitting request", zap.Duration("delay", delay))
	time.Sleep(delay)

	if exec.TarpitThen == profile.ActionAllow {
		s.forward(rc, exec, events.DecisionTarpit, debug, start)
		return
	}

	ctx := rc.HTTPCtx
	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":"Too many requests"}`)
	if debug {
		s.applyResponseHeaders(rc, exec, true)
	}
	s.finish(rc, exec, events.DecisionTarpit, fasthttp.StatusTooManyRequests, start)
}

// serveCaptcha answers the challenge page, or redirects straight back
// when the client already carries a valid trust cookie.
func (s *Server) serveCaptcha(rc *wafctx.RequestContext, exec *profile.Execution, snap *hotcache.Snapshot, debug bool, start time.Time) {
	ctx := rc.HTTPCtx
	ec := rc.Effective

	if s.captcha == nil {
		s.captchaFallback(rc, exec, debug, start, "captcha_unconfigured")
		return
	}

	cookie := string(ctx.Request.Header.Cookie(s.captcha.CookieName()))
	if cookie != "" && s.captcha.Signer().HasValidTrust(cookie, ec.EndpointID, time.Now().UTC()) {
		exec.Flags = append(exec.Flags, "trusted")
		ctx.Redirect(string(ctx.RequestURI()), fasthttp.StatusFound)
		if debug {
			s.applyResponseHeaders(rc, exec, false)
		}
		s.finish(rc, exec, events.DecisionAllowed, fasthttp.StatusFound, start)
		return
	}

	provider := s.captchaProvider(snap, ec)
	if provider == nil {
		rc.Logger.Warn("No CAPTCHA provider available",
			zap.String("configured", ec.Captcha.Provider))
		s.captchaFallback(rc, exec, debug, start, "provider_failure")
		return
	}

	err := s.captcha.ServeChallenge(ctx, provider, captcha.Challenge{
		EndpointID:  ec.EndpointID,
		OriginalURI: string(ctx.RequestURI()),
		ContentHash: rc.ContentHash(),
		ClientIP:    rc.ClientIP,
	})
	if err != nil {
		rc.Logger.Error("Failed to serve CAPTCHA challenge", zap.Error(err))
		s.captchaFallback(rc, exec, debug, start, "provider_failure")
		return
	}

	if debug {
		s.applyResponseHeaders(rc, exec, false)
	}
	if s.metrics != nil {
		s.metrics.RecordCaptchaChallenge(provider.ID)
	}
	s.finish(rc, exec, events.DecisionCaptcha, fasthttp.StatusOK, start)
}

// captchaFallback applies the endpoint's on_failure policy when a
// challenge cannot be served. The default fails open.
func (s *Server) captchaFallback(rc *wafctx.RequestContext, exec *profile.Execution, debug bool, start time.Time, flag string) {
	exec.Flags = append(exec.Flags, flag)
	if rc.Effective.Captcha.OnFailure == profile.ActionBlock {
		exec.BlockReason = flag
		s.writeBlocked(rc, exec, debug, start)
		return
	}
	s.forward(rc, exec, events.DecisionAllowed, debug, start)
}

// captchaProvider picks the endpoint's configured provider record.
func (s *Server) captchaProvider(snap *hotcache.Snapshot, ec *resolver.EffectiveContext) *types.CaptchaProvider {
	if ec.Captcha.Provider != "" {
		return snap.CaptchaProviders[ec.Captcha.Provider]
	}
	return nil
}

// finish records metrics and emits the decision event.
func (s *Server) finish(rc *wafctx.RequestContext, exec *profile.Execution, decision string, statusCode int, start time.Time) {
	duration := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordRequest(s.vhostLabel(rc.Effective), decision, duration)
	}
	if s.emitter != nil {
		s.emitter.Emit(events.BuildDecisionEvent(rc, exec, decision, statusCode, s.instanceID))
	}
}
