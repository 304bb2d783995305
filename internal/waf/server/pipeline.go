package server

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/waf/clientip"
	"github.com/formwarden/waf/internal/waf/defenses"
	"github.com/formwarden/waf/internal/waf/events"
	"github.com/formwarden/waf/internal/waf/formdata"
	"github.com/formwarden/waf/internal/waf/hotcache"
	"github.com/formwarden/waf/internal/waf/match"
	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/resolver"
	"github.com/formwarden/waf/internal/waf/wafctx"
	"github.com/formwarden/waf/pkg/types"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultSpamScoreBlock = 100

	// ReasonSpamScoreExceeded is the block reason applied when the
	// accumulated score crosses the effective spam_score_block
	// threshold after the profile finished.
	ReasonSpamScoreExceeded = "spam_score_exceeded"
)

// inspect runs the full pipeline for one request: client IP, routing
// match, context resolution, form parse, profile execution, verdict.
func (s *Server) inspect(ctx *fasthttp.RequestCtx, requestID string) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.IncActiveRequests()
		defer s.metrics.DecActiveRequests()
	}

	snap := s.cache.Snapshot()
	timeout := s.cfg.Server.Timeout.ToDuration()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	rc := wafctx.NewRequestContext(requestID, ctx, snap, s.logger, timeout)
	rc.WithClientIP(clientip.Normalize(clientip.Extract(ctx, s.cfg.Server.ClientIPHeaders)))

	vm := match.MatchVhost(snap, rc.Host)
	vhostID := ""
	if vm.Vhost != nil {
		vhostID = vm.Vhost.ID
	}
	em := match.MatchEndpoint(snap, s.cache.Regexes(), vhostID, rc.Path, rc.Method)
	ec := s.resolver.Resolve(snap, vm, em)
	rc.WithEffective(ec)

	debug := s.debugEnabled(ec)

	if ec.SkipWAF {
		rc.Logger.Debug("WAF skipped", zap.String("reason", ec.SkipReason))
		s.injectContextHeaders(rc, debug)
		s.forward(rc, nil, events.DecisionSkipped, debug, start)
		return
	}

	// Allowlisted clients bypass the executor entirely.
	if snap.Allowlist != nil && snap.Allowlist.Contains(rc.ClientIP) {
		rc.AllowlistedIP = true
		rc.Logger.Debug("Client IP allowlisted, skipping inspection")
		s.injectContextHeaders(rc, debug)
		s.forward(rc, nil, events.DecisionAllowed, debug, start)
		return
	}

	contentType := string(ctx.Request.Header.ContentType())
	if !s.shouldInspect(rc.Method, contentType) {
		s.injectContextHeaders(rc, debug)
		s.forward(rc, nil, events.DecisionAllowed, debug, start)
		return
	}

	// A body that fails to parse is inspected as an empty form; the
	// pipeline still runs so rate limits and reputation apply.
	form, err := formdata.Parse(ctx.PostBody(), contentType, string(ctx.Request.Header.Peek("Content-Encoding")))
	if err != nil {
		rc.Logger.Warn("Failed to parse form body", zap.Error(err))
		if s.metrics != nil {
			s.metrics.RecordError("form_parse")
		}
		form = formdata.NewForm()
	}
	rc.WithForm(form)

	monitoring := !ec.ShouldBlock()

	prof, err := s.loadProfile(snap, ec.ProfileID)
	if err != nil {
		rc.Logger.Error("Failed to load defense profile",
			zap.String("profile_id", ec.ProfileID),
			zap.Error(err))
		if s.metrics != nil {
			s.metrics.RecordError("profile_load")
		}
		s.injectContextHeaders(rc, debug)
		s.forward(rc, nil, events.DecisionAllowed, debug, start)
		return
	}

	exec := s.executor.Run(rc, prof, monitoring)
	if s.metrics != nil {
		s.metrics.RecordExecution(prof.ID, exec.Duration, exec.Slow)
		s.metrics.RecordSpamScore(s.vhostLabel(ec), exec.Score)
	}

	s.applySpamThreshold(ec, exec, monitoring)
	s.accumulateIPScore(rc.ClientIP, exec.Score)

	s.injectContextHeaders(rc, debug)
	s.injectExecutionHeaders(rc, exec)

	if monitoring {
		decision := events.DecisionAllowed
		if exec.WouldBlock() || !forwardable(exec.FinalAction) || exec.FinalAction == profile.ActionMonitor {
			decision = events.DecisionMonitored
		}
		if s.metrics != nil {
			for _, reason := range exec.WouldBlockReasons {
				s.metrics.RecordWouldBlock(s.vhostLabel(ec), reason)
			}
		}
		s.forward(rc, exec, decision, debug, start)
		return
	}

	switch exec.FinalAction {
	case profile.ActionBlock:
		s.writeBlocked(rc, exec, debug, start)
	case profile.ActionTarpit:
		s.tarpit(rc, exec, debug, start)
	case profile.ActionCaptcha:
		s.serveCaptcha(rc, exec, snap, debug, start)
	case profile.ActionMonitor:
		s.forward(rc, exec, events.DecisionMonitored, debug, start)
	default:
		s.forward(rc, exec, events.DecisionAllowed, debug, start)
	}
}

// loadProfile resolves a profile's inheritance chain, caching the
// result per store version.
func (s *Server) loadProfile(snap *hotcache.Snapshot, id string) (*types.DefenseProfile, error) {
	if id == "" {
		id = defenses.DefaultProfileID
	}
	if resolved, ok := s.cache.Profiles().Get(id, snap.ProfilesVersion); ok {
		return resolved, nil
	}
	p := snap.Profiles[id]
	if p == nil {
		return nil, fmt.Errorf("defense profile %q not found", id)
	}
	resolved, err := profile.ResolveInheritance(p, func(pid string) *types.DefenseProfile {
		return snap.Profiles[pid]
	})
	if err != nil {
		return nil, err
	}
	s.cache.Profiles().Put(id, snap.ProfilesVersion, resolved)
	return resolved, nil
}

// applySpamThreshold enforces the effective spam_score_block threshold
// against the accumulated score. Profiles decide their own branching;
// this is the endpoint-level ceiling that applies regardless.
func (s *Server) applySpamThreshold(ec *resolver.EffectiveContext, exec *profile.Execution, monitoring bool) {
	limit := ec.Thresholds.Int(types.ThresholdSpamScoreBlock, defaultSpamScoreBlock)
	if limit <= 0 || exec.Score < limit {
		return
	}
	if exec.FinalAction == profile.ActionBlock && !monitoring {
		return
	}

	exec.WouldBlockReasons = append(exec.WouldBlockReasons, ReasonSpamScoreExceeded)
	if monitoring {
		exec.Flags = append(exec.Flags, "would_block:"+ReasonSpamScoreExceeded)
		if exec.BlockReason == "" {
			exec.FinalAction = profile.ActionBlock
			exec.BlockReason = ReasonSpamScoreExceeded
		}
		return
	}
	exec.FinalAction = profile.ActionBlock
	if exec.BlockReason == "" {
		exec.BlockReason = ReasonSpamScoreExceeded
	}
}

// accumulateIPScore feeds the request's final score into the client
// IP's rolling spam history. Off the decision path, bounded timeout.
func (s *Server) accumulateIPScore(ip string, score int) {
	if s.limiter == nil || score <= 0 || ip == "" {
		return
	}
	go func() {
		reqCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := s.limiter.AddIPScore(reqCtx, ip, score); err != nil {
			s.logger.Warn("Failed to accumulate IP spam score",
				zap.String("client_ip", ip),
				zap.Error(err))
		}
	}()
}

// debugEnabled reports whether WAF response headers are exposed for
// this request.
func (s *Server) debugEnabled(ec *resolver.EffectiveContext) bool {
	return s.cfg.Server.Debug || ec.Thresholds.Bool(types.ThresholdExposeWAFHeaders, false)
}

func (s *Server) vhostLabel(ec *resolver.EffectiveContext) string {
	if ec.VhostID != "" {
		return ec.VhostID
	}
	return "unknown"
}

// forwardable reports whether a final action still means "send
// upstream".
func forwardable(action string) bool {
	switch action {
	case "", profile.ActionAllow, profile.ActionMonitor, profile.ActionFlag:
		return true
	}
	return false
}
