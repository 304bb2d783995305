// Package server is the request gateway: it resolves each submission
// against the routing config, runs the defense profile, and translates
// the verdict into a response or an upstream forward.
package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/configtypes"
	"github.com/formwarden/waf/internal/common/redis"
	"github.com/formwarden/waf/internal/common/requestid"
	"github.com/formwarden/waf/internal/waf/captcha"
	"github.com/formwarden/waf/internal/waf/clientip"
	"github.com/formwarden/waf/internal/waf/events"
	"github.com/formwarden/waf/internal/waf/hotcache"
	"github.com/formwarden/waf/internal/waf/metrics"
	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/ratelimit"
	"github.com/formwarden/waf/internal/waf/resolver"
	"github.com/formwarden/waf/internal/waf/upstream"
)

var (
	defaultInspectMethods = []string{fasthttp.MethodPost, fasthttp.MethodPut, fasthttp.MethodPatch}
	defaultInspectTypes   = []string{"application/x-www-form-urlencoded", "multipart/form-data", "application/json"}
)

// Server drives the per-request inspection pipeline.
type Server struct {
	cfg      *configtypes.WafConfig
	cache    *hotcache.Cache
	resolver *resolver.Resolver
	executor *profile.Executor
	limiter  *ratelimit.Limiter
	captcha  *captcha.Service
	proxy    *upstream.Proxy
	metrics  *metrics.PrometheusMetrics
	redis    *redis.Client
	logger   *zap.Logger

	// Event logging (nil if disabled)
	emitter    events.EventEmitter
	instanceID string

	inspectMethods map[string]struct{}
	inspectTypes   []string
}

// NewServer assembles the gateway from its wired components.
func NewServer(
	cfg *configtypes.WafConfig,
	cache *hotcache.Cache,
	rslv *resolver.Resolver,
	executor *profile.Executor,
	limiter *ratelimit.Limiter,
	captchaSvc *captcha.Service,
	proxy *upstream.Proxy,
	metricsCollector *metrics.PrometheusMetrics,
	redisClient *redis.Client,
	emitter events.EventEmitter,
	logger *zap.Logger,
) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("hot cache is required")
	}
	if rslv == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if proxy == nil {
		return nil, fmt.Errorf("upstream proxy is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	methods := cfg.Server.InspectMethods
	if len(methods) == 0 {
		methods = defaultInspectMethods
	}
	methodSet := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		methodSet[strings.ToUpper(m)] = struct{}{}
	}

	types := cfg.Server.InspectContentTypes
	if len(types) == 0 {
		types = defaultInspectTypes
	}

	return &Server{
		cfg:            cfg,
		cache:          cache,
		resolver:       rslv,
		executor:       executor,
		limiter:        limiter,
		captcha:        captchaSvc,
		proxy:          proxy,
		metrics:        metricsCollector,
		redis:          redisClient,
		emitter:        emitter,
		instanceID:     cfg.InstanceID,
		logger:         logger,
		inspectMethods: methodSet,
		inspectTypes:   types,
	}, nil
}

// HandleRequest is the fasthttp entry point.
func (s *Server) HandleRequest(ctx *fasthttp.RequestCtx) {
	customRequestID := string(ctx.Request.Header.Peek("X-Request-ID"))
	requestID := requestid.GenerateRequestID(customRequestID)
	ctx.Response.Header.Set("X-Request-ID", requestID)

	switch string(ctx.Path()) {
	case "/health":
		s.handleHealth(ctx)
	case "/ready":
		s.handleReady(ctx)
	case captcha.VerifyPath:
		s.handleCaptchaVerify(ctx)
	default:
		s.inspect(ctx, requestID)
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Content-Type", "text/plain")
	ctx.Response.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.SetBodyString("OK")
}

// handleReady reports readiness: the worker is serving and has a
// config snapshot. A dead store is not fatal once a snapshot exists —
// the last one stays authoritative.
func (s *Server) handleReady(ctx *fasthttp.RequestCtx) {
	if s.cache.Version() == 0 && s.redis != nil {
		reqCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.redis.HealthCheck(reqCtx); err != nil {
			s.writeError(ctx, fasthttp.StatusServiceUnavailable, "config store not available")
			return
		}
	}
	ctx.Response.Header.Set("Content-Type", "text/plain")
	ctx.Response.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.SetBodyString(fmt.Sprintf("OK - snapshot version %d", s.cache.Version()))
}

func (s *Server) handleCaptchaVerify(ctx *fasthttp.RequestCtx) {
	if s.captcha == nil {
		s.writeError(ctx, fasthttp.StatusNotFound, "CAPTCHA not configured")
		return
	}
	snap := s.cache.Snapshot()
	ip := clientip.Normalize(clientip.Extract(ctx, s.cfg.Server.ClientIPHeaders))
	s.captcha.HandleVerify(ctx, snap, ip)
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, statusCode int, message string) {
	ctx.Response.Header.Set("Content-Type", "text/plain")
	ctx.Response.SetStatusCode(statusCode)
	ctx.Response.SetBodyString(message)
}

// shouldInspect reports whether the request's method and content type
// are subject to form inspection.
func (s *Server) shouldInspect(method, contentType string) bool {
	if _, ok := s.inspectMethods[method]; !ok {
		return false
	}
	for _, t := range s.inspectTypes {
		if t == "*" {
			return true
		}
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

// Shutdown releases resources held by the server.
func (s *Server) Shutdown() error {
	if s.emitter != nil {
		if err := s.emitter.Close(); err != nil {
			s.logger.Warn("Failed to close event emitter", zap.Error(err))
			return err
		}
	}
	return nil
}
