// Package wafctx carries per-request state through the inspection
// pipeline: matcher results, the pinned config snapshot, parsed form
// data, and computed fingerprints.
package wafctx

import (
	"context"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/waf/formdata"
	"github.com/formwarden/waf/internal/waf/hotcache"
	"github.com/formwarden/waf/internal/waf/resolver"
)

// RequestContext encapsulates the request state and dependencies used
// throughout the inspection pipeline. The snapshot pointer is pinned
// at creation: every config read during this request sees the same
// version, even if a sync tick swaps the cache mid-flight.
// The timeout fields (startTime, timeout) are immutable after
// creation, making TimeRemaining() safe to call from multiple
// goroutines.
type RequestContext struct {
	RequestID string

	// Logger is enriched by the pipeline stages before profile
	// execution starts and must not be reassigned afterwards: defense
	// handlers on parallel branches read it concurrently.
	Logger *zap.Logger

	HTTPCtx  *fasthttp.RequestCtx
	Snapshot *hotcache.Snapshot

	// Timeout management (immutable after creation)
	startTime time.Time
	timeout   time.Duration

	ClientIP  string
	UserAgent string
	Host      string
	Path      string
	Method    string

	Effective *resolver.EffectiveContext
	Form      *formdata.Form

	// Computed artifacts are written by defense handlers, which may run
	// on parallel branches; access goes through artifactMu.
	artifactMu  sync.Mutex
	contentHash string
	fingerprint string

	AllowlistedIP bool
}

// NewRequestContext creates a request context with the provided
// request ID, HTTP context, pinned snapshot, and timeout budget.
func NewRequestContext(requestID string, httpCtx *fasthttp.RequestCtx, snap *hotcache.Snapshot, baseLogger *zap.Logger, timeout time.Duration) *RequestContext {
	logger := baseLogger.With(zap.String("request_id", requestID))

	rc := &RequestContext{
		RequestID: requestID,
		Logger:    logger,
		HTTPCtx:   httpCtx,
		Snapshot:  snap,
		startTime: time.Now().UTC(),
		timeout:   timeout,
	}
	if httpCtx != nil {
		rc.Host = string(httpCtx.Host())
		rc.Path = string(httpCtx.Path())
		rc.Method = string(httpCtx.Method())
		rc.UserAgent = string(httpCtx.Request.Header.UserAgent())
	}
	return rc
}

// WithClientIP sets the normalized client IP address.
func (rc *RequestContext) WithClientIP(ip string) *RequestContext {
	rc.ClientIP = ip
	rc.Logger = rc.Logger.With(zap.String("client_ip", ip))
	return rc
}

// WithEffective attaches the resolved effective context.
func (rc *RequestContext) WithEffective(ec *resolver.EffectiveContext) *RequestContext {
	rc.Effective = ec
	rc.Logger = rc.Logger.With(
		zap.String("vhost_id", ec.VhostID),
		zap.String("endpoint_id", ec.EndpointID),
		zap.String("mode", ec.Mode))
	return rc
}

// WithForm attaches the parsed form data.
func (rc *RequestContext) WithForm(form *formdata.Form) *RequestContext {
	rc.Form = form
	if form != nil {
		rc.Logger = rc.Logger.With(zap.Int("form_fields", form.Len()))
	}
	return rc
}

// SetContentHash records the computed content hash. Safe for
// concurrent use by handlers on parallel branches.
func (rc *RequestContext) SetContentHash(hash string) {
	rc.artifactMu.Lock()
	rc.contentHash = hash
	rc.artifactMu.Unlock()
}

// ContentHash returns the computed content hash, if any.
func (rc *RequestContext) ContentHash() string {
	rc.artifactMu.Lock()
	defer rc.artifactMu.Unlock()
	return rc.contentHash
}

// SetFingerprint records the computed submission fingerprint. Safe for
// concurrent use by handlers on parallel branches.
func (rc *RequestContext) SetFingerprint(fp string) {
	rc.artifactMu.Lock()
	rc.fingerprint = fp
	rc.artifactMu.Unlock()
}

// Fingerprint returns the computed submission fingerprint, if any.
func (rc *RequestContext) Fingerprint() string {
	rc.artifactMu.Lock()
	defer rc.artifactMu.Unlock()
	return rc.fingerprint
}

// Elapsed returns the wall time since the context was created.
func (rc *RequestContext) Elapsed() time.Duration {
	return time.Now().UTC().Sub(rc.startTime)
}

// TimeRemaining returns how much of the timeout budget is left. Safe
// for concurrent use since it only reads immutable fields.
func (rc *RequestContext) TimeRemaining() time.Duration {
	remaining := rc.timeout - rc.Elapsed()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetContext creates a context bounded by the remaining budget.
func (rc *RequestContext) GetContext() (context.Context, context.CancelFunc) {
	remaining := rc.TimeRemaining()
	if remaining <= 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx, cancel
	}
	return context.WithTimeout(context.Background(), remaining)
}
