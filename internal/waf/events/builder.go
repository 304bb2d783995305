package events

import (
	"time"

	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/wafctx"
)

// Decision constants for DecisionEvent.Decision.
const (
	DecisionAllowed   = "allowed"
	DecisionBlocked   = "blocked"
	DecisionMonitored = "monitored"
	DecisionSkipped   = "skipped"
	DecisionCaptcha   = "captcha"
	DecisionTarpit    = "tarpit"
	DecisionError     = "error"
)

// BuildDecisionEvent creates a DecisionEvent from request context and
// the profile execution result. exec may be nil for skipped requests.
func BuildDecisionEvent(
	rc *wafctx.RequestContext,
	exec *profile.Execution,
	decision string,
	statusCode int,
	instanceID string,
) *DecisionEvent {
	event := &DecisionEvent{
		CreatedAt:  time.Now().UTC(),
		InstanceID: instanceID,
		Decision:   decision,
		StatusCode: statusCode,
	}

	if rc != nil {
		event.RequestID = rc.RequestID
		event.Host = rc.Host
		event.Path = rc.Path
		event.Method = rc.Method
		event.UserAgent = rc.UserAgent
		event.ClientIP = rc.ClientIP
		event.ContentHash = rc.ContentHash()
		event.Fingerprint = rc.Fingerprint()
		event.ServeTime = rc.Elapsed().Seconds()

		if rc.Form != nil {
			event.FormFields = rc.Form.Len()
		}

		if ec := rc.Effective; ec != nil {
			event.VhostID = ec.VhostID
			event.VhostMatch = string(ec.VhostMatchKind)
			event.EndpointID = ec.EndpointID
			event.EndpointMatch = string(ec.EndpointMatchKind)
			event.Mode = ec.Mode
			event.ProfileID = ec.ProfileID
			event.SkipReason = ec.SkipReason
		}
	}

	if exec != nil {
		event.Score = exec.Score
		event.Flags = exec.Flags
		event.BlockReason = exec.BlockReason
		event.WouldBlock = exec.WouldBlockReasons
		event.ExecTime = exec.Duration.Seconds()
	}

	return event
}

// BuildErrorEvent creates an error event for early failures (form
// parse, resolution, upstream) before a full execution exists.
func BuildErrorEvent(
	rc *wafctx.RequestContext,
	errorType string,
	errorMessage string,
	statusCode int,
	instanceID string,
) *DecisionEvent {
	event := BuildDecisionEvent(rc, nil, DecisionError, statusCode, instanceID)
	event.ErrorType = errorType
	event.ErrorMessage = errorMessage
	return event
}
