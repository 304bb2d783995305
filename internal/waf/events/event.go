// Package events emits one structured record per inspected request:
// the decision, the score, the flags raised, and where the request
// matched in the routing config.
package events

import "time"

// DecisionEvent contains all data for a single inspection decision.
type DecisionEvent struct {
	// Identifiers
	RequestID string `json:"request_id"`
	Host      string `json:"host"`
	Path      string `json:"path"`
	Method    string `json:"method"`

	// Request metadata
	UserAgent string `json:"user_agent"`
	ClientIP  string `json:"client_ip"`

	// Routing match
	VhostID       string `json:"vhost_id"`
	VhostMatch    string `json:"vhost_match"`
	EndpointID    string `json:"endpoint_id"`
	EndpointMatch string `json:"endpoint_match"`
	Mode          string `json:"mode"`
	ProfileID     string `json:"profile_id"`

	// Decision
	Decision    string   `json:"decision"` // allowed, blocked, monitored, skipped, captcha, tarpit
	BlockReason string   `json:"block_reason"`
	WouldBlock  []string `json:"would_block,omitempty"`
	SkipReason  string   `json:"skip_reason"`
	Score       int      `json:"score"`
	Flags       []string `json:"flags,omitempty"`

	// Form data
	FormFields  int    `json:"form_fields"`
	ContentHash string `json:"content_hash"`
	Fingerprint string `json:"fingerprint"`

	// Response
	StatusCode int     `json:"status_code"`
	ServeTime  float64 `json:"serve_time"` // seconds
	ExecTime   float64 `json:"exec_time"`  // seconds

	// Error info
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`

	// Timestamps
	CreatedAt  time.Time `json:"created_at"`
	InstanceID string    `json:"instance_id"`
}
