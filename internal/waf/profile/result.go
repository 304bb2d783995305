// Package profile implements the defense profile executor: DAG
// validation, inheritance resolution, operator evaluation, and the
// per-request execution loop that turns node results into a final
// action.
package profile

// Builtin operators.
const (
	OpSum             = "sum"
	OpMax             = "max"
	OpMin             = "min"
	OpAnd             = "and"
	OpOr              = "or"
	OpThresholdBranch = "threshold_branch"
)

// Action names. All are terminal except flag.
const (
	ActionAllow   = "allow"
	ActionBlock   = "block"
	ActionTarpit  = "tarpit"
	ActionCaptcha = "captcha"
	ActionMonitor = "monitor"
	ActionFlag    = "flag"
)

// Well-known output edge names.
const (
	EdgeNext     = "next"
	EdgeContinue = "continue"
	EdgeBlocked  = "blocked"
	EdgeAllowed  = "allowed"
)

// NodeResult is the outcome of executing one node. Defense scores
// accumulate into the execution total; operator results live only in
// the per-node cache for their dependents.
type NodeResult struct {
	Score       int
	Blocked     bool
	Allowed     bool
	Flags       []string
	Details     map[string]any
	BlockReason string
	AllowReason string

	// Branch is set by threshold_branch to select an output edge.
	Branch string

	// Result is set by the boolean operators (and, or).
	Result *bool
}

// Truthy reports whether a result counts as "true" for the boolean
// operators.
func (r NodeResult) Truthy() bool {
	if r.Result != nil {
		return *r.Result
	}
	return r.Blocked || r.Allowed || r.Score > 0
}

// Score builds a scoring result.
func Score(score int, flags []string, details map[string]any) NodeResult {
	return NodeResult{Score: score, Flags: flags, Details: details}
}

// Blocked builds a blocking result.
func Blocked(reason string, flags []string, details map[string]any) NodeResult {
	return NodeResult{Blocked: true, BlockReason: reason, Flags: flags, Details: details}
}

// Allowed builds an allowing result.
func Allowed(reason string, flags []string, details map[string]any) NodeResult {
	return NodeResult{Allowed: true, AllowReason: reason, Flags: flags, Details: details}
}

// Neutral builds a zero-score result carrying only flags, used for
// skipped and failed nodes.
func Neutral(flags ...string) NodeResult {
	return NodeResult{Flags: flags}
}
