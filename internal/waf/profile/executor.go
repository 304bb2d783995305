package profile

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/waf/wafctx"
	"github.com/formwarden/waf/pkg/types"
)

const (
	defaultIterationCeiling   = 100
	defaultMaxExecutionTimeMS = 100
)

// Execution is the executor's output for one request: the aggregated
// score, the final action, and the per-node result cache.
type Execution struct {
	Score       int
	Flags       []string
	Details     map[string]any
	FinalAction string
	BlockReason string

	TarpitDelaySeconds int
	TarpitThen         string

	// WouldBlockReasons collects every block verdict seen, including
	// ones not enforced because of monitoring mode.
	WouldBlockReasons []string

	Results  map[string]NodeResult
	Duration time.Duration
	Slow     bool
}

// WouldBlock reports whether any defense reached a block verdict.
func (e *Execution) WouldBlock() bool {
	return len(e.WouldBlockReasons) > 0
}

// Executor runs validated profile graphs against requests.
type Executor struct {
	registry *Registry
	logger   *zap.Logger
	ceiling  int
}

// NewExecutor creates an executor over a registry.
func NewExecutor(registry *Registry, logger *zap.Logger) *Executor {
	return &Executor{
		registry: registry,
		logger:   logger,
		ceiling:  defaultIterationCeiling,
	}
}

// Run builds, validates, and executes a profile. A profile that fails
// validation never reaches the request handler as an error: the result
// carries the profile's default action and a profile_error flag.
func (e *Executor) Run(rc *wafctx.RequestContext, p *types.DefenseProfile, monitoring bool) *Execution {
	graph, err := BuildGraph(p)
	if err != nil {
		e.logger.Warn("Profile failed validation",
			zap.String("profile_id", profileID(p)),
			zap.Error(err))
		action := ActionAllow
		if p != nil && p.Settings.DefaultAction != "" {
			action = p.Settings.DefaultAction
		}
		return &Execution{
			FinalAction: action,
			Flags:       []string{fmt.Sprintf("profile_error:%v", err)},
			Details:     make(map[string]any),
			Results:     make(map[string]NodeResult),
		}
	}
	return e.Execute(rc, graph, monitoring)
}

// Execute runs a validated graph. monitoring selects the
// never-actually-block traversal semantics: block verdicts latch a
// would-block decision and continue along the continue edge.
func (e *Executor) Execute(rc *wafctx.RequestContext, g *Graph, monitoring bool) *Execution {
	started := time.Now().UTC()
	exec := &Execution{
		Details: make(map[string]any),
		Results: make(map[string]NodeResult),
	}

	maxMS := g.Profile.Settings.MaxExecutionTimeMS
	if maxMS <= 0 {
		maxMS = defaultMaxExecutionTimeMS
	}
	budget := time.Duration(maxMS) * time.Millisecond

	pending := []string{g.StartID}
	terminated := false

	for iterations := 0; len(pending) > 0 && !terminated && iterations < e.ceiling; iterations++ {
		ready, rest := e.collectReady(g, exec, pending)
		if len(ready) == 0 {
			// operators starved of inputs; nothing can progress
			break
		}

		// Past the soft budget no new parallel spawns happen.
		if len(ready) > 1 && time.Since(started) > budget {
			rest = append(ready[1:], rest...)
			ready = ready[:1]
		}
		pending = rest

		results := e.runBatch(rc, g, exec, ready)

		// Every sibling's result lands in the execution state before any
		// edge decision: a terminal verdict in the batch must not discard
		// scores its siblings already earned.
		for i, id := range ready {
			node := g.Nodes[id]
			res := results[i]
			exec.Results[id] = res
			if node.Type == types.NodeDefense {
				exec.Score += res.Score
				exec.Flags = append(exec.Flags, res.Flags...)
				for k, v := range res.Details {
					exec.Details[k] = v
				}
			}
		}

		for _, i := range decisionOrder(results) {
			node := g.Nodes[ready[i]]

			next, terminal := e.step(g, exec, node, results[i], monitoring)
			if terminal {
				terminated = true
				break
			}
			for _, nextID := range next {
				if _, done := exec.Results[nextID]; done {
					continue
				}
				if !containsID(pending, nextID) {
					pending = append(pending, nextID)
				}
			}
		}
	}

	if exec.FinalAction == "" {
		exec.FinalAction = g.Profile.Settings.DefaultAction
		if exec.FinalAction == "" {
			exec.FinalAction = ActionAllow
		}
	}

	exec.Duration = time.Since(started)
	if exec.Duration > budget {
		exec.Flags = append(exec.Flags, "execution_slow")
		exec.Slow = true
	}
	return exec
}

// collectReady splits pending into nodes whose dependencies are
// satisfied and the rest. Non-operator nodes are always ready. An
// operator waits until each input either has a result or can no longer
// execute (not pending and not reachable from any pending node).
func (e *Executor) collectReady(g *Graph, exec *Execution, pending []string) (ready, rest []string) {
	for _, id := range pending {
		node := g.Nodes[id]
		if node.Type != types.NodeOperator || e.inputsSettled(g, exec, pending, id) {
			ready = append(ready, id)
		} else {
			rest = append(rest, id)
		}
	}
	return ready, rest
}

func (e *Executor) inputsSettled(g *Graph, exec *Execution, pending []string, operatorID string) bool {
	others := make([]string, 0, len(pending))
	for _, id := range pending {
		if id != operatorID {
			others = append(others, id)
		}
	}
	for _, dep := range g.OperatorInputs(g.Nodes[operatorID]) {
		if _, ok := exec.Results[dep]; ok {
			continue
		}
		if containsID(others, dep) || g.Reachable(others, dep) {
			return false
		}
	}
	return true
}

// runBatch executes the ready nodes, spawning one goroutine per node
// when more than one is ready. Each task writes into its own slot; a
// panicking task yields a neutral result with a thread_error flag.
func (e *Executor) runBatch(rc *wafctx.RequestContext, g *Graph, exec *Execution, ids []string) []NodeResult {
	results := make([]NodeResult, len(ids))
	if len(ids) == 1 {
		results[0] = e.runNode(rc, g, exec, g.Nodes[ids[0]])
		return results
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(slot int, node *types.ProfileNode) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Parallel node task panicked",
						zap.String("node_id", node.ID),
						zap.Any("panic", r))
					results[slot] = Neutral("thread_error")
				}
			}()
			results[slot] = e.runNode(rc, g, exec, node)
		}(i, g.Nodes[id])
	}
	wg.Wait()
	return results
}

func (e *Executor) runNode(rc *wafctx.RequestContext, g *Graph, exec *Execution, node *types.ProfileNode) NodeResult {
	switch node.Type {
	case types.NodeStart, types.NodeAction:
		return NodeResult{}
	case types.NodeDefense:
		handler, ok := e.registry.Defense(node.Name)
		if !ok {
			return Neutral("not_registered")
		}
		return e.callHandler(rc, node, handler)
	case types.NodeObservation:
		handler, ok := e.registry.Observation(node.Name)
		if !ok {
			return Neutral("not_registered")
		}
		return e.callHandler(rc, node, handler)
	case types.NodeOperator:
		var inputs []NodeResult
		for _, dep := range g.OperatorInputs(node) {
			if res, ok := exec.Results[dep]; ok {
				inputs = append(inputs, res)
			}
		}
		return evalOperator(node.Name, inputs, node.Config)
	default:
		return Neutral("skipped")
	}
}

// callHandler invokes a defense or observation handler, converting a
// panic into a neutral defense_error result.
func (e *Executor) callHandler(rc *wafctx.RequestContext, node *types.ProfileNode, handler Handler) (res NodeResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Defense handler panicked",
				zap.String("node_id", node.ID),
				zap.String("defense", node.Name),
				zap.Any("panic", r))
			res = NodeResult{
				Flags:   []string{fmt.Sprintf("defense_error:%s", node.Name)},
				Details: map[string]any{"error": fmt.Sprint(r)},
			}
		}
	}()
	return handler(rc, node.Config)
}

// step decides where traversal goes after a node, latching verdicts
// into the execution state. Score and flag accumulation happens in the
// batch merge before step runs; operators aggregate from the result
// cache instead, so nothing is counted twice. monitoring is passed
// explicitly: it is the only flag that changes edge selection.
func (e *Executor) step(g *Graph, exec *Execution, node *types.ProfileNode, res NodeResult, monitoring bool) (next []string, terminal bool) {
	if node.Type == types.NodeAction {
		return e.stepAction(exec, node, monitoring)
	}

	switch {
	case res.Blocked:
		exec.WouldBlockReasons = append(exec.WouldBlockReasons, res.BlockReason)
		if monitoring {
			exec.Flags = append(exec.Flags, "would_block:"+res.BlockReason)
			if exec.FinalAction == "" {
				exec.FinalAction = ActionBlock
				exec.BlockReason = res.BlockReason
			}
			return edgeTargets(node, EdgeContinue), false
		}
		if target, ok := node.Outputs[EdgeBlocked]; ok {
			return []string{target}, false
		}
		exec.FinalAction = ActionBlock
		if exec.BlockReason == "" {
			exec.BlockReason = res.BlockReason
		}
		return nil, true

	case res.Allowed:
		if target, ok := node.Outputs[EdgeAllowed]; ok {
			return []string{target}, false
		}
		if !(monitoring && exec.FinalAction == ActionBlock) {
			exec.FinalAction = ActionAllow
		}
		return nil, true

	case res.Branch != "":
		if target, ok := node.Outputs[res.Branch]; ok {
			return []string{target}, false
		}
		// no matching output name: the branch value is a node id
		if _, ok := g.Nodes[res.Branch]; ok {
			return []string{res.Branch}, false
		}
		return nil, false

	default:
		return defaultTargets(node), false
	}
}

func (e *Executor) stepAction(exec *Execution, node *types.ProfileNode, monitoring bool) ([]string, bool) {
	switch node.Name {
	case ActionFlag:
		exec.Score += cfgInt(node.Config, "score", 0)
		exec.Flags = append(exec.Flags, cfgString(node.Config, "tag", "flagged"))
		return defaultTargets(node), false

	case ActionAllow:
		if !(monitoring && exec.FinalAction == ActionBlock) {
			exec.FinalAction = ActionAllow
		}
		return nil, true

	case ActionBlock:
		reason := cfgString(node.Config, "reason", "blocked")
		exec.WouldBlockReasons = append(exec.WouldBlockReasons, reason)
		if monitoring {
			exec.Flags = append(exec.Flags, "would_block:"+reason)
			if exec.FinalAction == "" {
				exec.FinalAction = ActionBlock
				exec.BlockReason = reason
			}
			return nil, true
		}
		exec.FinalAction = ActionBlock
		exec.BlockReason = reason
		return nil, true

	case ActionTarpit:
		exec.FinalAction = ActionTarpit
		exec.TarpitDelaySeconds = cfgInt(node.Config, "delay_seconds", 5)
		exec.TarpitThen = cfgString(node.Config, "then", ActionBlock)
		return nil, true

	case ActionCaptcha:
		exec.FinalAction = ActionCaptcha
		return nil, true

	case ActionMonitor:
		exec.FinalAction = ActionMonitor
		return nil, true

	default:
		exec.Flags = append(exec.Flags, "not_registered")
		return defaultTargets(node), false
	}
}

func edgeTargets(node *types.ProfileNode, edge string) []string {
	if target, ok := node.Outputs[edge]; ok {
		return []string{target}
	}
	return nil
}

// defaultTargets returns where traversal goes when no verdict fired:
// next, then continue, then every other non-verdict edge. Multiple
// edges fan out into parallel branches.
func defaultTargets(node *types.ProfileNode) []string {
	var targets []string
	if t, ok := node.Outputs[EdgeNext]; ok {
		targets = append(targets, t)
	}
	if t, ok := node.Outputs[EdgeContinue]; ok {
		targets = append(targets, t)
	}

	var extra []string
	for edge := range node.Outputs {
		switch edge {
		case EdgeNext, EdgeContinue, EdgeBlocked, EdgeAllowed:
			continue
		}
		extra = append(extra, edge)
	}
	sort.Strings(extra)
	for _, edge := range extra {
		targets = append(targets, node.Outputs[edge])
	}
	return targets
}

// decisionOrder yields batch indices with blocked verdicts first, in
// batch order, so a block landing alongside a sibling allow wins.
func decisionOrder(results []NodeResult) []int {
	order := make([]int, 0, len(results))
	for i := range results {
		if results[i].Blocked {
			order = append(order, i)
		}
	}
	for i := range results {
		if !results[i].Blocked {
			order = append(order, i)
		}
	}
	return order
}

func containsID(list []string, id string) bool {
	for _, item := range list {
		if item == id {
			return true
		}
	}
	return false
}

func cfgInt(cfg map[string]any, key string, def int) int {
	if v, ok := toInt(cfg[key]); ok {
		return v
	}
	return def
}

func cfgString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func profileID(p *types.DefenseProfile) string {
	if p == nil {
		return ""
	}
	return p.ID
}
