package profile

import (
	"fmt"

	"github.com/formwarden/waf/pkg/types"
)

// Graph is a validated profile DAG in executable form: id-keyed node
// table plus forward and reverse adjacency.
type Graph struct {
	Profile *types.DefenseProfile
	Nodes   map[string]*types.ProfileNode
	StartID string

	// Adjacency derived from outputs; Rev lists each node's
	// predecessors in declaration order, used as implicit operator
	// inputs.
	Adj map[string][]string
	Rev map[string][]string
}

// BuildGraph validates a profile and returns its executable form.
// Checked invariants: exactly one start node, every output target
// exists, no cycle reachable from start, at least one action reachable
// from start, and known operator/action names. Defense and observation
// names are resolved at execution time, where an unknown name yields a
// neutral result instead of failing the whole profile.
func BuildGraph(p *types.DefenseProfile) (*Graph, error) {
	if p == nil {
		return nil, fmt.Errorf("profile is nil")
	}
	if len(p.Nodes) == 0 {
		return nil, fmt.Errorf("profile %s has no nodes", p.ID)
	}

	g := &Graph{
		Profile: p,
		Nodes:   make(map[string]*types.ProfileNode, len(p.Nodes)),
		Adj:     make(map[string][]string),
		Rev:     make(map[string][]string),
	}

	for i := range p.Nodes {
		node := &p.Nodes[i]
		if node.ID == "" {
			return nil, fmt.Errorf("node %d has no id", i)
		}
		if _, dup := g.Nodes[node.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", node.ID)
		}
		g.Nodes[node.ID] = node

		switch node.Type {
		case types.NodeStart:
			if g.StartID != "" {
				return nil, fmt.Errorf("multiple start nodes: %q and %q", g.StartID, node.ID)
			}
			g.StartID = node.ID
		case types.NodeDefense, types.NodeObservation:
			if node.Name == "" {
				return nil, fmt.Errorf("node %q has no name", node.ID)
			}
		case types.NodeOperator:
			if _, ok := validOperators[node.Name]; !ok {
				return nil, fmt.Errorf("node %q: unknown operator %q", node.ID, node.Name)
			}
		case types.NodeAction:
			if _, ok := validActions[node.Name]; !ok {
				return nil, fmt.Errorf("node %q: unknown action %q", node.ID, node.Name)
			}
		default:
			return nil, fmt.Errorf("node %q: unknown type %q", node.ID, node.Type)
		}
	}

	if g.StartID == "" {
		return nil, fmt.Errorf("profile %s has no start node", p.ID)
	}

	for id, node := range g.Nodes {
		for edge, target := range node.Outputs {
			if _, ok := g.Nodes[target]; !ok {
				return nil, fmt.Errorf("node %q output %q targets unknown node %q", id, edge, target)
			}
			g.Adj[id] = appendUnique(g.Adj[id], target)
			g.Rev[target] = appendUnique(g.Rev[target], id)
		}
		for _, input := range node.Inputs {
			if _, ok := g.Nodes[input]; !ok {
				return nil, fmt.Errorf("node %q references unknown input %q", id, input)
			}
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	if !g.actionReachable() {
		return nil, fmt.Errorf("profile %s has no action node reachable from start", p.ID)
	}

	return g, nil
}

const (
	colorUnvisited = iota
	colorOnPath
	colorDone
)

// checkAcyclic runs a depth-first search from start; an edge back to a
// node on the current path is a cycle.
func (g *Graph) checkAcyclic() error {
	color := make(map[string]int, len(g.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = colorOnPath
		for _, next := range g.Adj[id] {
			switch color[next] {
			case colorOnPath:
				return fmt.Errorf("cycle detected through node %q", next)
			case colorUnvisited:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = colorDone
		return nil
	}

	return visit(g.StartID)
}

func (g *Graph) actionReachable() bool {
	seen := map[string]bool{g.StartID: true}
	queue := []string{g.StartID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if g.Nodes[id].Type == types.NodeAction {
			return true
		}
		for _, next := range g.Adj[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Reachable reports whether target can be reached from any of the
// given roots, used by the executor to decide when an operator input
// will never arrive.
func (g *Graph) Reachable(roots []string, target string) bool {
	seen := make(map[string]bool, len(g.Nodes))
	queue := append([]string(nil), roots...)
	for _, r := range roots {
		seen[r] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == target {
			return true
		}
		for _, next := range g.Adj[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// OperatorInputs returns the node ids whose results feed an operator:
// the explicit inputs list when present, otherwise the node's graph
// predecessors.
func (g *Graph) OperatorInputs(node *types.ProfileNode) []string {
	if len(node.Inputs) > 0 {
		return node.Inputs
	}
	return g.Rev[node.ID]
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}
