package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formwarden/waf/pkg/types"
)

func linearProfile() *types.DefenseProfile {
	return &types.DefenseProfile{
		ID: "linear",
		Nodes: []types.ProfileNode{
			{ID: "start", Type: types.NodeStart, Outputs: map[string]string{"next": "kw"}},
			{ID: "kw", Type: types.NodeDefense, Name: "keyword_filter", Outputs: map[string]string{"continue": "done"}},
			{ID: "done", Type: types.NodeAction, Name: ActionAllow},
		},
	}
}

func TestBuildGraphValid(t *testing.T) {
	g, err := BuildGraph(linearProfile())
	require.NoError(t, err)
	assert.Equal(t, "start", g.StartID)
	assert.Equal(t, []string{"kw"}, g.Adj["start"])
	assert.Equal(t, []string{"kw"}, g.Rev["done"])
}

func TestBuildGraphRejectsMissingStart(t *testing.T) {
	p := linearProfile()
	p.Nodes = p.Nodes[1:]
	_, err := BuildGraph(p)
	assert.ErrorContains(t, err, "no start node")
}

func TestBuildGraphRejectsDuplicateStart(t *testing.T) {
	p := linearProfile()
	p.Nodes = append(p.Nodes, types.ProfileNode{ID: "start2", Type: types.NodeStart})
	_, err := BuildGraph(p)
	assert.ErrorContains(t, err, "multiple start nodes")
}

func TestBuildGraphRejectsUnknownTarget(t *testing.T) {
	p := linearProfile()
	p.Nodes[1].Outputs["continue"] = "ghost"
	_, err := BuildGraph(p)
	assert.ErrorContains(t, err, "unknown node")
}

func TestBuildGraphRejectsCycle(t *testing.T) {
	p := &types.DefenseProfile{
		ID: "cyclic",
		Nodes: []types.ProfileNode{
			{ID: "start", Type: types.NodeStart, Outputs: map[string]string{"next": "a"}},
			{ID: "a", Type: types.NodeDefense, Name: "x", Outputs: map[string]string{"continue": "b"}},
			{ID: "b", Type: types.NodeDefense, Name: "y", Outputs: map[string]string{"continue": "a"}},
			{ID: "done", Type: types.NodeAction, Name: ActionAllow},
		},
	}
	_, err := BuildGraph(p)
	assert.ErrorContains(t, err, "cycle")
}

func TestBuildGraphRejectsNoReachableAction(t *testing.T) {
	p := &types.DefenseProfile{
		ID: "dead-end",
		Nodes: []types.ProfileNode{
			{ID: "start", Type: types.NodeStart, Outputs: map[string]string{"next": "a"}},
			{ID: "a", Type: types.NodeDefense, Name: "x"},
			// action exists but nothing reaches it
			{ID: "done", Type: types.NodeAction, Name: ActionAllow},
		},
	}
	_, err := BuildGraph(p)
	assert.ErrorContains(t, err, "no action node reachable")
}

func TestBuildGraphRejectsUnknownOperatorAndAction(t *testing.T) {
	p := linearProfile()
	p.Nodes = append(p.Nodes, types.ProfileNode{ID: "op", Type: types.NodeOperator, Name: "median"})
	_, err := BuildGraph(p)
	assert.ErrorContains(t, err, "unknown operator")

	p = linearProfile()
	p.Nodes[2].Name = "detonate"
	_, err = BuildGraph(p)
	assert.ErrorContains(t, err, "unknown action")
}

func TestBuildGraphAllowsUnknownDefenseName(t *testing.T) {
	// unknown defenses degrade to a neutral result at execution time
	p := linearProfile()
	p.Nodes[1].Name = "not_yet_registered"
	_, err := BuildGraph(p)
	assert.NoError(t, err)
}

func TestOperatorInputs(t *testing.T) {
	p := &types.DefenseProfile{
		ID: "fanout",
		Nodes: []types.ProfileNode{
			{ID: "start", Type: types.NodeStart, Outputs: map[string]string{"a": "d1", "b": "d2"}},
			{ID: "d1", Type: types.NodeDefense, Name: "x", Outputs: map[string]string{"continue": "sum"}},
			{ID: "d2", Type: types.NodeDefense, Name: "y", Outputs: map[string]string{"continue": "sum"}},
			{ID: "sum", Type: types.NodeOperator, Name: OpSum, Outputs: map[string]string{"next": "done"}},
			{ID: "done", Type: types.NodeAction, Name: ActionAllow},
		},
	}
	g, err := BuildGraph(p)
	require.NoError(t, err)

	// implicit inputs are the graph predecessors
	assert.ElementsMatch(t, []string{"d1", "d2"}, g.OperatorInputs(g.Nodes["sum"]))

	// explicit inputs win
	g.Nodes["sum"].Inputs = []string{"d2"}
	assert.Equal(t, []string{"d2"}, g.OperatorInputs(g.Nodes["sum"]))
}
