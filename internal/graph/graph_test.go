package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagrunner/engine/internal/domain"
	"github.com/dagrunner/engine/internal/graph"
)

func sampleDefinition() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:   "wf-1",
		Name: "sample",
		Nodes: []*domain.Node{
			domain.NewNode("start", domain.NodeTypeStart, "start", nil),
			domain.NewNode("a", domain.NodeTypeLog, "a", nil),
			domain.NewNode("b", domain.NodeTypeLog, "b", nil),
			domain.NewNode("join", domain.NodeTypeMerge, "join", nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "start", TargetID: "a"},
			{SourceID: "start", TargetID: "b"},
			{SourceID: "a", TargetID: "join"},
			{SourceID: "b", TargetID: "join"},
		},
	}
}

func TestBuildAndInDegrees(t *testing.T) {
	g := graph.Build(sampleDefinition())
	degrees := g.InitialInDegrees()
	assert.Equal(t, int64(0), degrees["start"])
	assert.Equal(t, int64(1), degrees["a"])
	assert.Equal(t, int64(1), degrees["b"])
	assert.Equal(t, int64(2), degrees["join"])
}

func TestStartAndEndNodes(t *testing.T) {
	g := graph.Build(sampleDefinition())
	assert.ElementsMatch(t, []string{"start"}, g.StartNodes())
	assert.ElementsMatch(t, []string{"join"}, g.EndNodes())
}

func TestValidateAcceptsDAG(t *testing.T) {
	g := graph.Build(sampleDefinition())
	require.NoError(t, g.Validate())
}

func TestValidateRejectsCycle(t *testing.T) {
	def := sampleDefinition()
	def.Edges = append(def.Edges, &domain.Edge{SourceID: "join", TargetID: "a"})
	g := graph.Build(def)
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
	// The error names the participating nodes so a user can find the loop.
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "join")
}

func TestTopologicalSortErrorsOnCycle(t *testing.T) {
	def := sampleDefinition()
	def.Edges = append(def.Edges, &domain.Edge{SourceID: "join", TargetID: "a"})
	g := graph.Build(def)
	_, err := g.TopologicalSort()
	require.Error(t, err)
}

func TestValidateAcceptsDisconnectedComponent(t *testing.T) {
	// A second, independent start+chain is a separate component, not an
	// isolated node: it has edges of its own, just none connecting it to
	// the first component.
	def := sampleDefinition()
	def.Nodes = append(def.Nodes,
		domain.NewNode("other-start", domain.NodeTypeStart, "other-start", nil),
		domain.NewNode("other-end", domain.NodeTypeLog, "other-end", nil),
	)
	def.Edges = append(def.Edges, &domain.Edge{SourceID: "other-start", TargetID: "other-end"})
	g := graph.Build(def)
	require.NoError(t, g.Validate())
	assert.ElementsMatch(t, []string{"start", "other-start"}, g.StartNodes())
}

func TestValidateRejectsIsolatedNode(t *testing.T) {
	// A node with no edges at all (zero in-degree and zero out-degree) in
	// a multi-node workflow must be rejected, not silently accepted as its
	// own trivial start node.
	def := sampleDefinition()
	def.Nodes = append(def.Nodes, domain.NewNode("stray", domain.NodeTypeLog, "stray", nil))
	g := graph.Build(def)
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "isolated node")
	assert.Contains(t, err.Error(), "stray")
}

func TestValidateAcceptsSingleIsolatedNode(t *testing.T) {
	// A lone node with no edges is the one shape where isolation is
	// allowed.
	def := &domain.WorkflowDefinition{
		ID:    "wf-single",
		Name:  "single",
		Nodes: []*domain.Node{domain.NewNode("only", domain.NodeTypeLog, "only", nil)},
	}
	g := graph.Build(def)
	require.NoError(t, g.Validate())
}

func TestValidateRejectsGraphWithNoStartNode(t *testing.T) {
	def := sampleDefinition()
	// Close the graph into a single cycle covering every node so no node
	// has in-degree zero; cycle detection should fire first.
	def.Edges = append(def.Edges, &domain.Edge{SourceID: "join", TargetID: "start"})
	g := graph.Build(def)
	require.Error(t, g.Validate())
}

func TestTopologicalSortOrdersDependenciesFirst(t *testing.T) {
	g := graph.Build(sampleDefinition())
	order, err := g.TopologicalSort()
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["start"], pos["a"])
	assert.Less(t, pos["start"], pos["b"])
	assert.Less(t, pos["a"], pos["join"])
	assert.Less(t, pos["b"], pos["join"])
}
