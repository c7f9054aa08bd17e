// Package graph builds and validates the adjacency structure of a workflow
// definition: forward/reverse edge lists, entry/exit nodes, cycle
// detection and initial in-degree calculation.
package graph

import (
	"strings"

	"github.com/dagrunner/engine/internal/domain"
)

// Graph is the indexed adjacency view of a WorkflowDefinition, built once
// per execution and shared read-only by every goroutine the dispatcher
// spawns.
type Graph struct {
	def *domain.WorkflowDefinition

	nodes        map[string]*domain.Node
	forwardEdges map[string][]*domain.Edge // source -> outgoing edges
	reverseEdges map[string][]*domain.Edge // target -> incoming edges
}

// Build indexes a validated WorkflowDefinition. Callers should call
// Validate on the definition first; Build does not repeat those checks.
func Build(def *domain.WorkflowDefinition) *Graph {
	g := &Graph{
		def:          def,
		nodes:        make(map[string]*domain.Node, len(def.Nodes)),
		forwardEdges: make(map[string][]*domain.Edge),
		reverseEdges: make(map[string][]*domain.Edge),
	}
	for _, n := range def.Nodes {
		g.nodes[n.ID] = n
	}
	for _, e := range def.Edges {
		g.forwardEdges[e.SourceID] = append(g.forwardEdges[e.SourceID], e)
		g.reverseEdges[e.TargetID] = append(g.reverseEdges[e.TargetID], e)
	}
	return g
}

// GetNode returns the node for an id.
func (g *Graph) GetNode(id string) (*domain.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node in the graph.
func (g *Graph) Nodes() []*domain.Node {
	return g.def.Nodes
}

// OutEdges returns the edges leaving a node.
func (g *Graph) OutEdges(nodeID string) []*domain.Edge {
	return g.forwardEdges[nodeID]
}

// InEdges returns the edges entering a node.
func (g *Graph) InEdges(nodeID string) []*domain.Edge {
	return g.reverseEdges[nodeID]
}

// StartNodes returns nodes with no incoming edges, in definition order so
// the initial dispatch wave is deterministic.
func (g *Graph) StartNodes() []string {
	var out []string
	for _, n := range g.def.Nodes {
		if len(g.reverseEdges[n.ID]) == 0 {
			out = append(out, n.ID)
		}
	}
	return out
}

// EndNodes returns nodes with no outgoing edges, in definition order.
func (g *Graph) EndNodes() []string {
	var out []string
	for _, n := range g.def.Nodes {
		if len(g.forwardEdges[n.ID]) == 0 {
			out = append(out, n.ID)
		}
	}
	return out
}

// InitialInDegrees returns the unconditional in-degree of every node: the
// count of incoming edges, before any condition has been evaluated. The
// scheduler decrements this count once per incoming edge as predecessors
// complete or are skipped, whether or not that edge's condition held.
func (g *Graph) InitialInDegrees() map[string]int64 {
	out := make(map[string]int64, len(g.nodes))
	for id := range g.nodes {
		out[id] = int64(len(g.reverseEdges[id]))
	}
	return out
}

// Validate checks the graph-shape invariants that require the adjacency
// structure: cycles, isolated nodes, and unreachable nodes.
func (g *Graph) Validate() error {
	if err := g.checkCycles(); err != nil {
		return err
	}
	if err := g.checkIsolatedNodes(); err != nil {
		return err
	}
	return g.checkReachability()
}

func (g *Graph) checkCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)
		for _, e := range g.forwardEdges[id] {
			switch color[e.TargetID] {
			case gray:
				// Report the full vertex set of the cycle: everything on
				// the gray stack from the re-entered node down to here.
				cycle := stack
				for i, v := range stack {
					if v == e.TargetID {
						cycle = stack[i:]
						break
					}
				}
				return domain.NewError(domain.ErrValidation,
					"cycle detected: "+strings.Join(cycle, " -> ")+" -> "+e.TargetID, nil).
					WithWorkflow(g.def.ID)
			case white:
				if err := visit(e.TargetID); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, n := range g.def.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkIsolatedNodes rejects a node with both zero in-degree and zero
// out-degree when the workflow has more than one node: a single-node
// workflow is trivially both its own start and
// end node, but in a multi-node workflow a node with no edges at all is
// never reachable and never contributes to the graph's execution, so it
// is reported rather than silently accepted. checkCycles runs first, so
// any remaining node reported here has no edges whatsoever, not merely a
// missing cycle partner.
func (g *Graph) checkIsolatedNodes() error {
	if len(g.nodes) <= 1 {
		return nil
	}
	for _, n := range g.def.Nodes {
		if len(g.reverseEdges[n.ID]) == 0 && len(g.forwardEdges[n.ID]) == 0 {
			return domain.NewError(domain.ErrValidation, "isolated node: "+n.ID, nil).WithWorkflow(g.def.ID).WithNode(n.ID)
		}
	}
	return nil
}

// checkReachability rejects nodes unreachable from any start node, which
// would otherwise sit forever at a positive in-degree and never dispatch.
func (g *Graph) checkReachability() error {
	starts := g.StartNodes()
	if len(starts) == 0 {
		return domain.NewError(domain.ErrValidation, "workflow has no start node (every node has an incoming edge)", nil).WithWorkflow(g.def.ID)
	}

	reached := make(map[string]struct{}, len(g.nodes))
	queue := append([]string(nil), starts...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := reached[id]; ok {
			continue
		}
		reached[id] = struct{}{}
		for _, e := range g.forwardEdges[id] {
			queue = append(queue, e.TargetID)
		}
	}

	for _, n := range g.def.Nodes {
		if _, ok := reached[n.ID]; !ok {
			return domain.NewError(domain.ErrValidation, "node "+n.ID+" is unreachable from any start node", nil).WithWorkflow(g.def.ID).WithNode(n.ID)
		}
	}
	return nil
}

// TopologicalSort returns a valid topological ordering of the graph's
// nodes via Kahn's algorithm, seeded in definition order so ties between
// simultaneously-ready nodes resolve deterministically. It errors if the
// graph contains a cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	inDegree := g.InitialInDegrees()
	queue := make([]string, 0)
	for _, n := range g.def.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)
		for _, e := range g.forwardEdges[id] {
			inDegree[e.TargetID]--
			if inDegree[e.TargetID] == 0 {
				queue = append(queue, e.TargetID)
			}
		}
	}
	if len(result) != len(g.nodes) {
		return nil, domain.NewError(domain.ErrValidation, "topological sort impossible: graph contains a cycle", nil).WithWorkflow(g.def.ID)
	}
	return result, nil
}
