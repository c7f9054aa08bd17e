package domain

import "time"

// WorkflowDefinition is the validated in-memory graph consumed by the
// dispatcher. Produced by a definition loader external to the core (the
// DSL-to-JSON parser is out of scope); this is the shape it produces.
type WorkflowDefinition struct {
	ID              string
	Name            string
	TenantID        string
	Version         string
	Nodes           []*Node
	Edges           []*Edge
	GlobalVariables map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks the definition invariants, failing on the first offending
// reason in the documented order. The graph-shape invariants (cycles,
// isolated nodes) are delegated to the caller via graph.Build+graph.Validate
// since they require the adjacency structure; this method covers the
// invariants that only need the flat node/edge lists.
func (d *WorkflowDefinition) Validate() error {
	if d.ID == "" || d.Name == "" {
		return NewError(ErrValidation, "workflow id and name must not be blank", nil).WithWorkflow(d.ID)
	}
	if len(d.Nodes) == 0 {
		return NewError(ErrValidation, "workflow must have at least one node", nil).WithWorkflow(d.ID)
	}

	seen := make(map[string]struct{}, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" || n.Name == "" {
			return NewError(ErrValidation, "node id and name must not be blank", nil).WithWorkflow(d.ID)
		}
		if _, dup := seen[n.ID]; dup {
			return NewError(ErrValidation, "duplicate node id: "+n.ID, nil).WithWorkflow(d.ID)
		}
		seen[n.ID] = struct{}{}

		if requiredKey, ok := RequiredConfigKeys[n.Type]; ok {
			if n.ConfigString(requiredKey) == "" {
				return NewError(ErrValidation, "node "+n.ID+" of type "+string(n.Type)+" is missing required config key "+requiredKey, nil).
					WithWorkflow(d.ID).WithNode(n.ID)
			}
		}
	}

	for _, e := range d.Edges {
		if _, ok := seen[e.SourceID]; !ok {
			return NewError(ErrValidation, "edge references unknown source node "+e.SourceID, nil).WithWorkflow(d.ID)
		}
		if _, ok := seen[e.TargetID]; !ok {
			return NewError(ErrValidation, "edge references unknown target node "+e.TargetID, nil).WithWorkflow(d.ID)
		}
		if e.SourceID == e.TargetID {
			return NewError(ErrValidation, "self-loop edge on node "+e.SourceID, nil).WithWorkflow(d.ID)
		}
	}

	return nil
}

// NodeByID performs a linear lookup; small workflows don't justify an index
// at this layer (graph.Graph provides the indexed version for hot paths).
func (d *WorkflowDefinition) NodeByID(id string) (*Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}
