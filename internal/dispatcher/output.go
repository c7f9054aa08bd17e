package dispatcher

import (
	"fmt"

	"github.com/dagrunner/engine/internal/domain"
	"github.com/dagrunner/engine/internal/executorfw"
	"github.com/dagrunner/engine/internal/graph"
	"github.com/dagrunner/engine/internal/template"
)

// assembleOutput builds the final output payload for a completed
// execution. If an END node declares an aggregateOutputs
// config, each entry's transform mapping is resolved against a variable
// context that also carries the named fromNodes' results; otherwise a
// default summary of every node's terminal status is produced.
func (d *Dispatcher) assembleOutput(state *execState) map[string]any {
	vctx := executorfw.BuildVariableContext(state.ec)

	if spec, ok := endAggregateSpec(state.graph); ok {
		if out, err := d.resolveAggregateOutputs(vctx, spec); err == nil {
			return out
		} else {
			d.log.Error("failed to resolve aggregateOutputs, falling back to default output", err)
		}
	}

	return defaultOutput(vctx, state.ec)
}

// endAggregateSpec looks for an END node carrying an aggregateOutputs
// entry in its config and returns it.
func endAggregateSpec(g *graph.Graph) (map[string]any, bool) {
	for _, n := range g.Nodes() {
		if n.Type != domain.NodeTypeEnd {
			continue
		}
		if raw, ok := n.Config["aggregateOutputs"]; ok {
			if spec, ok := raw.(map[string]any); ok {
				return spec, true
			}
		}
	}
	return nil, false
}

// resolveAggregateOutputs evaluates each aggregateOutputs entry's
// transform mapping (fromNodes is informational only: the node outputs it
// names are already present in vctx.NodeOutputs for every completed node)
// and merges the resolved maps into one output payload.
func (d *Dispatcher) resolveAggregateOutputs(vctx *template.VariableContext, spec map[string]any) (map[string]any, error) {
	engine := template.NewEngineWithDefaults(vctx)
	out := make(map[string]any)

	for key, raw := range spec {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		transform, ok := entry["transform"].(map[string]any)
		if !ok {
			continue
		}
		resolved, err := engine.ResolveConfig(transform)
		if err != nil {
			return nil, err
		}
		out[key] = resolved
	}
	return out, nil
}

// defaultOutput is the fallback summary produced when no END node
// declares an aggregateOutputs config: identity/system fields plus a
// one-line human-readable status per node.
func defaultOutput(vctx *template.VariableContext, ec *domain.ExecutionContext) map[string]any {
	nodeResults := make(map[string]any, len(ec.AllNodeResults()))
	for id, r := range ec.AllNodeResults() {
		nodeResults[id] = fmt.Sprintf("%s (output: %t)", r.Status, r.Output != nil)
	}
	return map[string]any{
		"system":      vctx.System,
		"nodeResults": nodeResults,
	}
}
