// Package executors ships the trivial reference node-type bodies: LOG and
// a no-op probe, plus the minimal IF/MERGE bodies the engine's own tests
// and cmd/dagengine need to exercise the scheduler's conditional-skip and
// merge-join behavior end to end. Real HTTP/SCRIPT/webhook/wait/trigger
// bodies are external plugins; these satisfy the executorfw.Executor
// contract so the dispatcher has something to run in tests and in the
// reference CLI.
package executors

import (
	"context"

	"github.com/dagrunner/engine/internal/condition"
	"github.com/dagrunner/engine/internal/domain"
	"github.com/dagrunner/engine/internal/executorfw"
)

// Log is the reference LOG node: it resolves its "message" config (already
// resolved by the framework before Execute runs) and publishes it as
// output, with no side effect beyond that — the simplest possible body
// that still exercises the full executor contract.
type Log struct{}

func (Log) SupportedType() domain.NodeType { return domain.NodeTypeLog }

func (Log) Execute(ctx context.Context, node *domain.Node, execCtx *domain.ExecutionContext) (*domain.NodeResult, error) {
	return &domain.NodeResult{
		NodeID: node.ID,
		Status: domain.NodeSuccess,
		Output: map[string]any{"message": node.ConfigString("message")},
	}, nil
}

// Noop is a reference probe used for START/END placeholder nodes in tests
// and demos: it does nothing and always succeeds.
type Noop struct{ Type domain.NodeType }

func (n Noop) SupportedType() domain.NodeType { return n.Type }

func (Noop) Execute(ctx context.Context, node *domain.Node, execCtx *domain.ExecutionContext) (*domain.NodeResult, error) {
	return &domain.NodeResult{NodeID: node.ID, Status: domain.NodeSuccess, Output: map[string]any{}}, nil
}

// If is the reference IF node body: it evaluates node.Config["condition"]
// via internal/condition and emits {result, selected}. Conditional edges
// — not this node's own output — are authoritative for branch skipping;
// this body exists only so an IF node
// produces a boolean an outgoing edge condition can reference
// (e.g. "#ifNodeId.output.result == true").
type If struct {
	Evaluator *condition.Evaluator
}

func NewIf() *If { return &If{Evaluator: condition.NewEvaluator()} }

func (i *If) SupportedType() domain.NodeType { return domain.NodeTypeIF }

func (i *If) Execute(ctx context.Context, node *domain.Node, execCtx *domain.ExecutionContext) (*domain.NodeResult, error) {
	expr := node.ConfigString("condition")
	if expr == "" {
		return nil, domain.NewError(domain.ErrValidation, "IF node "+node.ID+" is missing required config key condition", nil).WithNode(node.ID)
	}

	variables := conditionVariables(execCtx)
	result, err := i.Evaluator.Evaluate(expr, variables)
	if err != nil {
		return nil, err
	}

	selected := node.Config["falseValue"]
	if result {
		selected = node.Config["trueValue"]
	}
	return &domain.NodeResult{
		NodeID: node.ID,
		Status: domain.NodeSuccess,
		Output: map[string]any{"result": result, "selected": selected},
	}, nil
}

// conditionVariables puts every completed node's result at the top level,
// keyed by node id as {output, status}, so a condition like
// "src.output.ok == true" or "#src.output.ok == true" (the '#' sigil is
// stripped before compilation) resolves against expr-lang's variable
// lookup; a node's output fields are reached only through ".output.".
func conditionVariables(execCtx *domain.ExecutionContext) map[string]any {
	vars := make(map[string]any)
	vars["global"] = execCtx.AllGlobalVars()
	vars["input"] = execCtx.Input
	for nodeID, result := range execCtx.AllNodeResults() {
		vars[nodeID] = map[string]any{"output": result.Output, "status": string(result.Status)}
	}
	return vars
}

// mergePredecessors resolves which nodes feed a MERGE: an explicit
// "predecessors" config wins, otherwise the in-edges of the node in the
// execution's definition.
func mergePredecessors(node *domain.Node, execCtx *domain.ExecutionContext) []string {
	if raw, ok := node.Config["predecessors"].([]any); ok {
		var ids []string
		for _, p := range raw {
			if id, ok := p.(string); ok {
				ids = append(ids, id)
			}
		}
		return ids
	}
	if execCtx.Definition == nil {
		return nil
	}
	var ids []string
	for _, e := range execCtx.Definition.Edges {
		if e.TargetID == node.ID {
			ids = append(ids, e.SourceID)
		}
	}
	return ids
}

// MergeStrategy selects how Merge combines predecessor outputs.
type MergeStrategy string

const (
	MergeAll    MergeStrategy = "all"
	MergeArray  MergeStrategy = "array"
	MergeFilter MergeStrategy = "filtered"
)

// Merge is the reference MERGE node body. The dispatcher guarantees every
// live in-edge has completed before this runs (in-degree reached zero);
// Merge's only job is to combine predecessor outputs keyed by the
// immediate predecessor's node id.
type Merge struct{}

func (Merge) SupportedType() domain.NodeType { return domain.NodeTypeMerge }

func (Merge) Execute(ctx context.Context, node *domain.Node, execCtx *domain.ExecutionContext) (*domain.NodeResult, error) {
	predecessorIDs := mergePredecessors(node, execCtx)
	strategy := MergeStrategy(node.ConfigString("strategy"))
	if strategy == "" {
		strategy = MergeAll
	}

	merged := make(map[string]any, len(predecessorIDs))
	var arr []any
	for _, predID := range predecessorIDs {
		result, ok := execCtx.NodeResult(predID)
		if !ok || result.Status != domain.NodeSuccess {
			continue
		}
		merged[predID] = result.Output
		arr = append(arr, result.Output)
	}

	switch strategy {
	case MergeArray:
		return &domain.NodeResult{NodeID: node.ID, Status: domain.NodeSuccess, Output: map[string]any{"merged": arr}}, nil
	case MergeFilter:
		filterKeys, _ := node.Config["include"].([]any)
		filtered := make(map[string]any, len(filterKeys))
		for _, k := range filterKeys {
			if key, ok := k.(string); ok {
				if v, ok := merged[key]; ok {
					filtered[key] = v
				}
			}
		}
		return &domain.NodeResult{NodeID: node.ID, Status: domain.NodeSuccess, Output: map[string]any{"merged": filtered}}, nil
	default:
		return &domain.NodeResult{NodeID: node.ID, Status: domain.NodeSuccess, Output: map[string]any{"merged": merged}}, nil
	}
}

// RegisterReference registers Log, a Noop for every node type in
// placeholderTypes (typically START/END/WEBHOOK/WAIT/TRIGGER), If, and
// Merge onto factory — a convenience for tests and the reference CLI;
// production embedders register their own HTTP/SCRIPT bodies instead of
// (or alongside) these.
func RegisterReference(factory *executorfw.Factory, placeholderTypes ...domain.NodeType) error {
	if err := factory.Register(Log{}); err != nil {
		return err
	}
	if err := factory.Register(NewIf()); err != nil {
		return err
	}
	if err := factory.Register(Merge{}); err != nil {
		return err
	}
	for _, t := range placeholderTypes {
		if err := factory.Register(Noop{Type: t}); err != nil {
			return err
		}
	}
	return nil
}
