package dispatcher

import "github.com/dagrunner/engine/internal/domain"

// edgeConditionVariables builds the variable vocabulary conditional edges
// are evaluated against: global variables, the execution's input, and one
// entry per completed node keyed by node id as {output, status}, matching
// the vocabulary the reference IF executor evaluates its own condition
// against, so an edge condition and an IF node's condition see the same
// names.
func edgeConditionVariables(ec *domain.ExecutionContext) map[string]any {
	vars := make(map[string]any)
	vars["global"] = ec.AllGlobalVars()
	vars["input"] = ec.Input
	for nodeID, result := range ec.AllNodeResults() {
		vars[nodeID] = map[string]any{"output": result.Output, "status": string(result.Status)}
	}
	return vars
}
