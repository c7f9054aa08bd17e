package executors_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagrunner/engine/internal/domain"
	"github.com/dagrunner/engine/internal/executorfw"
	"github.com/dagrunner/engine/pkg/executors"
)

func newExecCtx() *domain.ExecutionContext {
	return domain.NewExecutionContext("exec-1", "wf-1", "tenant-1", map[string]any{}, map[string]any{})
}

func TestLogEchoesMessage(t *testing.T) {
	node := domain.NewNode("n1", domain.NodeTypeLog, "n1", map[string]any{"message": "hello"})
	result, err := executors.Log{}.Execute(context.Background(), node, newExecCtx())
	require.NoError(t, err)
	assert.Equal(t, domain.NodeSuccess, result.Status)
	assert.Equal(t, "hello", result.Output["message"])
}

func TestIfEmitsResultAndSelected(t *testing.T) {
	ec := newExecCtx()
	ec.SetNodeResult("src", &domain.NodeResult{NodeID: "src", Status: domain.NodeSuccess, Output: map[string]any{"ok": true}})

	node := domain.NewNode("ifNode", domain.NodeTypeIF, "ifNode", map[string]any{
		"condition":  "src.output.ok == true",
		"trueValue":  "left",
		"falseValue": "right",
	})

	ifExec := executors.NewIf()
	result, err := ifExec.Execute(context.Background(), node, ec)
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["result"])
	assert.Equal(t, "left", result.Output["selected"])
}

func TestMergeCombinesPredecessorOutputsByID(t *testing.T) {
	ec := newExecCtx()
	ec.SetNodeResult("A", &domain.NodeResult{NodeID: "A", Status: domain.NodeSuccess, Output: map[string]any{"x": 1}})
	ec.SetNodeResult("B", &domain.NodeResult{NodeID: "B", Status: domain.NodeSuccess, Output: map[string]any{"y": 2}})

	node := domain.NewNode("merge", domain.NodeTypeMerge, "merge", map[string]any{
		"predecessors": []any{"A", "B"},
	})

	result, err := executors.Merge{}.Execute(context.Background(), node, ec)
	require.NoError(t, err)
	merged, ok := result.Output["merged"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, merged, "A")
	assert.Contains(t, merged, "B")
}

func TestMergeDerivesPredecessorsFromDefinition(t *testing.T) {
	ec := newExecCtx()
	ec.Definition = &domain.WorkflowDefinition{
		ID: "wf-1", Name: "wf",
		Nodes: []*domain.Node{
			domain.NewNode("A", domain.NodeTypeLog, "A", nil),
			domain.NewNode("B", domain.NodeTypeLog, "B", nil),
			domain.NewNode("merge", domain.NodeTypeMerge, "merge", nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "A", TargetID: "merge"},
			{SourceID: "B", TargetID: "merge"},
		},
	}
	ec.SetNodeResult("A", &domain.NodeResult{NodeID: "A", Status: domain.NodeSuccess, Output: map[string]any{"x": 1}})
	ec.SetNodeResult("B", &domain.NodeResult{NodeID: "B", Status: domain.NodeSuccess, Output: map[string]any{"y": 2}})

	node := domain.NewNode("merge", domain.NodeTypeMerge, "merge", nil)
	result, err := executors.Merge{}.Execute(context.Background(), node, ec)
	require.NoError(t, err)
	merged, ok := result.Output["merged"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, merged, "A")
	assert.Contains(t, merged, "B")
}

func TestRegisterReferenceRejectsDuplicate(t *testing.T) {
	f := executorfw.NewFactory()
	require.NoError(t, executors.RegisterReference(f, domain.NodeTypeStart, domain.NodeTypeEnd))
	assert.Error(t, executors.RegisterReference(f, domain.NodeTypeStart))
}
