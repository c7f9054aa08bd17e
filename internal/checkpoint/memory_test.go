package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagrunner/engine/internal/checkpoint"
	"github.com/dagrunner/engine/internal/domain"
)

func newDef() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:   "wf-1",
		Name: "wf",
		Nodes: []*domain.Node{
			domain.NewNode("A", domain.NodeTypeLog, "A", nil),
			domain.NewNode("B", domain.NodeTypeLog, "B", nil),
			domain.NewNode("C", domain.NodeTypeLog, "C", nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "A", TargetID: "B"},
			{SourceID: "B", TargetID: "C"},
		},
	}
}

func TestCreateAndRecoverRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	def := newDef()
	ec := domain.NewExecutionContext("exec-1", def.ID, "tenant-1", map[string]any{}, map[string]any{})
	ec.InitInDegree("A", 0)
	ec.InitInDegree("B", 1)
	ec.InitInDegree("C", 1)

	require.NoError(t, store.CreateExecution(ctx, def, ec))

	canRecover, err := store.CanRecover(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, canRecover)

	// Simulate A completing.
	result := domain.Success("A", map[string]any{}, ec.StartTime, 0)
	require.NoError(t, store.SaveNodeComplete(ctx, "exec-1", result, map[string]int64{"A": 0, "B": 0, "C": 1}))
	ec.SetNodeResult("A", result)
	ec.InDegree("B").Store(0)

	rec, err := store.Recover(ctx, "exec-1", "exec-1-resumed-abcd1234")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, rec.ReadyNodes)
	_, aCompleted := rec.CompletedNodes["A"]
	assert.True(t, aCompleted)

	// The resumed run must have its own record, flagged and linked back.
	records, err := store.ListExecutions(ctx, "tenant-1")
	require.NoError(t, err)
	var resumed *domain.WorkflowExecutionRecord
	for _, r := range records {
		if r.ExecutionID == "exec-1-resumed-abcd1234" {
			resumed = r
		}
	}
	require.NotNil(t, resumed)
	assert.True(t, resumed.IsResumed)
	assert.Equal(t, "exec-1", resumed.ResumedFromID)
}

func TestRecoverIgnoresStaleInDegreeSnapshot(t *testing.T) {
	// A crash can land between a node's completion and its successors'
	// decrements, leaving a persisted snapshot that still counts the
	// completed node's out-edges. Recovery must not trust it, or the
	// successor waits forever.
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	def := newDef()
	ec := domain.NewExecutionContext("exec-4", def.ID, "tenant-1", map[string]any{}, map[string]any{})
	ec.InitInDegree("A", 0)
	ec.InitInDegree("B", 1)
	ec.InitInDegree("C", 1)

	require.NoError(t, store.CreateExecution(ctx, def, ec))

	ec.SetNodeResult("A", domain.Success("A", map[string]any{}, ec.StartTime, 0))
	// Stale snapshot: A completed but B's counter was never decremented.
	require.NoError(t, store.SaveCheckpoint(ctx, "exec-4", map[string]int64{"A": 0, "B": 1, "C": 1}, ec))

	rec, err := store.Recover(ctx, "exec-4", "exec-4-resumed-00000000")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, rec.ReadyNodes)
	assert.Equal(t, int64(0), rec.InDegree["B"])
	assert.Equal(t, int64(1), rec.InDegree["C"])
}

func TestRecoverDropsFailedResultsSoTheyRerun(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	def := newDef()
	ec := domain.NewExecutionContext("exec-3", def.ID, "tenant-1", map[string]any{}, map[string]any{})
	ec.InitInDegree("A", 0)
	ec.InitInDegree("B", 1)
	ec.InitInDegree("C", 1)

	require.NoError(t, store.CreateExecution(ctx, def, ec))

	ec.SetNodeResult("A", domain.Success("A", map[string]any{}, ec.StartTime, 0))
	ec.InDegree("A").Store(0)
	ec.InDegree("B").Store(0)
	failed := domain.Failed("B", domain.NewError(domain.ErrNodeExec, "boom", nil), ec.StartTime, 2)
	ec.SetNodeResult("B", failed)
	require.NoError(t, store.UpdateExecutionStatus(ctx, "exec-3", domain.ExecutionFailed, "boom"))

	rec, err := store.Recover(ctx, "exec-3", "exec-3-resumed-ffff0000")
	require.NoError(t, err)
	_, bCompleted := rec.CompletedNodes["B"]
	assert.False(t, bCompleted, "a failed node must not be carried as completed")
	assert.Equal(t, []string{"B"}, rec.ReadyNodes)
}

func TestCanRecoverFalseForUnknownExecution(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	ok, err := store.CanRecover(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateExecutionStatusSetsCompletedAt(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	def := newDef()
	ec := domain.NewExecutionContext("exec-2", def.ID, "", map[string]any{}, map[string]any{})
	require.NoError(t, store.CreateExecution(ctx, def, ec))

	require.NoError(t, store.UpdateExecutionStatus(ctx, "exec-2", domain.ExecutionSuccess, ""))
	canRecover, err := store.CanRecover(ctx, "exec-2")
	require.NoError(t, err)
	assert.False(t, canRecover)

	records, err := store.ListExecutions(ctx, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotNil(t, records[0].CompletedAt)
}

func TestSaveNodeStartThenCompleteUpsertsSameRow(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	def := newDef()
	ec := domain.NewExecutionContext("exec-3", def.ID, "", map[string]any{}, map[string]any{})
	require.NoError(t, store.CreateExecution(ctx, def, ec))

	node := def.Nodes[0]
	require.NoError(t, store.SaveNodeStart(ctx, "exec-3", node, 0, nil))
	result := domain.Success(node.ID, map[string]any{}, ec.StartTime, 0)
	require.NoError(t, store.SaveNodeComplete(ctx, "exec-3", result, nil))

	logs, err := store.ListNodeLogs(ctx, "exec-3")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, string(domain.NodeSuccess), logs[0].Status)
}
