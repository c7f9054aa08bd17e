package pgstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagrunner/engine/internal/checkpoint/pgstore"
	"github.com/dagrunner/engine/internal/domain"
)

// These tests exercise a real Postgres instance and are skipped unless
// DAGENGINE_TEST_DSN is set; the database is never mocked.
func testDSN(t *testing.T) string {
	dsn := os.Getenv("DAGENGINE_TEST_DSN")
	if dsn == "" {
		t.Skip("skipping pgstore integration test: DAGENGINE_TEST_DSN not set")
	}
	return dsn
}

func newDef() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:   "wf-pg-1",
		Name: "wf-pg",
		Nodes: []*domain.Node{
			domain.NewNode("A", domain.NodeTypeLog, "A", nil),
			domain.NewNode("B", domain.NodeTypeLog, "B", nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "A", TargetID: "B"},
		},
	}
}

func TestCreateAndRecoverRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := pgstore.New(testDSN(t))
	require.NoError(t, store.InitSchema(ctx))

	def := newDef()
	ec := domain.NewExecutionContext("exec-pg-1", def.ID, "tenant-1", map[string]any{}, map[string]any{})
	ec.InitInDegree("A", 0)
	ec.InitInDegree("B", 1)
	require.NoError(t, store.CreateExecution(ctx, def, ec))

	canRecover, err := store.CanRecover(ctx, "exec-pg-1")
	require.NoError(t, err)
	assert.True(t, canRecover)

	node := def.Nodes[0]
	require.NoError(t, store.SaveNodeStart(ctx, "exec-pg-1", node, 0, map[string]any{}))
	result := domain.Success("A", map[string]any{}, ec.StartTime, 0)
	require.NoError(t, store.SaveNodeComplete(ctx, "exec-pg-1", result, map[string]int64{"A": 0, "B": 0}))
	ec.SetNodeResult("A", result)
	require.NoError(t, store.SaveCheckpoint(ctx, "exec-pg-1", map[string]int64{"A": 0, "B": 0}, ec))

	rec, err := store.Recover(ctx, "exec-pg-1", "exec-pg-1-resumed-0001")
	require.NoError(t, err)
	assert.Contains(t, rec.CompletedNodes, "A")
	assert.Equal(t, []string{"B"}, rec.ReadyNodes)

	require.NoError(t, store.UpdateExecutionStatus(ctx, "exec-pg-1", domain.ExecutionSuccess, ""))
	canRecover, err = store.CanRecover(ctx, "exec-pg-1")
	require.NoError(t, err)
	assert.False(t, canRecover)
}

func TestListExecutionsScopedByTenant(t *testing.T) {
	ctx := context.Background()
	store := pgstore.New(testDSN(t))
	require.NoError(t, store.InitSchema(ctx))

	def := newDef()
	ec := domain.NewExecutionContext("exec-pg-2", def.ID, "tenant-A", map[string]any{}, map[string]any{})
	require.NoError(t, store.CreateExecution(ctx, def, ec))

	rows, err := store.ListExecutions(ctx, "tenant-A")
	require.NoError(t, err)
	assert.NotEmpty(t, rows)

	rows, err = store.ListExecutions(ctx, "tenant-B")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
