package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dagrunner/engine/internal/checkpoint"
	"github.com/dagrunner/engine/internal/condition"
	"github.com/dagrunner/engine/internal/config"
	"github.com/dagrunner/engine/internal/domain"
	"github.com/dagrunner/engine/internal/executorfw"
	"github.com/dagrunner/engine/pkg/executors"
)

const (
	nodeTypeFlaky domain.NodeType = "TEST_FLAKY"
	nodeTypeCount domain.NodeType = "TEST_COUNT"
)

// countingExecutor succeeds every time and counts invocations, for proving
// a resumed execution does not re-run already-completed nodes.
type countingExecutor struct {
	calls atomic.Int32
}

func (c *countingExecutor) SupportedType() domain.NodeType { return nodeTypeCount }

func (c *countingExecutor) Execute(ctx context.Context, node *domain.Node, execCtx *domain.ExecutionContext) (*domain.NodeResult, error) {
	n := c.calls.Add(1)
	return &domain.NodeResult{NodeID: node.ID, Status: domain.NodeSuccess, Output: map[string]any{"calls": n}}, nil
}

// flakyExecutor fails its first failsBefore attempts then succeeds, for
// exercising retry exhaustion and retry-then-succeed.
type flakyExecutor struct {
	failsBefore int32
	calls       atomic.Int32
}

func (f *flakyExecutor) SupportedType() domain.NodeType { return nodeTypeFlaky }

func (f *flakyExecutor) Execute(ctx context.Context, node *domain.Node, execCtx *domain.ExecutionContext) (*domain.NodeResult, error) {
	n := f.calls.Add(1)
	if n <= f.failsBefore {
		return &domain.NodeResult{NodeID: node.ID, Status: domain.NodeFailed, ErrorMessage: "transient failure"}, nil
	}
	return &domain.NodeResult{NodeID: node.ID, Status: domain.NodeSuccess, Output: map[string]any{"attempt": n}}, nil
}

// slowExecutor blocks until ctx is cancelled, for exercising node timeout
// enforcement.
type slowExecutor struct{}

func (slowExecutor) SupportedType() domain.NodeType { return domain.NodeTypeWait }

func (slowExecutor) Execute(ctx context.Context, node *domain.Node, execCtx *domain.ExecutionContext) (*domain.NodeResult, error) {
	<-ctx.Done()
	return &domain.NodeResult{NodeID: node.ID, Status: domain.NodeFailed, ErrorMessage: "interrupted"}, nil
}

func fastRetryPolicy() config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	cfg.DefaultRetryPolicy.BaseIntervalMs = 1
	cfg.DefaultRetryPolicy.MaxIntervalMs = 5
	cfg.DefaultRetryPolicy.MaxRetries = 2
	cfg.SyncTriggerTimeout = 5 * time.Second
	cfg.DefaultNodeTimeout = 2 * time.Second
	return cfg
}

func newTestDispatcher(t *testing.T, extra ...executorfw.Executor) (*Dispatcher, *checkpoint.MemoryStore) {
	t.Helper()
	factory := executorfw.NewFactory()
	require.NoError(t, executors.RegisterReference(factory, domain.NodeTypeStart, domain.NodeTypeEnd))
	for _, e := range extra {
		require.NoError(t, factory.Register(e))
	}
	store := checkpoint.NewMemoryStore()
	d := New(fastRetryPolicy(), store, factory, condition.NewEvaluator(), nil)
	t.Cleanup(d.Close)
	return d, store
}

func node(id string, typ domain.NodeType, cfg map[string]any) *domain.Node {
	return domain.NewNode(id, typ, id, cfg)
}

// Linear pipeline: start -> log -> end, expect SUCCESS in order.
func TestLinearPipelineSucceeds(t *testing.T) {
	d, _ := newTestDispatcher(t)
	def := &domain.WorkflowDefinition{
		ID: "wf-linear", Name: "linear", TenantID: "t1",
		Nodes: []*domain.Node{
			node("start", domain.NodeTypeStart, nil),
			node("log1", domain.NodeTypeLog, map[string]any{"message": "hello"}),
			node("end", domain.NodeTypeEnd, nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "start", TargetID: "log1"},
			{SourceID: "log1", TargetID: "end"},
		},
	}

	result, err := d.Execute(context.Background(), def, map[string]any{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, domain.NodeSuccess, result.PerNodeResults["log1"].Status)
	require.Equal(t, domain.NodeSuccess, result.PerNodeResults["end"].Status)
}

// Diamond merge: start fans out to two branches that join at a MERGE
// node before end; merge only runs once both predecessors complete.
func TestDiamondMergeWaitsForBothBranches(t *testing.T) {
	d, _ := newTestDispatcher(t)
	def := &domain.WorkflowDefinition{
		ID: "wf-diamond", Name: "diamond", TenantID: "t1",
		Nodes: []*domain.Node{
			node("start", domain.NodeTypeStart, nil),
			node("a", domain.NodeTypeLog, map[string]any{"message": "a"}),
			node("b", domain.NodeTypeLog, map[string]any{"message": "b"}),
			node("merge", domain.NodeTypeMerge, nil),
			node("end", domain.NodeTypeEnd, nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "start", TargetID: "a"},
			{SourceID: "start", TargetID: "b"},
			{SourceID: "a", TargetID: "merge"},
			{SourceID: "b", TargetID: "merge"},
			{SourceID: "merge", TargetID: "end"},
		},
	}

	result, err := d.Execute(context.Background(), def, map[string]any{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, domain.NodeSuccess, result.PerNodeResults["merge"].Status)

	merged, ok := result.PerNodeResults["merge"].Output["merged"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, merged, "a")
	require.Contains(t, merged, "b")
}

// A cycle must be rejected at validation time, before any node runs.
func TestCycleRejectedAtValidation(t *testing.T) {
	d, _ := newTestDispatcher(t)
	def := &domain.WorkflowDefinition{
		ID: "wf-cycle", Name: "cycle", TenantID: "t1",
		Nodes: []*domain.Node{
			node("a", domain.NodeTypeLog, nil),
			node("b", domain.NodeTypeLog, nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "a", TargetID: "b"},
			{SourceID: "b", TargetID: "a"},
		},
	}

	_, err := d.Execute(context.Background(), def, map[string]any{})
	require.Error(t, err)
}

// An execution that ran to SUCCESS leaves nothing to resume: the store
// reports it as not recoverable.
func TestSuccessfulExecutionIsNotRecoverable(t *testing.T) {
	factory := executorfw.NewFactory()
	require.NoError(t, executors.RegisterReference(factory, domain.NodeTypeStart, domain.NodeTypeEnd))
	store := checkpoint.NewMemoryStore()
	cfg := fastRetryPolicy()

	def := &domain.WorkflowDefinition{
		ID: "wf-resume", Name: "resume", TenantID: "t1",
		Nodes: []*domain.Node{
			node("start", domain.NodeTypeStart, nil),
			node("log1", domain.NodeTypeLog, map[string]any{"message": "one"}),
			node("end", domain.NodeTypeEnd, nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "start", TargetID: "log1"},
			{SourceID: "log1", TargetID: "end"},
		},
	}

	d1 := New(cfg, store, factory, condition.NewEvaluator(), nil)
	result, err := d1.Execute(context.Background(), def, map[string]any{})
	d1.Close()
	require.NoError(t, err)
	require.True(t, result.Success)

	canRecover, err := store.CanRecover(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	require.False(t, canRecover, "a successfully completed execution should not be recoverable")
}

// A failed execution resumes under a new id, re-runs only the
// node that failed (and everything downstream of it), and the resumed
// record points back at the original.
func TestResumeRerunsOnlyUnfinishedNodes(t *testing.T) {
	factory := executorfw.NewFactory()
	require.NoError(t, executors.RegisterReference(factory, domain.NodeTypeStart, domain.NodeTypeEnd))
	counter := &countingExecutor{}
	flaky := &flakyExecutor{failsBefore: 3}
	require.NoError(t, factory.Register(counter))
	require.NoError(t, factory.Register(flaky))
	store := checkpoint.NewMemoryStore()
	cfg := fastRetryPolicy() // MaxRetries=2: three attempts, all failing

	def := &domain.WorkflowDefinition{
		ID: "wf-resume-rerun", Name: "resume-rerun", TenantID: "t1",
		Nodes: []*domain.Node{
			node("start", domain.NodeTypeStart, nil),
			node("once", nodeTypeCount, nil),
			node("flaky", nodeTypeFlaky, nil),
			node("end", domain.NodeTypeEnd, nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "start", TargetID: "once"},
			{SourceID: "once", TargetID: "flaky"},
			{SourceID: "flaky", TargetID: "end"},
		},
	}

	d1 := New(cfg, store, factory, condition.NewEvaluator(), nil)
	result, err := d1.Execute(context.Background(), def, map[string]any{})
	d1.Close()
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, int32(1), counter.calls.Load())
	require.Equal(t, int32(3), flaky.calls.Load())

	canRecover, err := store.CanRecover(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	require.True(t, canRecover)

	d2 := New(cfg, store, factory, condition.NewEvaluator(), nil)
	t.Cleanup(d2.Close)
	resumed, err := d2.Resume(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	require.True(t, resumed.Success)
	require.Contains(t, resumed.ExecutionID, result.ExecutionID+"-resumed-")
	require.Equal(t, int32(1), counter.calls.Load(), "completed node must not re-run on resume")
	require.Equal(t, int32(4), flaky.calls.Load(), "resume must re-dispatch the failed node exactly once")
	require.NotNil(t, resumed.PerNodeResults["flaky"], "resume must re-dispatch the failed node")
	require.Equal(t, domain.NodeSuccess, resumed.PerNodeResults["flaky"].Status)
	require.NotNil(t, resumed.PerNodeResults["end"])
	require.Equal(t, domain.NodeSuccess, resumed.PerNodeResults["end"].Status)

	records, err := store.ListExecutions(context.Background(), "t1")
	require.NoError(t, err)
	var found bool
	for _, rec := range records {
		if rec.ExecutionID == resumed.ExecutionID {
			found = true
			require.True(t, rec.IsResumed)
			require.Equal(t, result.ExecutionID, rec.ResumedFromID)
		}
	}
	require.True(t, found, "resumed execution must have its own persisted record")
}

// Retry exhaustion: a node that always fails exhausts MaxRetries and
// the execution reports FAILED.
func TestRetryExhaustionFailsExecution(t *testing.T) {
	flaky := &flakyExecutor{failsBefore: 100}
	d, _ := newTestDispatcher(t, flaky)
	def := &domain.WorkflowDefinition{
		ID: "wf-retry", Name: "retry", TenantID: "t1",
		Nodes: []*domain.Node{
			node("start", domain.NodeTypeStart, nil),
			node("flaky", nodeTypeFlaky, nil),
			node("end", domain.NodeTypeEnd, nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "start", TargetID: "flaky"},
			{SourceID: "flaky", TargetID: "end"},
		},
	}

	result, err := d.Execute(context.Background(), def, map[string]any{})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, domain.NodeFailed, result.PerNodeResults["flaky"].Status)
	require.GreaterOrEqual(t, int(flaky.calls.Load()), 3)
}

// A flaky node that recovers within its retry budget should still let the
// execution succeed.
func TestRetrySucceedsWithinBudget(t *testing.T) {
	flaky := &flakyExecutor{failsBefore: 1}
	d, _ := newTestDispatcher(t, flaky)
	def := &domain.WorkflowDefinition{
		ID: "wf-retry-ok", Name: "retry-ok", TenantID: "t1",
		Nodes: []*domain.Node{
			node("start", domain.NodeTypeStart, nil),
			node("flaky", nodeTypeFlaky, nil),
			node("end", domain.NodeTypeEnd, nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "start", TargetID: "flaky"},
			{SourceID: "flaky", TargetID: "end"},
		},
	}

	result, err := d.Execute(context.Background(), def, map[string]any{})
	require.NoError(t, err)
	require.True(t, result.Success)
}

// Conditional skip: an IF-gated edge that evaluates false skips its
// successor, which cascades to everything only reachable through it.
func TestConditionalEdgeSkipsCascades(t *testing.T) {
	d, _ := newTestDispatcher(t)
	def := &domain.WorkflowDefinition{
		ID: "wf-skip", Name: "skip", TenantID: "t1",
		Nodes: []*domain.Node{
			node("start", domain.NodeTypeStart, nil),
			node("gate", domain.NodeTypeIF, map[string]any{"condition": "1 == 2"}),
			node("onlyIfTrue", domain.NodeTypeLog, map[string]any{"message": "should be skipped"}),
			node("downstream", domain.NodeTypeLog, map[string]any{"message": "also skipped"}),
			node("end", domain.NodeTypeEnd, nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "start", TargetID: "gate"},
			{SourceID: "gate", TargetID: "onlyIfTrue", Condition: "gate.output.result == true"},
			{SourceID: "onlyIfTrue", TargetID: "downstream"},
			{SourceID: "gate", TargetID: "end"},
		},
	}

	result, err := d.Execute(context.Background(), def, map[string]any{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, domain.NodeSkipped, result.PerNodeResults["onlyIfTrue"].Status)
	require.Equal(t, domain.NodeSkipped, result.PerNodeResults["downstream"].Status)
}

// A disabled node is never invoked; it reads as SKIPPED and the skip
// cascades to nodes only reachable through it.
func TestDisabledNodeIsSkipped(t *testing.T) {
	counter := &countingExecutor{}
	d, _ := newTestDispatcher(t, counter)
	disabled := node("disabled", nodeTypeCount, nil)
	disabled.Enabled = false
	def := &domain.WorkflowDefinition{
		ID: "wf-disabled", Name: "disabled", TenantID: "t1",
		Nodes: []*domain.Node{
			node("start", domain.NodeTypeStart, nil),
			disabled,
			node("after", domain.NodeTypeLog, map[string]any{"message": "unreachable"}),
		},
		Edges: []*domain.Edge{
			{SourceID: "start", TargetID: "disabled"},
			{SourceID: "disabled", TargetID: "after"},
		},
	}

	result, err := d.Execute(context.Background(), def, map[string]any{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, int32(0), counter.calls.Load())
	require.Equal(t, domain.NodeSkipped, result.PerNodeResults["disabled"].Status)
	require.Equal(t, domain.NodeSkipped, result.PerNodeResults["after"].Status)
}

// A node that outlasts its timeout is reported as a timeout/failure,
// not left hanging.
func TestNodeTimeoutIsReported(t *testing.T) {
	d, _ := newTestDispatcher(t, slowExecutor{})
	def := &domain.WorkflowDefinition{
		ID: "wf-timeout", Name: "timeout", TenantID: "t1",
		Nodes: []*domain.Node{
			node("start", domain.NodeTypeStart, nil),
			node("slow", domain.NodeTypeWait, map[string]any{"timeout": 50}),
			node("end", domain.NodeTypeEnd, nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "start", TargetID: "slow"},
			{SourceID: "slow", TargetID: "end"},
		},
	}

	result, err := d.Execute(context.Background(), def, map[string]any{})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.NotEqual(t, domain.NodeSuccess, result.PerNodeResults["slow"].Status)
}

// Cancel should stop an in-flight execution cooperatively.
func TestCancelStopsExecution(t *testing.T) {
	d, _ := newTestDispatcher(t, slowExecutor{})
	def := &domain.WorkflowDefinition{
		ID: "wf-cancel", Name: "cancel", TenantID: "t1",
		Nodes: []*domain.Node{
			node("start", domain.NodeTypeStart, nil),
			node("slow", domain.NodeTypeWait, map[string]any{"timeout": 10_000}),
			node("end", domain.NodeTypeEnd, nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "start", TargetID: "slow"},
			{SourceID: "slow", TargetID: "end"},
		},
	}

	h, err := d.ExecuteAsync(context.Background(), def, map[string]any{})
	require.NoError(t, err)
	require.True(t, h.Cancel())

	select {
	case <-h.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop after cancellation")
	}
	result := h.Result()
	require.False(t, result.Success)
}
