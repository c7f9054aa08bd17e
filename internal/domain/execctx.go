package domain

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// ExecutionContext is the per-execution state shared by every node run of
// one execution. Built on lock-free concurrent containers (xsync.MapOf)
// so no coarse lock serializes workers: nodeResults, completedNodes and
// the in-degree snapshot are the three hot, highly concurrent maps.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string
	TenantID    string

	// Definition is set by the dispatcher before any node runs and never
	// serialized; executors read it to inspect the graph around their node
	// (a MERGE body finding its predecessors, for example).
	Definition *WorkflowDefinition

	status atomic.Value // ExecutionStatus

	Input map[string]any // immutable after start

	globalVars *xsync.MapOf[string, any]
	nodeResult *xsync.MapOf[string, *NodeResult]
	completed  *xsync.MapOf[string, struct{}]
	inDegree   *xsync.MapOf[string, *atomic.Int64]

	StartTime time.Time
	endTime   atomic.Value // time.Time

	errMu   sync.RWMutex
	errText string
}

// NewExecutionContext builds an ExecutionContext ready to accept node runs.
func NewExecutionContext(executionID, workflowID, tenantID string, input, globals map[string]any) *ExecutionContext {
	ec := &ExecutionContext{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		TenantID:    tenantID,
		Input:       input,
		globalVars:  xsync.NewMapOf[string, any](),
		nodeResult:  xsync.NewMapOf[string, *NodeResult](),
		completed:   xsync.NewMapOf[string, struct{}](),
		inDegree:    xsync.NewMapOf[string, *atomic.Int64](),
		StartTime:   time.Now(),
	}
	ec.status.Store(ExecutionPending)
	for k, v := range globals {
		ec.globalVars.Store(k, v)
	}
	return ec
}

func (ec *ExecutionContext) Status() ExecutionStatus {
	return ec.status.Load().(ExecutionStatus)
}

func (ec *ExecutionContext) SetStatus(s ExecutionStatus) {
	ec.status.Store(s)
	if s == ExecutionSuccess || s == ExecutionFailed || s == ExecutionCancelled || s == ExecutionTimeout {
		ec.endTime.Store(time.Now())
	}
}

func (ec *ExecutionContext) EndTime() (time.Time, bool) {
	v := ec.endTime.Load()
	if v == nil {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

func (ec *ExecutionContext) SetError(msg string) {
	ec.errMu.Lock()
	defer ec.errMu.Unlock()
	ec.errText = msg
}

func (ec *ExecutionContext) ErrorMessage() string {
	ec.errMu.RLock()
	defer ec.errMu.RUnlock()
	return ec.errText
}

// GlobalVar reads a global variable.
func (ec *ExecutionContext) GlobalVar(key string) (any, bool) {
	return ec.globalVars.Load(key)
}

// SetGlobalVar publishes a global variable; last-writer-wins across
// concurrent node completions.
func (ec *ExecutionContext) SetGlobalVar(key string, value any) {
	ec.globalVars.Store(key, value)
}

// AllGlobalVars snapshots the global variable map.
func (ec *ExecutionContext) AllGlobalVars() map[string]any {
	out := make(map[string]any)
	ec.globalVars.Range(func(k string, v any) bool {
		out[k] = v
		return true
	})
	return out
}

// NodeResult reads the result of a completed node, if any.
func (ec *ExecutionContext) NodeResult(nodeID string) (*NodeResult, bool) {
	return ec.nodeResult.Load(nodeID)
}

// SetNodeResult writes a node's result exactly once. Returns false if a
// result was already present, which callers should treat as a programming
// error (the dispatcher guarantees each node completes at most once).
func (ec *ExecutionContext) SetNodeResult(nodeID string, result *NodeResult) bool {
	_, loaded := ec.nodeResult.LoadOrStore(nodeID, result)
	if loaded {
		return false
	}
	if result.Status.Terminal() {
		ec.completed.Store(nodeID, struct{}{})
	}
	return true
}

// AllNodeResults snapshots every recorded node result.
func (ec *ExecutionContext) AllNodeResults() map[string]*NodeResult {
	out := make(map[string]*NodeResult)
	ec.nodeResult.Range(func(k string, v *NodeResult) bool {
		out[k] = v
		return true
	})
	return out
}

// IsCompleted reports whether nodeID has reached a terminal status.
func (ec *ExecutionContext) IsCompleted(nodeID string) bool {
	_, ok := ec.completed.Load(nodeID)
	return ok
}

// CompletedNodes snapshots the completed-node id set.
func (ec *ExecutionContext) CompletedNodes() map[string]struct{} {
	out := make(map[string]struct{})
	ec.completed.Range(func(k string, _ struct{}) bool {
		out[k] = struct{}{}
		return true
	})
	return out
}

// InitInDegree seeds the in-degree counter for a node. Called once per node
// during scheduler setup, before any concurrent decrements can occur.
func (ec *ExecutionContext) InitInDegree(nodeID string, degree int64) {
	counter := &atomic.Int64{}
	counter.Store(degree)
	ec.inDegree.Store(nodeID, counter)
}

// InDegree returns the live counter for a node, creating a zero counter if
// none was seeded for it.
func (ec *ExecutionContext) InDegree(nodeID string) *atomic.Int64 {
	counter, _ := ec.inDegree.LoadOrStore(nodeID, &atomic.Int64{})
	return counter
}

// InDegreeSnapshot copies the current in-degree map, for checkpointing.
func (ec *ExecutionContext) InDegreeSnapshot() map[string]int64 {
	out := make(map[string]int64)
	ec.inDegree.Range(func(k string, v *atomic.Int64) bool {
		out[k] = v.Load()
		return true
	})
	return out
}

// RestoreInDegree re-materializes counters from a persisted snapshot
// during recovery.
func (ec *ExecutionContext) RestoreInDegree(snapshot map[string]int64) {
	for k, v := range snapshot {
		ec.InitInDegree(k, v)
	}
}
