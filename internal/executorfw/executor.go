// Package executorfw is the variable-aware node executor framework: a
// type registry plus a timeout/panic-recovery wrapper every node type's
// body runs behind. Node config is resolved through the template engine
// before the body is invoked.
package executorfw

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dagrunner/engine/internal/domain"
	"github.com/dagrunner/engine/internal/template"
)

// Executor is the contract every node type implements.
type Executor interface {
	Execute(ctx context.Context, node *domain.Node, execCtx *domain.ExecutionContext) (*domain.NodeResult, error)
	SupportedType() domain.NodeType
}

// PlatformThreadExecutor is an optional capability an Executor implements
// when its body must run on an OS thread that cannot be user-space
// multiplexed (the script sandbox). Factory.RequiresPlatformThread
// type-asserts for this interface, and the dispatcher uses its answer to
// route work to its dedicated LockOSThread pool instead of the ambient
// goroutine pool.
type PlatformThreadExecutor interface {
	RequiresPlatformThread() bool
}

// Factory maintains the NodeType -> Executor registry built at startup.
type Factory struct {
	mu        sync.RWMutex
	executors map[domain.NodeType]Executor
}

func NewFactory() *Factory {
	return &Factory{executors: make(map[domain.NodeType]Executor)}
}

// Register adds an executor for its SupportedType. A duplicate
// registration for the same type is rejected with a ConfigurationError
// rather than silently replacing the existing entry.
func (f *Factory) Register(e Executor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := e.SupportedType()
	if _, exists := f.executors[t]; exists {
		return domain.NewError(domain.ErrConfig, fmt.Sprintf("executor for node type %s is already registered", t), nil)
	}
	f.executors[t] = e
	return nil
}

// Get looks up the executor for a node type.
func (f *Factory) Get(t domain.NodeType) (Executor, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.executors[t]
	return e, ok
}

// RequiresPlatformThread reports whether t's registered executor opts into
// the dedicated OS-thread pool.
func (f *Factory) RequiresPlatformThread(t domain.NodeType) bool {
	e, ok := f.Get(t)
	if !ok {
		return false
	}
	pe, ok := e.(PlatformThreadExecutor)
	return ok && pe.RequiresPlatformThread()
}

// ExecuteWithTimeout resolves node.Config through the variable resolver,
// runs the registered executor on a worker goroutine, and enforces the
// per-invocation timeout and panic recovery.
//
// Timeout resolution order: node.Config["timeout"] > node.TimeoutMs >
// defaultTimeoutMs (30s if that is also zero), per Node.EffectiveTimeout.
func (f *Factory) ExecuteWithTimeout(ctx context.Context, node *domain.Node, execCtx *domain.ExecutionContext, defaultTimeoutMs int64) *domain.NodeResult {
	start := time.Now()

	executor, ok := f.Get(node.Type)
	if !ok {
		return failedResult(node.ID, start, domain.NewError(domain.ErrConfig, fmt.Sprintf("no executor registered for node type %s", node.Type), nil))
	}

	resolvedNode, err := resolveNodeConfig(node, execCtx)
	if err != nil {
		return failedResult(node.ID, start, err)
	}

	timeoutMs := resolvedNode.EffectiveTimeout(defaultTimeoutMs)
	timeout := time.Duration(timeoutMs) * time.Millisecond

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *domain.NodeResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				nodeErr := domain.NewError(domain.ErrNodeExec, fmt.Sprintf("panic in node %s: %v", node.ID, r), nil).WithNode(node.ID)
				done <- outcome{result: panicResult(node.ID, start, nodeErr, stack)}
				return
			}
		}()
		result, execErr := executor.Execute(runCtx, resolvedNode, execCtx)
		done <- outcome{result: result, err: execErr}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return failedResult(node.ID, start, domain.NewError(domain.ErrNodeExec, o.err.Error(), o.err).WithNode(node.ID))
		}
		if o.result == nil {
			return failedResult(node.ID, start, domain.NewError(domain.ErrNodeExec, "executor returned a nil result", nil).WithNode(node.ID))
		}
		return o.result
	case <-runCtx.Done():
		// The timeout fired (or the ambient ctx was cancelled); the body's
		// goroutine is abandoned and will be garbage-collected once it
		// eventually returns — we do not block here waiting for it.
		// Executor bodies should honor ctx cancellation where possible.
		return timeoutResult(node.ID, start, timeoutMs)
	}
}

func resolveNodeConfig(node *domain.Node, execCtx *domain.ExecutionContext) (*domain.Node, error) {
	vctx := BuildVariableContext(execCtx)
	engine := template.NewEngineWithDefaults(vctx)
	resolved, err := engine.ResolveConfig(node.Config)
	if err != nil {
		return nil, domain.NewError(domain.ErrExecution, fmt.Sprintf("failed to resolve config for node %s: %v", node.ID, err), err).WithNode(node.ID)
	}
	clone := *node
	clone.Config = resolved
	return &clone, nil
}

// BuildVariableContext projects an ExecutionContext into the vocabulary
// internal/template resolves against: global/input/system plus
// every completed node's output keyed by node id.
func BuildVariableContext(execCtx *domain.ExecutionContext) *template.VariableContext {
	vctx := template.NewVariableContext()
	vctx.Global = execCtx.AllGlobalVars()
	vctx.Input = execCtx.Input

	vctx.System["executionId"] = execCtx.ExecutionID
	vctx.System["workflowId"] = execCtx.WorkflowID
	vctx.System["tenantId"] = execCtx.TenantID
	vctx.System["currentTime"] = time.Now().UnixMilli()
	vctx.System["status"] = string(execCtx.Status())
	if !execCtx.StartTime.IsZero() {
		vctx.System["startTime"] = execCtx.StartTime.UnixMilli()
	} else {
		vctx.System["startTime"] = nil
	}

	for nodeID, result := range execCtx.AllNodeResults() {
		vctx.NodeOutputs[nodeID] = result.Output
		vctx.NodeResults[nodeID] = nodeResultToMap(result)
	}
	return vctx
}

// nodeResultToMap projects a NodeResult into the plain map a bare
// <nodeId> reference resolves to.
func nodeResultToMap(result *domain.NodeResult) map[string]any {
	return map[string]any{
		"nodeId":       result.NodeID,
		"status":       string(result.Status),
		"output":       result.Output,
		"errorMessage": result.ErrorMessage,
		"stackTrace":   result.StackTrace,
		"startTime":    result.StartTime.UnixMilli(),
		"endTime":      result.EndTime.UnixMilli(),
		"durationMs":   result.DurationMs,
		"retryAttempt": result.RetryAttempt,
		"blobId":       result.BlobID,
	}
}

func failedResult(nodeID string, start time.Time, err error) *domain.NodeResult {
	end := time.Now()
	return &domain.NodeResult{
		NodeID:       nodeID,
		Status:       domain.NodeFailed,
		ErrorMessage: err.Error(),
		StartTime:    start,
		EndTime:      end,
		DurationMs:   end.Sub(start).Milliseconds(),
	}
}

func panicResult(nodeID string, start time.Time, err error, stack string) *domain.NodeResult {
	r := failedResult(nodeID, start, err)
	r.StackTrace = stack
	return r
}

func timeoutResult(nodeID string, start time.Time, timeoutMs int64) *domain.NodeResult {
	end := time.Now()
	return &domain.NodeResult{
		NodeID:       nodeID,
		Status:       domain.NodeFailed,
		ErrorMessage: fmt.Sprintf("node %s timed out after %dms", nodeID, timeoutMs),
		StartTime:    start,
		EndTime:      end,
		DurationMs:   end.Sub(start).Milliseconds(),
	}
}
