// Package dispatcher is the concurrent dispatcher — the component that
// composes every lower layer (graph, scheduler, template/executorfw,
// retry, checkpoint, condition) into the engine's public Execute/Resume
// surface. Successors dispatch the instant their in-degree counter
// reaches zero, with no synchronized wave barrier.
package dispatcher

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dagrunner/engine/internal/checkpoint"
	"github.com/dagrunner/engine/internal/condition"
	"github.com/dagrunner/engine/internal/config"
	"github.com/dagrunner/engine/internal/domain"
	"github.com/dagrunner/engine/internal/executorfw"
	"github.com/dagrunner/engine/internal/graph"
	"github.com/dagrunner/engine/internal/obslog"
	"github.com/dagrunner/engine/internal/scheduler"
)

// DispatchResult is the shape returned to every caller of Execute/Resume
// and their async counterparts' Result(): the executionId is always
// present even on failure.
type DispatchResult struct {
	ExecutionID    string
	Success        bool
	ErrorMessage   string
	OutputData     map[string]any
	DurationMs     int64
	PerNodeResults map[string]*domain.NodeResult
}

// Handle is returned by ExecuteAsync/ResumeAsync: the caller gets the
// executionId immediately and can poll/await completion or cancel.
type Handle struct {
	ExecutionID string
	Done        <-chan struct{}

	d *Dispatcher
}

// Result blocks until the execution referenced by h completes and returns
// its DispatchResult. Safe to call more than once.
func (h *Handle) Result() *DispatchResult {
	<-h.Done
	return h.d.resultOf(h.ExecutionID)
}

// Cancel requests cancellation of the execution this handle refers to.
func (h *Handle) Cancel() bool {
	return h.d.Cancel(h.ExecutionID)
}

// Dispatcher owns the shared executor factory, checkpoint store, and
// condition evaluator and fans out concurrent node execution for any
// number of simultaneous workflow executions.
type Dispatcher struct {
	cfg     config.EngineConfig
	store   checkpoint.Store
	factory *executorfw.Factory
	cond    *condition.Evaluator
	log     *obslog.Logger

	executions *xsync.MapOf[string, *execState]

	// generalSem bounds the ambient goroutine pool non-script node bodies
	// run on; nil means unbounded (one goroutine per ready node), per
	// cfg.WorkerPoolSize == 0.
	generalSem chan struct{}

	scriptQueue chan scriptJob
	scriptWG    sync.WaitGroup
}

type scriptJob struct {
	fn func()
}

// New wires a Dispatcher from its lower-layer collaborators and starts the
// dedicated platform-thread worker pool script-type executors are routed
// to.
func New(cfg config.EngineConfig, store checkpoint.Store, factory *executorfw.Factory, cond *condition.Evaluator, log *obslog.Logger) *Dispatcher {
	if log == nil {
		log = obslog.Default
	}
	poolSize := cfg.ScriptWorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	d := &Dispatcher{
		cfg:         cfg,
		store:       store,
		factory:     factory,
		cond:        cond,
		log:         log.With(map[string]any{"component": "dispatcher"}),
		executions:  xsync.NewMapOf[string, *execState](),
		scriptQueue: make(chan scriptJob),
	}
	if cfg.WorkerPoolSize > 0 {
		d.generalSem = make(chan struct{}, cfg.WorkerPoolSize)
	}
	d.scriptWG.Add(poolSize)
	for i := 0; i < poolSize; i++ {
		go d.runScriptWorker()
	}
	return d
}

// runScriptWorker pins its goroutine to an OS thread for its entire
// lifetime, the "platform thread" capability needed by
// script-sandbox-compatible bodies; the goroutine never unlocks because
// it never hands the thread back to the Go scheduler's free pool.
func (d *Dispatcher) runScriptWorker() {
	defer d.scriptWG.Done()
	runtime.LockOSThread()
	for job := range d.scriptQueue {
		job.fn()
	}
}

// Close stops the platform-thread worker pool. Not required by callers
// that keep a Dispatcher for the process lifetime.
func (d *Dispatcher) Close() {
	close(d.scriptQueue)
	d.scriptWG.Wait()
}

// Execute runs definition synchronously to completion: the caller blocks
// up to cfg.SyncTriggerTimeout; on timeout the execution keeps running in
// the background and the returned result reflects only the timeout, still
// carrying the executionId.
func (d *Dispatcher) Execute(ctx context.Context, def *domain.WorkflowDefinition, input map[string]any) (*DispatchResult, error) {
	h, err := d.ExecuteAsync(ctx, def, input)
	if err != nil {
		return nil, err
	}
	return d.waitSync(h), nil
}

// ExecuteAsync validates and starts definition, returning immediately with
// a Handle.
func (d *Dispatcher) ExecuteAsync(ctx context.Context, def *domain.WorkflowDefinition, input map[string]any) (*Handle, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	g := graph.Build(def)
	if err := g.Validate(); err != nil {
		return nil, err
	}

	executionID := fmt.Sprintf("%s-%s", def.ID, randomSuffix())
	ec := domain.NewExecutionContext(executionID, def.ID, def.TenantID, input, def.GlobalVariables)
	ec.Definition = def
	ec.SetStatus(domain.ExecutionRunning)

	sched := scheduler.New(g, d.cond)
	schedState := sched.NewState(ec)

	if err := d.store.CreateExecution(ctx, def, ec); err != nil {
		return nil, err
	}

	state := newExecState(d, def, g, ec, sched, schedState)
	d.executions.Store(executionID, state)

	d.startDispatch(ctx, state, g.StartNodes())
	return &Handle{ExecutionID: executionID, Done: state.done, d: d}, nil
}

// Resume runs ResumeAsync and blocks up to cfg.SyncTriggerTimeout for the
// resumed execution to complete, the same way Execute does.
func (d *Dispatcher) Resume(ctx context.Context, originalID string) (*DispatchResult, error) {
	h, err := d.ResumeAsync(ctx, originalID)
	if err != nil {
		return nil, err
	}
	return d.waitSync(h), nil
}

// ResumeAsync continues a prior execution: it is admissible only if the stored
// record is recoverable, rebuilds the ExecutionContext and in-degree
// counters from the latest checkpoint, and continues dispatch from the
// resulting ready set under a new execution id.
func (d *Dispatcher) ResumeAsync(ctx context.Context, originalID string) (*Handle, error) {
	canRecover, err := d.store.CanRecover(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if !canRecover {
		return nil, domain.NewError(domain.ErrCheckpoint, "execution "+originalID+" is not recoverable", nil).WithExecution(originalID)
	}

	newExecutionID := fmt.Sprintf("%s-resumed-%s", originalID, randomSuffix())
	rec, err := d.store.Recover(ctx, originalID, newExecutionID)
	if err != nil {
		return nil, err
	}

	g := graph.Build(rec.Definition)
	rec.Context.Definition = rec.Definition
	sched := scheduler.New(g, d.cond)
	schedState := sched.NewStateFromSnapshot()

	state := newExecState(d, rec.Definition, g, rec.Context, sched, schedState)
	d.executions.Store(newExecutionID, state)

	d.startDispatch(ctx, state, rec.ReadyNodes)
	return &Handle{ExecutionID: newExecutionID, Done: state.done, d: d}, nil
}

// Cancel sets the cooperative cancellation flag for executionID, read by
// every worker before its next node invocation and interrupting any
// in-flight retry sleep.
func (d *Dispatcher) Cancel(executionID string) bool {
	state, ok := d.executions.Load(executionID)
	if !ok {
		return false
	}
	if state.cancelled.CompareAndSwap(false, true) {
		close(state.cancelCh)
	}
	return true
}

// IsCompleted reports whether executionID has reached a terminal status.
func (d *Dispatcher) IsCompleted(executionID string) bool {
	state, ok := d.executions.Load(executionID)
	if !ok {
		return false
	}
	select {
	case <-state.done:
		return true
	default:
		return false
	}
}

// RunningExecutions lists every execution id currently tracked that has
// not yet completed.
func (d *Dispatcher) RunningExecutions() []string {
	var out []string
	d.executions.Range(func(id string, state *execState) bool {
		select {
		case <-state.done:
		default:
			out = append(out, id)
		}
		return true
	})
	return out
}

func (d *Dispatcher) resultOf(executionID string) *DispatchResult {
	state, ok := d.executions.Load(executionID)
	if !ok {
		return nil
	}
	return state.result.Load()
}

// waitSync blocks up to cfg.SyncTriggerTimeout for h to complete. On
// timeout it returns a DispatchResult describing the timeout while the
// execution continues running in the background.
func (d *Dispatcher) waitSync(h *Handle) *DispatchResult {
	timeout := d.cfg.SyncTriggerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-h.Done:
		return h.d.resultOf(h.ExecutionID)
	case <-time.After(timeout):
		return &DispatchResult{
			ExecutionID:  h.ExecutionID,
			Success:      false,
			ErrorMessage: "execution did not complete within the synchronous wait timeout; it continues running in the background",
		}
	}
}

func randomSuffix() string {
	id := uuid.NewString()
	return id[:8]
}
