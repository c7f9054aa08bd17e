package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dagrunner/engine/internal/domain"
	"github.com/dagrunner/engine/internal/graph"
	"github.com/dagrunner/engine/internal/scheduler"
	"github.com/dagrunner/engine/internal/tracing"
)

// execState is the per-execution bookkeeping the dispatcher's goroutines
// share: the graph/scheduler pair, the live ExecutionContext, the
// in-flight task count, and the cooperative cancellation flag.
type execState struct {
	def   *domain.WorkflowDefinition
	graph *graph.Graph
	ec    *domain.ExecutionContext

	sched      *scheduler.Scheduler
	schedState *scheduler.State

	wg sync.WaitGroup

	cancelled atomic.Bool
	cancelCh  chan struct{}

	done   chan struct{}
	once   sync.Once
	result atomic.Pointer[DispatchResult]

	defaultTimeoutMs int64
}

func newExecState(d *Dispatcher, def *domain.WorkflowDefinition, g *graph.Graph, ec *domain.ExecutionContext, sched *scheduler.Scheduler, schedState *scheduler.State) *execState {
	return &execState{
		def:              def,
		graph:            g,
		ec:               ec,
		sched:            sched,
		schedState:       schedState,
		cancelCh:         make(chan struct{}),
		done:             make(chan struct{}),
		defaultTimeoutMs: d.cfg.DefaultNodeTimeout.Milliseconds(),
	}
}

// startDispatch enqueues the initial ready set and spawns the watcher that
// finalizes the execution once every in-flight node has completed. The
// context handed to every node body is derived so that Cancel closing
// cancelCh also cancels it, interrupting an in-flight executor invocation
// instead of only gating the next retry attempt.
func (d *Dispatcher) startDispatch(ctx context.Context, state *execState, readyNodeIDs []string) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-state.cancelCh
		cancel()
	}()

	ctx, span := tracing.StartDispatch(ctx, state.ec.ExecutionID, state.ec.WorkflowID, state.ec.TenantID)

	for _, id := range readyNodeIDs {
		state.wg.Add(1)
		d.submitNode(ctx, state, id)
	}

	go func() {
		state.wg.Wait()
		d.finish(state)
		tracing.EndWithError(span, nil)
	}()
}

// submitNode gates general-purpose node dispatch through the configured
// worker pool size (0 means unbounded) without blocking the caller; the
// semaphore acquire happens inside the spawned goroutine, not here, so a
// full pool never deadlocks a predecessor's completion callback.
func (d *Dispatcher) submitNode(ctx context.Context, state *execState, nodeID string) {
	go func() {
		if d.generalSem != nil {
			d.generalSem <- struct{}{}
			defer func() { <-d.generalSem }()
		}
		d.runNode(ctx, state, nodeID)
	}()
}

// finish computes the terminal DispatchResult once every in-flight node
// has drained: CANCELLED if the cooperative flag fired, otherwise FAILED if
// any result is neither SUCCESS, SKIPPED nor WAITING, otherwise WAITING if
// some node is WAITING, otherwise SUCCESS. The
// persistence calls use a fresh context rather than the (possibly already
// cancelled, per Cancel) dispatch context: the final status write must
// land even for a cancelled execution.
func (d *Dispatcher) finish(state *execState) {
	ctx := context.Background()
	results := state.ec.AllNodeResults()

	var hasFailed, hasWaiting bool
	var firstError string
	for _, r := range results {
		switch r.Status {
		case domain.NodeSuccess, domain.NodeSkipped:
		case domain.NodeWaiting:
			hasWaiting = true
		default:
			hasFailed = true
			if firstError == "" {
				firstError = r.ErrorMessage
			}
		}
	}

	finalStatus := domain.ExecutionSuccess
	switch {
	case state.cancelled.Load():
		finalStatus = domain.ExecutionCancelled
		firstError = "execution cancelled"
	case hasFailed:
		finalStatus = domain.ExecutionFailed
	case hasWaiting:
		// A WAITING node parks the whole execution: it stays recoverable
		// so a later Resume can pick up from the callback.
		finalStatus = domain.ExecutionWaiting
	}
	success := finalStatus == domain.ExecutionSuccess

	state.ec.SetStatus(finalStatus)
	state.ec.SetError(firstError)

	output := d.assembleOutput(state)
	if err := d.store.SetOutputData(ctx, state.ec.ExecutionID, output); err != nil {
		d.log.Error("failed to persist output data", err)
	}
	if err := d.store.UpdateExecutionStatus(ctx, state.ec.ExecutionID, finalStatus, firstError); err != nil {
		d.log.Error("failed to persist final execution status", err)
	}

	endTime, ok := state.ec.EndTime()
	if !ok {
		endTime = time.Now()
	}
	durationMs := endTime.Sub(state.ec.StartTime).Milliseconds()

	state.result.Store(&DispatchResult{
		ExecutionID:    state.ec.ExecutionID,
		Success:        success,
		ErrorMessage:   firstError,
		OutputData:     output,
		DurationMs:     durationMs,
		PerNodeResults: results,
	})
	state.once.Do(func() { close(state.done) })
}
