package dispatcher

import (
	"context"
	"time"

	"github.com/dagrunner/engine/internal/config"
	"github.com/dagrunner/engine/internal/domain"
	"github.com/dagrunner/engine/internal/retry"
	"github.com/dagrunner/engine/internal/scheduler"
	"github.com/dagrunner/engine/internal/tracing"
)

// runNode is the per-node execution loop: retry until a terminal
// non-retryable outcome, then durably record the result before touching
// shared state or dispatching successors.
func (d *Dispatcher) runNode(ctx context.Context, state *execState, nodeID string) {
	defer state.wg.Done()

	node, ok := state.graph.GetNode(nodeID)
	if !ok {
		return
	}

	// A disabled node is never invoked: it is recorded SKIPPED and the
	// skip cascades exactly as for a false conditional edge.
	if !node.Enabled {
		result := domain.Skipped(nodeID)
		if err := d.store.SaveNodeComplete(ctx, state.ec.ExecutionID, result, nil); err != nil {
			d.log.Error("failed to save disabled node skip", err)
		}
		state.ec.SetNodeResult(nodeID, result)
		d.applyOutcome(ctx, state, state.sched.NodeSkipped(state.ec, state.schedState, nodeID))
		return
	}

	attempt := 0
	var result *domain.NodeResult
	for {
		if state.cancelled.Load() {
			result = domain.Failed(nodeID, domain.NewError(domain.ErrCancellation, "execution cancelled", nil).
				WithExecution(state.ec.ExecutionID).WithNode(nodeID), time.Now(), attempt)
			break
		}

		if err := d.store.SaveNodeStart(ctx, state.ec.ExecutionID, node, attempt, node.Config); err != nil {
			d.log.Error("failed to save node start", err)
		}

		result = d.executeNode(ctx, state, node, attempt)
		result.RetryAttempt = attempt

		if result.Status == domain.NodeSuccess || result.Status == domain.NodeWaiting {
			break
		}

		decision := d.cfg.DefaultRetryPolicy.ShouldRetry(node, result, attempt)
		if !decision.Retry {
			break
		}
		retry.Sleep(decision.DelayMs, state.cancelCh)
		attempt++
	}

	d.recordAndPropagate(ctx, state, nodeID, result)
}

// executeNode runs one attempt of node's body through the executor
// framework. Script-type (platform-thread) executors are routed through
// the dedicated LockOSThread pool, which blocks this goroutine on a
// result channel until the pinned worker finishes; every other
// node type calls the framework directly.
func (d *Dispatcher) executeNode(ctx context.Context, state *execState, node *domain.Node, attempt int) *domain.NodeResult {
	nodeCtx, span := tracing.StartNode(ctx, state.ec.ExecutionID, node.ID, string(node.Type), attempt)
	defer func() { tracing.EndWithError(span, nil) }()

	if !d.factory.RequiresPlatformThread(node.Type) {
		return d.factory.ExecuteWithTimeout(nodeCtx, node, state.ec, state.defaultTimeoutMs)
	}

	respCh := make(chan *domain.NodeResult, 1)
	job := scriptJob{fn: func() {
		respCh <- d.factory.ExecuteWithTimeout(nodeCtx, node, state.ec, state.defaultTimeoutMs)
	}}
	select {
	case d.scriptQueue <- job:
	case <-nodeCtx.Done():
		return domain.Failed(node.ID, domain.NewError(domain.ErrTimeout, "execution context cancelled while queued for platform thread", nil).WithNode(node.ID), time.Now(), attempt)
	}
	return <-respCh
}

// recordAndPropagate persists nodeID's result (node-log row before the
// nodeResults write, so a crash between the two re-runs the node instead
// of losing its row), then evaluates every outgoing edge and recurses
// into skip cascades / dispatches newly ready successors. Only a
// successful node propagates: a FAILED, TIMEOUT or CANCELLED result sinks
// the execution, so nodes only reachable through it are never submitted,
// and a WAITING node has not completed at all yet.
func (d *Dispatcher) recordAndPropagate(ctx context.Context, state *execState, nodeID string, result *domain.NodeResult) {
	if err := d.store.SaveNodeComplete(ctx, state.ec.ExecutionID, result, nil); err != nil {
		d.log.Error("failed to save node complete", err)
	}
	state.ec.SetNodeResult(nodeID, result)

	if result.Status != domain.NodeSuccess {
		return
	}
	d.propagate(ctx, state, nodeID)
	// Checkpoint only after propagation so the snapshot carries this
	// node's decrements of its successors; a snapshot taken before them
	// would record the node as completed while its successors still wait
	// on it.
	if err := d.saveCheckpoint(ctx, state); err != nil {
		d.log.Error("failed to save checkpoint", err)
	}
}

func (d *Dispatcher) saveCheckpoint(ctx context.Context, state *execState) error {
	inDegree := state.ec.InDegreeSnapshot()
	if d.cfg.CheckpointFlushMode == config.FlushAsync {
		go func() {
			if err := d.store.SaveCheckpoint(context.Background(), state.ec.ExecutionID, inDegree, state.ec); err != nil {
				d.log.Error("failed to save async checkpoint", err)
			}
		}()
		return nil
	}
	return d.store.SaveCheckpoint(ctx, state.ec.ExecutionID, inDegree, state.ec)
}

// propagate evaluates nodeID's outgoing edges via the scheduler, cascades
// SKIPPED status through successors whose every live in-edge is inactive,
// and submits every successor that just became Ready.
func (d *Dispatcher) propagate(ctx context.Context, state *execState, nodeID string) {
	variables := edgeConditionVariables(state.ec)
	outcome, err := state.sched.NodeCompleted(state.ec, state.schedState, nodeID, variables)
	if err != nil {
		d.log.Error("failed to evaluate outgoing edge conditions", err)
		return
	}
	d.applyOutcome(ctx, state, outcome)
}

// applyOutcome records each skipped successor and cascades its skip
// through the scheduler (a skipped node's own out-edges are all inactive,
// no conditions evaluated), then submits each ready successor.
func (d *Dispatcher) applyOutcome(ctx context.Context, state *execState, outcome scheduler.Outcome) {
	for _, skippedID := range outcome.Skipped {
		result := domain.Skipped(skippedID)
		if err := d.store.SaveNodeComplete(ctx, state.ec.ExecutionID, result, nil); err != nil {
			d.log.Error("failed to save skipped node", err)
		}
		state.ec.SetNodeResult(skippedID, result)
		d.applyOutcome(ctx, state, state.sched.NodeSkipped(state.ec, state.schedState, skippedID))
	}

	for _, readyID := range outcome.Ready {
		state.wg.Add(1)
		d.submitNode(ctx, state, readyID)
	}
}
