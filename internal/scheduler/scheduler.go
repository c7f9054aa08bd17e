// Package scheduler tracks per-node in-degree for a running execution and
// reports nodes the moment they become ready to dispatch — no wave
// barriers, no synchronized rounds.
package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dagrunner/engine/internal/condition"
	"github.com/dagrunner/engine/internal/domain"
	"github.com/dagrunner/engine/internal/graph"
)

// Scheduler computes readiness against one Graph. It holds no per-execution
// state itself; callers carry a *State per execution so one Scheduler can
// serve concurrent executions of the same workflow.
type Scheduler struct {
	g    *graph.Graph
	cond *condition.Evaluator
}

func New(g *graph.Graph, cond *condition.Evaluator) *Scheduler {
	return &Scheduler{g: g, cond: cond}
}

// State is the per-execution bookkeeping a Scheduler needs beyond what
// ExecutionContext already carries: the total (immutable) in-degree of
// each node, how many of its incoming edges have resolved to "inactive"
// (a false conditional edge that will never fire), and a per-successor
// lock serializing the decrement/inactive-count/classify sequence so
// concurrent sibling predecessors of the same successor can't race each
// other.
type State struct {
	total    map[string]int64
	inactive *xsync.MapOf[string, *atomic.Int64]
	locks    *xsync.MapOf[string, *sync.Mutex]
}

// NewState seeds in-degree counters on ec from the graph and returns a
// State to pass into subsequent NodeCompleted calls.
func (s *Scheduler) NewState(ec *domain.ExecutionContext) *State {
	total := s.g.InitialInDegrees()
	for nodeID, degree := range total {
		ec.InitInDegree(nodeID, degree)
	}
	return &State{total: total, inactive: xsync.NewMapOf[string, *atomic.Int64](), locks: xsync.NewMapOf[string, *sync.Mutex]()}
}

// NewStateFromSnapshot rebuilds a State for a resumed execution whose
// ExecutionContext already carries restored in-degree counters (via
// domain.CheckpointData.Restore + RestoreInDegree), so it must not
// re-seed ec the way NewState does — only the structural total in-degree
// (used as the skip-propagation threshold) needs recomputing from the
// graph when resuming.
func (s *Scheduler) NewStateFromSnapshot() *State {
	return &State{total: s.g.InitialInDegrees(), inactive: xsync.NewMapOf[string, *atomic.Int64](), locks: xsync.NewMapOf[string, *sync.Mutex]()}
}

// ReadyStartNodes returns every node with zero in-degree, dispatchable the
// instant an execution begins.
func (s *Scheduler) ReadyStartNodes() []string {
	return s.g.StartNodes()
}

// Outcome of resolving one node's completion against its successors.
type Outcome struct {
	Ready   []string // successors whose in-degree just hit zero with an active predecessor
	Skipped []string // successors whose in-degree hit zero with every incoming edge inactive
}

// NodeCompleted evaluates every outgoing edge of nodeID and decrements the
// corresponding successor's in-degree: an unconditional
// edge is always active; a conditional edge is evaluated against
// variables (normally the execution's resolved template vocabulary) and
// is active only if it evaluates true. A successor becomes Ready as soon
// as its in-degree reaches zero with at least one active incoming edge
// seen; if every incoming edge turns out inactive it is reported Skipped
// instead, so the dispatcher can record a SKIPPED result and cascade
// without ever invoking that node's executor.
func (s *Scheduler) NodeCompleted(ec *domain.ExecutionContext, state *State, nodeID string, variables map[string]any) (Outcome, error) {
	var outcome Outcome

	for _, edge := range s.g.OutEdges(nodeID) {
		active := true
		if edge.HasCondition() {
			var err error
			active, err = s.cond.Evaluate(edge.Condition, variables)
			if err != nil {
				return outcome, err
			}
		}

		switch state.resolveSuccessor(ec, edge.TargetID, active) {
		case successorReady:
			outcome.Ready = append(outcome.Ready, edge.TargetID)
		case successorSkipped:
			outcome.Skipped = append(outcome.Skipped, edge.TargetID)
		}
	}

	return outcome, nil
}

// NodeSkipped propagates a skipped node's completion. Every outgoing edge
// of a skipped node is inactive by definition — its condition is never
// evaluated, since the node it references never produced an output — so a
// successor only becomes Ready here if some other predecessor contributed
// an active edge.
func (s *Scheduler) NodeSkipped(ec *domain.ExecutionContext, state *State, nodeID string) Outcome {
	var outcome Outcome
	for _, edge := range s.g.OutEdges(nodeID) {
		switch state.resolveSuccessor(ec, edge.TargetID, false) {
		case successorReady:
			outcome.Ready = append(outcome.Ready, edge.TargetID)
		case successorSkipped:
			outcome.Skipped = append(outcome.Skipped, edge.TargetID)
		}
	}
	return outcome
}

type successorVerdict int

const (
	successorPending successorVerdict = iota
	successorReady
	successorSkipped
)

// resolveSuccessor decrements target's in-degree and, if this edge was
// inactive, its inactive-edge counter, then classifies the successor —
// all under target's own lock. Every sibling predecessor of the same
// successor serializes through this lock, so the goroutine that observes
// the in-degree reaching zero can never miss a concurrent sibling's
// still-in-flight inactive-counter increment: without this, two
// goroutines racing to complete the last two live-but-false incoming
// edges of a join node could both read the inactive count before the
// other's Add(1) lands, and misclassify an all-false join as Ready.
func (st *State) resolveSuccessor(ec *domain.ExecutionContext, targetID string, active bool) successorVerdict {
	mu := st.lockFor(targetID)
	mu.Lock()
	defer mu.Unlock()

	remaining := ec.InDegree(targetID).Add(-1)
	if !active {
		st.inactiveCounter(targetID).Add(1)
	}
	if remaining != 0 {
		return successorPending
	}
	if st.inactiveCounter(targetID).Load() >= st.total[targetID] {
		return successorSkipped
	}
	return successorReady
}

func (st *State) inactiveCounter(nodeID string) *atomic.Int64 {
	counter, _ := st.inactive.LoadOrStore(nodeID, &atomic.Int64{})
	return counter
}

func (st *State) lockFor(nodeID string) *sync.Mutex {
	mu, _ := st.locks.LoadOrStore(nodeID, &sync.Mutex{})
	return mu
}

// CalculateLevels assigns each node its longest-path distance from any
// start node, for display; the dispatcher itself never calls it and never
// waits on levels.
func (s *Scheduler) CalculateLevels() (map[string]int, error) {
	order, err := s.g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	levels := make(map[string]int, len(order))
	for _, id := range order {
		level := 0
		for _, edge := range s.g.InEdges(id) {
			if l, ok := levels[edge.SourceID]; ok && l+1 > level {
				level = l + 1
			}
		}
		levels[id] = level
	}
	return levels, nil
}
