package domain

// ExecutionStatus is the lifecycle state of a whole workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSuccess   ExecutionStatus = "SUCCESS"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionWaiting   ExecutionStatus = "WAITING"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
	ExecutionTimeout   ExecutionStatus = "TIMEOUT"
)

// Recoverable reports whether an execution in this status may be resumed,
// mirroring the checkpoint store's CanRecover check.
func (s ExecutionStatus) Recoverable() bool {
	switch s {
	case ExecutionFailed, ExecutionRunning, ExecutionWaiting:
		return true
	default:
		return false
	}
}

// Terminal reports whether an execution in this status has finished running,
// the condition under which UpdateExecutionStatus stamps CompletedAt.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	default:
		return false
	}
}

// NodeStatus is the terminal (or in-flight) state of a single node run.
type NodeStatus string

const (
	NodeSuccess   NodeStatus = "SUCCESS"
	NodeFailed    NodeStatus = "FAILED"
	NodeWaiting   NodeStatus = "WAITING"
	NodeTimeout   NodeStatus = "TIMEOUT"
	NodeCancelled NodeStatus = "CANCELLED"
	NodeSkipped   NodeStatus = "SKIPPED"
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
)

// Terminal reports whether a node has reached a status the scheduler should
// treat as "done" for in-degree propagation purposes.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSuccess, NodeFailed, NodeTimeout, NodeCancelled, NodeSkipped:
		return true
	default:
		return false
	}
}
