// Package checkpoint is the durable execution-record and node-log store:
// one record per execution, one append-only row per (execution, node),
// and an in-degree-snapshot CheckpointData used for recovery.
package checkpoint

import (
	"context"
	"time"

	"github.com/dagrunner/engine/internal/domain"
)

// Store is the durability contract the dispatcher depends on. All
// implementations must satisfy one ordering guarantee: SaveNodeComplete
// must return only after its row is durably visible, since the dispatcher
// calls it before writing to ExecutionContext.nodeResults and before
// submitting any successor.
type Store interface {
	CreateExecution(ctx context.Context, def *domain.WorkflowDefinition, ec *domain.ExecutionContext) error
	SaveNodeStart(ctx context.Context, executionID string, node *domain.Node, attempt int, inputSnapshot map[string]any) error
	SaveNodeComplete(ctx context.Context, executionID string, result *domain.NodeResult, inDegreeSnapshot map[string]int64) error
	SaveCheckpoint(ctx context.Context, executionID string, inDegree map[string]int64, ec *domain.ExecutionContext) error
	SetOutputData(ctx context.Context, executionID string, output map[string]any) error
	UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, errorMessage string) error
	CanRecover(ctx context.Context, executionID string) (bool, error)
	Recover(ctx context.Context, executionID, newExecutionID string) (*RecoverResult, error)

	// Query helpers, scoped by tenant.
	ListExecutions(ctx context.Context, tenantID string) ([]*domain.WorkflowExecutionRecord, error)
	ListNodeLogs(ctx context.Context, executionID string) ([]*domain.NodeExecutionLogRecord, error)
}

// RecoverResult is everything Resume needs to rebuild a live dispatch from
// a persisted execution.
type RecoverResult struct {
	Definition     *domain.WorkflowDefinition
	Context        *domain.ExecutionContext
	InDegree       map[string]int64
	ReadyNodes     []string
	CompletedNodes map[string]struct{}
	OriginalStatus domain.ExecutionStatus
}

// ErrNotFound is returned by operations addressing an execution id the
// store has never seen.
var ErrNotFound = domain.NewError(domain.ErrCheckpoint, "execution not found", nil)

// ResumeInDegrees recomputes the in-degree counters for a resumed
// execution from the definition and the completed-node set, rather than
// trusting the persisted snapshot: an edge whose source completed
// (SUCCESS or SKIPPED survive the checkpoint restore) is resolved,
// everything else is still pending. The persisted snapshot can lag the
// completed set by one node's propagation, which would leave a ready node
// counted as waiting forever.
func ResumeInDegrees(def *domain.WorkflowDefinition, completed map[string]struct{}) map[string]int64 {
	out := make(map[string]int64, len(def.Nodes))
	for _, n := range def.Nodes {
		out[n.ID] = 0
	}
	for _, e := range def.Edges {
		if _, done := completed[e.SourceID]; done {
			continue
		}
		out[e.TargetID]++
	}
	return out
}

// nowUTC centralizes timestamp generation so every implementation agrees
// on precision/zone.
func nowUTC() time.Time { return time.Now().UTC() }
