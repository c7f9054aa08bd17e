package domain

import (
	"time"

	"github.com/uptrace/bun"
	"github.com/vmihailenco/msgpack/v5"
)

// CheckpointData is the unit of state persisted by internal/checkpoint after
// every successful node completion. It carries exactly what Resume needs
// to reconstruct an ExecutionContext: completed results and the in-degree
// snapshot, not the full node graph (the checkpoint store keeps the
// WorkflowDefinition it was given at CreateExecution and returns it on
// resume).
type CheckpointData struct {
	ExecutionID     string
	WorkflowID      string
	TenantID        string
	Status          ExecutionStatus
	Input           map[string]any
	GlobalVariables map[string]any
	NodeResults     map[string]*NodeResult
	InDegree        map[string]int64
	ErrorMessage    string
	StartTime       time.Time
	UpdatedAt       time.Time
}

// SnapshotFrom captures a CheckpointData from a live ExecutionContext.
func SnapshotFrom(ec *ExecutionContext) *CheckpointData {
	return &CheckpointData{
		ExecutionID:     ec.ExecutionID,
		WorkflowID:      ec.WorkflowID,
		TenantID:        ec.TenantID,
		Status:          ec.Status(),
		Input:           ec.Input,
		GlobalVariables: ec.AllGlobalVars(),
		NodeResults:     ec.AllNodeResults(),
		InDegree:        ec.InDegreeSnapshot(),
		ErrorMessage:    ec.ErrorMessage(),
		StartTime:       ec.StartTime,
		UpdatedAt:       time.Now(),
	}
}

// Restore rebuilds a live ExecutionContext from a checkpoint, for Resume.
// Only SUCCESS and SKIPPED results carry over: a FAILED, TIMEOUT or
// CANCELLED attempt is the reason the execution is being resumed at all,
// so that node must dispatch again rather than sit in the completed set
// reproducing the old failure.
func (c *CheckpointData) Restore() *ExecutionContext {
	ec := NewExecutionContext(c.ExecutionID, c.WorkflowID, c.TenantID, c.Input, c.GlobalVariables)
	ec.StartTime = c.StartTime
	ec.SetStatus(c.Status)
	ec.SetError(c.ErrorMessage)
	for nodeID, result := range c.NodeResults {
		if result.Status != NodeSuccess && result.Status != NodeSkipped {
			continue
		}
		ec.SetNodeResult(nodeID, result)
	}
	ec.RestoreInDegree(c.InDegree)
	return ec
}

// Serialize encodes a checkpoint to msgpack for the checkpoint_blob column,
// the wire format the checkpoint store persists.
func (c *CheckpointData) Serialize() ([]byte, error) {
	return msgpack.Marshal(c)
}

// DeserializeCheckpoint decodes a checkpoint_blob column back into a
// CheckpointData.
func DeserializeCheckpoint(blob []byte) (*CheckpointData, error) {
	var c CheckpointData
	if err := msgpack.Unmarshal(blob, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// WorkflowExecutionRecord is the persisted row shape for one execution,
// stored by internal/checkpoint/pgstore via bun. DefinitionBlob and
// CheckpointBlob are msgpack-encoded so a process restart can rebuild a
// WorkflowDefinition and CheckpointData without a second schema for either.
type WorkflowExecutionRecord struct {
	bun.BaseModel `bun:"table:workflow_executions,alias:we"`

	ExecutionID     string     `bun:"execution_id,pk"`
	WorkflowID      string     `bun:"workflow_id,notnull"`
	WorkflowName    string     `bun:"workflow_name"`
	TenantID        string     `bun:"tenant_id,notnull"`
	Status          string     `bun:"status,notnull"`
	ErrorMessage    string     `bun:"error_message"`
	IsResumed       bool       `bun:"is_resumed,notnull"`
	ResumedFromID   string     `bun:"resumed_from_id"`
	DefinitionBlob  []byte     `bun:"definition_blob"`
	CheckpointBlob  []byte     `bun:"checkpoint_blob"`
	OutputData      []byte     `bun:"output_data"`
	TotalNodes      int        `bun:"total_nodes"`
	CompletedNodes  int        `bun:"completed_nodes"`
	StartedAt       time.Time  `bun:"started_at,notnull"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull"`
	CompletedAt     *time.Time `bun:"completed_at"`
	DeletedAt       *time.Time `bun:"deleted_at"`
}

// NodeExecutionLogRecord is the persisted row shape for one node run, keyed
// so repeated attempts of the same node append rather than overwrite.
type NodeExecutionLogRecord struct {
	bun.BaseModel `bun:"table:node_execution_logs,alias:nl"`

	ExecutionID  string    `bun:"execution_id,pk"`
	NodeID       string    `bun:"node_id,pk"`
	Attempt      int       `bun:"attempt,pk"`
	Status       string    `bun:"status,notnull"`
	OutputBlob   []byte    `bun:"output_blob"`
	ErrorMessage string    `bun:"error_message"`
	StartedAt    time.Time `bun:"started_at,notnull"`
	EndedAt      time.Time `bun:"ended_at"`
	DurationMs   int64     `bun:"duration_ms"`
}
