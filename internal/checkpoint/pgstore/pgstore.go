// Package pgstore is the Postgres-backed checkpoint.Store:
// bun+pgdialect+pgdriver with upsert-via-ON-CONFLICT writes over two
// tables, executions and node_execution_logs.
package pgstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/dagrunner/engine/internal/checkpoint"
	"github.com/dagrunner/engine/internal/domain"
)

// Store is a checkpoint.Store backed by a Postgres table pair, suitable for
// process-restart recovery (unlike checkpoint.MemoryStore, whose state dies
// with the process).
type Store struct {
	db *bun.DB
}

// New opens a bun.DB against dsn. It does not create the schema; callers
// run InitSchema once at startup.
func New(dsn string) *Store {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return &Store{db: db}
}

// NewFromDB wraps an already-configured bun.DB, for callers that share one
// connection pool across multiple stores.
func NewFromDB(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InitSchema(ctx context.Context) error {
	models := []interface{}{
		(*domain.WorkflowExecutionRecord)(nil),
		(*domain.NodeExecutionLogRecord)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateExecution(ctx context.Context, def *domain.WorkflowDefinition, ec *domain.ExecutionContext) error {
	defBlob, err := msgpackMarshal(def)
	if err != nil {
		return domain.NewError(domain.ErrCheckpoint, "failed to serialize workflow definition", err).WithExecution(ec.ExecutionID)
	}
	checkpointBlob, err := domain.SnapshotFrom(ec).Serialize()
	if err != nil {
		return domain.NewError(domain.ErrCheckpoint, "failed to serialize checkpoint", err).WithExecution(ec.ExecutionID)
	}

	row := &domain.WorkflowExecutionRecord{
		ExecutionID:    ec.ExecutionID,
		WorkflowID:     ec.WorkflowID,
		WorkflowName:   def.Name,
		TenantID:       ec.TenantID,
		Status:         string(ec.Status()),
		DefinitionBlob: defBlob,
		CheckpointBlob: checkpointBlob,
		TotalNodes:     len(def.Nodes),
		StartedAt:      ec.StartTime.UTC(),
		UpdatedAt:      nowUTC(),
	}
	_, err = s.db.NewInsert().Model(row).
		On("CONFLICT (execution_id) DO UPDATE").
		Exec(ctx)
	return err
}

func (s *Store) SaveNodeStart(ctx context.Context, executionID string, node *domain.Node, attempt int, inputSnapshot map[string]any) error {
	inputBlob, err := msgpackMarshal(inputSnapshot)
	if err != nil {
		return domain.NewError(domain.ErrCheckpoint, "failed to serialize node input snapshot", err).WithExecution(executionID).WithNode(node.ID)
	}
	row := &domain.NodeExecutionLogRecord{
		ExecutionID: executionID,
		NodeID:      node.ID,
		Attempt:     attempt,
		Status:      string(domain.NodeRunning),
		OutputBlob:  inputBlob,
		StartedAt:   nowUTC(),
	}
	_, err = s.db.NewInsert().Model(row).
		On("CONFLICT (execution_id, node_id, attempt) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("started_at = EXCLUDED.started_at").
		Exec(ctx)
	return err
}

// SaveNodeComplete is the durability-critical write: the INSERT
// must commit before the dispatcher mutates ExecutionContext.nodeResults or
// submits a successor, so this call issues one synchronous statement and
// does not buffer.
func (s *Store) SaveNodeComplete(ctx context.Context, executionID string, result *domain.NodeResult, inDegreeSnapshot map[string]int64) error {
	outputBlob, err := msgpackMarshal(result.Output)
	if err != nil {
		return domain.NewError(domain.ErrCheckpoint, "failed to serialize node output", err).WithExecution(executionID).WithNode(result.NodeID)
	}
	row := &domain.NodeExecutionLogRecord{
		ExecutionID:  executionID,
		NodeID:       result.NodeID,
		Attempt:      result.RetryAttempt,
		Status:       string(result.Status),
		OutputBlob:   outputBlob,
		ErrorMessage: result.ErrorMessage,
		StartedAt:    result.StartTime.UTC(),
		EndedAt:      result.EndTime.UTC(),
		DurationMs:   result.DurationMs,
	}
	if _, err := s.db.NewInsert().Model(row).
		On("CONFLICT (execution_id, node_id, attempt) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("output_blob = EXCLUDED.output_blob").
		Set("error_message = EXCLUDED.error_message").
		Set("ended_at = EXCLUDED.ended_at").
		Set("duration_ms = EXCLUDED.duration_ms").
		Exec(ctx); err != nil {
		return err
	}
	if inDegreeSnapshot == nil {
		return nil
	}
	return s.updateInDegreeSnapshot(ctx, executionID, inDegreeSnapshot, nil)
}

func (s *Store) SaveCheckpoint(ctx context.Context, executionID string, inDegree map[string]int64, ec *domain.ExecutionContext) error {
	return s.updateInDegreeSnapshot(ctx, executionID, inDegree, ec)
}

func (s *Store) updateInDegreeSnapshot(ctx context.Context, executionID string, inDegree map[string]int64, ec *domain.ExecutionContext) error {
	var snapshot *domain.CheckpointData
	if ec != nil {
		snapshot = domain.SnapshotFrom(ec)
	} else {
		var row domain.WorkflowExecutionRecord
		if err := s.db.NewSelect().Model(&row).Where("execution_id = ?", executionID).Scan(ctx); err != nil {
			return err
		}
		snapshot, _ = domain.DeserializeCheckpoint(row.CheckpointBlob)
		if snapshot == nil {
			snapshot = &domain.CheckpointData{ExecutionID: executionID}
		}
	}
	snapshot.InDegree = inDegree
	snapshot.UpdatedAt = nowUTC()

	blob, err := snapshot.Serialize()
	if err != nil {
		return domain.NewError(domain.ErrCheckpoint, "failed to serialize checkpoint", err).WithExecution(executionID)
	}
	completed := 0
	for _, r := range snapshot.NodeResults {
		if r.Status.Terminal() {
			completed++
		}
	}
	_, err = s.db.NewUpdate().Model((*domain.WorkflowExecutionRecord)(nil)).
		Set("checkpoint_blob = ?", blob).
		Set("completed_nodes = ?", completed).
		Set("updated_at = ?", nowUTC()).
		Where("execution_id = ?", executionID).
		Exec(ctx)
	return err
}

func (s *Store) SetOutputData(ctx context.Context, executionID string, output map[string]any) error {
	blob, err := msgpackMarshal(output)
	if err != nil {
		return domain.NewError(domain.ErrCheckpoint, "failed to serialize output data", err).WithExecution(executionID)
	}
	_, err = s.db.NewUpdate().Model((*domain.WorkflowExecutionRecord)(nil)).
		Set("output_data = ?", blob).
		Set("updated_at = ?", nowUTC()).
		Where("execution_id = ?", executionID).
		Exec(ctx)
	return err
}

func (s *Store) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, errorMessage string) error {
	q := s.db.NewUpdate().Model((*domain.WorkflowExecutionRecord)(nil)).
		Set("status = ?", string(status)).
		Set("error_message = ?", errorMessage).
		Set("updated_at = ?", nowUTC())
	if status.Terminal() {
		now := nowUTC()
		q = q.Set("completed_at = ?", now)
	}
	_, err := q.Where("execution_id = ?", executionID).Exec(ctx)
	return err
}

func (s *Store) CanRecover(ctx context.Context, executionID string) (bool, error) {
	var row domain.WorkflowExecutionRecord
	err := s.db.NewSelect().Model(&row).Where("execution_id = ?", executionID).Scan(ctx)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if row.DeletedAt != nil {
		return false, nil
	}
	return domain.ExecutionStatus(row.Status).Recoverable(), nil
}

// Recover loads the persisted definition and
// checkpoint blobs, rebuilds the ExecutionContext, and computes the ready set
// the same way checkpoint.MemoryStore does so both implementations agree on
// recovery semantics.
func (s *Store) Recover(ctx context.Context, executionID, newExecutionID string) (*checkpoint.RecoverResult, error) {
	var row domain.WorkflowExecutionRecord
	if err := s.db.NewSelect().Model(&row).Where("execution_id = ?", executionID).Scan(ctx); err != nil {
		if err == sql.ErrNoRows {
			return nil, checkpoint.ErrNotFound
		}
		return nil, err
	}

	status := domain.ExecutionStatus(row.Status)
	if !status.Recoverable() {
		return nil, domain.NewError(domain.ErrCheckpoint, "execution "+executionID+" is not recoverable", nil).WithExecution(executionID)
	}

	def, err := unmarshalDefinition(row.DefinitionBlob)
	if err != nil {
		return nil, domain.NewError(domain.ErrCheckpoint, "failed to deserialize workflow definition", err).WithExecution(executionID)
	}
	snapshot, err := domain.DeserializeCheckpoint(row.CheckpointBlob)
	if err != nil {
		return nil, domain.NewError(domain.ErrCheckpoint, "failed to deserialize checkpoint", err).WithExecution(executionID)
	}
	snapshot.ExecutionID = newExecutionID

	newCtx := snapshot.Restore()
	newCtx.SetStatus(domain.ExecutionRunning)

	// In-degrees are recomputed from the graph and the completed set; the
	// persisted snapshot may predate the last completed node's propagation.
	completed := newCtx.CompletedNodes()
	inDegree := checkpoint.ResumeInDegrees(def, completed)
	newCtx.RestoreInDegree(inDegree)

	var ready []string
	for _, node := range def.Nodes {
		if _, done := completed[node.ID]; done {
			continue
		}
		if inDegree[node.ID] == 0 {
			ready = append(ready, node.ID)
		}
	}

	// The resumed run gets its own row so every subsequent status/output
	// write for the new execution id has something to land on. Its
	// checkpoint carries the recomputed counters, not the stale ones.
	snapshot.InDegree = inDegree
	newBlob, err := snapshot.Serialize()
	if err != nil {
		return nil, domain.NewError(domain.ErrCheckpoint, "failed to serialize resumed checkpoint", err).WithExecution(newExecutionID)
	}
	newRow := &domain.WorkflowExecutionRecord{
		ExecutionID:    newExecutionID,
		WorkflowID:     row.WorkflowID,
		WorkflowName:   row.WorkflowName,
		TenantID:       row.TenantID,
		Status:         string(domain.ExecutionRunning),
		IsResumed:      true,
		ResumedFromID:  executionID,
		DefinitionBlob: row.DefinitionBlob,
		CheckpointBlob: newBlob,
		TotalNodes:     row.TotalNodes,
		CompletedNodes: len(completed),
		StartedAt:      nowUTC(),
		UpdatedAt:      nowUTC(),
	}
	if _, err := s.db.NewInsert().Model(newRow).
		On("CONFLICT (execution_id) DO UPDATE").
		Exec(ctx); err != nil {
		return nil, err
	}

	return &checkpoint.RecoverResult{
		Definition:     def,
		Context:        newCtx,
		InDegree:       inDegree,
		ReadyNodes:     ready,
		CompletedNodes: completed,
		OriginalStatus: status,
	}, nil
}

func (s *Store) ListExecutions(ctx context.Context, tenantID string) ([]*domain.WorkflowExecutionRecord, error) {
	var rows []*domain.WorkflowExecutionRecord
	q := s.db.NewSelect().Model(&rows).Where("deleted_at IS NULL")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) ListNodeLogs(ctx context.Context, executionID string) ([]*domain.NodeExecutionLogRecord, error) {
	var rows []*domain.NodeExecutionLogRecord
	if err := s.db.NewSelect().Model(&rows).Where("execution_id = ?", executionID).Order("started_at ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

func nowUTC() time.Time { return time.Now().UTC() }

var _ checkpoint.Store = (*Store)(nil)
