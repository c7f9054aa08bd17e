package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dagrunner/engine/internal/domain"
)

// MemoryStore is an in-process Store for tests and for embedding the
// engine without a database: a plain map keyed by executionID.
// Every public method takes its own
// lock; there is no single coarse lock shared across unrelated
// executions beyond the top-level map guard.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*executionEntry
}

type executionEntry struct {
	mu sync.RWMutex

	definition *domain.WorkflowDefinition
	context    *domain.ExecutionContext

	status        domain.ExecutionStatus
	errorMessage  string
	outputData    map[string]any
	startedAt     time.Time
	completedAt   *time.Time
	isResumed     bool
	resumedFromID string
	deletedAt     *time.Time

	inDegreeSnapshot map[string]int64
	nodeLogs         []*domain.NodeExecutionLogRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[string]*executionEntry)}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, def *domain.WorkflowDefinition, ec *domain.ExecutionContext) error {
	entry := &executionEntry{
		definition: def,
		context:    ec,
		status:     domain.ExecutionRunning,
		startedAt:  nowUTC(),
	}
	s.mu.Lock()
	s.executions[ec.ExecutionID] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) get(executionID string) (*executionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[executionID]
	return e, ok
}

func (s *MemoryStore) SaveNodeStart(ctx context.Context, executionID string, node *domain.Node, attempt int, inputSnapshot map[string]any) error {
	entry, ok := s.get(executionID)
	if !ok {
		return ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	configSnapshot := make(map[string]any, len(node.Config))
	for k, v := range node.Config {
		configSnapshot[k] = v
	}

	row := &domain.NodeExecutionLogRecord{
		ExecutionID: executionID,
		NodeID:      node.ID,
		Attempt:     attempt,
		Status:      string(domain.NodeRunning),
		StartedAt:   nowUTC(),
	}
	entry.nodeLogs = upsertLog(entry.nodeLogs, row)
	return nil
}

// SaveNodeComplete is the durability-critical write: it must
// return before the dispatcher writes result into context.nodeResults or
// submits any successor, so this call is fully synchronous and holds the
// per-execution lock for its entire duration.
func (s *MemoryStore) SaveNodeComplete(ctx context.Context, executionID string, result *domain.NodeResult, inDegreeSnapshot map[string]int64) error {
	entry, ok := s.get(executionID)
	if !ok {
		return ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	row := &domain.NodeExecutionLogRecord{
		ExecutionID:  executionID,
		NodeID:       result.NodeID,
		Attempt:      result.RetryAttempt,
		Status:       string(result.Status),
		ErrorMessage: result.ErrorMessage,
		StartedAt:    result.StartTime,
		EndedAt:      result.EndTime,
		DurationMs:   result.DurationMs,
	}
	entry.nodeLogs = upsertLog(entry.nodeLogs, row)
	if inDegreeSnapshot != nil {
		entry.inDegreeSnapshot = inDegreeSnapshot
	}
	return nil
}

func upsertLog(logs []*domain.NodeExecutionLogRecord, row *domain.NodeExecutionLogRecord) []*domain.NodeExecutionLogRecord {
	for i, existing := range logs {
		if existing.NodeID == row.NodeID && existing.Attempt == row.Attempt {
			logs[i] = row
			return logs
		}
	}
	return append(logs, row)
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, executionID string, inDegree map[string]int64, ec *domain.ExecutionContext) error {
	entry, ok := s.get(executionID)
	if !ok {
		return ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.inDegreeSnapshot = inDegree
	return nil
}

func (s *MemoryStore) SetOutputData(ctx context.Context, executionID string, output map[string]any) error {
	entry, ok := s.get(executionID)
	if !ok {
		return ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.outputData = output
	return nil
}

func (s *MemoryStore) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, errorMessage string) error {
	entry, ok := s.get(executionID)
	if !ok {
		return ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.status = status
	entry.errorMessage = errorMessage
	if status.Terminal() {
		t := nowUTC()
		entry.completedAt = &t
	}
	return nil
}

func (s *MemoryStore) CanRecover(ctx context.Context, executionID string) (bool, error) {
	entry, ok := s.get(executionID)
	if !ok {
		return false, nil
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if entry.deletedAt != nil {
		return false, nil
	}
	return entry.status.Recoverable(), nil
}

// Recover rebuilds an ExecutionContext from
// the entry's live context (the in-memory store never actually loses
// state on a "crash"). The live context is first projected through
// SnapshotFrom/Restore, so the resumed context carries only what a
// persisted checkpoint would: SUCCESS and SKIPPED results survive, and
// FAILED or in-flight ones are dropped so those nodes run again.
func (s *MemoryStore) Recover(ctx context.Context, executionID, newExecutionID string) (*RecoverResult, error) {
	entry, ok := s.get(executionID)
	if !ok {
		return nil, ErrNotFound
	}

	entry.mu.Lock()
	if !entry.status.Recoverable() {
		status := entry.status
		entry.mu.Unlock()
		return nil, domain.NewError(domain.ErrCheckpoint, fmt.Sprintf("execution %s is not recoverable (status=%s)", executionID, status), nil)
	}

	checkpoint := domain.SnapshotFrom(entry.context)
	checkpoint.ExecutionID = newExecutionID

	newCtx := checkpoint.Restore()
	newCtx.SetStatus(domain.ExecutionRunning)

	// In-degrees are recomputed from the graph and the completed set; the
	// persisted snapshot may predate the last completed node's propagation.
	completed := newCtx.CompletedNodes()
	inDegree := ResumeInDegrees(entry.definition, completed)
	newCtx.RestoreInDegree(inDegree)

	var ready []string
	for _, node := range entry.definition.Nodes {
		if _, done := completed[node.ID]; done {
			continue
		}
		if inDegree[node.ID] == 0 {
			ready = append(ready, node.ID)
		}
	}

	result := &RecoverResult{
		Definition:     entry.definition,
		Context:        newCtx,
		InDegree:       inDegree,
		ReadyNodes:     ready,
		CompletedNodes: completed,
		OriginalStatus: entry.status,
	}

	// The resumed run gets its own record, carrying the prior run's
	// node-log rows so the full history stays queryable under the new id.
	newEntry := &executionEntry{
		definition:       entry.definition,
		context:          newCtx,
		status:           domain.ExecutionRunning,
		startedAt:        nowUTC(),
		isResumed:        true,
		resumedFromID:    executionID,
		inDegreeSnapshot: inDegree,
		nodeLogs:         append([]*domain.NodeExecutionLogRecord(nil), entry.nodeLogs...),
	}
	entry.mu.Unlock()

	s.mu.Lock()
	s.executions[newExecutionID] = newEntry
	s.mu.Unlock()

	return result, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, tenantID string) ([]*domain.WorkflowExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.WorkflowExecutionRecord
	for id, entry := range s.executions {
		entry.mu.RLock()
		if entry.deletedAt != nil || (tenantID != "" && entry.context.TenantID != tenantID) {
			entry.mu.RUnlock()
			continue
		}
		out = append(out, &domain.WorkflowExecutionRecord{
			ExecutionID:   id,
			WorkflowID:    entry.context.WorkflowID,
			TenantID:      entry.context.TenantID,
			Status:        string(entry.status),
			ErrorMessage:  entry.errorMessage,
			IsResumed:     entry.isResumed,
			ResumedFromID: entry.resumedFromID,
			StartedAt:     entry.startedAt,
			UpdatedAt:     nowUTC(),
			CompletedAt:   entry.completedAt,
		})
		entry.mu.RUnlock()
	}
	return out, nil
}

func (s *MemoryStore) ListNodeLogs(ctx context.Context, executionID string) ([]*domain.NodeExecutionLogRecord, error) {
	entry, ok := s.get(executionID)
	if !ok {
		return nil, ErrNotFound
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	out := make([]*domain.NodeExecutionLogRecord, len(entry.nodeLogs))
	copy(out, entry.nodeLogs)
	return out, nil
}
