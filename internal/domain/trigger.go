package domain

import "sync/atomic"

// TriggerKind identifies how an execution of a workflow is started.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "MANUAL"
	TriggerSchedule TriggerKind = "SCHEDULE"
	TriggerWebhook  TriggerKind = "WEBHOOK"
	TriggerEvent    TriggerKind = "EVENT"
)

// TriggerRegistration binds a trigger to the workflow it starts. The core
// only models the binding; dispatching schedules/webhooks to actually fire
// triggers lives with the external trigger surface.
type TriggerRegistration struct {
	ID         string
	WorkflowID string
	Kind       TriggerKind
	Config     map[string]any
	Enabled    bool

	invocations atomic.Int64
}

// RecordInvocation bumps the trigger's fire counter; the trigger surface
// reads it back for display and rate accounting.
func (t *TriggerRegistration) RecordInvocation() int64 {
	return t.invocations.Add(1)
}

// Invocations reads the fire counter.
func (t *TriggerRegistration) Invocations() int64 {
	return t.invocations.Load()
}

// SyncMode reports whether executions fired by this trigger should run
// synchronously. Async is the default; a trigger opts into sync via its
// config.
func (t *TriggerRegistration) SyncMode() bool {
	v, ok := t.Config["asyncMode"].(bool)
	return ok && !v
}

// TriggerRegistry is an in-memory lookup of registrations by workflow, used
// by the reference CLI to resolve "what starts this workflow" without
// requiring a real scheduler/webhook listener.
type TriggerRegistry struct {
	byWorkflow map[string][]*TriggerRegistration
}

func NewTriggerRegistry() *TriggerRegistry {
	return &TriggerRegistry{byWorkflow: make(map[string][]*TriggerRegistration)}
}

func (r *TriggerRegistry) Register(t *TriggerRegistration) {
	r.byWorkflow[t.WorkflowID] = append(r.byWorkflow[t.WorkflowID], t)
}

func (r *TriggerRegistry) ForWorkflow(workflowID string) []*TriggerRegistration {
	return r.byWorkflow[workflowID]
}
