// Package template resolves the `{{expr}}` placeholder vocabulary that
// node configs use to reference prior results: global.<key>, input.<key>
// (also written .input.<key>), system.<field>, and <nodeId> or
// <nodeId>.<path> for a specific upstream node's output.
package template

import (
	"errors"
	"fmt"

	"github.com/dagrunner/engine/internal/obslog"
)

// VariableContext is everything a config placeholder can reference.
type VariableContext struct {
	// Global holds workflow-level variables, seeded from
	// WorkflowDefinition.GlobalVariables and updated by node outputs that
	// opt into publishing to it.
	Global map[string]any

	// Input holds the execution's top-level input payload.
	Input map[string]any

	// System holds read-only execution metadata: executionId, workflowId,
	// startTime, and similar fields nodes may want to log or forward.
	System map[string]any

	// NodeOutputs maps a completed node's id to its output, for
	// <nodeId>.<path> references.
	NodeOutputs map[string]map[string]any

	// NodeResults maps a completed node's id to its entire NodeResult
	// (status, output, timings, error), for a bare <nodeId> reference
	// with no further path: a bare <nodeId> resolves to the whole
	// NodeResult. <nodeId>.<path> still traverses NodeOutputs only.
	NodeResults map[string]map[string]any
}

// NewVariableContext returns an empty, ready-to-use context.
func NewVariableContext() *VariableContext {
	return &VariableContext{
		Global:      make(map[string]any),
		Input:       make(map[string]any),
		System:      make(map[string]any),
		NodeOutputs: make(map[string]map[string]any),
		NodeResults: make(map[string]map[string]any),
	}
}

// Options configures resolution behavior.
type Options struct {
	// StrictMode makes a missing variable an error; otherwise missing
	// values resolve to empty string / the original placeholder.
	StrictMode bool

	// PlaceholderOnMissing keeps the original `{{...}}` text instead of
	// substituting empty string, when StrictMode is false.
	PlaceholderOnMissing bool

	// Logger receives the unknown-node-id warning; nil selects
	// obslog.Default. Resolution itself stays pure — the logger is
	// observability, never state.
	Logger *obslog.Logger
}

// DefaultOptions matches the non-strict, empty-on-missing behavior used
// everywhere in the reference executors.
func DefaultOptions() Options {
	return Options{StrictMode: false, PlaceholderOnMissing: false}
}

// Error wraps a resolution failure with the offending reference.
type Error struct {
	Template string
	Ref      string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("template error in %q: failed to resolve {{%s}}: %v", e.Template, e.Ref, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrVariableNotFound  = errors.New("variable not found")
	ErrInvalidPath       = errors.New("invalid path")
	ErrInvalidReference  = errors.New("invalid variable reference")
	ErrTypeNotSupported  = errors.New("type not supported for path traversal")
	ErrArrayIndexInvalid = errors.New("invalid array index")
	ErrArrayOutOfBounds  = errors.New("array index out of bounds")
)
