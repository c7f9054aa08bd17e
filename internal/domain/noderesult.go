package domain

import "time"

// NodeResult is the terminal record of one node execution.
type NodeResult struct {
	NodeID       string
	Status       NodeStatus
	Output       map[string]any
	ErrorMessage string
	StackTrace   string
	StartTime    time.Time
	EndTime      time.Time
	DurationMs   int64
	RetryAttempt int

	// BlobID/LargeResult are passed through verbatim from the (out-of-scope)
	// large-result offload layer; the core never inspects them.
	BlobID      string
	LargeResult bool
}

// Success builds a SUCCESS NodeResult with timing filled in from start.
func Success(nodeID string, output map[string]any, start time.Time, attempt int) *NodeResult {
	end := time.Now()
	return &NodeResult{
		NodeID:       nodeID,
		Status:       NodeSuccess,
		Output:       output,
		StartTime:    start,
		EndTime:      end,
		DurationMs:   end.Sub(start).Milliseconds(),
		RetryAttempt: attempt,
	}
}

// Failed builds a FAILED NodeResult carrying the error's message.
func Failed(nodeID string, err error, start time.Time, attempt int) *NodeResult {
	end := time.Now()
	return &NodeResult{
		NodeID:       nodeID,
		Status:       NodeFailed,
		ErrorMessage: err.Error(),
		StartTime:    start,
		EndTime:      end,
		DurationMs:   end.Sub(start).Milliseconds(),
		RetryAttempt: attempt,
	}
}

// Skipped builds a SKIPPED NodeResult; no executor was invoked.
func Skipped(nodeID string) *NodeResult {
	now := time.Now()
	return &NodeResult{NodeID: nodeID, Status: NodeSkipped, StartTime: now, EndTime: now}
}
