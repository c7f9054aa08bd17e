// Package retry computes whether and how long to wait before re-running a
// failed node. It is pure apart from random jitter: it never
// touches an ExecutionContext or the checkpoint store.
package retry

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/dagrunner/engine/internal/domain"
)

// BackoffType selects how Delay grows with the attempt number.
type BackoffType string

const (
	Fixed                 BackoffType = "FIXED"
	Linear                BackoffType = "LINEAR"
	Exponential           BackoffType = "EXPONENTIAL"
	ExponentialWithJitter BackoffType = "EXPONENTIAL_WITH_JITTER"
)

// Policy is the per-workflow (or per-node-type) retry configuration.
type Policy struct {
	Type              BackoffType
	BaseIntervalMs    int64
	MaxIntervalMs     int64
	MaxRetries        int
	JitterFactor      float64  // used only by ExponentialWithJitter, e.g. 0.2 for ±20%
	NonRetryableKinds []string // simple names matched against result.ErrorMessage
}

// DefaultPolicy: exponential backoff, up to three retries after the first
// attempt, one-second base, thirty-second cap.
func DefaultPolicy() Policy {
	return Policy{
		Type:           Exponential,
		BaseIntervalMs: 1000,
		MaxIntervalMs:  30_000,
		MaxRetries:     3,
		JitterFactor:   0.2,
		NonRetryableKinds: []string{
			"ArgumentError", "StateError", "InterruptError",
			string(domain.ErrSecurity), string(domain.ErrCancellation),
		},
	}
}

// Decision is the result of ShouldRetry: whether to retry, and after how
// long.
type Decision struct {
	Retry   bool
	DelayMs int64
}

// ShouldRetry decides whether to re-run: stop once attempt reaches either the
// policy's MaxRetries or the node's own RetryCount (whichever is
// lower), and stop immediately if the failure is classified
// non-retryable. node.RetryCount == 0 means "no node-level override";
// only the policy's MaxRetries applies in that case, matching the data
// model's "retryCount (>=0)" with 0 as a valid, meaningful default.
func (p Policy) ShouldRetry(node *domain.Node, result *domain.NodeResult, attempt int) Decision {
	if attempt >= p.MaxRetries {
		return Decision{Retry: false}
	}
	if node.RetryCount > 0 && attempt >= node.RetryCount {
		return Decision{Retry: false}
	}
	if p.isNonRetryable(result.ErrorMessage) {
		return Decision{Retry: false}
	}
	return Decision{Retry: true, DelayMs: p.Delay(attempt)}
}

func (p Policy) isNonRetryable(errorMessage string) bool {
	if errorMessage == "" {
		return false
	}
	for _, kind := range p.NonRetryableKinds {
		if kind != "" && strings.Contains(errorMessage, kind) {
			return true
		}
	}
	return false
}

// Delay computes the back-off for the given (zero-based) attempt, capped at
// MaxIntervalMs.
func (p Policy) Delay(attempt int) int64 {
	var delay float64
	base := float64(p.BaseIntervalMs)

	switch p.Type {
	case Fixed:
		delay = base
	case Linear:
		delay = base * float64(attempt+1)
	case Exponential:
		delay = base * math.Pow(2, float64(attempt))
	case ExponentialWithJitter:
		raw := base * math.Pow(2, float64(attempt))
		jitter := raw * p.JitterFactor
		// uniformly distributed in [raw-jitter, raw+jitter]
		delay = raw - jitter + rand.Float64()*2*jitter
	default:
		delay = base
	}

	if delay < 0 {
		delay = 0
	}
	if p.MaxIntervalMs > 0 && delay > float64(p.MaxIntervalMs) {
		delay = float64(p.MaxIntervalMs)
	}
	return int64(delay)
}

// Sleep blocks for the given delay, returning early if ctx-like cancellation
// fires via the supplied channel (closed or signalled to interrupt). Callers
// in internal/dispatcher pass the execution's cancellation channel so a
// Cancel call interrupts an in-flight retry sleep.
func Sleep(delayMs int64, cancel <-chan struct{}) {
	if delayMs <= 0 {
		return
	}
	timer := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-cancel:
	}
}
