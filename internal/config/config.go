// Package config holds the engine-wide configuration the dispatcher, the
// executor framework, and the checkpoint store read at startup: one flat
// struct with defaults overlaid by environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/dagrunner/engine/internal/retry"
)

// EngineConfig is the top-level knob set for one Dispatcher instance.
type EngineConfig struct {
	// WorkerPoolSize bounds the ambient goroutine pool non-script node
	// bodies run on. Zero means unbounded (one goroutine per ready node).
	WorkerPoolSize int

	// ScriptWorkerPoolSize bounds the dedicated runtime.LockOSThread pool
	// script-type executors are routed to.
	ScriptWorkerPoolSize int

	// DefaultNodeTimeout applies when a node sets neither config.timeout
	// nor TimeoutMs.
	DefaultNodeTimeout time.Duration

	// DefaultRetryPolicy backs every node unless its definition supplies
	// an override.
	DefaultRetryPolicy retry.Policy

	// CheckpointFlushMode controls whether SaveCheckpoint blocks the
	// dispatching goroutine (Sync) or is fired of onto a background
	// goroutine (Async); the node-log write on the critical path
	// is always synchronous regardless of this setting.
	CheckpointFlushMode FlushMode

	// SyncTriggerTimeout is the default wait for a synchronous
	// Execute call before the caller is handed a timeout response
	// carrying the executionId.
	SyncTriggerTimeout time.Duration
}

// FlushMode selects checkpoint durability vs. throughput.
type FlushMode string

const (
	FlushSync  FlushMode = "SYNC"
	FlushAsync FlushMode = "ASYNC"
)

// DefaultEngineConfig holds the defaults for worker pool sizing,
// timeouts, and the retry policy.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		WorkerPoolSize:       0,
		ScriptWorkerPoolSize: 8,
		DefaultNodeTimeout:   30 * time.Second,
		DefaultRetryPolicy:   retry.DefaultPolicy(),
		CheckpointFlushMode:  FlushAsync,
		SyncTriggerTimeout:   30 * time.Second,
	}
}

// LoadFromEnv overlays environment variables onto DefaultEngineConfig:
// plain os.LookupEnv reads with struct defaults as the fallback.
func LoadFromEnv() EngineConfig {
	cfg := DefaultEngineConfig()

	if v, ok := os.LookupEnv("DAGENGINE_WORKER_POOL_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerPoolSize = n
		}
	}
	if v, ok := os.LookupEnv("DAGENGINE_SCRIPT_POOL_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScriptWorkerPoolSize = n
		}
	}
	if v, ok := os.LookupEnv("DAGENGINE_NODE_TIMEOUT_MS"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.DefaultNodeTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := os.LookupEnv("DAGENGINE_CHECKPOINT_FLUSH"); ok {
		switch FlushMode(v) {
		case FlushSync, FlushAsync:
			cfg.CheckpointFlushMode = FlushMode(v)
		}
	}
	return cfg
}
