package engine

import (
	"context"
	"time"

	"github.com/loomworks/loom/internal/store"
)

// Payload is the per-step execution context handed to an agent. The
// scheduler owns the live previous-outputs map; agents and branches
// always receive a copy and must treat it as read-only.
type Payload struct {
	Input           interface{}
	PreviousOutputs map[string]interface{}
	RunID           string
	Step            int
	AgentID         string
}

// Handler is the uniform invocation contract. A registered handler
// must satisfy one of three shapes, checked in this order:
//
//   - OrchestratorAware: receives a scheduler Handle alongside the
//     payload (the Go analogue of detecting an extra parameter).
//   - AsyncAgent: already asynchronous, its result channel is awaited
//     directly.
//   - Agent: plain synchronous work, dispatched to the bounded worker
//     pool so branch fan-out cannot exhaust the process.
type Handler interface{}

// Agent is the plain synchronous handler shape.
type Agent interface {
	Execute(ctx context.Context, p Payload) (interface{}, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, p Payload) (interface{}, error)

func (f AgentFunc) Execute(ctx context.Context, p Payload) (interface{}, error) {
	return f(ctx, p)
}

// AsyncResult carries the outcome of an asynchronous agent.
type AsyncResult struct {
	Value interface{}
	Err   error
}

// AsyncAgent produces its result on a channel the adapter awaits.
type AsyncAgent interface {
	ExecuteAsync(ctx context.Context, p Payload) <-chan AsyncResult
}

// OrchestratorAware agents get a handle into the running scheduler.
type OrchestratorAware interface {
	ExecuteWithScheduler(ctx context.Context, h Handle, p Payload) (interface{}, error)
}

// Handle is the scheduler surface injected into orchestrator-aware
// agents. Queue mutation is only honored for agents dispatched from the
// main loop; inside fork branches the enqueue operations are no-ops.
type Handle interface {
	RunID() string
	EnqueueFront(ids ...string)
	EnqueueBack(ids ...string)
	Store() store.Store
}

// Waiting is returned by an agent that is not ready to produce a
// result yet. The scheduler requeues the agent at the end of the queue
// without consuming retry budget or writing a log entry.
var Waiting interface{} = waitingMarker{}

type waitingMarker struct{}

// isWaiting recognizes the sentinel and the map-shaped waiting status.
func isWaiting(v interface{}) bool {
	if _, ok := v.(waitingMarker); ok {
		return true
	}
	if m, ok := v.(map[string]interface{}); ok {
		if s, ok := m["status"].(string); ok && s == "waiting" {
			return true
		}
	}
	return false
}

// Config holds the engine tuning knobs.
type Config struct {
	// MaxWorkers bounds concurrent synchronous handler executions.
	MaxWorkers int
	// RetryAttempts is the per-agent attempt budget (default 3).
	RetryAttempts int
	// RetryDelay is the fixed delay between per-agent attempts.
	RetryDelay time.Duration
	// BranchRetries is the whole-branch attempt budget (default 3).
	BranchRetries int
	// BranchBackoffBase is the initial branch retry delay; it doubles
	// on every subsequent attempt.
	BranchBackoffBase time.Duration
	// JoinMaxPolls is the default join poll budget before TIMEOUT.
	JoinMaxPolls int
	// RateLimit caps handler dispatches per second; zero disables it.
	RateLimit float64
	RateBurst int
	// MaxSteps is a safety valve against runaway requeue loops.
	MaxSteps int
}

const (
	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second
	defaultBranchRetries = 3
	defaultBranchBackoff = time.Second
	defaultJoinMaxPolls  = 30
	defaultMaxWorkers    = 8
	defaultMaxSteps      = 10000

	// joinCounterSeed is the value a join retry counter starts at on
	// first observation. Kept at 3 for compatibility with existing
	// deployments that tuned max_polls against the old accounting.
	joinCounterSeed = 3
)

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaultMaxWorkers
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.BranchRetries <= 0 {
		c.BranchRetries = defaultBranchRetries
	}
	if c.BranchBackoffBase <= 0 {
		c.BranchBackoffBase = defaultBranchBackoff
	}
	if c.JoinMaxPolls <= 0 {
		c.JoinMaxPolls = defaultJoinMaxPolls
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = defaultMaxSteps
	}
	return c
}
