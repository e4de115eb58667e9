package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/internal/eventlog"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/workflow"
)

// Engine drives a workflow: it owns the scheduling loop, dispatches
// agents through the retry controller and coordinates fork/join state
// through the external store.
type Engine struct {
	cfg      Config
	wf       *workflow.Workflow
	store    store.Store
	handlers map[string]Handler
	logger   *zap.Logger
	limiter  *rate.Limiter
	slots    chan struct{}
	sinks    []eventlog.Sink
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithSinks attaches log sinks that receive every run log entry.
func WithSinks(sinks ...eventlog.Sink) Option {
	return func(e *Engine) {
		e.sinks = append(e.sinks, sinks...)
	}
}

// New builds an engine for one workflow definition.
func New(wf *workflow.Workflow, st store.Store, cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if wf == nil {
		return nil, errors.New("workflow is required")
	}
	if st == nil {
		return nil, errors.New("state store is required")
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	e := &Engine{
		cfg:      cfg,
		wf:       wf,
		store:    st,
		handlers: make(map[string]Handler),
		logger:   logger,
		limiter:  limiter,
		slots:    make(chan struct{}, cfg.MaxWorkers),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Register binds a handler to an agent id. Handlers must satisfy one
// of the three invocation shapes.
func (e *Engine) Register(id string, h Handler) error {
	switch h.(type) {
	case OrchestratorAware, AsyncAgent, Agent:
		e.handlers[id] = h
		return nil
	default:
		return fmt.Errorf("handler for %q implements none of Agent, AsyncAgent, OrchestratorAware", id)
	}
}

// RunResult is the produced artifact of a run: the full ordered log
// plus the extracted terminal value.
type RunResult struct {
	RunID   string
	Entries []eventlog.Entry
	Final   interface{}
}

// run is the per-run mutable state, owned by the scheduling goroutine.
// Branch goroutines only touch the log (mutex-guarded) and the step
// counter (atomic).
type run struct {
	id      string
	shortID string
	input   interface{}
	queue   *queue
	prev    map[string]interface{}
	rec     *eventlog.Recorder
	step    atomic.Int64
}

func (r *run) nextStep() int { return int(r.step.Add(1)) }

// peekStep is the step index the next log entry will get; carried on
// payloads as loop metadata.
func (r *run) peekStep() int { return int(r.step.Load()) + 1 }

func (r *run) log(e *Engine, entry eventlog.Entry) {
	entry.Step = r.nextStep()
	entry.RunID = r.id
	r.rec.Append(entry)
}

// Run executes the workflow against an input and returns the run log
// and terminal value. Recoverable step failures are logged and the run
// continues; ConfigError and store failures abort with the partial log.
func (e *Engine) Run(ctx context.Context, input interface{}) (*RunResult, error) {
	return e.RunSeeded(ctx, input, nil)
}

// RunSeeded is Run with pre-populated previous outputs, for resuming
// or testing downstream segments of a workflow.
func (e *Engine) RunSeeded(ctx context.Context, input interface{}, seed map[string]interface{}) (*RunResult, error) {
	if err := e.checkHandlers(); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	r := &run{
		id:      runID,
		shortID: runID[:8],
		input:   input,
		queue:   newQueue(e.wf.Queue),
		prev:    make(map[string]interface{}, len(seed)),
		rec:     eventlog.NewRecorder(e.sinks...),
	}
	for k, v := range seed {
		r.prev[k] = v
	}

	metrics.RunsStarted.Inc()
	start := time.Now()
	e.logger.Info("Run started",
		zap.String("run_id", runID),
		zap.String("workflow", e.wf.Name),
		zap.Strings("queue", e.wf.Queue),
	)

	err := e.loop(ctx, r)
	metrics.RunDuration.Observe(time.Since(start).Seconds())

	result := &RunResult{RunID: runID, Entries: r.rec.Entries()}
	if err != nil {
		metrics.RunsCompleted.WithLabelValues("error").Inc()
		e.logger.Error("Run failed",
			zap.String("run_id", runID),
			zap.Int("steps", r.rec.Len()),
			zap.Error(err),
		)
		return result, err
	}

	result.Final = e.finalResult(result.Entries)
	metrics.RunsCompleted.WithLabelValues("success").Inc()
	e.logger.Info("Run completed",
		zap.String("run_id", runID),
		zap.Int("steps", r.rec.Len()),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// checkHandlers verifies every agent kind that needs behavior has a
// registered handler before the run starts.
func (e *Engine) checkHandlers() error {
	for id, spec := range e.wf.Agents {
		switch spec.Kind {
		case workflow.KindNormal, workflow.KindMemoryRead, workflow.KindMemoryWrite:
			if e.handlers[id] == nil {
				return &workflow.ConfigError{Node: id, Reason: "no handler registered"}
			}
		}
	}
	return nil
}

// loop is the single-threaded scheduling driver.
func (e *Engine) loop(ctx context.Context, r *run) error {
	iterations := 0
	for r.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		iterations++
		if iterations > e.cfg.MaxSteps {
			return fmt.Errorf("run %s exceeded max steps (%d)", r.id, e.cfg.MaxSteps)
		}

		id, _ := r.queue.PopFront()
		metrics.QueueDepth.Set(float64(r.queue.Len()))

		spec := e.wf.Agent(id)
		if spec == nil {
			r.log(e, eventlog.Entry{
				AgentID:   id,
				EventType: eventlog.TypeAgentError,
				Payload: map[string]interface{}{
					"error":      "no descriptor for queued agent",
					"error_type": "Error",
				},
			})
			continue
		}

		payload := buildPayload(r.input, r.prev, r.id, r.peekStep(), id)
		start := time.Now()

		var err error
		switch spec.Kind {
		case workflow.KindFork:
			err = e.stepFork(ctx, r, spec)
		case workflow.KindJoin:
			err = e.stepJoin(ctx, r, spec, payload)
		case workflow.KindRouter:
			err = e.stepRouter(ctx, r, spec, payload)
		case workflow.KindNormal, workflow.KindMemoryRead, workflow.KindMemoryWrite:
			err = e.stepAgent(ctx, r, spec, payload)
		}
		metrics.StepDuration.WithLabelValues(spec.Kind.String()).
			Observe(float64(time.Since(start).Milliseconds()))
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) stepFork(ctx context.Context, r *run, spec *workflow.AgentSpec) error {
	result, err := e.executeFork(ctx, r, spec)
	if err != nil {
		metrics.StepsExecuted.WithLabelValues(spec.Kind.String(), "error").Inc()
		return err
	}
	groupID, _ := result["fork_group"].(string)
	r.prev[spec.ID] = result
	r.log(e, eventlog.Entry{
		AgentID:   spec.ID,
		EventType: eventlog.TypeForkCompleted,
		ForkGroup: groupID,
		Payload:   result,
	})
	metrics.StepsExecuted.WithLabelValues(spec.Kind.String(), "success").Inc()
	return nil
}

func (e *Engine) stepJoin(ctx context.Context, r *run, spec *workflow.AgentSpec, payload Payload) error {
	result, outcome, groupID, err := e.syncJoin(ctx, r, spec, payload)
	if err != nil {
		metrics.StepsExecuted.WithLabelValues(spec.Kind.String(), "error").Inc()
		return err
	}

	switch outcome {
	case joinWaiting:
		// Re-scheduled behind the rest of the queue; no log entry.
		r.queue.PushBack(spec.ID)
	case joinDone:
		r.prev[spec.ID] = result
		r.log(e, eventlog.Entry{
			AgentID:   spec.ID,
			EventType: eventlog.TypeJoinCompleted,
			ForkGroup: groupID,
			Payload:   result,
		})
	case joinTimeout:
		r.prev[spec.ID] = result
		r.log(e, eventlog.Entry{
			AgentID:   spec.ID,
			EventType: eventlog.TypeJoinTimeout,
			ForkGroup: groupID,
			Payload:   result,
		})
	}
	metrics.StepsExecuted.WithLabelValues(spec.Kind.String(), outcome.String()).Inc()
	return nil
}

func (e *Engine) stepRouter(ctx context.Context, r *run, spec *workflow.AgentSpec, payload Payload) error {
	var handlerResult interface{}
	if h := e.handlers[spec.ID]; h != nil {
		res, err := e.dispatchWithRetry(ctx, spec, h, &loopHandle{engine: e, run: r}, payload)
		if err != nil {
			return e.recoverStep(ctx, r, spec, err)
		}
		if isWaiting(res) {
			r.queue.PushBack(spec.ID)
			return nil
		}
		handlerResult = res
	}

	ids, decision, err := evaluateRoute(spec, handlerResult, payload.PreviousOutputs)
	if err != nil {
		// Missing routing config is fatal.
		return err
	}

	if len(ids) > 0 {
		r.queue.PushFront(ids...)
	}
	r.log(e, eventlog.Entry{
		AgentID:   spec.ID,
		EventType: eventlog.TypeRouted,
		Payload: map[string]interface{}{
			"decision": decision,
			"routed":   toInterfaces(ids),
		},
	})
	metrics.StepsExecuted.WithLabelValues(spec.Kind.String(), "success").Inc()
	return nil
}

func (e *Engine) stepAgent(ctx context.Context, r *run, spec *workflow.AgentSpec, payload Payload) error {
	h := e.handlers[spec.ID]
	res, err := e.dispatchWithRetry(ctx, spec, h, &loopHandle{engine: e, run: r}, payload)
	if err != nil {
		return e.recoverStep(ctx, r, spec, err)
	}

	if isWaiting(res) {
		// Not ready: requeue at the end, no log entry, no budget spent.
		r.queue.PushBack(spec.ID)
		return nil
	}

	normalized := normalize(res)

	link, found, err := e.sequentialLink(ctx, spec.ID)
	if err != nil {
		return err
	}

	if found {
		// This agent belongs to a sequential fork branch: feed the join
		// and audit hashes and chain the next branch when at the tail.
		normalized["fork_group"] = link.Group
		if err := e.persistBranchResult(ctx, link.Group, link.Join, spec.ID, normalized); err != nil {
			return err
		}
		if err := e.store.HDel(ctx, store.ForkMembershipKey, spec.ID); err != nil {
			return err
		}
		if link.Tail && len(link.Next) > 0 {
			r.queue.PushFront(link.Next...)
		}
	} else if data, err := json.Marshal(normalized); err == nil {
		// Plain persistence outside fork coordination is best effort.
		if err := e.store.Set(ctx, store.AgentResultKey(spec.ID), string(data)); err != nil {
			e.logger.Warn("Failed to persist agent result",
				zap.String("run_id", r.id),
				zap.String("agent_id", spec.ID),
				zap.Error(err),
			)
		}
	}

	r.prev[spec.ID] = normalized
	r.log(e, eventlog.Entry{
		AgentID:   spec.ID,
		EventType: eventlog.TypeAgentResult,
		ForkGroup: link.Group,
		Payload:   normalized,
	})
	metrics.StepsExecuted.WithLabelValues(spec.Kind.String(), "success").Inc()
	return nil
}

// recoverStep implements the non-fatal step failure policy: context
// cancellation propagates, everything else becomes a log entry and the
// loop continues.
func (e *Engine) recoverStep(ctx context.Context, r *run, spec *workflow.AgentSpec, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	metrics.StepsExecuted.WithLabelValues(spec.Kind.String(), "error").Inc()
	e.logger.Warn("Step failed after retries, continuing",
		zap.String("run_id", r.id),
		zap.String("agent_id", spec.ID),
		zap.Error(err),
	)
	r.log(e, eventlog.Entry{
		AgentID:   spec.ID,
		EventType: eventlog.TypeAgentError,
		Payload: map[string]interface{}{
			"error":      err.Error(),
			"error_type": errorType(err),
		},
	})
	return nil
}

// sequentialLink looks up sequential-fork membership for an agent.
func (e *Engine) sequentialLink(ctx context.Context, agentID string) (seqLink, bool, error) {
	raw, found, err := e.store.HGet(ctx, store.ForkMembershipKey, agentID)
	if err != nil {
		return seqLink{}, false, err
	}
	if !found {
		return seqLink{}, false, nil
	}
	var link seqLink
	if err := json.Unmarshal([]byte(raw), &link); err != nil {
		e.logger.Warn("Dropping corrupt fork membership record",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return seqLink{}, false, nil
	}
	return link, true, nil
}

// finalResult extracts the terminal value: the `result` field of the
// last log entry whose agent is not a memory or validation step.
func (e *Engine) finalResult(entries []eventlog.Entry) interface{} {
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if spec := e.wf.Agent(entry.AgentID); spec != nil {
			if spec.Kind == workflow.KindMemoryRead || spec.Kind == workflow.KindMemoryWrite {
				continue
			}
			if spec.HasTag("validation") {
				continue
			}
		}
		if entry.Payload == nil {
			continue
		}
		if v, ok := entry.Payload["result"]; ok {
			return v
		}
	}
	return nil
}

// loopHandle is the scheduler handle for agents dispatched from the
// main loop. Queue mutation is safe: the loop awaits every dispatch.
type loopHandle struct {
	engine *Engine
	run    *run
}

func (h *loopHandle) RunID() string              { return h.run.id }
func (h *loopHandle) EnqueueFront(ids ...string) { h.run.queue.PushFront(ids...) }
func (h *loopHandle) EnqueueBack(ids ...string)  { h.run.queue.PushBack(ids...) }
func (h *loopHandle) Store() store.Store         { return h.engine.store }

// branchHandle is the restricted handle inside fork branches: queue
// mutation is ignored because the queue belongs to the loop goroutine.
type branchHandle struct {
	engine *Engine
	runID  string
}

func (h *branchHandle) RunID() string { return h.runID }

func (h *branchHandle) EnqueueFront(ids ...string) {
	h.engine.logger.Warn("Queue mutation ignored inside fork branch", zap.Strings("ids", ids))
}

func (h *branchHandle) EnqueueBack(ids ...string) {
	h.engine.logger.Warn("Queue mutation ignored inside fork branch", zap.Strings("ids", ids))
}

func (h *branchHandle) Store() store.Store { return h.engine.store }
