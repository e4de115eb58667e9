package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/eventlog"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/workflow"
)

// seqLink chains sequential-mode branch agents through the store: when
// the tail agent of a branch completes on the main queue, the next
// branch is prepended.
type seqLink struct {
	Group string   `json:"group"`
	Join  string   `json:"join"`
	Tail  bool     `json:"tail"`
	Next  []string `json:"next,omitempty"`
}

// executeFork runs a fork step. Group membership is persisted before
// any branch starts so the join can always compute its expected set.
// In parallel mode all branches launch as goroutines and the fork step
// waits for them to settle; in sequential mode only the first branch is
// enqueued and the rest chain through seqLink records.
func (e *Engine) executeFork(ctx context.Context, r *run, spec *workflow.AgentSpec) (map[string]interface{}, error) {
	groupID := fmt.Sprintf("%s:%s", spec.ID, r.shortID)
	joinID := spec.Join
	if joinID == "" {
		joinID = spec.ID + ":join"
	}

	expected := flattenTargets(spec.Targets)
	if err := e.store.SAdd(ctx, store.ForkGroupKey(groupID), expected...); err != nil {
		return nil, err
	}
	if err := e.store.Set(ctx, store.GroupMappingKey(joinID), groupID); err != nil {
		return nil, err
	}

	metrics.ForksStarted.WithLabelValues(spec.Mode.String()).Inc()
	e.logger.Info("Fork group launched",
		zap.String("run_id", r.id),
		zap.String("fork_group", groupID),
		zap.String("mode", spec.Mode.String()),
		zap.Int("branches", len(spec.Targets)),
	)

	if spec.Mode == workflow.ForkSequential {
		return e.forkSequential(ctx, r, spec, groupID, joinID)
	}
	return e.forkParallel(ctx, r, spec, groupID, joinID)
}

func (e *Engine) forkSequential(ctx context.Context, r *run, spec *workflow.AgentSpec, groupID, joinID string) (map[string]interface{}, error) {
	for bi, branch := range spec.Targets {
		for pos, agentID := range branch {
			link := seqLink{Group: groupID, Join: joinID, Tail: pos == len(branch)-1}
			if link.Tail && bi+1 < len(spec.Targets) {
				link.Next = spec.Targets[bi+1]
			}
			data, err := json.Marshal(link)
			if err != nil {
				return nil, fmt.Errorf("marshal branch link: %w", err)
			}
			if err := e.store.HSet(ctx, store.ForkMembershipKey, agentID, string(data)); err != nil {
				return nil, err
			}
		}
	}

	r.queue.PushFront(spec.Targets[0]...)

	return map[string]interface{}{
		"status":     "forked",
		"fork_group": groupID,
		"mode":       workflow.ForkSequential.String(),
		"branches":   len(spec.Targets),
	}, nil
}

func (e *Engine) forkParallel(ctx context.Context, r *run, spec *workflow.AgentSpec, groupID, joinID string) (map[string]interface{}, error) {
	snapshot := snapshotOutputs(r.prev)

	var wg sync.WaitGroup
	branchErrs := make([]error, len(spec.Targets))
	for bi, branch := range spec.Targets {
		wg.Add(1)
		go func(idx int, agents []string) {
			defer wg.Done()
			branchErrs[idx] = e.runBranch(ctx, r, groupID, joinID, idx, agents, snapshot)
		}(bi, branch)
	}
	wg.Wait()

	var failed []interface{}
	for bi, err := range branchErrs {
		if err == nil {
			continue
		}
		if errors.Is(err, store.ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		metrics.BranchPartialFailures.Inc()
		failed = append(failed, bi)
		r.log(e, eventlog.Entry{
			AgentID:   spec.ID,
			EventType: eventlog.TypePartialFailure,
			ForkGroup: groupID,
			Payload: map[string]interface{}{
				"branch":     bi,
				"agents":     spec.Targets[bi],
				"error":      err.Error(),
				"error_type": errorType(err),
			},
		})
		e.logger.Warn("Fork branch abandoned",
			zap.String("fork_group", groupID),
			zap.Int("branch", bi),
			zap.Error(err),
		)
	}

	result := map[string]interface{}{
		"status":     "forked",
		"fork_group": groupID,
		"mode":       workflow.ForkParallel.String(),
		"branches":   len(spec.Targets),
	}
	if len(failed) > 0 {
		result["failed_branches"] = failed
	}
	return result, nil
}

// runBranch executes one branch to completion, retrying the whole
// branch with exponential backoff. Exhausting the budget returns a
// BranchError; the caller degrades it to partial_failure.
func (e *Engine) runBranch(ctx context.Context, r *run, groupID, joinID string, idx int, agentIDs []string, snapshot map[string]interface{}) error {
	attempts := e.cfg.BranchRetries
	delay := e.cfg.BranchBackoffBase

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := e.runBranchOnce(ctx, r, groupID, joinID, agentIDs, snapshot)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		metrics.BranchRetries.Inc()
		e.logger.Debug("Branch attempt failed",
			zap.String("fork_group", groupID),
			zap.Int("branch", idx),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return &BranchError{Group: groupID, Branch: idx, Attempts: attempts, Err: lastErr}
}

// runBranchOnce runs the branch agents strictly in order against a
// fresh copy of the fork-time snapshot. Earlier agents in the branch
// are visible to later ones; nothing from sibling branches is.
func (e *Engine) runBranchOnce(ctx context.Context, r *run, groupID, joinID string, agentIDs []string, snapshot map[string]interface{}) error {
	local := snapshotOutputs(snapshot)

	for _, agentID := range agentIDs {
		spec := e.wf.Agent(agentID)
		if spec == nil {
			return fmt.Errorf("branch agent %q has no descriptor", agentID)
		}
		h := e.handlers[agentID]
		if h == nil {
			return fmt.Errorf("branch agent %q has no handler", agentID)
		}

		handle := &branchHandle{engine: e, runID: r.id}
		for {
			payload := buildPayload(r.input, local, r.id, r.peekStep(), agentID)
			res, err := e.invoke(ctx, h, handle, payload)
			if err != nil {
				return err
			}
			if isWaiting(res) {
				select {
				case <-time.After(e.cfg.RetryDelay):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			normalized := normalize(res)
			normalized["fork_group"] = groupID
			if err := e.persistBranchResult(ctx, groupID, joinID, agentID, normalized); err != nil {
				return err
			}
			local[agentID] = normalized
			r.log(e, eventlog.Entry{
				AgentID:   agentID,
				EventType: eventlog.TypeAgentResult,
				ForkGroup: groupID,
				Payload:   normalized,
			})
			break
		}
	}
	return nil
}

// persistBranchResult writes a branch agent success to the join-scoped
// hash, the fork-group audit hash and the per-agent result key.
func (e *Engine) persistBranchResult(ctx context.Context, groupID, joinID, agentID string, normalized map[string]interface{}) error {
	data, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("marshal branch result: %w", err)
	}
	serialized := string(data)

	if err := e.store.HSet(ctx, store.JoinInputsKey(joinID), agentID, serialized); err != nil {
		return err
	}
	if err := e.store.HSet(ctx, store.GroupResultsKey(groupID), agentID, serialized); err != nil {
		return err
	}
	return e.store.Set(ctx, store.AgentResultKey(agentID), serialized)
}

func flattenTargets(targets [][]string) []string {
	var out []string
	for _, branch := range targets {
		out = append(out, branch...)
	}
	return out
}
