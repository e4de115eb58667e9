package engine

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/workflow"
)

// joinOutcome is the barrier state observed by one poll.
type joinOutcome int

const (
	joinWaiting joinOutcome = iota
	joinDone
	joinTimeout
)

func (o joinOutcome) String() string {
	switch o {
	case joinDone:
		return "done"
	case joinTimeout:
		return "timeout"
	default:
		return "waiting"
	}
}

// syncJoin performs one poll of the join barrier. It never sleeps: the
// only backoff is the scheduler requeueing the join behind other work.
// Store failures are returned as-is and abort the run.
func (e *Engine) syncJoin(ctx context.Context, r *run, spec *workflow.AgentSpec, p Payload) (map[string]interface{}, joinOutcome, string, error) {
	received, err := e.store.HGetAll(ctx, store.JoinInputsKey(spec.ID))
	if err != nil {
		return nil, joinWaiting, "", err
	}

	groupID, err := e.resolveGroup(ctx, spec, p, received)
	if err != nil {
		return nil, joinWaiting, "", err
	}

	var expected []string
	if groupID != "" {
		expected, err = e.store.SMembers(ctx, store.ForkGroupKey(groupID))
		if err != nil {
			return nil, joinWaiting, groupID, err
		}
	}

	// Lenient fallback: with membership bookkeeping missing but results
	// already arriving, treat the received set as the target set rather
	// than deadlocking. The counter makes the data loss observable.
	if len(expected) == 0 && len(received) > 0 {
		expected = sortedKeys(received)
		metrics.JoinFallback.Inc()
		e.logger.Warn("Join fallback: treating received set as target set",
			zap.String("run_id", r.id),
			zap.String("join_id", spec.ID),
			zap.String("fork_group", groupID),
			zap.Strings("received", expected),
		)
	}

	var pending []string
	for _, id := range expected {
		if _, ok := received[id]; !ok {
			pending = append(pending, id)
		}
	}
	sort.Strings(pending)

	if len(expected) > 0 && len(pending) == 0 {
		result, err := e.completeJoin(ctx, spec, groupID, expected, received)
		if err != nil {
			return nil, joinWaiting, groupID, err
		}
		metrics.JoinPolls.WithLabelValues("done").Inc()
		return result, joinDone, groupID, nil
	}

	counter, err := e.bumpJoinCounter(ctx, spec.ID)
	if err != nil {
		return nil, joinWaiting, groupID, err
	}

	maxPolls := spec.MaxPolls
	if maxPolls <= 0 {
		maxPolls = e.cfg.JoinMaxPolls
	}

	if counter >= maxPolls {
		if err := e.store.HDel(ctx, store.JoinRetryCountsKey, spec.ID); err != nil {
			return nil, joinWaiting, groupID, err
		}
		metrics.JoinPolls.WithLabelValues("timeout").Inc()
		return map[string]interface{}{
			"status":     "timeout",
			"fork_group": groupID,
			"pending":    toInterfaces(pending),
			"received":   toInterfaces(sortedKeys(received)),
		}, joinTimeout, groupID, nil
	}

	if err := e.store.HSet(ctx, store.JoinRetryCountsKey, spec.ID, strconv.Itoa(counter)); err != nil {
		return nil, joinWaiting, groupID, err
	}
	metrics.JoinPolls.WithLabelValues("waiting").Inc()
	return map[string]interface{}{
		"status":      "waiting",
		"fork_group":  groupID,
		"pending":     toInterfaces(pending),
		"received":    toInterfaces(sortedKeys(received)),
		"retry_count": counter,
	}, joinWaiting, groupID, nil
}

// resolveGroup finds the fork group this join synchronizes on, trying
// in order: static config, a fork-shaped previous output, the mapping
// registered at fork time, a pattern scan with a single live group, and
// finally the fork_group embedded in any received result.
func (e *Engine) resolveGroup(ctx context.Context, spec *workflow.AgentSpec, p Payload, received map[string]string) (string, error) {
	if spec.Group != "" {
		return spec.Group, nil
	}

	for _, v := range p.PreviousOutputs {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if status, _ := m["status"].(string); status != "forked" {
			continue
		}
		if g, ok := m["fork_group"].(string); ok && g != "" {
			return g, nil
		}
	}

	if g, found, err := e.store.Get(ctx, store.GroupMappingKey(spec.ID)); err != nil {
		return "", err
	} else if found && g != "" {
		return g, nil
	}

	keys, err := e.store.Scan(ctx, store.ForkGroupPattern())
	if err != nil {
		return "", err
	}
	if len(keys) == 1 {
		return keys[0][len(store.ForkGroupKey("")):], nil
	}

	for _, raw := range received {
		var m map[string]interface{}
		if json.Unmarshal([]byte(raw), &m) != nil {
			continue
		}
		if g, ok := m["fork_group"].(string); ok && g != "" {
			return g, nil
		}
	}

	return "", nil
}

// completeJoin merges every expected agent's stored result, persists
// the merged output and destroys the group bookkeeping. Unparsable
// per-agent state becomes an error placeholder instead of aborting.
func (e *Engine) completeJoin(ctx context.Context, spec *workflow.AgentSpec, groupID string, expected []string, received map[string]string) (map[string]interface{}, error) {
	merged := make(map[string]interface{}, len(expected))
	for _, id := range expected {
		merged[id] = mergeValue(received[id])
	}

	result := map[string]interface{}{
		"status":     "done",
		"fork_group": groupID,
		"merged":     merged,
		"result":     merged,
	}

	data, err := json.Marshal(result)
	if err == nil {
		if err := e.store.Set(ctx, store.AgentResultKey(spec.ID), string(data)); err != nil {
			return nil, err
		}
	}

	keys := []string{store.JoinInputsKey(spec.ID), store.GroupMappingKey(spec.ID)}
	if groupID != "" {
		keys = append(keys, store.ForkGroupKey(groupID))
	}
	if err := e.store.Delete(ctx, keys...); err != nil {
		return nil, err
	}
	if err := e.store.HDel(ctx, store.JoinRetryCountsKey, spec.ID); err != nil {
		return nil, err
	}
	return result, nil
}

// mergeValue parses one serialized branch result. Mapping results
// contribute their `result` field; anything unparsable degrades to an
// error placeholder for that agent id.
func mergeValue(raw string) interface{} {
	var parsed interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return map[string]interface{}{
			"error":      err.Error(),
			"error_type": "UnparsableState",
		}
	}
	if m, ok := parsed.(map[string]interface{}); ok {
		if r, ok := m["result"]; ok {
			return r
		}
	}
	return parsed
}

// bumpJoinCounter advances the monotonic poll counter for a join node.
// The counter seeds at joinCounterSeed on first observation.
func (e *Engine) bumpJoinCounter(ctx context.Context, joinID string) (int, error) {
	raw, found, err := e.store.HGet(ctx, store.JoinRetryCountsKey, joinID)
	if err != nil {
		return 0, err
	}
	if !found {
		return joinCounterSeed, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		// Corrupt counter state resets to the seed rather than failing
		// the poll.
		return joinCounterSeed, nil
	}
	return n + 1, nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
