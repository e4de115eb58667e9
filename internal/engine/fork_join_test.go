package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/eventlog"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/workflow"
)

func forkJoinWorkflow(mode workflow.ForkMode, targets [][]string) *workflow.Workflow {
	agents := map[string]*workflow.AgentSpec{
		"fork1": {
			ID:      "fork1",
			Kind:    workflow.KindFork,
			Mode:    mode,
			Targets: targets,
			Join:    "join1",
		},
		"join1": {ID: "join1", Kind: workflow.KindJoin},
	}
	for _, branch := range targets {
		for _, id := range branch {
			agents[id] = &workflow.AgentSpec{ID: id, Kind: workflow.KindNormal}
		}
	}
	return &workflow.Workflow{
		Name:   "fork-join",
		Queue:  []string{"fork1", "join1"},
		Agents: agents,
	}
}

func TestParallelForkJoinMergesBranchResults(t *testing.T) {
	wf := forkJoinWorkflow(workflow.ForkParallel, [][]string{{"A"}, {"B"}})
	st := newTestStore(t)
	e, err := New(wf, st, testConfig(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, e.Register("A", simpleAgent(nil, "A", map[string]interface{}{"result": "a"})))
	require.NoError(t, e.Register("B", simpleAgent(nil, "B", map[string]interface{}{"result": "b"})))

	result, err := e.Run(context.Background(), nil)
	require.NoError(t, err)

	merged, ok := result.Final.(map[string]interface{})
	require.True(t, ok, "final value should be the merged map")
	assert.Equal(t, map[string]interface{}{"A": "a", "B": "b"}, merged)

	var types []string
	groupID := ""
	for _, entry := range result.Entries {
		types = append(types, entry.EventType)
		if entry.EventType == eventlog.TypeForkCompleted {
			groupID = entry.ForkGroup
		}
		if entry.EventType == eventlog.TypeAgentResult {
			assert.NotEmpty(t, entry.ForkGroup, "branch results carry the group id")
		}
	}
	assert.Contains(t, types, eventlog.TypeForkCompleted)
	assert.Contains(t, types, eventlog.TypeJoinCompleted)
	require.NotEmpty(t, groupID)

	// Group bookkeeping is destroyed once the join completes.
	ctx := context.Background()
	received, err := st.HGetAll(ctx, store.JoinInputsKey("join1"))
	require.NoError(t, err)
	assert.Empty(t, received)
	members, err := st.SMembers(ctx, store.ForkGroupKey(groupID))
	require.NoError(t, err)
	assert.Empty(t, members)
	_, found, err := st.Get(ctx, store.GroupMappingKey("join1"))
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = st.HGet(ctx, store.JoinRetryCountsKey, "join1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestParallelBranchesAreIsolated(t *testing.T) {
	wf := forkJoinWorkflow(workflow.ForkParallel, [][]string{{"A"}, {"B"}})
	wf.Queue = []string{"seed", "fork1", "join1"}
	wf.Agents["seed"] = &workflow.AgentSpec{ID: "seed", Kind: workflow.KindNormal}

	e := newTestEngine(t, wf)
	require.NoError(t, e.Register("seed", simpleAgent(nil, "seed", map[string]interface{}{"result": "seeded"})))

	var mu sync.Mutex
	seen := make(map[string][]string)
	branchAgent := func(id string) AgentFunc {
		return func(ctx context.Context, p Payload) (interface{}, error) {
			var keys []string
			for k := range p.PreviousOutputs {
				keys = append(keys, k)
			}
			mu.Lock()
			seen[id] = keys
			mu.Unlock()
			return map[string]interface{}{"result": id}, nil
		}
	}
	require.NoError(t, e.Register("A", branchAgent("A")))
	require.NoError(t, e.Register("B", branchAgent("B")))

	_, err := e.Run(context.Background(), nil)
	require.NoError(t, err)

	// Both branches see the pre-fork snapshot, never each other.
	assert.Contains(t, seen["A"], "seed")
	assert.Contains(t, seen["B"], "seed")
	assert.NotContains(t, seen["A"], "B")
	assert.NotContains(t, seen["B"], "A")
}

func TestSequentialForkChainsBranches(t *testing.T) {
	wf := forkJoinWorkflow(workflow.ForkSequential, [][]string{{"a1", "a2"}, {"b1"}})
	e := newTestEngine(t, wf)

	tracker := &orderTracker{}
	for _, id := range []string{"a1", "a2", "b1"} {
		require.NoError(t, e.Register(id, simpleAgent(tracker, id, map[string]interface{}{"result": id})))
	}

	result, err := e.Run(context.Background(), nil)
	require.NoError(t, err)

	// First branch runs in order on the main queue, then chains the
	// second; the join sees all three.
	assert.Equal(t, []string{"a1", "a2", "b1"}, tracker.order())
	merged, ok := result.Final.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"a1": "a1", "a2": "a2", "b1": "b1"}, merged)
}

func TestBranchRetryExhaustionDegradesToPartialFailure(t *testing.T) {
	wf := forkJoinWorkflow(workflow.ForkParallel, [][]string{{"good"}, {"bad"}})
	wf.Agents["join1"].MaxPolls = 4

	st := newTestStore(t)
	cfg := testConfig()
	cfg.BranchRetries = 2
	e, err := New(wf, st, cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, e.Register("good", simpleAgent(nil, "good", map[string]interface{}{"result": "fine"})))
	badCalls := 0
	require.NoError(t, e.Register("bad", AgentFunc(func(ctx context.Context, p Payload) (interface{}, error) {
		badCalls++
		return nil, errors.New("persistent failure")
	})))

	result, err := e.Run(context.Background(), nil)
	require.NoError(t, err, "branch exhaustion must not abort the run")

	// Inside a branch the whole-branch backoff is the retry policy:
	// one invocation per branch attempt.
	assert.Equal(t, cfg.BranchRetries, badCalls)

	var partial, timeout bool
	for _, entry := range result.Entries {
		switch entry.EventType {
		case eventlog.TypePartialFailure:
			partial = true
			assert.Equal(t, "BranchError", entry.Payload["error_type"])
		case eventlog.TypeJoinTimeout:
			timeout = true
			assert.Equal(t, []interface{}{"bad"}, entry.Payload["pending"])
		}
	}
	assert.True(t, partial, "expected a partial_failure entry")
	assert.True(t, timeout, "expected the join to time out on the lost branch")

	_, found, err := st.HGet(context.Background(), store.JoinRetryCountsKey, "join1")
	require.NoError(t, err)
	assert.False(t, found, "timeout clears the poll counter")
}

func TestForkStoreFailureIsFatal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := store.NewRedisStoreFromClient(client, zap.NewNop())

	wf := forkJoinWorkflow(workflow.ForkParallel, [][]string{{"A"}})
	e, err := New(wf, st, testConfig(), zap.NewNop())
	require.NoError(t, err)

	invoked := false
	require.NoError(t, e.Register("A", AgentFunc(func(ctx context.Context, p Payload) (interface{}, error) {
		invoked = true
		return "a", nil
	})))

	mr.Close()

	_, err = e.Run(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.False(t, invoked, "membership must persist before any branch launches")
}

// joinFixture wires an engine around a lone join node so barrier polls
// can be driven directly.
type joinFixture struct {
	engine *Engine
	store  *store.RedisStore
	run    *run
	spec   *workflow.AgentSpec
}

func newJoinFixture(t *testing.T, spec *workflow.AgentSpec) *joinFixture {
	t.Helper()
	wf := &workflow.Workflow{
		Name:   "join-only",
		Queue:  []string{spec.ID},
		Agents: map[string]*workflow.AgentSpec{spec.ID: spec},
	}
	st := newTestStore(t)
	e, err := New(wf, st, testConfig(), zap.NewNop())
	require.NoError(t, err)
	return &joinFixture{
		engine: e,
		store:  st,
		run:    &run{id: "test-run", shortID: "testrun0", rec: eventlog.NewRecorder()},
		spec:   spec,
	}
}

func (f *joinFixture) poll(t *testing.T) (map[string]interface{}, joinOutcome) {
	t.Helper()
	result, outcome, _, err := f.engine.syncJoin(context.Background(), f.run, f.spec, Payload{})
	require.NoError(t, err)
	return result, outcome
}

func (f *joinFixture) receive(t *testing.T, agentID, raw string) {
	t.Helper()
	require.NoError(t, f.store.HSet(context.Background(), store.JoinInputsKey(f.spec.ID), agentID, raw))
}

func TestJoinCompletesOnlyWhenAllTargetsArrive(t *testing.T) {
	spec := &workflow.AgentSpec{ID: "join1", Kind: workflow.KindJoin}
	f := newJoinFixture(t, spec)
	ctx := context.Background()

	require.NoError(t, f.store.SAdd(ctx, store.ForkGroupKey("g1"), "A", "B", "C"))
	require.NoError(t, f.store.Set(ctx, store.GroupMappingKey("join1"), "g1"))

	result, outcome := f.poll(t)
	assert.Equal(t, joinWaiting, outcome)
	assert.Equal(t, []interface{}{"A", "B", "C"}, result["pending"])

	// Arrival order does not matter; the barrier holds until the
	// received set covers the expected set.
	f.receive(t, "C", `{"result":"c","fork_group":"g1"}`)
	result, outcome = f.poll(t)
	assert.Equal(t, joinWaiting, outcome)
	assert.Equal(t, []interface{}{"A", "B"}, result["pending"])

	f.receive(t, "A", `{"result":"a","fork_group":"g1"}`)
	_, outcome = f.poll(t)
	assert.Equal(t, joinWaiting, outcome)

	f.receive(t, "B", `{"result":"b","fork_group":"g1"}`)
	result, outcome = f.poll(t)
	assert.Equal(t, joinDone, outcome)
	assert.Equal(t, map[string]interface{}{"A": "a", "B": "b", "C": "c"}, result["merged"])
}

func TestJoinCounterSeedsAndTimesOut(t *testing.T) {
	spec := &workflow.AgentSpec{ID: "join1", Kind: workflow.KindJoin, MaxPolls: 5}
	f := newJoinFixture(t, spec)
	ctx := context.Background()

	require.NoError(t, f.store.SAdd(ctx, store.ForkGroupKey("g1"), "A"))
	require.NoError(t, f.store.Set(ctx, store.GroupMappingKey("join1"), "g1"))

	result, outcome := f.poll(t)
	assert.Equal(t, joinWaiting, outcome)
	assert.Equal(t, 3, result["retry_count"], "counter seeds at 3 on first observation")

	result, outcome = f.poll(t)
	assert.Equal(t, joinWaiting, outcome)
	assert.Equal(t, 4, result["retry_count"])

	result, outcome = f.poll(t)
	assert.Equal(t, joinTimeout, outcome)
	assert.Equal(t, "timeout", result["status"])
	assert.Equal(t, []interface{}{"A"}, result["pending"])

	_, found, err := f.store.HGet(ctx, store.JoinRetryCountsKey, "join1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestJoinFallbackTreatsReceivedAsTargets(t *testing.T) {
	spec := &workflow.AgentSpec{ID: "join1", Kind: workflow.KindJoin}
	f := newJoinFixture(t, spec)

	// No group membership anywhere: no mapping, no fork_group set, and
	// the received value does not embed a group either.
	f.receive(t, "A", `{"result":"a"}`)

	result, outcome := f.poll(t)
	assert.Equal(t, joinDone, outcome)
	assert.Equal(t, map[string]interface{}{"A": "a"}, result["merged"])
	assert.Equal(t, "", result["fork_group"])
}

func TestJoinMergeIsIdempotent(t *testing.T) {
	spec := &workflow.AgentSpec{ID: "join1", Kind: workflow.KindJoin}
	f := newJoinFixture(t, spec)
	ctx := context.Background()

	received := map[string]string{
		"A": `{"result":"a"}`,
		"B": `{"result":"b"}`,
	}
	first, err := f.engine.completeJoin(ctx, spec, "g1", []string{"A", "B"}, received)
	require.NoError(t, err)
	second, err := f.engine.completeJoin(ctx, spec, "g1", []string{"A", "B"}, received)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveGroupPrecedence(t *testing.T) {
	spec := &workflow.AgentSpec{ID: "join1", Kind: workflow.KindJoin}
	f := newJoinFixture(t, spec)
	ctx := context.Background()

	// Static config wins over everything.
	staticSpec := &workflow.AgentSpec{ID: "join1", Kind: workflow.KindJoin, Group: "static"}
	g, err := f.engine.resolveGroup(ctx, staticSpec, Payload{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "static", g)

	// A fork-shaped previous output beats the stored mapping.
	require.NoError(t, f.store.Set(ctx, store.GroupMappingKey("join1"), "mapped"))
	p := Payload{PreviousOutputs: map[string]interface{}{
		"fork1": map[string]interface{}{"status": "forked", "fork_group": "from-prev"},
	}}
	g, err = f.engine.resolveGroup(ctx, spec, p, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-prev", g)

	// Without a fork-shaped output the mapping applies.
	g, err = f.engine.resolveGroup(ctx, spec, Payload{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mapped", g)

	// With nothing else, a single live group is found by scan.
	require.NoError(t, f.store.Delete(ctx, store.GroupMappingKey("join1")))
	require.NoError(t, f.store.SAdd(ctx, store.ForkGroupKey("scanned"), "A"))
	g, err = f.engine.resolveGroup(ctx, spec, Payload{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "scanned", g)

	// Ambiguous scans fall through to the group embedded in received
	// values.
	require.NoError(t, f.store.SAdd(ctx, store.ForkGroupKey("other"), "B"))
	received := map[string]string{"A": `{"result":"a","fork_group":"embedded"}`}
	g, err = f.engine.resolveGroup(ctx, spec, Payload{}, received)
	require.NoError(t, err)
	assert.Equal(t, "embedded", g)
}

func TestMergeValueShapes(t *testing.T) {
	assert.Equal(t, "a", mergeValue(`{"result":"a","status":"success"}`))
	assert.Equal(t, float64(5), mergeValue(`{"result":5}`))
	assert.Equal(t, "plain", mergeValue(`"plain"`))
	assert.Equal(t, map[string]interface{}{"other": "x"}, mergeValue(`{"other":"x"}`))

	placeholder, ok := mergeValue("not json").(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "UnparsableState", placeholder["error_type"])
	assert.NotEmpty(t, placeholder["error"])
}
