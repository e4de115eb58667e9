package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreFromClient(client, zap.NewNop()), mr
}

func TestStringOps(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	_, found, err := st.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found, "missing key is not an error")

	require.NoError(t, st.Set(ctx, "k", "v"))
	v, found, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", v)

	require.NoError(t, st.Delete(ctx, "k"))
	_, found, err = st.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHashOps(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	_, found, err := st.HGet(ctx, "h", "f")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, st.HSet(ctx, "h", "f1", "v1"))
	require.NoError(t, st.HSet(ctx, "h", "f2", "v2"))

	v, found, err := st.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", v)

	all, err := st.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	keys, err := st.HKeys(ctx, "h")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f1", "f2"}, keys)

	require.NoError(t, st.HDel(ctx, "h", "f1"))
	_, found, err = st.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.False(t, found)

	all, err = st.HGetAll(ctx, "absent")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSetOps(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SAdd(ctx, "s", "a", "b"))
	require.NoError(t, st.SAdd(ctx, "s", "b", "c"))

	members, err := st.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)

	require.NoError(t, st.SRem(ctx, "s", "b"))
	members, err = st.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, members)

	// Empty argument lists are no-ops, not errors.
	require.NoError(t, st.SAdd(ctx, "s"))
	require.NoError(t, st.SRem(ctx, "s"))
	require.NoError(t, st.HDel(ctx, "h"))
	require.NoError(t, st.Delete(ctx))
}

func TestScanMatchesPattern(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SAdd(ctx, ForkGroupKey("g1"), "a"))
	require.NoError(t, st.SAdd(ctx, ForkGroupKey("g2"), "b"))
	require.NoError(t, st.Set(ctx, "unrelated", "x"))

	keys, err := st.Scan(ctx, ForkGroupPattern())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ForkGroupKey("g1"), ForkGroupKey("g2")}, keys)
}

func TestUnavailableBackend(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()
	mr.Close()

	err := st.Set(ctx, "k", "v")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, _, err = st.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Error(t, st.Ping(ctx))
}

func TestBreakerOpensAfterSustainedFailures(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()
	mr.Close()

	for i := 0; i < 10; i++ {
		_ = st.Ping(ctx)
	}
	assert.True(t, st.BreakerOpen())
}

func TestKeySchema(t *testing.T) {
	assert.Equal(t, "fork_group:g1", ForkGroupKey("g1"))
	assert.Equal(t, "fork_group:*", ForkGroupPattern())
	assert.Equal(t, "waitfor:j1:inputs", JoinInputsKey("j1"))
	assert.Equal(t, "agent_result:a1", AgentResultKey("a1"))
	assert.Equal(t, "fork_group_results:g1", GroupResultsKey("g1"))
	assert.Equal(t, "fork_group_mapping:j1", GroupMappingKey("j1"))
}
