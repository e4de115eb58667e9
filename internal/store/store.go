package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable marks store failures that should abort fork/join
// coordination. Callers distinguish it from a missing key, which is not
// an error.
var ErrUnavailable = errors.New("state store unavailable")

// Store is the coordination surface shared by the scheduler, the fork
// coordinator and the join synchronizer. All reads are normalized to
// strings at this boundary; values are serialized by the caller.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error

	// Hashes
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HKeys(ctx context.Context, key string) ([]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	// Scan returns all keys matching a glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	Delete(ctx context.Context, keys ...string) error

	Ping(ctx context.Context) error
}

// Key schema for the coordination namespaces. Everything the engine
// persists lives under one of these prefixes so that a pattern scan can
// recover group membership when explicit bookkeeping is lost.
const (
	forkGroupPrefix   = "fork_group:"
	waitForPrefix     = "waitfor:"
	agentResultPrefix = "agent_result:"
	groupResultPrefix = "fork_group_results:"
	groupMapPrefix    = "fork_group_mapping:"

	// JoinRetryCountsKey is the hash of join-node id -> poll counter.
	JoinRetryCountsKey = "join_retry_counts"

	// ForkMembershipKey is the hash of agent id -> sequential-branch
	// chaining record, written by the fork coordinator.
	ForkMembershipKey = "fork_membership"
)

// ForkGroupKey holds the expected-target set for a fork group.
func ForkGroupKey(groupID string) string { return forkGroupPrefix + groupID }

// ForkGroupPattern matches every live fork group key.
func ForkGroupPattern() string { return forkGroupPrefix + "*" }

// JoinInputsKey holds the hash of received results for a join node.
func JoinInputsKey(joinID string) string {
	return fmt.Sprintf("%s%s:inputs", waitForPrefix, joinID)
}

// AgentResultKey holds the serialized normalized result of one agent.
func AgentResultKey(agentID string) string { return agentResultPrefix + agentID }

// GroupResultsKey holds the per-group audit hash of branch results.
func GroupResultsKey(groupID string) string { return groupResultPrefix + groupID }

// GroupMappingKey points a join node at its fork group, registered by
// the fork coordinator at fork time.
func GroupMappingKey(joinID string) string { return groupMapPrefix + joinID }
