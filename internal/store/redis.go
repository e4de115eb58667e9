package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/circuitbreaker"
	"github.com/loomworks/loom/internal/metrics"
)

// RedisStore implements Store on a Redis backend. Every operation runs
// through a circuit breaker so a dead backend degrades to fast
// ErrUnavailable failures instead of piling up timeouts.
type RedisStore struct {
	client redis.UniversalClient
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger
}

// RedisOptions configures the Redis-backed store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client, logger), nil
}

// NewRedisStoreFromClient wraps an existing client; used by tests with
// miniredis.
func NewRedisStoreFromClient(client redis.UniversalClient, logger *zap.Logger) *RedisStore {
	cb := circuitbreaker.New("store", circuitbreaker.DefaultConfig(), logger)
	return &RedisStore{client: client, cb: cb, logger: logger}
}

// execute runs op through the circuit breaker and maps failures to
// ErrUnavailable. redis.Nil is handled by the callers, never here.
func (s *RedisStore) execute(ctx context.Context, name string, op func() error) error {
	err := s.cb.Execute(ctx, func() error {
		err := op()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues(name).Inc()
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	var found bool
	err := s.execute(ctx, "get", func() error {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.execute(ctx, "set", func() error {
		return s.client.Set(ctx, key, value, 0).Err()
	})
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return s.execute(ctx, "hset", func() error {
		return s.client.HSet(ctx, key, field, value).Err()
	})
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var val string
	var found bool
	err := s.execute(ctx, "hget", func() error {
		v, err := s.client.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := s.execute(ctx, "hgetall", func() error {
		m, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (s *RedisStore) HKeys(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.execute(ctx, "hkeys", func() error {
		ks, err := s.client.HKeys(ctx, key).Result()
		if err != nil {
			return err
		}
		out = ks
		return nil
	})
	return out, err
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.execute(ctx, "hdel", func() error {
		return s.client.HDel(ctx, key, fields...).Err()
	})
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.execute(ctx, "sadd", func() error {
		return s.client.SAdd(ctx, key, args...).Err()
	})
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.execute(ctx, "smembers", func() error {
		ms, err := s.client.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		out = ms
		return nil
	})
	return out, err
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.execute(ctx, "srem", func() error {
		return s.client.SRem(ctx, key, args...).Err()
	})
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := s.execute(ctx, "scan", func() error {
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return err
			}
			out = append(out, keys...)
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	return out, err
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.execute(ctx, "delete", func() error {
		return s.client.Del(ctx, keys...).Err()
	})
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.execute(ctx, "ping", func() error {
		return s.client.Ping(ctx).Err()
	})
}

// BreakerOpen reports whether the store circuit breaker is currently
// rejecting calls; surfaced by the health checker.
func (s *RedisStore) BreakerOpen() bool {
	return s.cb.State() == circuitbreaker.StateOpen
}
