package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/approval-engine/types"
)

const (
	definitionPrefix = "definition:"
	instancePrefix   = "instance:"
	approvalPrefix   = "approval:"
	delegationPrefix = "delegation:"
)

// ErrNotFound is returned when a requested resource is not found.
var ErrNotFound = errors.New("resource not found")

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// saveToRedis saves a value to Redis under the given prefixed key.
func (s *RedisStorage) saveToRedis(ctx context.Context, prefix, id string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%s: %v", prefix, id, err)
		}
		key := prefix + id
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value from Redis under the given prefixed key.
func getFromRedis[T any](ctx context.Context, client *redis.Client, prefix, id string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := prefix + id
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// scanAll loads and unmarshals every value stored under the prefix.
func scanAll[T any](ctx context.Context, client *redis.Client, prefix string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		keys, err := client.Keys(ctx, prefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s keys: %v", prefix, err)
		}
		out := make([]T, 0, len(keys))
		for _, key := range keys {
			data, err := client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("failed to get %s: %v", key, err)
			}
			var item T
			if err := json.Unmarshal(data, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			out = append(out, item)
		}
		return out, nil
	})
}

// SaveDefinition saves a workflow definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return s.saveToRedis(ctx, definitionPrefix, def.ID, def)
}

// GetDefinition retrieves a workflow definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	return getFromRedis[types.WorkflowDefinition](ctx, s.client, definitionPrefix, id)
}

// SaveDefinitions saves multiple definitions to Redis using pipelining.
func (s *RedisStorage) SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, def := range defs {
			data, err := json.Marshal(def)
			if err != nil {
				return fmt.Errorf("failed to marshal definition %s: %v", def.ID, err)
			}
			pipe.Set(ctx, definitionPrefix+def.ID, data, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for definitions: %v", err)
		}
		return nil
	})
}

// SaveInstance saves a workflow instance to Redis.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return s.saveToRedis(ctx, instancePrefix, inst.ID, inst)
}

// GetInstance retrieves a workflow instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id string) (types.WorkflowInstance, error) {
	return getFromRedis[types.WorkflowInstance](ctx, s.client, instancePrefix, id)
}

// ListInstances returns every instance matching the filter.
func (s *RedisStorage) ListInstances(ctx context.Context, filter types.InstanceFilter) ([]types.WorkflowInstance, error) {
	all, err := scanAll[types.WorkflowInstance](ctx, s.client, instancePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]types.WorkflowInstance, 0, len(all))
	for _, inst := range all {
		if filter.Match(inst) {
			out = append(out, inst)
		}
	}
	return out, nil
}

// SaveApproval saves an approval request to Redis.
func (s *RedisStorage) SaveApproval(ctx context.Context, req types.ApprovalRequest) error {
	return s.saveToRedis(ctx, approvalPrefix, req.ID, req)
}

// GetApproval retrieves an approval request from Redis.
func (s *RedisStorage) GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error) {
	return getFromRedis[types.ApprovalRequest](ctx, s.client, approvalPrefix, id)
}

// ListApprovals returns every approval request owned by an instance.
func (s *RedisStorage) ListApprovals(ctx context.Context, instanceID string) ([]types.ApprovalRequest, error) {
	all, err := scanAll[types.ApprovalRequest](ctx, s.client, approvalPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]types.ApprovalRequest, 0)
	for _, req := range all {
		if req.InstanceID == instanceID {
			out = append(out, req)
		}
	}
	return out, nil
}

// PendingApprovals returns open requests with a pending slot for the user.
func (s *RedisStorage) PendingApprovals(ctx context.Context, approverID string) ([]types.ApprovalRequest, error) {
	all, err := scanAll[types.ApprovalRequest](ctx, s.client, approvalPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]types.ApprovalRequest, 0)
	for _, req := range all {
		if pendingFor(req, approverID) {
			out = append(out, req)
		}
	}
	return out, nil
}

// SaveDelegation saves a delegation grant to Redis, keyed by source user.
func (s *RedisStorage) SaveDelegation(ctx context.Context, d types.Delegation) error {
	return s.saveToRedis(ctx, delegationPrefix+d.FromUserID+":", d.ID, d)
}

// DelegationsFrom returns every delegation granted by the user.
func (s *RedisStorage) DelegationsFrom(ctx context.Context, userID string) ([]types.Delegation, error) {
	return scanAll[types.Delegation](ctx, s.client, delegationPrefix+userID+":")
}

// ClearCompleted removes instances in a terminal state from Redis.
func (s *RedisStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		keys, err := s.client.Keys(ctx, instancePrefix+"*").Result()
		if err != nil {
			return fmt.Errorf("failed to scan instance keys: %v", err)
		}

		if len(keys) == 0 {
			return nil
		}

		pipe := s.client.Pipeline()
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return fmt.Errorf("failed to get %s: %v", key, err)
			}

			var inst types.WorkflowInstance
			if err := json.Unmarshal(data, &inst); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}

			if inst.Status.Terminal() {
				pipe.Del(ctx, key)
			}
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %v", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
