package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/auramesh/choreo/core"
)

const (
	activeExecutionsKey = "executions:active"
	completedStreamKey  = "executions:completed"
)

// RedisExecutionStore is the multi-instance ExecutionStore: the active
// table lives in a Redis hash so every engine instance sees the same
// in-flight executions, and completed executions are appended to a capped
// Redis stream acting as the durable ring buffer.
type RedisExecutionStore struct {
	client   *core.RedisClient
	capacity int64
	ttl      time.Duration
}

// NewRedisExecutionStore creates a store backed by client. capacity bounds
// the completed-execution stream. ttl is kept on the store but not applied:
// active-execution hash entries stay until Complete removes them.
func NewRedisExecutionStore(client *core.RedisClient, capacity int, ttl time.Duration) *RedisExecutionStore {
	if capacity <= 0 {
		capacity = core.DefaultCompletedExecBufSize
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisExecutionStore{client: client, capacity: int64(capacity), ttl: ttl}
}

func (s *RedisExecutionStore) Save(ctx context.Context, execution *WorkflowExecution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("marshaling execution: %w", err)
	}
	if err := s.client.HSet(ctx, activeExecutionsKey, execution.ExecutionID, string(data)); err != nil {
		return core.NewFrameworkError("orchestration.RedisExecutionStore.Save", "connection", err).WithID(execution.ExecutionID)
	}
	return nil
}

func (s *RedisExecutionStore) Get(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	active, err := s.client.HGetAll(ctx, activeExecutionsKey)
	if err != nil {
		return nil, core.NewFrameworkError("orchestration.RedisExecutionStore.Get", "connection", err).WithID(executionID)
	}
	if raw, exists := active[executionID]; exists {
		var exec WorkflowExecution
		if err := json.Unmarshal([]byte(raw), &exec); err != nil {
			return nil, fmt.Errorf("unmarshaling execution: %w", err)
		}
		return &exec, nil
	}

	messages, err := s.client.XRange(ctx, completedStreamKey, "-", "+")
	if err != nil {
		return nil, core.NewFrameworkError("orchestration.RedisExecutionStore.Get", "connection", err).WithID(executionID)
	}
	for _, msg := range messages {
		raw, ok := msg.Values["execution"].(string)
		if !ok {
			continue
		}
		var exec WorkflowExecution
		if err := json.Unmarshal([]byte(raw), &exec); err != nil {
			continue
		}
		if exec.ExecutionID == executionID {
			return &exec, nil
		}
	}

	return nil, core.NewFrameworkError("orchestration.RedisExecutionStore.Get", "registry", core.ErrUnknownExecution).WithID(executionID)
}

func (s *RedisExecutionStore) Complete(ctx context.Context, execution *WorkflowExecution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("marshaling execution: %w", err)
	}

	if err := s.client.Raw().HDel(ctx, activeExecutionsKey, execution.ExecutionID).Err(); err != nil {
		return core.NewFrameworkError("orchestration.RedisExecutionStore.Complete", "connection", err).WithID(execution.ExecutionID)
	}

	if _, err := s.client.XAdd(ctx, completedStreamKey, map[string]interface{}{"execution": string(data)}); err != nil {
		return core.NewFrameworkError("orchestration.RedisExecutionStore.Complete", "connection", err).WithID(execution.ExecutionID)
	}
	if err := s.client.XTrimMaxLen(ctx, completedStreamKey, s.capacity); err != nil {
		return core.NewFrameworkError("orchestration.RedisExecutionStore.Complete", "connection", err).WithID(execution.ExecutionID)
	}
	return nil
}

func (s *RedisExecutionStore) ListActive(ctx context.Context) ([]*WorkflowExecution, error) {
	active, err := s.client.HGetAll(ctx, activeExecutionsKey)
	if err != nil {
		return nil, core.NewFrameworkError("orchestration.RedisExecutionStore.ListActive", "connection", err)
	}

	result := make([]*WorkflowExecution, 0, len(active))
	for _, raw := range active {
		var exec WorkflowExecution
		if err := json.Unmarshal([]byte(raw), &exec); err != nil {
			continue
		}
		result = append(result, &exec)
	}
	return result, nil
}
