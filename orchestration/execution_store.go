package orchestration

import (
	"context"
	"sync"

	"github.com/auramesh/choreo/core"
)

// ExecutionStore persists WorkflowExecution records: the active-executions
// table the engine updates as steps complete, and a bounded history of
// completed executions for status queries after the fact. Implementations
// must be safe for concurrent use.
type ExecutionStore interface {
	// Save upserts an execution record, active or completed.
	Save(ctx context.Context, execution *WorkflowExecution) error

	// Get retrieves an execution by ID, checking the active table first.
	Get(ctx context.Context, executionID string) (*WorkflowExecution, error)

	// Complete moves an execution from the active table into the
	// bounded completed-execution history, evicting the oldest entry
	// when the history is at capacity.
	Complete(ctx context.Context, execution *WorkflowExecution) error

	// ListActive returns every execution still in progress.
	ListActive(ctx context.Context) ([]*WorkflowExecution, error)
}

// InMemoryExecutionStore is the default ExecutionStore: a map of active
// executions plus a fixed-size ring buffer of completed ones. Suitable for
// a single-instance deployment or tests; multi-instance deployments should
// use RedisExecutionStore instead.
type InMemoryExecutionStore struct {
	mu             sync.RWMutex
	active         map[string]*WorkflowExecution
	completed      []*WorkflowExecution
	completedIndex map[string]int
	capacity       int
	next           int
}

// NewInMemoryExecutionStore creates a store whose completed-execution
// history holds at most capacity entries before evicting the oldest.
func NewInMemoryExecutionStore(capacity int) *InMemoryExecutionStore {
	if capacity <= 0 {
		capacity = core.DefaultCompletedExecBufSize
	}
	return &InMemoryExecutionStore{
		active:         make(map[string]*WorkflowExecution),
		completed:      make([]*WorkflowExecution, 0, capacity),
		completedIndex: make(map[string]int, capacity),
		capacity:       capacity,
	}
}

func (s *InMemoryExecutionStore) Save(ctx context.Context, execution *WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[execution.ExecutionID] = execution
	return nil
}

func (s *InMemoryExecutionStore) Get(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if exec, exists := s.active[executionID]; exists {
		return exec, nil
	}
	if idx, exists := s.completedIndex[executionID]; exists {
		return s.completed[idx], nil
	}
	return nil, core.NewFrameworkError("orchestration.InMemoryExecutionStore.Get", "registry", core.ErrUnknownExecution).WithID(executionID)
}

func (s *InMemoryExecutionStore) Complete(ctx context.Context, execution *WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, execution.ExecutionID)

	if len(s.completed) < s.capacity {
		s.completed = append(s.completed, execution)
		s.completedIndex[execution.ExecutionID] = len(s.completed) - 1
		return nil
	}

	evicted := s.completed[s.next]
	delete(s.completedIndex, evicted.ExecutionID)
	s.completed[s.next] = execution
	s.completedIndex[execution.ExecutionID] = s.next
	s.next = (s.next + 1) % s.capacity
	return nil
}

func (s *InMemoryExecutionStore) ListActive(ctx context.Context) ([]*WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*WorkflowExecution, 0, len(s.active))
	for _, exec := range s.active {
		result = append(result, exec)
	}
	return result, nil
}
