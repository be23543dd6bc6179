package orchestration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/auramesh/choreo/core"
)

func newExec(id string) *WorkflowExecution {
	return &WorkflowExecution{
		ExecutionID: id,
		Status:      ExecutionRunning,
		StartTime:   time.Now(),
		Steps:       map[string]*StepExecution{},
	}
}

func TestInMemoryExecutionStoreSaveAndGet(t *testing.T) {
	store := NewInMemoryExecutionStore(10)
	ctx := context.Background()

	exec := newExec("exec-1")
	if err := store.Save(ctx, exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ExecutionID != "exec-1" {
		t.Fatalf("got wrong execution: %v", got)
	}
}

func TestInMemoryExecutionStoreGetUnknownReturnsNotFound(t *testing.T) {
	store := NewInMemoryExecutionStore(10)
	_, err := store.Get(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !core.IsNotFound(err) {
		t.Errorf("expected a not-found error, got %v", err)
	}
}

func TestInMemoryExecutionStoreCompleteMovesOutOfActive(t *testing.T) {
	store := NewInMemoryExecutionStore(10)
	ctx := context.Background()
	exec := newExec("exec-1")

	_ = store.Save(ctx, exec)
	if err := store.Complete(ctx, exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active executions, got %d", len(active))
	}

	got, err := store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("expected completed execution still retrievable, got %v", err)
	}
	if got.ExecutionID != "exec-1" {
		t.Fatalf("got wrong execution: %v", got)
	}
}

func TestInMemoryExecutionStoreEvictsOldestOnOverflow(t *testing.T) {
	store := NewInMemoryExecutionStore(2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("exec-%d", i)
		exec := newExec(id)
		_ = store.Save(ctx, exec)
		_ = store.Complete(ctx, exec)
	}

	if _, err := store.Get(ctx, "exec-0"); err == nil {
		t.Fatal("expected the oldest completed execution to have been evicted")
	}
	if _, err := store.Get(ctx, "exec-2"); err != nil {
		t.Fatalf("expected the newest execution to still be present: %v", err)
	}
}
