package orchestration

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/auramesh/choreo/core"
)

func setupExecutionStoreTestRedis(t *testing.T) *core.RedisClient {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL: "redis://" + mr.Addr(),
		DB:       core.RedisDBTransaction,
	})
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisExecutionStoreSaveAndGet(t *testing.T) {
	client := setupExecutionStoreTestRedis(t)
	store := NewRedisExecutionStore(client, 10, 0)
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
		t.Fatalf("unexpected execution id: %s", got.ExecutionID)
	}
}

func TestRedisExecutionStoreGetUnknownReturnsNotFound(t *testing.T) {
	client := setupExecutionStoreTestRedis(t)
	store := NewRedisExecutionStore(client, 10, 0)

	_, err := store.Get(context.Background(), "ghost")
	if !core.IsNotFound(err) {
		t.Fatalf("expected a not-found error, got %v", err)
	}
}

func TestRedisExecutionStoreCompleteMovesOutOfActive(t *testing.T) {
	client := setupExecutionStoreTestRedis(t)
	store := NewRedisExecutionStore(client, 10, 0)
	ctx := context.Background()

	exec := newExec("exec-1")
	if err := store.Save(ctx, exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exec.Status = ExecutionCompleted
	if err := store.Complete(ctx, exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active executions after Complete, got %d", len(active))
	}

	got, err := store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("expected Get to still find the completed execution: %v", err)
	}
	if got.Status != ExecutionCompleted {
		t.Fatalf("unexpected status: %s", got.Status)
	}
}

func TestRedisExecutionStoreTrimsCompletedStreamToCapacity(t *testing.T) {
	client := setupExecutionStoreTestRedis(t)
	store := NewRedisExecutionStore(client, 2, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		exec := newExec(string(rune('a' + i)))
		exec.Status = ExecutionCompleted
		if err := store.Complete(ctx, exec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	messages, err := client.XRange(ctx, completedStreamKey, "-", "+")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) > 2 {
		t.Fatalf("expected the stream trimmed to capacity 2, got %d entries", len(messages))
	}
}
