package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/auramesh/choreo/core"
)

func setupEventBusTestRedis(t *testing.T) *core.RedisClient {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL: "redis://" + mr.Addr(),
		DB:       core.RedisDBEventBus,
	})
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisSinkStoreAndRecent(t *testing.T) {
	client := setupEventBusTestRedis(t)
	sink := NewRedisSink(client, 100)

	event := Event{
		EventID:       "evt-1",
		Type:          WorkflowStarted,
		SourceService: "engine",
		CreatedAt:     time.Now(),
	}
	if err := sink.Store(event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recent, err := sink.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 event, got %d", len(recent))
	}
	if recent[0].EventID != "evt-1" {
		t.Fatalf("unexpected event: %v", recent[0])
	}
}

func TestRedisSinkTrimsToMaxLen(t *testing.T) {
	client := setupEventBusTestRedis(t)
	sink := NewRedisSink(client, 2)

	for i := 0; i < 5; i++ {
		if err := sink.StreamAppend(Event{EventID: string(rune('a' + i)), Type: DataUpdated, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	recent, err := sink.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recent) > 2 {
		t.Fatalf("expected the stream trimmed to maxLen 2, got %d entries", len(recent))
	}
}
