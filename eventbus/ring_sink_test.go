package eventbus

import (
	"testing"
	"time"
)

func TestRingSinkSnapshotPreservesOrder(t *testing.T) {
	sink := NewRingSink(4)
	for i := 0; i < 3; i++ {
		_ = sink.Store(Event{EventID: string(rune('a' + i)), CreatedAt: time.Now()})
	}

	snapshot := sink.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 events, got %d", len(snapshot))
	}
	if snapshot[0].EventID != "a" || snapshot[2].EventID != "c" {
		t.Fatalf("expected insertion order preserved, got %v", snapshot)
	}
}

func TestRingSinkOverwritesOldestOnOverflow(t *testing.T) {
	sink := NewRingSink(2)
	for i := 0; i < 4; i++ {
		_ = sink.Store(Event{EventID: string(rune('a' + i)), CreatedAt: time.Now()})
	}

	snapshot := sink.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 surviving events, got %d", len(snapshot))
	}
	if snapshot[0].EventID != "c" || snapshot[1].EventID != "d" {
		t.Fatalf("expected only the 2 most recent events, got %v", snapshot)
	}
}

func TestRingSinkExpireAfterPrunesOldEntries(t *testing.T) {
	sink := NewRingSink(4)
	_ = sink.Store(Event{EventID: "old", CreatedAt: time.Now().Add(-time.Hour)})
	_ = sink.Store(Event{EventID: "new", CreatedAt: time.Now()})
	_ = sink.ExpireAfter(time.Minute)

	snapshot := sink.Snapshot()
	if len(snapshot) != 1 || snapshot[0].EventID != "new" {
		t.Fatalf("expected only the non-expired event, got %v", snapshot)
	}
}
