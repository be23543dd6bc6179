package registry

import (
	"context"
	"net/url"
	"testing"

	"github.com/auramesh/choreo/core"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid test URL %q: %v", raw, err)
	}
	return u
}

func TestInMemoryRegistryRegisterAndResolve(t *testing.T) {
	reg := NewInMemoryRegistry(nil)
	ctx := context.Background()

	if err := reg.Register(ctx, "billing", mustURL(t, "http://billing.internal:8080")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resolved, err := reg.Resolve(ctx, "billing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != "http://billing.internal:8080" {
		t.Errorf("got %q", resolved)
	}
}

func TestInMemoryRegistryResolveUnknownService(t *testing.T) {
	reg := NewInMemoryRegistry(nil)
	_, err := reg.Resolve(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !core.IsNotFound(err) {
		t.Errorf("expected a not-found error, got %v", err)
	}
}

func TestInMemoryRegistryRegisterReplacesExisting(t *testing.T) {
	reg := NewInMemoryRegistry(nil)
	ctx := context.Background()

	_ = reg.Register(ctx, "billing", mustURL(t, "http://old:8080"))
	_ = reg.Register(ctx, "billing", mustURL(t, "http://new:8080"))

	resolved, err := reg.Resolve(ctx, "billing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != "http://new:8080" {
		t.Errorf("expected replacement to win, got %q", resolved)
	}
}

func TestInMemoryRegistrySnapshot(t *testing.T) {
	reg := NewInMemoryRegistry(nil)
	ctx := context.Background()

	_ = reg.Register(ctx, "billing", mustURL(t, "http://billing:8080"))
	_ = reg.Register(ctx, "inventory", mustURL(t, "http://inventory:8080"))

	snap, err := reg.Snapshot(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
}
