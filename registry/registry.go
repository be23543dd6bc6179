// Package registry holds the mapping from a service ID named in a workflow
// step to the base URL the Step Executor should call. Registration is
// static and append-only: no TTL, no heartbeats, no self-healing. A
// service stays registered until explicitly replaced or the process
// restarts.
package registry

import (
	"context"
	"net/url"
	"sync"

	"github.com/auramesh/choreo/core"
)

// Registry resolves a service ID to the base URL the Step Executor calls.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Register records (or replaces) the base URL for serviceID.
	Register(ctx context.Context, serviceID string, baseURL *url.URL) error

	// Resolve returns the base URL registered for serviceID, or
	// core.ErrUnknownService if nothing is registered.
	Resolve(ctx context.Context, serviceID string) (string, error)

	// Snapshot returns a copy of the full service-id -> URL mapping, for
	// diagnostics and the metrics/health surfaces.
	Snapshot(ctx context.Context) (map[string]string, error)
}

// InMemoryRegistry is the default Registry: a map guarded by a RWMutex.
// Suitable for a single engine instance; multi-instance deployments should
// share a RedisRegistry instead.
type InMemoryRegistry struct {
	mu       sync.RWMutex
	services map[string]*url.URL
	logger   core.Logger
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry(logger core.Logger) *InMemoryRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &InMemoryRegistry{services: make(map[string]*url.URL), logger: logger}
}

func (r *InMemoryRegistry) Register(ctx context.Context, serviceID string, baseURL *url.URL) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[serviceID] = baseURL
	r.logger.InfoWithContext(ctx, "service registered", map[string]interface{}{
		"service_id": serviceID,
		"base_url":   baseURL.String(),
	})
	return nil
}

func (r *InMemoryRegistry) Resolve(ctx context.Context, serviceID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, exists := r.services[serviceID]
	if !exists {
		return "", core.NewFrameworkError("registry.InMemoryRegistry.Resolve", "registry", core.ErrUnknownService).WithID(serviceID)
	}
	return u.String(), nil
}

func (r *InMemoryRegistry) Snapshot(ctx context.Context) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]string, len(r.services))
	for id, u := range r.services {
		snapshot[id] = u.String()
	}
	return snapshot, nil
}
