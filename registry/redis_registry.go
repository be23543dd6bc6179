package registry

import (
	"context"
	"net/url"

	"github.com/auramesh/choreo/core"
)

const serviceMapKey = "registry:services"

// RedisRegistry is the multi-instance Registry: the service-id -> URL
// mapping lives in a single Redis hash so every engine instance sees
// registrations made anywhere. Uses the same key-per-namespace
// convention as the rest of this module's Redis-backed stores, kept to
// static append-only semantics — no TTL, no heartbeat goroutine.
type RedisRegistry struct {
	client *core.RedisClient
	logger core.Logger
}

// NewRedisRegistry creates a registry backed by client.
func NewRedisRegistry(client *core.RedisClient, logger core.Logger) *RedisRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisRegistry{client: client, logger: logger}
}

func (r *RedisRegistry) Register(ctx context.Context, serviceID string, baseURL *url.URL) error {
	if err := r.client.HSet(ctx, serviceMapKey, serviceID, baseURL.String()); err != nil {
		return core.NewFrameworkError("registry.RedisRegistry.Register", "connection", err).WithID(serviceID)
	}
	r.logger.InfoWithContext(ctx, "service registered", map[string]interface{}{
		"service_id": serviceID,
		"base_url":   baseURL.String(),
	})
	return nil
}

func (r *RedisRegistry) Resolve(ctx context.Context, serviceID string) (string, error) {
	services, err := r.client.HGetAll(ctx, serviceMapKey)
	if err != nil {
		return "", core.NewFrameworkError("registry.RedisRegistry.Resolve", "connection", err).WithID(serviceID)
	}
	baseURL, exists := services[serviceID]
	if !exists {
		return "", core.NewFrameworkError("registry.RedisRegistry.Resolve", "registry", core.ErrUnknownService).WithID(serviceID)
	}
	return baseURL, nil
}

func (r *RedisRegistry) Snapshot(ctx context.Context) (map[string]string, error) {
	services, err := r.client.HGetAll(ctx, serviceMapKey)
	if err != nil {
		return nil, core.NewFrameworkError("registry.RedisRegistry.Snapshot", "connection", err)
	}
	return services, nil
}
