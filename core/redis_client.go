// Package core provides a thin Redis client wrapper shared by the domain
// packages that need durable, cross-instance state: the service registry,
// the event bus's durable sink, and the workflow execution store.
//
// Database allocation follows a fixed isolation convention so that
// multiple concerns can share one Redis deployment without key collisions:
//   - DB 0: service registry
//   - DB 1: event bus durable sink (streams)
//   - DB 2: reserved for the health monitor, which keeps its state in memory
//   - DB 3: workflow execution store
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient provides a namespaced, DB-isolated Redis interface for modules.
type RedisClient struct {
	client    *redis.Client
	dbID      int
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client.
type RedisClientOptions struct {
	RedisURL  string
	DB        int
	Namespace string
	Logger    Logger
}

// Standard Redis DB allocation for this module's domain packages.
const (
	RedisDBServiceRegistry = 0
	RedisDBEventBus        = 1
	RedisDBHealthMonitor   = 2
	RedisDBTransaction     = 3
)

// NewRedisClient creates a new Redis client with the given options.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.Logger != nil {
		opts.Logger.Debug("initializing redis client", map[string]interface{}{
			"db": opts.DB, "namespace": opts.Namespace,
		})
	}

	if opts.RedisURL == "" {
		return nil, NewFrameworkError("core.NewRedisClient", "config", ErrMissingConfig)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, NewFrameworkError("core.NewRedisClient", "config", fmt.Errorf("invalid redis url: %w", ErrInvalidConfig))
	}
	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, NewFrameworkError("core.NewRedisClient", "connection", fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}

	rc := &RedisClient{client: client, dbID: opts.DB, namespace: opts.Namespace, logger: opts.Logger}
	if rc.logger != nil {
		rc.logger.Info("redis client connected", map[string]interface{}{"db": opts.DB, "namespace": opts.Namespace})
	}
	return rc, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error { return r.client.Close() }

// Raw returns the underlying go-redis client for operations this wrapper
// doesn't expose (streams, scripting, etc).
func (r *RedisClient) Raw() *redis.Client { return r.client }

func (r *RedisClient) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// Get retrieves a value.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, r.formatKey(key)).Result()
}

// Set stores a value with an optional TTL.
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, r.formatKey(key), value, ttl).Err()
}

// Del deletes keys.
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	formatted := make([]string, len(keys))
	for i, key := range keys {
		formatted[i] = r.formatKey(key)
	}
	return r.client.Del(ctx, formatted...).Err()
}

// HSet sets a hash field, used by the registry for the ServiceId->URL map.
func (r *RedisClient) HSet(ctx context.Context, key, field string, value interface{}) error {
	return r.client.HSet(ctx, r.formatKey(key), field, value).Err()
}

// HGetAll returns an entire hash, used by the registry to rehydrate on startup.
func (r *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, r.formatKey(key)).Result()
}

// XAdd appends an entry to a stream, used by the event bus's durable sink.
func (r *RedisClient) XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.formatKey(stream),
		Values: values,
	}).Result()
}

// XRange returns stream entries between two IDs ("-" and "+" for all).
func (r *RedisClient) XRange(ctx context.Context, stream, start, stop string) ([]redis.XMessage, error) {
	return r.client.XRange(ctx, r.formatKey(stream), start, stop).Result()
}

// XTrimMaxLen caps a stream to approximately maxLen entries.
func (r *RedisClient) XTrimMaxLen(ctx context.Context, stream string, maxLen int64) error {
	return r.client.XTrimMaxLenApprox(ctx, r.formatKey(stream), maxLen, 0).Err()
}

// HealthCheck verifies Redis connectivity.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
