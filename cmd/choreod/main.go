// Command choreod wires the registry, health monitor, step executor,
// workflow engine, event bus, transaction coordinator, and metrics
// aggregator into a single running service and exposes them over HTTP.
package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/auramesh/choreo/core"
	"github.com/auramesh/choreo/eventbus"
	"github.com/auramesh/choreo/health"
	"github.com/auramesh/choreo/metrics"
	"github.com/auramesh/choreo/orchestration"
	"github.com/auramesh/choreo/registry"
	"github.com/auramesh/choreo/resilience"
	"github.com/auramesh/choreo/transaction"
)

// defaultServiceURLs is the worked example's static service map, overridable
// per service with a CHOREO_SERVICE_<NAME>_URL environment variable (e.g.
// CHOREO_SERVICE_INVENTORY_SERVICE_URL=http://inventory:9001).
var defaultServiceURLs = map[string]string{
	"inventory-service":    "http://localhost:9001",
	"payment-service":      "http://localhost:9002",
	"shipping-service":     "http://localhost:9003",
	"notification-service": "http://localhost:9004",
	"accounts-service":     "http://localhost:9005",
	"billing-service":      "http://localhost:9006",
}

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := core.SetupTraceProvider(cfg.ServiceName)
	if err != nil {
		log.Fatalf("setting up trace provider: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("trace provider shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
		}
	}()

	svcRegistry, closeRegistry, err := buildRegistry(cfg, logger)
	if err != nil {
		log.Fatalf("building service registry: %v", err)
	}
	defer closeRegistry()

	if err := registerDefaultServices(ctx, svcRegistry); err != nil {
		log.Fatalf("registering default services: %v", err)
	}

	monitor := health.NewMonitor(svcRegistry,
		health.WithMonitorLogger(logger),
		health.WithFailureThreshold(cfg.CircuitBreakerFailureThresh),
		health.WithCooldowns(cfg.CircuitBreakerOpenCooldown, cfg.CircuitBreakerCooldownCap),
		health.WithProbeInterval(cfg.HealthProbeInterval),
	)
	snapshot, err := svcRegistry.Snapshot(ctx)
	if err != nil {
		log.Fatalf("snapshotting service registry: %v", err)
	}
	serviceIDs := make([]string, 0, len(snapshot))
	for id := range snapshot {
		serviceIDs = append(serviceIDs, id)
	}
	if err := monitor.Start(ctx, serviceIDs); err != nil {
		log.Fatalf("starting health monitor: %v", err)
	}

	breakers := resilience.NewBreakerProvider(ctx, resilience.Dependencies{Logger: logger})

	bus, closeBus, err := buildEventBus(cfg, logger)
	if err != nil {
		log.Fatalf("building event bus: %v", err)
	}
	defer closeBus()

	coordinator := transaction.NewCoordinator(bus, cfg.ServiceName+"-coordinator",
		transaction.WithLogger(logger),
		transaction.WithTimeouts(cfg.PrepareTimeout, cfg.CommitTimeout, cfg.TransactionDefaultTimeout),
	)
	if err := coordinator.Start(ctx); err != nil {
		log.Fatalf("starting transaction coordinator: %v", err)
	}

	workflowMetrics := orchestration.NewWorkflowMetrics()
	aggregator := metrics.NewAggregator(workflowMetrics,
		metrics.WithEventBus(bus),
		metrics.WithTransactionCoordinator(coordinator),
	)

	stepExecutor := orchestration.NewStepExecutor(svcRegistry, breakers,
		orchestration.WithStepExecutorLogger(logger),
		orchestration.WithStepDefaults(cfg.DefaultStepTimeout, cfg.DefaultRetryCount, cfg.MaxBackoff),
		orchestration.WithHealthChecker(monitor),
		orchestration.WithStepObserver(aggregator),
		orchestration.WithHTTPTransport(otelhttp.NewTransport(http.DefaultTransport)),
	)

	executionStore, closeStore, err := buildExecutionStore(cfg)
	if err != nil {
		log.Fatalf("building execution store: %v", err)
	}
	defer closeStore()

	engine := orchestration.NewEngine(stepExecutor, executionStore, nil,
		orchestration.WithEngineLogger(logger),
		orchestration.WithEngineTracer(tracer),
	)

	srv := newServer(engine, executionStore, aggregator, exampleWorkflows(), logger)

	httpServer := &http.Server{
		Addr:              os.Getenv("CHOREO_LISTEN_ADDR"),
		Handler:           srv.Handler(cfg.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if httpServer.Addr == "" {
		httpServer.Addr = ":8080"
		if cfg.Port != 0 {
			httpServer.Addr = ":" + strconv.Itoa(cfg.Port)
		}
	}

	go func() {
		logger.Info("choreod listening", map[string]interface{}{"addr": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", map[string]interface{}{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
	}
}

// buildRegistry returns a Redis-backed registry when cfg.RedisURL is set,
// otherwise the in-memory default. The returned close func is always safe
// to call.
func buildRegistry(cfg *core.Config, logger core.Logger) (registry.Registry, func(), error) {
	if cfg.RedisURL == "" {
		return registry.NewInMemoryRegistry(logger), func() {}, nil
	}

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.RedisURL,
		DB:        core.RedisDBServiceRegistry,
		Namespace: cfg.ServiceName,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return registry.NewRedisRegistry(client, logger), func() { _ = client.Close() }, nil
}

// buildEventBus wires a Redis Streams sink when cfg.RedisURL is set,
// otherwise the default in-memory ring sink.
func buildEventBus(cfg *core.Config, logger core.Logger) (*eventbus.Bus, func(), error) {
	if cfg.RedisURL == "" {
		return eventbus.NewBus(
			eventbus.WithLogger(logger),
			eventbus.WithQueueCapacity(cfg.EventQueueCapacity),
		), func() {}, nil
	}

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.RedisURL,
		DB:        core.RedisDBEventBus,
		Namespace: cfg.ServiceName,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	sink := eventbus.NewRedisSink(client, int64(cfg.EventQueueCapacity))
	bus := eventbus.NewBus(
		eventbus.WithLogger(logger),
		eventbus.WithQueueCapacity(cfg.EventQueueCapacity),
		eventbus.WithSink(sink),
	)
	return bus, func() { _ = client.Close() }, nil
}

// buildExecutionStore mirrors buildRegistry's Redis/in-memory split for
// execution persistence.
func buildExecutionStore(cfg *core.Config) (orchestration.ExecutionStore, func(), error) {
	if cfg.RedisURL == "" {
		return orchestration.NewInMemoryExecutionStore(cfg.CompletedExecutionsBufferSize), func() {}, nil
	}

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.RedisURL,
		DB:        core.RedisDBTransaction,
		Namespace: cfg.ServiceName,
		Logger:    cfg.Logger(),
	})
	if err != nil {
		return nil, nil, err
	}
	store := orchestration.NewRedisExecutionStore(client, cfg.CompletedExecutionsBufferSize, 24*time.Hour)
	return store, func() { _ = client.Close() }, nil
}

func registerDefaultServices(ctx context.Context, reg registry.Registry) error {
	for serviceID, defaultURL := range defaultServiceURLs {
		raw := defaultURL
		if v := os.Getenv(serviceEnvName(serviceID)); v != "" {
			raw = v
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return err
		}
		if err := reg.Register(ctx, serviceID, parsed); err != nil {
			return err
		}
	}
	return nil
}

func serviceEnvName(serviceID string) string {
	out := make([]byte, 0, len(serviceID)+20)
	out = append(out, "CHOREO_SERVICE_"...)
	for _, r := range serviceID {
		if r == '-' {
			out = append(out, '_')
			continue
		}
		if r >= 'a' && r <= 'z' {
			out = append(out, byte(r-'a'+'A'))
			continue
		}
		out = append(out, byte(r))
	}
	out = append(out, "_URL"...)
	return string(out)
}
