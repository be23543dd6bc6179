package resilience

import (
	"context"

	"github.com/auramesh/choreo/core"
	"go.opentelemetry.io/otel/metric"
)

// Dependencies holds the optional collaborators a circuit breaker or retry
// executor can be built with: a logger and an OpenTelemetry meter for
// metrics. Both are optional: a nil Logger yields the default production
// logger, and a nil Meter leaves metrics disabled.
type Dependencies struct {
	Logger core.Logger
	Meter  metric.Meter
}

// CreateCircuitBreaker builds a circuit breaker named for the service it
// guards, wiring in a logger and (if a Meter is supplied) OTel metrics.
func CreateCircuitBreaker(ctx context.Context, name string, deps Dependencies) (*CircuitBreaker, error) {
	config := DefaultConfig()
	config.Name = name

	if deps.Logger != nil {
		config.Logger = deps.Logger
	} else {
		config.Logger = core.NewProductionLogger(
			core.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			core.DevelopmentConfig{},
			"circuit-breaker",
		)
	}

	if deps.Meter != nil {
		config.Metrics = NewOTelMetricsCollector(ctx, deps.Meter)
	}

	config.Logger.Info("creating circuit breaker", map[string]interface{}{
		"name":             name,
		"error_threshold":  config.ErrorThreshold,
		"volume_threshold": config.VolumeThreshold,
	})

	return NewCircuitBreaker(config)
}

// CreateRetryExecutor builds a retry executor wired with a logger.
func CreateRetryExecutor(deps Dependencies) *RetryExecutor {
	executor := NewRetryExecutor(nil)

	logger := deps.Logger
	if logger == nil {
		logger = core.NewProductionLogger(
			core.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			core.DevelopmentConfig{},
			"retry-executor",
		)
	}
	executor.SetLogger(logger)
	return executor
}
