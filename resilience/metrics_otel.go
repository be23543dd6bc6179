package resilience

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsCollector implements MetricsCollector by recording directly
// against an OpenTelemetry Meter, so circuit breaker state transitions and
// outcomes flow into the same pipeline as workflow/step spans.
type OTelMetricsCollector struct {
	calls          metric.Int64Counter
	stateChanges   metric.Int64Counter
	rejections     metric.Int64Counter
	ctx            context.Context
}

// NewOTelMetricsCollector creates a metrics collector backed by the given
// Meter. Instrument-creation errors fall back to a no-op collector rather
// than failing circuit breaker construction.
func NewOTelMetricsCollector(ctx context.Context, meter metric.Meter) *OTelMetricsCollector {
	calls, _ := meter.Int64Counter("circuit_breaker.calls",
		metric.WithDescription("Total circuit breaker calls by outcome"))
	stateChanges, _ := meter.Int64Counter("circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state transitions"))
	rejections, _ := meter.Int64Counter("circuit_breaker.rejections",
		metric.WithDescription("Calls rejected while the circuit was open"))

	return &OTelMetricsCollector{
		calls:        calls,
		stateChanges: stateChanges,
		rejections:   rejections,
		ctx:          ctx,
	}
}

// RecordSuccess records a successful circuit breaker execution.
func (o *OTelMetricsCollector) RecordSuccess(name string) {
	if o.calls == nil {
		return
	}
	o.calls.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("result", "success"),
	))
}

// RecordFailure records a failed circuit breaker execution.
func (o *OTelMetricsCollector) RecordFailure(name string, errorType string) {
	if o.calls == nil {
		return
	}
	o.calls.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("error_type", errorType),
		attribute.String("result", "failure"),
	))
}

// RecordStateChange records a circuit breaker state transition.
func (o *OTelMetricsCollector) RecordStateChange(name string, from, to string) {
	if o.stateChanges == nil {
		return
	}
	o.stateChanges.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("from_state", from),
		attribute.String("to_state", to),
	))
}

// RecordRejection records when the circuit breaker rejects a request outright.
func (o *OTelMetricsCollector) RecordRejection(name string) {
	if o.rejections == nil {
		return
	}
	o.rejections.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("result", "rejected"),
	))
}
