package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/auramesh/choreo/core"
	"github.com/auramesh/choreo/health"
	"github.com/auramesh/choreo/resilience"
)

// ServiceResolver locates the base URL for a registered service. The
// service registry satisfies this; StepExecutor only depends on the
// narrow interface so it never needs a direct registry import.
type ServiceResolver interface {
	Resolve(ctx context.Context, serviceID string) (string, error)
}

// CircuitBreakerProvider hands out the per-service circuit breaker a step
// call should run through, creating one on first use.
type CircuitBreakerProvider interface {
	BreakerFor(serviceID string) *resilience.CircuitBreaker
}

// HealthChecker is the narrow slice of health.Monitor the executor needs:
// a short-circuit check before attempting a call, and a place to report
// the outcome back so future checks reflect it. health.Monitor satisfies
// this directly.
type HealthChecker interface {
	IsAvailable(serviceID string) bool
	Record(serviceID string, outcome health.Outcome)
}

// StepObserver receives one data point per completed call attempt, used
// by the metrics aggregator to build per-service call/error counts and
// latency histograms without the executor depending on the metrics package.
type StepObserver interface {
	ObserveStep(serviceID string, duration time.Duration, success bool)
}

// cannedFallbacks holds a static, low-confidence response per ServiceId
// for steps that opt into FallbackEnabled: a plausible "neutral" response
// for that service rather than propagating the call failure. Every entry
// carries confidence <= 0.5 so downstream consumers can detect
// degradation.
var cannedFallbacks = map[string]map[string]interface{}{
	"image-processing":      {"classification": "unknown", "confidence": 0.3},
	"nlu":                   {"intent": "unknown", "confidence": 0.3},
	"style-profile":         {"style": "neutral", "confidence": 0.3},
	"combination-engine":    {"combination_id": "default", "confidence": 0.2},
	"recommendation-engine": {"recommendations": []interface{}{}, "confidence": 0.2},
	"feedback-loop":         {"acknowledged": false, "confidence": 0.1},
}

func fallbackFor(serviceID string) map[string]interface{} {
	if canned, ok := cannedFallbacks[serviceID]; ok {
		out := make(map[string]interface{}, len(canned)+1)
		for k, v := range canned {
			out[k] = v
		}
		out["status"] = "fallback"
		return out
	}
	return map[string]interface{}{"status": "fallback", "confidence": 0.0}
}

// StepExecutor performs the HTTP call a single WorkflowStep describes:
// merging the payload template with the live workflow context, consulting
// the Health Monitor before attempting a call, retrying transient
// failures with backoff, running the call through the target service's
// circuit breaker, and substituting a fallback value when the service is
// unavailable or every attempt is exhausted and the step opted in to one.
type StepExecutor struct {
	resolver ServiceResolver
	breakers CircuitBreakerProvider
	health   HealthChecker
	observer StepObserver
	client   *http.Client
	logger   core.Logger
	defaultStepTimeout time.Duration
	defaultRetryCount  int
	maxBackoff         time.Duration
}

// StepExecutorOption configures a StepExecutor at construction time.
type StepExecutorOption func(*StepExecutor)

// WithStepExecutorLogger attaches a logger.
func WithStepExecutorLogger(logger core.Logger) StepExecutorOption {
	return func(e *StepExecutor) { e.logger = logger }
}

// WithStepDefaults sets the fallback timeout/retry/backoff applied when a
// WorkflowStep leaves them unset.
func WithStepDefaults(timeout time.Duration, retryCount int, maxBackoff time.Duration) StepExecutorOption {
	return func(e *StepExecutor) {
		e.defaultStepTimeout = timeout
		e.defaultRetryCount = retryCount
		e.maxBackoff = maxBackoff
	}
}

// WithHealthChecker attaches the Health Monitor consulted before each call.
func WithHealthChecker(checker HealthChecker) StepExecutorOption {
	return func(e *StepExecutor) { e.health = checker }
}

// WithStepObserver attaches a metrics sink notified after every call
// attempt, successful or not.
func WithStepObserver(observer StepObserver) StepExecutorOption {
	return func(e *StepExecutor) { e.observer = observer }
}

// WithHTTPTransport overrides the RoundTripper the executor's HTTP client
// dispatches step calls through, e.g. an otelhttp-instrumented transport so
// outbound step calls carry the workflow execution's trace context.
func WithHTTPTransport(transport http.RoundTripper) StepExecutorOption {
	return func(e *StepExecutor) { e.client.Transport = transport }
}

// NewStepExecutor creates a StepExecutor backed by the given service
// resolver and circuit breaker provider.
func NewStepExecutor(resolver ServiceResolver, breakers CircuitBreakerProvider, opts ...StepExecutorOption) *StepExecutor {
	e := &StepExecutor{
		resolver: resolver,
		breakers: breakers,
		client:   &http.Client{Timeout: core.DefaultStepTimeout},
		logger:   &core.NoOpLogger{},
		defaultStepTimeout: core.DefaultStepTimeout,
		defaultRetryCount:  core.DefaultRetryCount,
		maxBackoff:         core.DefaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a single step against the live workflow context, returning
// the step's output, whether a fallback was substituted, and an error only
// when every attempt failed and no fallback applied.
func (e *StepExecutor) Execute(ctx context.Context, execution *WorkflowExecution, step *WorkflowStep) (output map[string]interface{}, usedFallback bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			e.logger.ErrorWithContext(ctx, "step execution panicked", map[string]interface{}{
				"execution_id": execution.ExecutionID,
				"step_id":      step.StepID,
				"panic":        fmt.Sprintf("%v", r),
				"stack_trace":  stack,
			})
			err = core.NewFrameworkError("orchestration.StepExecutor.Execute", "step", fmt.Errorf("panic: %v", r)).WithID(step.StepID)
		}
	}()

	if e.health != nil && !e.health.IsAvailable(step.ServiceID) {
		if step.FallbackEnabled {
			e.logger.WarnWithContext(ctx, "service unavailable, using fallback", map[string]interface{}{
				"execution_id": execution.ExecutionID,
				"step_id":      step.StepID,
				"service_id":   step.ServiceID,
			})
			return fallbackFor(step.ServiceID), true, nil
		}
		return nil, false, core.NewFrameworkError("orchestration.StepExecutor.Execute", "step", core.ErrServiceUnhealthy).WithID(step.StepID)
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.defaultStepTimeout
	}
	retryCount := step.RetryCount
	if retryCount <= 0 {
		retryCount = e.defaultRetryCount
	}

	payload := mergePayload(step.PayloadTemplate, execution.Context)

	retrier := resilience.NewRetryExecutor(&resilience.RetryConfig{
		MaxAttempts:   retryCount + 1,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      e.maxBackoff,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	})
	retrier.SetLogger(e.logger)

	var breaker *resilience.CircuitBreaker
	if e.breakers != nil {
		breaker = e.breakers.BreakerFor(step.ServiceID)
	}

	attempts := 0
	var terminalErr error
	retryCtx, stopRetries := context.WithCancel(ctx)
	defer stopRetries()
	callErr := retrier.Execute(retryCtx, fmt.Sprintf("step:%s", step.StepID), func() error {
		attempts++
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		call := func() error {
			callStart := time.Now()
			var callOutput map[string]interface{}
			callOutput, err = e.call(stepCtx, step, payload)
			output = callOutput
			if e.observer != nil {
				e.observer.ObserveStep(step.ServiceID, time.Since(callStart), err == nil)
			}
			if e.health != nil {
				if err != nil {
					e.health.Record(step.ServiceID, health.Failure)
				} else {
					e.health.Record(step.ServiceID, health.Success)
				}
			}
			return err
		}

		var attemptErr error
		if breaker != nil {
			attemptErr = breaker.Execute(stepCtx, call)
		} else {
			attemptErr = call()
		}
		if core.IsTerminal(attemptErr) {
			terminalErr = attemptErr
			stopRetries()
		}
		return attemptErr
	})
	if terminalErr != nil {
		callErr = terminalErr
	}

	if callErr == nil {
		return output, false, nil
	}

	if !step.FallbackEnabled {
		return nil, false, core.NewFrameworkError("orchestration.StepExecutor.Execute", "step", callErr).WithID(step.StepID)
	}

	e.logger.WarnWithContext(ctx, "step exhausted retries, using fallback", map[string]interface{}{
		"execution_id": execution.ExecutionID,
		"step_id":      step.StepID,
		"attempts":     attempts,
	})
	return fallbackFor(step.ServiceID), true, nil
}

// mergePayload interpolates the step's static payload template with the
// live workflow context: a template value of the form "$.context_key"
// resolves to context[context_key]; every other value is passed through.
func mergePayload(template map[string]interface{}, wfCtx WorkflowContext) map[string]interface{} {
	merged := make(map[string]interface{}, len(template))
	for k, v := range template {
		if ref, ok := v.(string); ok && len(ref) > 2 && ref[:2] == "$." {
			if resolved, exists := wfCtx[ref[2:]]; exists {
				merged[k] = resolved
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

func (e *StepExecutor) call(ctx context.Context, step *WorkflowStep, payload map[string]interface{}) (map[string]interface{}, error) {
	base, err := e.resolver.Resolve(ctx, step.ServiceID)
	if err != nil {
		return nil, err
	}

	url := base + step.Endpoint
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling step payload: %w", err)
	}

	method := step.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building step request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Step-ID", step.StepID)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransientService, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading step response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: service returned %d", core.ErrTransientService, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: service returned %d: %s", core.ErrTerminalStep, resp.StatusCode, string(respBody))
	}

	var result map[string]interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("parsing step response: %w", err)
		}
	}
	return result, nil
}
