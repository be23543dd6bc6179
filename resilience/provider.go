package resilience

import (
	"context"
	"sync"

	"github.com/auramesh/choreo/core"
)

// BreakerProvider hands out a lazily-created, memoized CircuitBreaker per
// service, built through CreateCircuitBreaker so every breaker picks up
// the same logger/meter wiring. Satisfies orchestration.CircuitBreakerProvider.
type BreakerProvider struct {
	ctx  context.Context
	deps Dependencies

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerProvider creates a provider. ctx is retained only to pass
// through to CreateCircuitBreaker for its OTel meter wiring.
func NewBreakerProvider(ctx context.Context, deps Dependencies) *BreakerProvider {
	return &BreakerProvider{ctx: ctx, deps: deps, breakers: make(map[string]*CircuitBreaker)}
}

// BreakerFor returns the circuit breaker guarding serviceID, creating one
// on first use. A creation failure yields no breaker for that service
// (StepExecutor treats a nil breaker as "run without one") rather than
// failing the calling step.
func (p *BreakerProvider) BreakerFor(serviceID string) *CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if breaker, exists := p.breakers[serviceID]; exists {
		return breaker
	}

	breaker, err := CreateCircuitBreaker(p.ctx, serviceID, p.deps)
	if err != nil {
		logger := p.deps.Logger
		if logger == nil {
			logger = &core.NoOpLogger{}
		}
		logger.Error("failed to create circuit breaker for service", map[string]interface{}{
			"service_id": serviceID,
			"error":      err.Error(),
		})
		return nil
	}
	p.breakers[serviceID] = breaker
	return breaker
}
