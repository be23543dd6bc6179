// Package health maintains a per-service availability state machine,
// probing registered services on a fixed interval and letting the Step
// Executor short-circuit calls to a service it already knows is down.
//
// This is a distinct, four-state machine (HEALTHY/SUSPECT/OPEN/HALF_OPEN)
// from resilience.CircuitBreaker's three-state error-rate breaker: the
// breaker trips on a failure *rate* within a request volume, this monitor
// trips on *consecutive* probe failures and owns background probing. Both
// are kept, serving different callers.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/auramesh/choreo/core"
)

// State is one of the four health states a service can be in.
type State string

const (
	Healthy  State = "HEALTHY"
	Suspect  State = "SUSPECT"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Outcome is what the Step Executor reports after a remote call attempt.
type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// ServiceHealth is the per-service health record returned by Snapshot
// for diagnostics.
type ServiceHealth struct {
	ServiceID           string     `json:"service_id"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastProbeTime       *time.Time `json:"last_probe_time,omitempty"`
	LastSuccessTime     *time.Time `json:"last_success_time,omitempty"`
	OpenUntil           *time.Time `json:"open_until,omitempty"`
}

type serviceState struct {
	mu sync.Mutex
	ServiceHealth
	cooldown time.Duration
}

// Prober issues a lightweight liveness check against a service's base URL.
// The default is an HTTP GET against the URL root.
type Prober interface {
	Probe(ctx context.Context, baseURL string) error
}

// HTTPProber is the default Prober: an HTTP GET against the service root
// with a short per-probe timeout, treating any non-5xx response as healthy.
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProber creates an HTTPProber with a sane default timeout.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{Client: &http.Client{}, Timeout: 5 * time.Second}
}

func (p *HTTPProber) Probe(ctx context.Context, baseURL string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, baseURL, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrTransientService, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: probe returned %d", core.ErrTransientService, resp.StatusCode)
	}
	return nil
}

// ServiceResolver is the narrow dependency Monitor needs from the registry:
// just enough to look up what URL to probe.
type ServiceResolver interface {
	Resolve(ctx context.Context, serviceID string) (string, error)
}

// Monitor is the Health Monitor: it owns one serviceState per registered
// service, mutated only while that service's own mutex is held so
// concurrent Record calls for different services never contend, and reads
// (IsAvailable) never block on a probe in flight.
type Monitor struct {
	mu       sync.RWMutex
	services map[string]*serviceState

	resolver ServiceResolver
	prober   Prober
	logger   core.Logger

	failureThreshold int
	openCooldown     time.Duration
	cooldownCap      time.Duration
	probeInterval    time.Duration
}

// MonitorOption configures a Monitor at construction time.
type MonitorOption func(*Monitor)

func WithProber(prober Prober) MonitorOption {
	return func(m *Monitor) { m.prober = prober }
}

func WithMonitorLogger(logger core.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

func WithFailureThreshold(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.failureThreshold = n
		}
	}
}

func WithCooldowns(open, cooldownCap time.Duration) MonitorOption {
	return func(m *Monitor) {
		if open > 0 {
			m.openCooldown = open
		}
		if cooldownCap > 0 {
			m.cooldownCap = cooldownCap
		}
	}
}

func WithProbeInterval(interval time.Duration) MonitorOption {
	return func(m *Monitor) {
		if interval > 0 {
			m.probeInterval = interval
		}
	}
}

// NewMonitor creates a Monitor. resolver locates the base URL to probe for
// a service id; pass nil if the monitor will only ever be driven via
// Record (no background probing).
func NewMonitor(resolver ServiceResolver, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		services:         make(map[string]*serviceState),
		resolver:         resolver,
		prober:           NewHTTPProber(),
		logger:           &core.NoOpLogger{},
		failureThreshold: core.DefaultBreakerFailureThresh,
		openCooldown:     core.DefaultBreakerOpenCooldown,
		cooldownCap:      core.DefaultBreakerCooldownCap,
		probeInterval:    core.DefaultHealthProbeInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) stateFor(serviceID string) *serviceState {
	m.mu.RLock()
	s, exists := m.services[serviceID]
	m.mu.RUnlock()
	if exists {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, exists := m.services[serviceID]; exists {
		return s
	}
	s = &serviceState{cooldown: m.openCooldown}
	s.ServiceHealth = ServiceHealth{ServiceID: serviceID, State: Healthy}
	m.services[serviceID] = s
	return s
}

// IsAvailable reports whether calls to serviceID should proceed: false
// only while the service is OPEN and its cooldown hasn't elapsed.
func (m *Monitor) IsAvailable(serviceID string) bool {
	s := m.stateFor(serviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State != Open {
		return true
	}
	if s.OpenUntil != nil && time.Now().After(*s.OpenUntil) {
		s.State = HalfOpen
		return true
	}
	return false
}

// Record applies one call outcome to serviceID's state machine.
func (m *Monitor) Record(serviceID string, outcome Outcome) {
	s := m.stateFor(serviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.LastProbeTime = &now

	if outcome == Success {
		s.LastSuccessTime = &now
		s.ConsecutiveFailures = 0
		s.State = Healthy
		s.OpenUntil = nil
		s.cooldown = m.openCooldown
		return
	}

	s.ConsecutiveFailures++
	switch s.State {
	case Healthy, Suspect:
		s.State = Suspect
		if s.ConsecutiveFailures >= m.failureThreshold {
			m.trip(s, now)
		}
	case HalfOpen:
		s.cooldown *= 2
		if s.cooldown > m.cooldownCap {
			s.cooldown = m.cooldownCap
		}
		m.trip(s, now)
	case Open:
		// Already open; a Record while OPEN (e.g. a racing in-flight call)
		// just refreshes the failure count, the cooldown is untouched.
	}
}

func (m *Monitor) trip(s *serviceState, now time.Time) {
	s.State = Open
	openUntil := now.Add(s.cooldown)
	s.OpenUntil = &openUntil
}

// Snapshot returns a copy of every known service's health record.
func (m *Monitor) Snapshot() []ServiceHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ServiceHealth, 0, len(m.services))
	for _, s := range m.services {
		s.mu.Lock()
		result = append(result, s.ServiceHealth)
		s.mu.Unlock()
	}
	return result
}

// Start launches the background probe loop, polling every registered
// service at probeInterval until ctx is cancelled. Probe results feed back
// into Record exactly like Step Executor call outcomes do.
func (m *Monitor) Start(ctx context.Context, serviceIDs []string) error {
	if m.resolver == nil {
		return core.NewFrameworkError("health.Monitor.Start", "config", core.ErrMissingConfig)
	}

	ticker := time.NewTicker(m.probeInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range serviceIDs {
					m.probeOne(ctx, id)
				}
			}
		}
	}()
	return nil
}

func (m *Monitor) probeOne(ctx context.Context, serviceID string) {
	baseURL, err := m.resolver.Resolve(ctx, serviceID)
	if err != nil {
		m.logger.WarnWithContext(ctx, "health probe could not resolve service", map[string]interface{}{
			"service_id": serviceID,
			"error":      err.Error(),
		})
		return
	}

	if err := m.prober.Probe(ctx, baseURL); err != nil {
		m.logger.DebugWithContext(ctx, "health probe failed", map[string]interface{}{
			"service_id": serviceID,
			"error":      err.Error(),
		})
		m.Record(serviceID, Failure)
		return
	}
	m.Record(serviceID, Success)
}

// Name identifies the monitor in logs.
func (m *Monitor) Name() string { return "health-monitor" }

// Stop is a no-op: the probe loop already exits on ctx cancellation.
func (m *Monitor) Stop(ctx context.Context) error { return nil }
