// Package metrics consolidates the per-package counters the orchestration
// engine, step executor, event bus, and transaction coordinator each keep
// locally into one four-level snapshot: workflow, step/service, event,
// and transaction.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/auramesh/choreo/eventbus"
	"github.com/auramesh/choreo/orchestration"
	"github.com/auramesh/choreo/transaction"
)

// serviceMetrics is the per-service call/error/latency accumulator fed by
// StepExecutor via ObserveStep. calls/errors are updated concurrently by
// every in-flight step call for that service, hence the atomic ops.
type serviceMetrics struct {
	calls     int64
	errors    int64
	reservoir *Reservoir
}

// Aggregator is the consolidated metrics facade. It wraps a
// WorkflowMetrics for workflow-level totals, adds cancelled/timed-out
// counters and latency percentiles on top, a per-service map for
// step-level metrics, and reads event/transaction stats from the
// components that already track them.
type Aggregator struct {
	workflowMetrics *orchestration.WorkflowMetrics

	mu          sync.Mutex
	started     int64
	cancelled   int64
	timedOut    int64
	latency     *Reservoir

	servicesMu sync.Mutex
	services   map[string]*serviceMetrics

	bus   *eventbus.Bus
	coord *transaction.Coordinator
}

// Option configures an Aggregator at construction time.
type Option func(*Aggregator)

// WithEventBus wires the bus whose publish/drop/handler-latency counters
// feed the event-level snapshot.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(a *Aggregator) { a.bus = bus }
}

// WithTransactionCoordinator wires the coordinator whose active/committed/
// aborted counters feed the transaction-level snapshot.
func WithTransactionCoordinator(coord *transaction.Coordinator) Option {
	return func(a *Aggregator) { a.coord = coord }
}

// NewAggregator creates an Aggregator. RecordWorkflow records each
// execution into workflowMetrics itself, so an instance the Engine also
// records into counts every execution twice.
func NewAggregator(workflowMetrics *orchestration.WorkflowMetrics, opts ...Option) *Aggregator {
	if workflowMetrics == nil {
		workflowMetrics = orchestration.NewWorkflowMetrics()
	}
	a := &Aggregator{
		workflowMetrics: workflowMetrics,
		latency:         NewReservoir(1000),
		services:        make(map[string]*serviceMetrics),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RecordWorkflowStarted marks one workflow submission, called before
// Engine.Execute runs so total_started can exceed total_completed while
// work is in flight.
func (a *Aggregator) RecordWorkflowStarted() {
	a.mu.Lock()
	a.started++
	a.mu.Unlock()
}

// RecordWorkflow folds a finished execution into both the wrapped
// WorkflowMetrics and this aggregator's cancelled/timed-out/latency
// tracking. Call once per execution, after Engine.Execute returns.
func (a *Aggregator) RecordWorkflow(execution *orchestration.WorkflowExecution) {
	a.workflowMetrics.RecordExecution(execution)

	a.mu.Lock()
	defer a.mu.Unlock()
	switch execution.Status {
	case orchestration.ExecutionCancelled:
		a.cancelled++
	case orchestration.ExecutionTimedOut:
		a.timedOut++
	}
	if execution.EndTime != nil {
		a.latency.Add(execution.EndTime.Sub(execution.StartTime))
	}
}

// ObserveStep satisfies orchestration.StepObserver, feeding per-service
// call/error counts and latency percentiles.
func (a *Aggregator) ObserveStep(serviceID string, duration time.Duration, success bool) {
	a.servicesMu.Lock()
	sm, exists := a.services[serviceID]
	if !exists {
		sm = &serviceMetrics{reservoir: NewReservoir(500)}
		a.services[serviceID] = sm
	}
	a.servicesMu.Unlock()

	atomic.AddInt64(&sm.calls, 1)
	if !success {
		atomic.AddInt64(&sm.errors, 1)
	}
	sm.reservoir.Add(duration)
}

// WorkflowSnapshot is the workflow-level slice of a consolidated snapshot.
type WorkflowSnapshot struct {
	TotalStarted   int64         `json:"total_started"`
	TotalCompleted int64         `json:"total_completed"`
	TotalFailed    int64         `json:"total_failed"`
	TotalCancelled int64         `json:"total_cancelled"`
	TotalTimedOut  int64         `json:"total_timed_out"`
	P50            time.Duration `json:"p50"`
	P95            time.Duration `json:"p95"`
	P99            time.Duration `json:"p99"`
}

// ServiceSnapshot is the step/service-level slice for one service.
type ServiceSnapshot struct {
	ServiceID string        `json:"service_id"`
	Calls     int64         `json:"calls"`
	Errors    int64         `json:"errors"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	P99       time.Duration `json:"p99"`
}

// EventSnapshot is the event-bus-level slice.
type EventSnapshot struct {
	TotalPublished        int64         `json:"total_published"`
	TotalDropped          int64         `json:"total_dropped"`
	AverageHandlerLatency time.Duration `json:"average_handler_latency"`
}

// Snapshot is the full four-level consolidated view.
type Snapshot struct {
	Workflow    WorkflowSnapshot   `json:"workflow"`
	Services    []ServiceSnapshot  `json:"services"`
	Event       EventSnapshot      `json:"event"`
	Transaction transaction.Stats  `json:"transaction"`
}

// Snapshot returns a point-in-time consolidated view across every level.
func (a *Aggregator) Snapshot() Snapshot {
	wm := a.workflowMetrics.Snapshot()

	a.mu.Lock()
	started := a.started
	cancelled := a.cancelled
	timedOutCount := a.timedOut
	p50 := a.latency.Percentile(0.50)
	p95 := a.latency.Percentile(0.95)
	p99 := a.latency.Percentile(0.99)
	a.mu.Unlock()

	snap := Snapshot{
		Workflow: WorkflowSnapshot{
			TotalStarted:   started,
			TotalCompleted: wm.Successful,
			TotalFailed:    wm.Failed,
			TotalCancelled: cancelled,
			TotalTimedOut:  timedOutCount,
			P50:            p50,
			P95:            p95,
			P99:            p99,
		},
	}

	a.servicesMu.Lock()
	snap.Services = make([]ServiceSnapshot, 0, len(a.services))
	for serviceID, sm := range a.services {
		snap.Services = append(snap.Services, ServiceSnapshot{
			ServiceID: serviceID,
			Calls:     atomic.LoadInt64(&sm.calls),
			Errors:    atomic.LoadInt64(&sm.errors),
			P50:       sm.reservoir.Percentile(0.50),
			P95:       sm.reservoir.Percentile(0.95),
			P99:       sm.reservoir.Percentile(0.99),
		})
	}
	a.servicesMu.Unlock()

	if a.bus != nil {
		busStats := a.bus.Stats()
		snap.Event = EventSnapshot{
			TotalPublished:        busStats.Published,
			TotalDropped:          busStats.TotalDropped,
			AverageHandlerLatency: busStats.AverageHandlerLatency,
		}
	}

	if a.coord != nil {
		snap.Transaction = a.coord.Stats()
	}

	return snap
}
