package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/auramesh/choreo/core"
)

// stepResult is one worker's report back to the wave barrier.
type stepResult struct {
	stepID string
	output map[string]interface{}
	used   bool
	err    error
}

// Engine is the wave-barrier workflow engine: it asks a Planner to
// partition a WorkflowDefinition into dependency waves once, then drives a
// bounded worker pool through each wave in turn, applying the definition's
// ErrorPolicy between waves and persisting progress through an
// ExecutionStore as it goes.
type Engine struct {
	planner  *Planner
	executor *StepExecutor
	store    ExecutionStore
	metrics  *WorkflowMetrics
	logger   core.Logger
	tracer   trace.Tracer
	workers  int

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithEngineLogger attaches a logger.
func WithEngineLogger(logger core.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithEngineTracer attaches an OpenTelemetry tracer used to span each
// workflow execution and each step within it.
func WithEngineTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = tracer }
}

// WithWorkerCount overrides the number of steps the engine runs
// concurrently within a single wave.
func WithWorkerCount(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// NewEngine creates a wave-barrier Engine. executor performs individual
// step calls; store persists execution progress; metrics accumulates
// execution/step statistics.
func NewEngine(executor *StepExecutor, store ExecutionStore, metrics *WorkflowMetrics, opts ...EngineOption) *Engine {
	e := &Engine{
		planner:  NewPlanner(),
		executor: executor,
		store:    store,
		metrics:  metrics,
		logger:   &core.NoOpLogger{},
		tracer:   trace.NewNoopTracerProvider().Tracer("orchestration"),
		workers:  5,
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteOption configures a single Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	executionID string
}

// WithExecutionID assigns the execution's ID instead of generating one,
// letting a caller (e.g. an HTTP adapter) learn the ID before the run
// completes so it can be used to look up or cancel the execution in flight.
func WithExecutionID(id string) ExecuteOption {
	return func(o *executeOptions) { o.executionID = id }
}

// Cancel requests that the execution identified by executionID stop at
// its next opportunity: in-flight step calls see their context cancelled,
// no further waves are scheduled, and Execute returns with Status
// ExecutionCancelled. Cancel reports whether a running execution with
// that ID was found; it is a no-op once the execution has already
// finished.
func (e *Engine) Cancel(executionID string) bool {
	e.cancelMu.Lock()
	cancel, ok := e.cancels[executionID]
	e.cancelMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (e *Engine) registerCancel(executionID string, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	e.cancels[executionID] = cancel
	e.cancelMu.Unlock()
}

func (e *Engine) unregisterCancel(executionID string) {
	e.cancelMu.Lock()
	delete(e.cancels, executionID)
	e.cancelMu.Unlock()
}

// Execute runs workflow to completion (or to the first policy-triggered
// stop), returning the final WorkflowExecution record. The returned error
// is non-nil only for planning failures (cyclic or missing dependencies);
// a step failure that the error policy tolerates is reflected in the
// execution's Status and Errors, not in the returned error.
func (e *Engine) Execute(ctx context.Context, workflow *WorkflowDefinition, inputs map[string]interface{}, opts ...ExecuteOption) (*WorkflowExecution, error) {
	options := executeOptions{executionID: uuid.New().String()}
	for _, opt := range opts {
		opt(&options)
	}

	waves, err := e.planner.Plan(workflow)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", workflow.WorkflowID),
			attribute.Int("workflow.step_count", len(workflow.Steps)),
			attribute.Int("workflow.wave_count", len(waves)),
		))
	defer span.End()

	var cancel context.CancelFunc
	if workflow.MaxTotalDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, workflow.MaxTotalDuration)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.registerCancel(options.executionID, cancel)
	defer e.unregisterCancel(options.executionID)

	execution := &WorkflowExecution{
		ExecutionID:  options.executionID,
		DefinitionID: workflow.WorkflowID,
		Status:       ExecutionRunning,
		Context:      make(WorkflowContext, len(inputs)),
		Steps:        make(map[string]*StepExecution, len(workflow.Steps)),
		TotalWaves:   len(waves),
		StartTime:    time.Now(),
	}
	for k, v := range inputs {
		execution.Context[k] = v
	}
	for _, step := range workflow.Steps {
		execution.Steps[step.StepID] = &StepExecution{StepID: step.StepID, Status: StepPending}
	}

	stepsByID := make(map[string]*WorkflowStep, len(workflow.Steps))
	for _, step := range workflow.Steps {
		stepsByID[step.StepID] = step
	}

	e.logger.InfoWithContext(ctx, "workflow execution starting", map[string]interface{}{
		"execution_id": execution.ExecutionID,
		"workflow_id":  workflow.WorkflowID,
		"wave_count":   len(waves),
	})

	if err := e.store.Save(ctx, execution); err != nil {
		e.logger.WarnWithContext(ctx, "failed to persist initial execution state", map[string]interface{}{
			"execution_id": execution.ExecutionID,
			"error":        err.Error(),
		})
	}

	skipped := make(map[string]bool)

waveLoop:
	for waveIdx, wave := range waves {
		if ctx.Err() != nil {
			break waveLoop
		}
		execution.CurrentWave = waveIdx

		liveWave := make([]string, 0, len(wave))
		for _, stepID := range wave {
			if skipped[stepID] {
				execution.Steps[stepID].Status = StepSkipped
				continue
			}
			liveWave = append(liveWave, stepID)
		}
		if len(liveWave) == 0 {
			continue
		}

		results := e.runWave(ctx, execution, stepsByID, liveWave, workflow.Parallel)

		waveFailed := false
		for _, res := range results {
			step := execution.Steps[res.stepID]
			now := time.Now()
			step.EndTime = &now
			if step.StartTime != nil {
				step.Duration = now.Sub(*step.StartTime)
			}
			step.Attempts++

			if res.err != nil {
				step.Status = StepFailed
				step.Error = res.err.Error()
				execution.FailedSteps = append(execution.FailedSteps, res.stepID)
				execution.Errors = append(execution.Errors, fmt.Sprintf("%s: %v", res.stepID, res.err))
				if stepsByID[res.stepID].Required {
					waveFailed = true
				}
				continue
			}

			step.Status = StepCompleted
			step.Output = res.output
			step.UsedFallback = res.used
			execution.CompletedSteps = append(execution.CompletedSteps, res.stepID)
			execution.Context[res.stepID] = res.output
		}

		if err := e.store.Save(ctx, execution); err != nil {
			e.logger.WarnWithContext(ctx, "failed to persist execution progress", map[string]interface{}{
				"execution_id": execution.ExecutionID,
				"error":        err.Error(),
			})
		}

		if !waveFailed {
			continue
		}

		switch workflow.ErrorPolicy {
		case ContinueOnFailure:
			for _, stepID := range liveWave {
				if execution.Steps[stepID].Status == StepFailed {
					e.markDependentsSkipped(stepsByID, stepID, skipped)
				}
			}
		case RetryWave:
			retryResults := e.runWave(ctx, execution, stepsByID, failedStepIDs(liveWave, execution), workflow.Parallel)
			stillFailing := false
			for _, res := range retryResults {
				step := execution.Steps[res.stepID]
				step.Attempts++
				if res.err != nil {
					step.Status = StepFailed
					step.Error = res.err.Error()
					if stepsByID[res.stepID].Required {
						stillFailing = true
					}
					continue
				}
				step.Status = StepCompleted
				step.Output = res.output
				step.UsedFallback = res.used
				execution.Context[res.stepID] = res.output
				removeFromSlice(&execution.FailedSteps, res.stepID)
				execution.CompletedSteps = append(execution.CompletedSteps, res.stepID)
			}
			if stillFailing {
				break waveLoop
			}
		default: // StopOnRequired
			break waveLoop
		}
	}

	endTime := time.Now()
	execution.EndTime = &endTime
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		execution.Status = ExecutionTimedOut
	case ctx.Err() == context.Canceled:
		execution.Status = ExecutionCancelled
	case hasRequiredFailure(execution, stepsByID):
		execution.Status = ExecutionFailed
	default:
		execution.Status = ExecutionCompleted
	}

	e.logger.InfoWithContext(ctx, "workflow execution finished", map[string]interface{}{
		"execution_id": execution.ExecutionID,
		"status":       string(execution.Status),
		"duration_ms":  execution.Duration().Milliseconds(),
	})

	// Persist the final state on a detached context: a cancelled or
	// timed-out execution's own ctx is already done, but the terminal
	// status still needs to be durably recorded for GetExecution.
	persistCtx := context.WithoutCancel(ctx)
	if err := e.store.Complete(persistCtx, execution); err != nil {
		e.logger.WarnWithContext(ctx, "failed to persist final execution state", map[string]interface{}{
			"execution_id": execution.ExecutionID,
			"error":        err.Error(),
		})
	}
	if e.metrics != nil {
		e.metrics.RecordExecution(execution)
	}

	return execution, nil
}

// runWave executes stepIDs through a bounded worker pool, recovering from
// a step goroutine panic so one bad step never hangs the wave, and
// guarding the result channel send with a timeout so a panicking worker
// can't block forever if the receiver has already moved on. When
// parallel is false the wave runs with a single worker, so steps within
// it execute one at a time in stepIDs order; when true it fans out
// across the engine's configured worker count.
func (e *Engine) runWave(ctx context.Context, execution *WorkflowExecution, stepsByID map[string]*WorkflowStep, stepIDs []string, parallel bool) []stepResult {
	jobs := make(chan string, len(stepIDs))
	results := make(chan stepResult, len(stepIDs))

	workers := e.workers
	if !parallel {
		workers = 1
	}
	if workers > len(stepIDs) {
		workers = len(stepIDs)
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for stepID := range jobs {
				e.runStep(ctx, execution, stepsByID[stepID], results, workerID)
			}
		}(w)
	}

	for _, id := range stepIDs {
		now := time.Now()
		execution.Steps[id].Status = StepRunning
		execution.Steps[id].StartTime = &now
		jobs <- id
	}
	close(jobs)
	wg.Wait()
	close(results)

	collected := make([]stepResult, 0, len(stepIDs))
	for res := range results {
		collected = append(collected, res)
	}
	return collected
}

func (e *Engine) runStep(ctx context.Context, execution *WorkflowExecution, step *WorkflowStep, results chan<- stepResult, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			e.logger.ErrorWithContext(ctx, "step worker panicked", map[string]interface{}{
				"execution_id": execution.ExecutionID,
				"step_id":      step.StepID,
				"worker_id":    workerID,
				"panic":        fmt.Sprintf("%v", r),
				"stack_trace":  stack,
			})
			sendResult(results, stepResult{stepID: step.StepID, err: fmt.Errorf("panic: %v", r)}, 5*time.Second)
		}
	}()

	stepCtx, span := e.tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("step.id", step.StepID),
			attribute.String("step.service_id", step.ServiceID),
		))
	defer span.End()

	output, used, err := e.executor.Execute(stepCtx, execution, step)
	if err != nil {
		span.RecordError(err)
	}
	sendResult(results, stepResult{stepID: step.StepID, output: output, used: used, err: err}, 5*time.Second)
}

// sendResult sends with a timeout rather than blocking indefinitely: the
// receiver closes results only after every worker has returned, so this
// should never actually need the timeout path outside of a bug.
func sendResult(results chan<- stepResult, res stepResult, timeout time.Duration) {
	select {
	case results <- res:
	case <-time.After(timeout):
	}
}

func (e *Engine) markDependentsSkipped(stepsByID map[string]*WorkflowStep, failedID string, skipped map[string]bool) {
	for id, step := range stepsByID {
		for _, dep := range step.DependsOn {
			if dep == failedID {
				skipped[id] = true
			}
		}
	}
}

func failedStepIDs(wave []string, execution *WorkflowExecution) []string {
	var ids []string
	for _, id := range wave {
		if execution.Steps[id].Status == StepFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

func hasRequiredFailure(execution *WorkflowExecution, stepsByID map[string]*WorkflowStep) bool {
	for _, id := range execution.FailedSteps {
		if step, ok := stepsByID[id]; ok && step.Required {
			return true
		}
	}
	return false
}

func removeFromSlice(s *[]string, value string) {
	out := (*s)[:0]
	for _, v := range *s {
		if v != value {
			out = append(out, v)
		}
	}
	*s = out
}
