// Package orchestration implements the DAG planner, step executor, and
// wave-barrier workflow engine that choreograph calls across services
// registered in the service registry.
package orchestration

import (
	"time"
)

// ErrorPolicy controls how the Workflow Engine reacts to a failed required
// step within a wave.
type ErrorPolicy string

const (
	// StopOnRequired aborts the execution as soon as any required step in
	// the current wave fails; steps already running in the wave are
	// allowed to finish, but no further waves are scheduled.
	StopOnRequired ErrorPolicy = "STOP_ON_REQUIRED"

	// ContinueOnFailure lets the execution proceed to dependent waves even
	// when a required step failed; dependents of the failed step are
	// marked skipped rather than executed.
	ContinueOnFailure ErrorPolicy = "CONTINUE_ON_FAILURE"

	// RetryWave re-runs the failed steps of a wave once (each run still goes
	// through the Step Executor's own per-step retries); if a required step
	// still fails, the execution stops as under StopOnRequired.
	RetryWave ErrorPolicy = "RETRY_WAVE"
)

// WorkflowStep is one node of a workflow's dependency graph: a call to a
// single service, with its own timeout, retry budget, and fallback opt-in.
type WorkflowStep struct {
	StepID          string                 `json:"step_id" yaml:"step_id"`
	ServiceID       string                 `json:"service_id" yaml:"service_id"`
	Endpoint        string                 `json:"endpoint" yaml:"endpoint"`
	Method          string                 `json:"method" yaml:"method"`
	PayloadTemplate map[string]interface{} `json:"payload_template,omitempty" yaml:"payload_template,omitempty"`
	DependsOn       []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Timeout         time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RetryCount      int                    `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	Required        bool                   `json:"required" yaml:"required"`
	FallbackEnabled bool                   `json:"fallback_enabled,omitempty" yaml:"fallback_enabled,omitempty"`
}

// WorkflowDefinition is a named, versioned workflow template: a set of
// steps, the policy for handling failures, and an overall time budget.
type WorkflowDefinition struct {
	WorkflowID       string          `json:"workflow_id" yaml:"workflow_id"`
	Steps            []*WorkflowStep `json:"steps" yaml:"steps"`
	MaxTotalDuration time.Duration   `json:"max_total_duration,omitempty" yaml:"max_total_duration,omitempty"`
	Parallel         bool            `json:"parallel" yaml:"parallel"`
	ErrorPolicy      ErrorPolicy     `json:"error_policy" yaml:"error_policy"`
}

// WorkflowContext is the shared, growing bag of data a workflow execution
// accumulates: the original inputs plus each completed step's output,
// addressable by step ID for payload template interpolation.
type WorkflowContext map[string]interface{}

// ExecutionStatus is the lifecycle state of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimedOut  ExecutionStatus = "timed_out"
)

// StepStatus is the lifecycle state of a single step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepExecution records what happened when a step ran: its timing, output,
// and (if it failed) whether a fallback value was substituted.
type StepExecution struct {
	StepID       string                 `json:"step_id"`
	Status       StepStatus             `json:"status"`
	Attempts     int                    `json:"attempts"`
	Output       map[string]interface{} `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
	UsedFallback bool                   `json:"used_fallback,omitempty"`
	StartTime    *time.Time             `json:"start_time,omitempty"`
	EndTime      *time.Time             `json:"end_time,omitempty"`
	Duration     time.Duration          `json:"duration,omitempty"`
}

// WorkflowExecution is one run of a WorkflowDefinition: the live context,
// per-step results, and wave progress, persisted through an ExecutionStore
// so the engine's progress survives a restart of the orchestrating process.
type WorkflowExecution struct {
	ExecutionID   string                    `json:"execution_id"`
	DefinitionID  string                    `json:"definition_id"`
	Status        ExecutionStatus           `json:"status"`
	Context       WorkflowContext           `json:"context"`
	Steps         map[string]*StepExecution `json:"steps"`
	CurrentWave   int                       `json:"current_wave"`
	TotalWaves    int                       `json:"total_waves"`
	CompletedSteps []string                 `json:"completed_steps,omitempty"`
	FailedSteps    []string                 `json:"failed_steps,omitempty"`
	Errors        []string                  `json:"errors,omitempty"`
	StartTime     time.Time                 `json:"start_time"`
	EndTime       *time.Time                `json:"end_time,omitempty"`
}

// Duration returns how long the execution has taken so far, or its total
// wall time once it has an EndTime.
func (e *WorkflowExecution) Duration() time.Duration {
	if e.EndTime != nil {
		return e.EndTime.Sub(e.StartTime)
	}
	return time.Since(e.StartTime)
}
