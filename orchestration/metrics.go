package orchestration

import (
	"sync"
	"time"
)

// WorkflowMetrics accumulates execution and per-step statistics in memory,
// exposed as an immutable snapshot so readers never race writers.
type WorkflowMetrics struct {
	mu          sync.RWMutex
	executions  int64
	successful  int64
	failed      int64
	totalTime   time.Duration
	stepMetrics map[string]*stepMetrics
}

type stepMetrics struct {
	Executions int64
	Successful int64
	Failed     int64
	TotalTime  time.Duration
	MinTime    time.Duration
	MaxTime    time.Duration
}

// NewWorkflowMetrics creates an empty metrics tracker.
func NewWorkflowMetrics() *WorkflowMetrics {
	return &WorkflowMetrics{stepMetrics: make(map[string]*stepMetrics)}
}

// RecordExecution folds a completed or failed execution into the running
// totals, including every step it ran.
func (m *WorkflowMetrics) RecordExecution(execution *WorkflowExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.executions++
	switch execution.Status {
	case ExecutionCompleted:
		m.successful++
	case ExecutionFailed:
		m.failed++
	}

	if execution.EndTime != nil {
		m.totalTime += execution.EndTime.Sub(execution.StartTime)
	}

	for stepID, step := range execution.Steps {
		sm, exists := m.stepMetrics[stepID]
		if !exists {
			sm = &stepMetrics{MinTime: time.Hour * 24 * 365}
			m.stepMetrics[stepID] = sm
		}
		sm.Executions++
		switch step.Status {
		case StepCompleted:
			sm.Successful++
		case StepFailed:
			sm.Failed++
		}
		if step.StartTime != nil && step.EndTime != nil {
			d := step.EndTime.Sub(*step.StartTime)
			sm.TotalTime += d
			if d < sm.MinTime {
				sm.MinTime = d
			}
			if d > sm.MaxTime {
				sm.MaxTime = d
			}
		}
	}
}

// WorkflowMetricsSnapshot is a point-in-time, immutable view of accumulated
// metrics, safe to hand to callers outside the metrics lock.
type WorkflowMetricsSnapshot struct {
	TotalExecutions int64                          `json:"total_executions"`
	Successful      int64                          `json:"successful"`
	Failed          int64                          `json:"failed"`
	SuccessRate     float64                        `json:"success_rate"`
	AverageTime     time.Duration                  `json:"average_time"`
	StepMetrics     map[string]StepMetricsSnapshot `json:"step_metrics"`
}

// StepMetricsSnapshot is the per-step slice of a WorkflowMetricsSnapshot.
type StepMetricsSnapshot struct {
	Executions  int64         `json:"executions"`
	Successful  int64         `json:"successful"`
	Failed      int64         `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	AverageTime time.Duration `json:"average_time"`
	MinTime     time.Duration `json:"min_time"`
	MaxTime     time.Duration `json:"max_time"`
}

// Snapshot returns the current metrics. Rates are zero when no executions
// have been recorded yet, rather than NaN.
func (m *WorkflowMetrics) Snapshot() WorkflowMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := WorkflowMetricsSnapshot{
		TotalExecutions: m.executions,
		Successful:      m.successful,
		Failed:          m.failed,
		StepMetrics:     make(map[string]StepMetricsSnapshot, len(m.stepMetrics)),
	}
	if m.executions > 0 {
		snap.SuccessRate = float64(m.successful) / float64(m.executions)
		snap.AverageTime = m.totalTime / time.Duration(m.executions)
	}
	for stepID, sm := range m.stepMetrics {
		s := StepMetricsSnapshot{
			Executions: sm.Executions,
			Successful: sm.Successful,
			Failed:     sm.Failed,
			MinTime:    sm.MinTime,
			MaxTime:    sm.MaxTime,
		}
		if sm.Executions > 0 {
			s.SuccessRate = float64(sm.Successful) / float64(sm.Executions)
			s.AverageTime = sm.TotalTime / time.Duration(sm.Executions)
		}
		snap.StepMetrics[stepID] = s
	}
	return snap
}

// Reset clears all accumulated metrics. Used by tests.
func (m *WorkflowMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.executions, m.successful, m.failed, m.totalTime = 0, 0, 0, 0
	m.stepMetrics = make(map[string]*stepMetrics)
}
