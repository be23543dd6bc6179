// Package transaction implements a distributed two-phase-commit
// coordinator over the same Event Bus the Workflow Engine publishes
// lifecycle events to. It is not built on top of orchestration.Engine: a
// transaction's participants are plain ServiceIds addressed through
// eventbus.Bus targeted delivery, never through the DAG planner.
package transaction

import "time"

// Status is one member of the closed set of transaction states.
type Status string

const (
	Pending    Status = "PENDING"
	Preparing  Status = "PREPARING"
	Prepared   Status = "PREPARED"
	Committing Status = "COMMITTING"
	Committed  Status = "COMMITTED"
	Aborting   Status = "ABORTING"
	Aborted    Status = "ABORTED"
)

// TransactionContext is the per-transaction state the coordinator tracks:
// participants, the operation each one is asked to prepare, the
// compensation payload used if the transaction aborts, and timing.
type TransactionContext struct {
	TransactionID            string                             `json:"transaction_id"`
	Coordinator              string                             `json:"coordinator"`
	Participants             []string                           `json:"participants"`
	Status                   Status                             `json:"status"`
	Operations               map[string]map[string]interface{}  `json:"operations"`
	Compensations            map[string]map[string]interface{}  `json:"compensations"`
	StartedAt                time.Time                          `json:"started_at"`
	Deadline                 time.Time                          `json:"deadline"`
	PostPrepareInconsistency bool                               `json:"post_prepare_inconsistency"`
	FailureReason            string                             `json:"failure_reason,omitempty"`
}

// ParticipantResponse is what a participant reports back for one phase of
// one transaction, correlated to its request via TransactionID.
type ParticipantResponse struct {
	TransactionID string `json:"transaction_id"`
	Participant   string `json:"participant"`
	Phase         string `json:"phase"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// Stats is a point-in-time summary across every transaction the
// coordinator has executed since construction, consumed by the metrics
// aggregator.
type Stats struct {
	Active         int           `json:"active"`
	Committed      int           `json:"committed"`
	Aborted        int           `json:"aborted"`
	AverageDuration time.Duration `json:"average_duration"`
}
