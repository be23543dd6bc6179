package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auramesh/choreo/core"
	"github.com/auramesh/choreo/eventbus"
)

// Coordinator runs two-phase commit over a set of participants addressed
// through the Event Bus. Participant responses correlate to the awaiting
// phase via a per-transaction channel registered before the request is
// published; a dedicated internal subscription on service_response and
// service_error routes incoming events to the right channel by
// transaction id.
type Coordinator struct {
	bus         *eventbus.Bus
	serviceName string
	logger      core.Logger

	prepareTimeout     time.Duration
	commitTimeout      time.Duration
	transactionTimeout time.Duration

	mu           sync.Mutex
	active       map[string]*TransactionContext
	correlations map[string]chan ParticipantResponse

	statsMu   sync.Mutex
	committed int
	aborted   int
	totalDur  time.Duration
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

func WithLogger(logger core.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithTimeouts(prepare, commit, transaction time.Duration) Option {
	return func(c *Coordinator) {
		if prepare > 0 {
			c.prepareTimeout = prepare
		}
		if commit > 0 {
			c.commitTimeout = commit
		}
		if transaction > 0 {
			c.transactionTimeout = transaction
		}
	}
}

// NewCoordinator creates a Coordinator identified as serviceName on bus.
// Call Start before executing any transaction so the response-routing
// subscription and timeout sweeper are running.
func NewCoordinator(bus *eventbus.Bus, serviceName string, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:                bus,
		serviceName:        serviceName,
		logger:             &core.NoOpLogger{},
		prepareTimeout:     core.DefaultPrepareTimeout,
		commitTimeout:      core.DefaultCommitTimeout,
		transactionTimeout: core.DefaultTransactionTimeout,
		active:             make(map[string]*TransactionContext),
		correlations:       make(map[string]chan ParticipantResponse),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to participant responses and launches the background
// timeout sweeper. Both run until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.bus.Subscribe(ctx, c.serviceName,
		[]eventbus.EventType{eventbus.ServiceResponse, eventbus.ServiceError},
		c.routeResponse)

	go c.sweep(ctx)
	return nil
}

// Name satisfies core.Component.
func (c *Coordinator) Name() string { return "transaction-coordinator" }

// Stop satisfies core.Component; the subscription and sweeper already
// exit on ctx cancellation passed to Start.
func (c *Coordinator) Stop(ctx context.Context) error { return nil }

func (c *Coordinator) routeResponse(event eventbus.Event) error {
	phase, _ := event.Payload["phase"].(string)
	participant, _ := event.Payload["participant"].(string)
	success, _ := event.Payload["success"].(bool)
	errMsg, _ := event.Payload["error"].(string)

	c.mu.Lock()
	ch, exists := c.correlations[event.CorrelationID]
	c.mu.Unlock()
	if !exists {
		return nil
	}

	resp := ParticipantResponse{
		TransactionID: event.CorrelationID,
		Participant:   participant,
		Phase:         phase,
		Success:       success,
		Error:         errMsg,
	}
	select {
	case ch <- resp:
	default:
	}
	return nil
}

// Execute runs full two-phase commit across participants and returns the
// transaction in its terminal state (COMMITTED or ABORTED). A non-nil
// error is returned only when participants is empty; a publish failure is
// logged and the affected phase then runs until its timeout.
func (c *Coordinator) Execute(ctx context.Context, participants []string, operations, compensations map[string]map[string]interface{}) (*TransactionContext, error) {
	if len(participants) == 0 {
		return nil, core.NewFrameworkError("transaction.Coordinator.Execute", "config", core.ErrInvalidConfig)
	}

	txn := &TransactionContext{
		TransactionID: uuid.New().String(),
		Coordinator:   c.serviceName,
		Participants:  participants,
		Status:        Pending,
		Operations:    operations,
		Compensations: compensations,
		StartedAt:     time.Now(),
	}
	txn.Deadline = txn.StartedAt.Add(c.transactionTimeout)

	ctx, cancel := context.WithDeadline(ctx, txn.Deadline)
	defer cancel()

	responses := make(chan ParticipantResponse, len(participants)*2)
	c.mu.Lock()
	c.active[txn.TransactionID] = txn
	c.correlations[txn.TransactionID] = responses
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, txn.TransactionID)
		delete(c.correlations, txn.TransactionID)
		c.mu.Unlock()
	}()

	if !c.prepare(ctx, txn, responses) {
		c.abort(ctx, txn, "prepare phase did not reach consensus")
		c.recordOutcome(txn)
		return txn, nil
	}

	if !c.commit(ctx, txn, responses) {
		txn.PostPrepareInconsistency = true
		c.logger.WarnWithContext(ctx, "commit phase failed after successful prepare", map[string]interface{}{
			"transaction_id": txn.TransactionID,
		})
		c.abort(ctx, txn, "commit phase did not reach consensus")
		c.recordOutcome(txn)
		return txn, nil
	}

	txn.Status = Committed
	c.recordOutcome(txn)
	return txn, nil
}

func (c *Coordinator) prepare(ctx context.Context, txn *TransactionContext, responses chan ParticipantResponse) bool {
	txn.Status = Preparing
	for _, participant := range txn.Participants {
		c.publish(ctx, participant, txn.TransactionID, "prepare_transaction", txn.Operations[participant])
	}

	phaseCtx, cancel := context.WithTimeout(ctx, c.prepareTimeout)
	defer cancel()

	prepared := make(map[string]bool, len(txn.Participants))
	for len(prepared) < len(txn.Participants) {
		select {
		case <-phaseCtx.Done():
			c.logger.WarnWithContext(ctx, "prepare phase timed out", map[string]interface{}{
				"transaction_id": txn.TransactionID,
				"responded":      len(prepared),
				"participants":   len(txn.Participants),
			})
			return false
		case resp := <-responses:
			if resp.Phase != "prepare" {
				continue
			}
			if !resp.Success {
				return false
			}
			prepared[resp.Participant] = true
		}
	}

	txn.Status = Prepared
	return true
}

func (c *Coordinator) commit(ctx context.Context, txn *TransactionContext, responses chan ParticipantResponse) bool {
	txn.Status = Committing
	for _, participant := range txn.Participants {
		c.publish(ctx, participant, txn.TransactionID, "commit_transaction", txn.Operations[participant])
	}

	phaseCtx, cancel := context.WithTimeout(ctx, c.commitTimeout)
	defer cancel()

	committed := make(map[string]bool, len(txn.Participants))
	for len(committed) < len(txn.Participants) {
		select {
		case <-phaseCtx.Done():
			return false
		case resp := <-responses:
			if resp.Phase != "commit" {
				continue
			}
			if !resp.Success {
				return false
			}
			committed[resp.Participant] = true
		}
	}
	return true
}

// abort publishes the compensation payload to every participant and
// transitions straight to ABORTED without awaiting replies: abort is
// best-effort by design.
func (c *Coordinator) abort(ctx context.Context, txn *TransactionContext, reason string) {
	txn.Status = Aborting
	for _, participant := range txn.Participants {
		c.publish(ctx, participant, txn.TransactionID, "abort_transaction", txn.Compensations[participant])
	}
	txn.Status = Aborted
	txn.FailureReason = reason
}

func (c *Coordinator) publish(ctx context.Context, participant, transactionID, action string, operation map[string]interface{}) {
	payload := map[string]interface{}{"action": action, "transaction_id": transactionID}
	for k, v := range operation {
		payload[k] = v
	}
	err := c.bus.Publish(ctx, eventbus.Event{
		Type:          eventbus.ServiceRequest,
		SourceService: c.serviceName,
		TargetService: participant,
		CorrelationID: transactionID,
		Payload:       payload,
	})
	if err != nil {
		c.logger.WarnWithContext(ctx, "failed to publish transaction request", map[string]interface{}{
			"transaction_id": transactionID,
			"participant":    participant,
			"action":         action,
			"error":          err.Error(),
		})
	}
}

func (c *Coordinator) recordOutcome(txn *TransactionContext) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if txn.Status == Committed {
		c.committed++
	} else {
		c.aborted++
	}
	c.totalDur += time.Since(txn.StartedAt)
}

// Stats returns a point-in-time summary across every transaction executed
// since construction.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	active := len(c.active)
	c.mu.Unlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	total := c.committed + c.aborted
	var avg time.Duration
	if total > 0 {
		avg = c.totalDur / time.Duration(total)
	}
	return Stats{Active: active, Committed: c.committed, Aborted: c.aborted, AverageDuration: avg}
}

// sweep periodically aborts any transaction that has exceeded its overall
// deadline. Execute's own context.WithDeadline already enforces this for
// the common path; the sweeper exists as a defensive backstop for a
// transaction stuck behind an uncancellable publish.
func (c *Coordinator) sweep(ctx context.Context) {
	ticker := time.NewTicker(c.transactionTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Coordinator) sweepOnce(ctx context.Context) {
	now := time.Now()
	c.mu.Lock()
	var expired []*TransactionContext
	for _, txn := range c.active {
		if now.After(txn.Deadline) && txn.Status != Committed && txn.Status != Aborted {
			expired = append(expired, txn)
		}
	}
	c.mu.Unlock()

	for _, txn := range expired {
		c.logger.WarnWithContext(ctx, "sweeper aborting a transaction past its deadline", map[string]interface{}{
			"transaction_id": txn.TransactionID,
			"status":         string(txn.Status),
		})
		c.abort(ctx, txn, "deadline exceeded")
	}
}

