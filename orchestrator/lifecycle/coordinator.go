package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/autoflow/orchestrator-api/lib/logc"
	"github.com/autoflow/orchestrator-api/orchestrator/dispatch"
	"github.com/autoflow/orchestrator-api/orchestrator/engine"
	"github.com/autoflow/orchestrator-api/orchestrator/ledger"
	"github.com/autoflow/orchestrator-api/orchestrator/model"
	"github.com/autoflow/orchestrator-api/orchestrator/notify"
	"github.com/autoflow/orchestrator-api/orchestrator/registry"
	"github.com/autoflow/orchestrator-api/orchestrator/store"
)

var logger = logc.Logger("lifecycle")

var (
	ErrValidation        = errors.New("validation error")
	ErrTaskNotFound      = errors.New("task not found")
	ErrIllegalTransition = errors.New("illegal task state transition")
	ErrNotCancellable    = errors.New("task can no longer be cancelled")
	ErrNotDisputable     = errors.New("task is not disputable")
	ErrEscrowSettled     = errors.New("escrow already settled")
)

// legalNext is the per-state transition table. Anything absent is
// rejected, which is what makes a racing timeout sweep and completion
// callback resolve to exactly one winner.
var legalNext = map[model.TaskState][]model.TaskState{
	model.TaskSubmitted:     {model.TaskEscrowLocking, model.TaskFailed, model.TaskRefunded},
	model.TaskEscrowLocking: {model.TaskRouting, model.TaskFailed, model.TaskRefunded},
	model.TaskRouting:       {model.TaskAssigned, model.TaskFailed, model.TaskRefunded},
	model.TaskAssigned:      {model.TaskExecuting, model.TaskFailed},
	model.TaskExecuting:     {model.TaskCompleted, model.TaskFailed, model.TaskDisputed},
	model.TaskCompleted:     {model.TaskDisputed},
	model.TaskDisputed:      {model.TaskCompleted, model.TaskFailed, model.TaskRefunded},
}

func transitionAllowed(from, to model.TaskState) bool {
	for _, s := range legalNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// reputation and load deltas applied to nodes per task outcome
const (
	repSuccessDelta  = 1
	repFailureDelta  = -2
	agentRepDelta    = 0.5
	loadAssignDelta  = 10
	loadReleaseDelta = -10
)

type Config struct {
	// BufferPercent inflates the locked amount over maxBudget as a
	// safety margin.
	BufferPercent float64
	EscrowTimeout time.Duration
	SweepInterval time.Duration
	DisputeWindow time.Duration
	Retry         ledger.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		BufferPercent: 10,
		EscrowTimeout: 72 * time.Hour,
		SweepInterval: 30 * time.Second,
		DisputeWindow: 24 * time.Hour,
		Retry:         ledger.DefaultRetryPolicy(),
	}
}

// Coordinator owns every task state transition. It drives the escrow
// gateway, the orchestration engine and the dispatch gateway, and emits
// lifecycle events through the notifier.
type Coordinator struct {
	tasks   store.TaskStore
	escrows store.EscrowStore
	agents  store.AgentStore
	reg     registry.Registry
	eng     *engine.Engine
	gw      ledger.Gateway
	disp    dispatch.Gateway
	hub     notify.Notifier
	cfg     Config
	locks   *keyedMutex
}

func NewCoordinator(
	tasks store.TaskStore,
	escrows store.EscrowStore,
	agents store.AgentStore,
	reg registry.Registry,
	eng *engine.Engine,
	gw ledger.Gateway,
	disp dispatch.Gateway,
	hub notify.Notifier,
	cfg Config,
) *Coordinator {
	if hub == nil {
		hub = notify.Nop{}
	}
	if cfg.EscrowTimeout <= 0 {
		cfg.EscrowTimeout = 72 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.DisputeWindow <= 0 {
		cfg.DisputeWindow = 24 * time.Hour
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = ledger.DefaultRetryPolicy()
	}
	return &Coordinator{
		tasks:   tasks,
		escrows: escrows,
		agents:  agents,
		reg:     reg,
		eng:     eng,
		gw:      gw,
		disp:    disp,
		hub:     hub,
		cfg:     cfg,
		locks:   newKeyedMutex(),
	}
}

type SubmitRequest struct {
	AgentID      string
	Type         string
	Description  string
	Requirements model.ComputeRequirements
	MaxBudget    float64
	Priority     model.Priority
}

func (r SubmitRequest) validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("%w: agentId is required", ErrValidation)
	}
	if r.Type == "" {
		return fmt.Errorf("%w: task type is required", ErrValidation)
	}
	if r.MaxBudget <= 0 {
		return fmt.Errorf("%w: maxBudget must be positive", ErrValidation)
	}
	if err := r.Requirements.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, r.Priority)
	}
	return nil
}

type SubmitResult struct {
	Task   model.Task
	Escrow model.Escrow
	Ack    *dispatch.Ack
}

// Submit runs a task through submission, fund locking, node selection and
// dispatch. It returns once the task is executing or has failed; the
// returned error carries the failure taxonomy.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	// validation failures never reach the ledger
	if err := req.validate(); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	task := model.Task{
		ID:           uuid.NewString(),
		AgentID:      req.AgentID,
		Type:         req.Type,
		Description:  req.Description,
		Requirements: req.Requirements,
		MaxBudget:    req.MaxBudget,
		Priority:     priority,
		Status:       model.TaskSubmitted,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.tasks.Create(task); err != nil {
		return nil, err
	}
	c.noteAgentSubmitted(req.AgentID)
	c.hub.Publish(model.Event{
		Type: model.EventTaskSubmitted, TaskID: task.ID,
		Description: fmt.Sprintf("task submitted by agent %s", req.AgentID),
	})

	if _, err := c.transition(task.ID, model.TaskEscrowLocking, nil); err != nil {
		return nil, err
	}

	// lock funds; the task only moves on after a confirmed lock
	lockAmount := req.MaxBudget * (1 + c.cfg.BufferPercent/100)
	var receipt *ledger.LockReceipt
	err := c.cfg.Retry.Do(ctx, func() error {
		var lerr error
		receipt, lerr = c.gw.Lock(ctx, ledger.TaskHash(task.ID), lockAmount, c.cfg.EscrowTimeout)
		return lerr
	})
	if err != nil {
		c.fail(ctx, task.ID, model.ReasonEscrowLockFailed, err.Error(), false)
		return nil, fmt.Errorf("escrow lock failed: %w", err)
	}

	now := time.Now().UTC()
	esc := model.Escrow{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		AgentID:      req.AgentID,
		LockedAmount: lockAmount,
		EscrowRef:    receipt.EscrowRef,
		LockTxRef:    receipt.TxRef,
		Status:       model.EscrowLocked,
		LockedAt:     now,
		TimeoutAt:    now.Add(c.cfg.EscrowTimeout),
	}
	if err := c.escrows.Create(esc); err != nil {
		return nil, err
	}
	if _, err := c.transition(task.ID, model.TaskRouting, func(t *model.Task) {
		t.EscrowID = esc.ID
	}); err != nil {
		// a cancel can land while the lock was in flight; the task is
		// already terminal then, but the funds just locked must still
		// go back
		if t, terr := c.tasks.Get(task.ID); terr == nil && t.Status.Terminal() {
			_ = c.refund(ctx, t)
		}
		return nil, err
	}

	// node selection
	decision, err := c.eng.SelectNode(ctx, req.Requirements, req.MaxBudget)
	if err != nil {
		if errors.Is(err, engine.ErrNoEligibleNode) {
			c.fail(ctx, task.ID, model.ReasonNoEligibleNode, err.Error(), true)
			return nil, err
		}
		return nil, err
	}
	assigned, err := c.transition(task.ID, model.TaskAssigned, func(t *model.Task) {
		t.AssignedNodeID = decision.NodeID
		t.Decision = decision
	})
	if err != nil {
		return nil, err
	}
	_ = c.reg.ApplyOutcome(decision.NodeID, registry.Outcome{LoadDelta: loadAssignDelta})
	c.hub.Publish(model.Event{
		Type: model.EventTaskAssigned, TaskID: task.ID, NodeID: decision.NodeID,
		Description: fmt.Sprintf("assigned to node %s, score %.2f", decision.NodeID, decision.TotalScore),
	})

	// dispatch is fire-and-forget; a synchronous error is a failure
	node, err := c.reg.Get(decision.NodeID)
	if err != nil {
		c.fail(ctx, task.ID, model.ReasonDispatchFailed, err.Error(), true)
		return nil, fmt.Errorf("dispatch failed: %w", err)
	}
	ack, err := c.disp.Dispatch(ctx, assigned, node)
	if err != nil {
		c.fail(ctx, task.ID, model.ReasonDispatchFailed, err.Error(), true)
		return nil, fmt.Errorf("dispatch failed: %w", err)
	}
	executing, err := c.transition(task.ID, model.TaskExecuting, func(t *model.Task) {
		t.ExecutionRef = ack.ExecutionRef
	})
	if err != nil {
		return nil, err
	}

	return &SubmitResult{Task: executing, Escrow: esc, Ack: ack}, nil
}

// HandleCompletion processes the execution environment's asynchronous
// outcome signal. A stale signal for a task that already reached a
// terminal state is a verified no-op.
func (c *Coordinator) HandleCompletion(ctx context.Context, sig dispatch.CompletionSignal) error {
	if sig.Completed {
		return c.complete(ctx, sig.TaskID, sig.ResultRef)
	}
	reason := sig.Reason
	if reason == "" {
		reason = "execution failed"
	}
	return c.failExecution(ctx, sig.TaskID, reason)
}

func (c *Coordinator) complete(ctx context.Context, taskID, resultRef string) error {
	now := time.Now().UTC()
	task, err := c.transition(taskID, model.TaskCompleted, func(t *model.Task) {
		t.Progress = 100
		t.ResultRef = resultRef
		t.CompletedAt = &now
	})
	if err != nil {
		return err
	}

	_ = c.reg.ApplyOutcome(task.AssignedNodeID, registry.Outcome{
		LoadDelta:       loadReleaseDelta,
		ReputationDelta: repSuccessDelta,
		Result:          registry.ResultSuccess,
	})
	c.noteAgentCompleted(task.AgentID)

	node, nerr := c.reg.Get(task.AssignedNodeID)
	if nerr != nil {
		return c.flagSettlement(taskID, fmt.Errorf("release payee unknown: %w", nerr))
	}
	var txRef string
	err = c.cfg.Retry.Do(ctx, func() error {
		var lerr error
		txRef, lerr = c.gw.Release(ctx, c.escrowRef(task), node.OperatorAddress)
		return lerr
	})
	if err != nil {
		// never downgrade a failed release to success
		return c.flagSettlement(taskID, err)
	}
	c.settleEscrow(task, model.EscrowReleased, txRef)

	c.hub.Publish(model.Event{Type: model.EventTaskCompleted, TaskID: taskID, Description: "task completed"})
	c.hub.Publish(model.Event{
		Type: model.EventPaymentReleased, TaskID: taskID, NodeID: task.AssignedNodeID,
		Description: fmt.Sprintf("escrow released to %s", node.OperatorAddress), TxRef: txRef,
	})
	return nil
}

func (c *Coordinator) failExecution(ctx context.Context, taskID, detail string) error {
	return c.fail(ctx, taskID, model.ReasonExecutionFailed, detail, true)
}

// fail moves a task to the failed state and, when refund is set, returns
// the locked funds to the agent. Losing the transition race makes the
// whole call a no-op.
func (c *Coordinator) fail(ctx context.Context, taskID string, reason model.FailReason, detail string, refund bool) error {
	task, err := c.transition(taskID, model.TaskFailed, func(t *model.Task) {
		t.FailReason = reason
		t.FailDetail = detail
	})
	if err != nil {
		return err
	}

	if task.AssignedNodeID != "" {
		out := registry.Outcome{
			LoadDelta:       loadReleaseDelta,
			ReputationDelta: repFailureDelta,
			Result:          registry.ResultFailure,
		}
		if reason == model.ReasonCancelled {
			// the node did not misbehave on a cancellation
			out.ReputationDelta = 0
			out.Result = registry.ResultNone
		}
		_ = c.reg.ApplyOutcome(task.AssignedNodeID, out)
	}

	c.hub.Publish(model.Event{
		Type: model.EventTaskFailed, TaskID: taskID,
		Description: fmt.Sprintf("task failed: %s", reason),
	})

	if !refund {
		return nil
	}
	return c.refund(ctx, task)
}

func (c *Coordinator) refund(ctx context.Context, task model.Task) error {
	esc, err := c.escrows.GetByTask(task.ID)
	if err != nil {
		// no funds were ever locked
		return nil
	}
	if esc.Status.Settled() {
		return nil
	}
	var txRef string
	err = c.cfg.Retry.Do(ctx, func() error {
		var lerr error
		txRef, lerr = c.gw.Refund(ctx, esc.EscrowRef)
		return lerr
	})
	if err != nil {
		return c.flagSettlement(task.ID, err)
	}
	c.settleEscrow(task, model.EscrowRefunded, txRef)
	c.hub.Publish(model.Event{
		Type: model.EventPaymentRefunded, TaskID: task.ID,
		Description: "escrow refunded to agent", TxRef: txRef,
	})
	return nil
}

// Cancel honors a cancellation request before execution is dispatched.
// Once executing, cancellation is a refund-accounted failure path.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) error {
	unlock := c.locks.lock(taskID)
	task, err := c.tasks.Get(taskID)
	if err != nil {
		unlock()
		return ErrTaskNotFound
	}
	state := task.Status
	unlock()

	switch state {
	case model.TaskSubmitted, model.TaskEscrowLocking, model.TaskRouting:
		t, err := c.transition(taskID, model.TaskRefunded, func(t *model.Task) {
			t.FailReason = model.ReasonCancelled
		})
		if err != nil {
			return err
		}
		return c.refund(ctx, t)
	case model.TaskExecuting:
		return c.fail(ctx, taskID, model.ReasonCancelled, "cancelled by agent", true)
	default:
		return fmt.Errorf("%w: status %s", ErrNotCancellable, state)
	}
}

// Dispute suspends automatic settlement. It is an administrative action,
// never triggered automatically, and is only accepted while the escrow is
// still open and, for completed tasks, inside the dispute window.
func (c *Coordinator) Dispute(taskID string) error {
	unlock := c.locks.lock(taskID)
	defer unlock()

	task, err := c.tasks.Get(taskID)
	if err != nil {
		return ErrTaskNotFound
	}
	if task.Status != model.TaskExecuting && task.Status != model.TaskCompleted {
		return fmt.Errorf("%w: status %s", ErrNotDisputable, task.Status)
	}
	if task.Status == model.TaskCompleted {
		if task.CompletedAt == nil || time.Since(*task.CompletedAt) > c.cfg.DisputeWindow {
			return fmt.Errorf("%w: dispute window elapsed", ErrNotDisputable)
		}
	}
	esc, err := c.escrows.GetByTask(taskID)
	if err == nil && esc.Status.Settled() {
		return fmt.Errorf("%w: nothing left to dispute", ErrEscrowSettled)
	}

	task.Status = model.TaskDisputed
	if err := c.tasks.Update(task); err != nil {
		return err
	}
	logger.Warnf("task %s disputed", taskID)
	return nil
}

type Resolution struct {
	// Outcome is one of "release", "refund", "slash".
	Outcome      string
	SlashPercent float64
	Reason       string
}

// Resolve settles a disputed task. Exactly one settlement is issued.
func (c *Coordinator) Resolve(ctx context.Context, taskID string, res Resolution) error {
	switch res.Outcome {
	case "release":
		return c.complete(ctx, taskID, "")
	case "refund":
		t, err := c.transition(taskID, model.TaskRefunded, func(t *model.Task) {
			t.FailDetail = res.Reason
		})
		if err != nil {
			return err
		}
		if t.AssignedNodeID != "" {
			_ = c.reg.ApplyOutcome(t.AssignedNodeID, registry.Outcome{
				LoadDelta:       loadReleaseDelta,
				ReputationDelta: repFailureDelta,
				Result:          registry.ResultFailure,
			})
		}
		return c.refund(ctx, t)
	case "slash":
		task, err := c.transition(taskID, model.TaskFailed, func(t *model.Task) {
			t.FailReason = model.ReasonExecutionFailed
			t.FailDetail = res.Reason
		})
		if err != nil {
			return err
		}
		if task.AssignedNodeID != "" {
			_ = c.reg.ApplyOutcome(task.AssignedNodeID, registry.Outcome{
				LoadDelta:       loadReleaseDelta,
				ReputationDelta: repFailureDelta,
				Result:          registry.ResultFailure,
			})
		}
		var txRef string
		err = c.cfg.Retry.Do(ctx, func() error {
			var lerr error
			txRef, lerr = c.gw.Slash(ctx, c.escrowRef(task), res.SlashPercent, res.Reason)
			return lerr
		})
		if err != nil {
			return c.flagSettlement(taskID, err)
		}
		c.settleEscrow(task, model.EscrowSlashed, txRef)
		return nil
	default:
		return fmt.Errorf("%w: unknown resolution %q", ErrValidation, res.Outcome)
	}
}

func (c *Coordinator) Task(taskID string) (model.Task, error) {
	t, err := c.tasks.Get(taskID)
	if err != nil {
		return model.Task{}, ErrTaskNotFound
	}
	return t, nil
}

func (c *Coordinator) TasksByAgent(agentID string) []model.Task {
	return c.tasks.ListByAgent(agentID)
}

func (c *Coordinator) Escrow(taskID string) (model.Escrow, error) {
	return c.escrows.GetByTask(taskID)
}

// PaymentsByAgent flattens the agent's escrows into their ledger
// movements, newest first.
func (c *Coordinator) PaymentsByAgent(agentID string) []model.Payment {
	out := []model.Payment{}
	for _, esc := range c.escrows.ListByAgent(agentID) {
		out = append(out, esc.Payments()...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].TxRef < out[j].TxRef
	})
	return out
}

// OpenEscrows lists escrows still holding funds.
func (c *Coordinator) OpenEscrows() []model.Escrow {
	return c.escrows.ListOpen()
}

// transition applies a single state change under the per-task lock. The
// lock is never held across a ledger or dispatch round-trip.
func (c *Coordinator) transition(taskID string, to model.TaskState, mutate func(*model.Task)) (model.Task, error) {
	unlock := c.locks.lock(taskID)
	defer unlock()

	task, err := c.tasks.Get(taskID)
	if err != nil {
		return model.Task{}, ErrTaskNotFound
	}
	if !transitionAllowed(task.Status, to) {
		return model.Task{}, fmt.Errorf("%w: %s -> %s for task %s", ErrIllegalTransition, task.Status, to, taskID)
	}
	task.Status = to
	if mutate != nil {
		mutate(&task)
	}
	if err := c.tasks.Update(task); err != nil {
		return model.Task{}, err
	}
	logger.Debugf("task %s -> %s", taskID, to)
	return task, nil
}

// settleEscrow records the single settlement applied to a task's escrow.
func (c *Coordinator) settleEscrow(task model.Task, status model.EscrowStatus, txRef string) {
	unlock := c.locks.lock(task.ID)
	defer unlock()

	esc, err := c.escrows.GetByTask(task.ID)
	if err != nil {
		return
	}
	if esc.Status.Settled() {
		logger.Warnf("escrow %s already settled as %s", esc.EscrowRef, esc.Status)
		return
	}
	esc.Status = status
	esc.SettleTxRef = txRef
	now := time.Now().UTC()
	esc.SettledAt = &now
	if err := c.escrows.Update(esc); err != nil {
		logger.Error("persist escrow settlement failed, err: ", err)
	}
}

// flagSettlement marks a task whose settlement call failed after its
// outcome was final. The inconsistency is surfaced, never hidden.
func (c *Coordinator) flagSettlement(taskID string, cause error) error {
	unlock := c.locks.lock(taskID)
	defer unlock()

	task, err := c.tasks.Get(taskID)
	if err != nil {
		return cause
	}
	task.SettlementPending = true
	if uerr := c.tasks.Update(task); uerr != nil {
		logger.Error("persist settlement flag failed, err: ", uerr)
	}
	logger.Errorf("task %s settlement pending manual intervention: %v", taskID, cause)
	return fmt.Errorf("settlement pending for task %s: %w", taskID, cause)
}

func (c *Coordinator) escrowRef(task model.Task) string {
	esc, err := c.escrows.GetByTask(task.ID)
	if err != nil {
		return ""
	}
	return esc.EscrowRef
}

func (c *Coordinator) noteAgentSubmitted(agentID string) {
	if c.agents == nil {
		return
	}
	a, err := c.agents.Get(agentID)
	if err != nil {
		return
	}
	a.TasksSubmitted++
	_ = c.agents.Update(a)
}

func (c *Coordinator) noteAgentCompleted(agentID string) {
	if c.agents == nil {
		return
	}
	a, err := c.agents.Get(agentID)
	if err != nil {
		return
	}
	a.TasksCompleted++
	a.ReputationScore += agentRepDelta
	if a.ReputationScore > 100 {
		a.ReputationScore = 100
	}
	_ = c.agents.Update(a)
}
