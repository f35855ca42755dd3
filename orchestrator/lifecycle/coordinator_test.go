package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autoflow/orchestrator-api/orchestrator/dispatch"
	"github.com/autoflow/orchestrator-api/orchestrator/engine"
	"github.com/autoflow/orchestrator-api/orchestrator/ledger"
	"github.com/autoflow/orchestrator-api/orchestrator/model"
	"github.com/autoflow/orchestrator-api/orchestrator/registry"
	"github.com/autoflow/orchestrator-api/orchestrator/store"
)

type fakeLedger struct {
	mu         sync.Mutex
	locks      int
	lockErrs   []error
	releaseErr error
	refundErr  error
	releases   []string
	refunds    []string
	slashes    []string
	// lockHook runs while a lock is in flight, outside the fake's own
	// mutex, to stage races against Submit
	lockHook func()
}

func (f *fakeLedger) Lock(_ context.Context, _ [32]byte, amount float64, _ time.Duration) (*ledger.LockReceipt, error) {
	f.mu.Lock()
	f.locks++
	n := f.locks
	var err error
	if len(f.lockErrs) > 0 {
		err = f.lockErrs[0]
		f.lockErrs = f.lockErrs[1:]
	}
	hook := f.lockHook
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &ledger.LockReceipt{
		EscrowRef: fmt.Sprintf("E%d", n),
		TxRef:     fmt.Sprintf("0xlock%d", n),
	}, nil
}

func (f *fakeLedger) Release(_ context.Context, escrowRef, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return "", f.releaseErr
	}
	f.releases = append(f.releases, escrowRef)
	return "0xrelease", nil
}

func (f *fakeLedger) Refund(_ context.Context, escrowRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return "", f.refundErr
	}
	f.refunds = append(f.refunds, escrowRef)
	return "0xrefund", nil
}

func (f *fakeLedger) Slash(_ context.Context, escrowRef string, _ float64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slashes = append(f.slashes, escrowRef)
	return "0xslash", nil
}

func (f *fakeLedger) Status(_ context.Context, _ string) (model.EscrowStatus, error) {
	return model.EscrowLocked, nil
}

func (f *fakeLedger) settlements() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.releases) + len(f.refunds) + len(f.slashes)
}

type fakeDispatch struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeDispatch) Dispatch(_ context.Context, task model.Task, _ model.Node) (*dispatch.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &dispatch.Ack{ExecutionRef: "exec-" + task.ID, Status: "accepted"}, nil
}

type recordingHub struct {
	mu     sync.Mutex
	events []model.Event
}

func (h *recordingHub) Publish(ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHub) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	co      *Coordinator
	gw      *fakeLedger
	disp    *fakeDispatch
	hub     *recordingHub
	reg     *registry.MemoryRegistry
	tasks   *store.MemoryTaskStore
	escrows *store.MemoryEscrowStore
}

func newFixture(t *testing.T, nodes ...model.Node) *fixture {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	for _, n := range nodes {
		require.NoError(t, reg.Register(n))
	}
	eng, err := engine.New(reg, engine.Options{})
	require.NoError(t, err)

	f := &fixture{
		gw:      &fakeLedger{},
		disp:    &fakeDispatch{},
		hub:     &recordingHub{},
		reg:     reg,
		tasks:   store.NewMemoryTaskStore(),
		escrows: store.NewMemoryEscrowStore(),
	}
	f.co = NewCoordinator(f.tasks, f.escrows, store.NewMemoryAgentStore(), reg, eng, f.gw, f.disp, f.hub, Config{
		BufferPercent: 10,
		EscrowTimeout: time.Hour,
		Retry:         ledger.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	return f
}

func capableNode(id string) model.Node {
	return model.Node{
		ID:              id,
		OperatorAddress: "0xoperator" + id,
		Endpoint:        "http://" + id + ".test",
		Status:          model.NodeOnline,
		Specs:           model.NodeSpecs{CPUCores: 8, RAMGb: 16},
		CurrentLoad:     10,
		AvgLatencyMs:    45,
		ReputationScore: 90,
		PricePerCPUHour: 3,
		PricePerGbHour:  1,
	}
}

func submitReq() SubmitRequest {
	return SubmitRequest{
		AgentID:      "agent-1",
		Type:         "training",
		Requirements: model.ComputeRequirements{CPUCores: 4, RAMGb: 8},
		MaxBudget:    100,
	}
}

func TestSubmitHappyPath(t *testing.T) {
	f := newFixture(t, capableNode("n1"))

	res, err := f.co.Submit(context.Background(), submitReq())
	require.NoError(t, err)
	require.Equal(t, model.TaskExecuting, res.Task.Status)
	require.Equal(t, "n1", res.Task.AssignedNodeID)
	require.NotNil(t, res.Task.Decision)
	require.Equal(t, "exec-"+res.Task.ID, res.Task.ExecutionRef)

	// the lock covers budget plus the buffer
	require.InDelta(t, 110, res.Escrow.LockedAmount, 1e-9)
	require.Equal(t, "E1", res.Escrow.EscrowRef)
	require.Equal(t, model.EscrowLocked, res.Escrow.Status)

	require.Equal(t, 1, f.disp.calls)
	require.Contains(t, f.hub.types(), model.EventTaskSubmitted)
	require.Contains(t, f.hub.types(), model.EventTaskAssigned)

	// assignment bumps load but counts nothing yet
	n, err := f.reg.Get("n1")
	require.NoError(t, err)
	require.InDelta(t, 20, n.CurrentLoad, 1e-9)
	require.Zero(t, n.TasksCompleted)
	require.Zero(t, n.TasksFailed)
}

func TestSubmitValidationNeverTouchesLedger(t *testing.T) {
	f := newFixture(t, capableNode("n1"))

	for _, req := range []SubmitRequest{
		{Type: "training", Requirements: model.ComputeRequirements{CPUCores: 1, RAMGb: 1}, MaxBudget: 10},
		{AgentID: "a", Requirements: model.ComputeRequirements{CPUCores: 1, RAMGb: 1}, MaxBudget: 10},
		{AgentID: "a", Type: "t", Requirements: model.ComputeRequirements{CPUCores: 1, RAMGb: 1}},
		{AgentID: "a", Type: "t", Requirements: model.ComputeRequirements{CPUCores: 1, RAMGb: 1}, MaxBudget: -5},
		{AgentID: "a", Type: "t", Requirements: model.ComputeRequirements{CPUCores: 0, RAMGb: 1}, MaxBudget: 10},
		{AgentID: "a", Type: "t", Requirements: model.ComputeRequirements{CPUCores: 1, RAMGb: 1}, MaxBudget: 10, Priority: "urgent"},
	} {
		_, err := f.co.Submit(context.Background(), req)
		require.ErrorIs(t, err, ErrValidation)
	}
	require.Zero(t, f.gw.locks)
}

func TestSubmitRetriesTransientLockFailures(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	f.gw.lockErrs = []error{ledger.ErrLedgerUnavailable, ledger.ErrLedgerUnavailable}

	res, err := f.co.Submit(context.Background(), submitReq())
	require.NoError(t, err)
	require.Equal(t, model.TaskExecuting, res.Task.Status)
	require.Equal(t, 3, f.gw.locks)
}

func TestSubmitLockExhaustionFailsTask(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	f.gw.lockErrs = []error{ledger.ErrLedgerUnavailable, ledger.ErrLedgerUnavailable, ledger.ErrLedgerUnavailable}

	_, err := f.co.Submit(context.Background(), submitReq())
	require.Error(t, err)
	require.Equal(t, 3, f.gw.locks)

	tasks := f.tasks.List()
	require.Len(t, tasks, 1)
	require.Equal(t, model.TaskFailed, tasks[0].Status)
	require.Equal(t, model.ReasonEscrowLockFailed, tasks[0].FailReason)
	// nothing was locked, nothing to refund
	require.Zero(t, f.gw.settlements())
}

func TestSubmitInsufficientFundsNotRetried(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	f.gw.lockErrs = []error{ledger.ErrInsufficientFunds}

	_, err := f.co.Submit(context.Background(), submitReq())
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.Equal(t, 1, f.gw.locks)

	tasks := f.tasks.List()
	require.Len(t, tasks, 1)
	require.Equal(t, model.ReasonEscrowLockFailed, tasks[0].FailReason)
}

func TestSubmitNoEligibleNodeRefundsOnce(t *testing.T) {
	f := newFixture(t) // empty registry

	_, err := f.co.Submit(context.Background(), submitReq())
	require.ErrorIs(t, err, engine.ErrNoEligibleNode)

	tasks := f.tasks.List()
	require.Len(t, tasks, 1)
	require.Equal(t, model.TaskFailed, tasks[0].Status)
	require.Equal(t, model.ReasonNoEligibleNode, tasks[0].FailReason)

	// funds were locked as E1, then refunded exactly once
	require.Equal(t, []string{"E1"}, f.gw.refunds)
	require.Empty(t, f.gw.releases)

	esc, err := f.escrows.GetByTask(tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.EscrowRefunded, esc.Status)
}

func TestSubmitDispatchFailureRefunds(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	f.disp.err = fmt.Errorf("connection refused")

	_, err := f.co.Submit(context.Background(), submitReq())
	require.Error(t, err)

	tasks := f.tasks.List()
	require.Len(t, tasks, 1)
	require.Equal(t, model.TaskFailed, tasks[0].Status)
	require.Equal(t, model.ReasonDispatchFailed, tasks[0].FailReason)
	require.Equal(t, []string{"E1"}, f.gw.refunds)

	// assignment load bump is rolled back, failure counted
	n, err := f.reg.Get("n1")
	require.NoError(t, err)
	require.InDelta(t, 10, n.CurrentLoad, 1e-9)
	require.Equal(t, 1, n.TasksFailed)
}

func TestCompletionReleasesExactlyOnce(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	res, err := f.co.Submit(context.Background(), submitReq())
	require.NoError(t, err)

	sig := dispatch.CompletionSignal{TaskID: res.Task.ID, Completed: true, ResultRef: "s3://results/1"}
	require.NoError(t, f.co.HandleCompletion(context.Background(), sig))

	task, err := f.co.Task(res.Task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, task.Status)
	require.Equal(t, 100, task.Progress)
	require.Equal(t, "s3://results/1", task.ResultRef)
	require.NotNil(t, task.CompletedAt)

	require.Equal(t, []string{"E1"}, f.gw.releases)
	esc, err := f.escrows.GetByTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, model.EscrowReleased, esc.Status)
	require.Equal(t, "0xrelease", esc.SettleTxRef)

	n, _ := f.reg.Get("n1")
	require.Equal(t, 1, n.TasksCompleted)
	require.InDelta(t, 91, n.ReputationScore, 1e-9)
	require.InDelta(t, 10, n.CurrentLoad, 1e-9)

	// a duplicate signal is rejected and settles nothing further
	err = f.co.HandleCompletion(context.Background(), sig)
	require.ErrorIs(t, err, ErrIllegalTransition)
	require.Equal(t, 1, f.gw.settlements())

	require.Contains(t, f.hub.types(), model.EventTaskCompleted)
	require.Contains(t, f.hub.types(), model.EventPaymentReleased)
}

func TestExecutionFailureRefunds(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	res, err := f.co.Submit(context.Background(), submitReq())
	require.NoError(t, err)

	err = f.co.HandleCompletion(context.Background(), dispatch.CompletionSignal{
		TaskID: res.Task.ID, Completed: false, Reason: "oom killed",
	})
	require.NoError(t, err)

	task, _ := f.co.Task(res.Task.ID)
	require.Equal(t, model.TaskFailed, task.Status)
	require.Equal(t, model.ReasonExecutionFailed, task.FailReason)
	require.Equal(t, "oom killed", task.FailDetail)
	require.Equal(t, []string{"E1"}, f.gw.refunds)

	n, _ := f.reg.Get("n1")
	require.Equal(t, 1, n.TasksFailed)
	require.InDelta(t, 88, n.ReputationScore, 1e-9)
}

func TestFailedReleaseFlagsSettlementPending(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	res, err := f.co.Submit(context.Background(), submitReq())
	require.NoError(t, err)

	f.gw.releaseErr = ledger.ErrLedgerUnavailable
	err = f.co.HandleCompletion(context.Background(), dispatch.CompletionSignal{
		TaskID: res.Task.ID, Completed: true,
	})
	require.Error(t, err)

	// the outcome stays completed, the stuck settlement is surfaced
	task, _ := f.co.Task(res.Task.ID)
	require.Equal(t, model.TaskCompleted, task.Status)
	require.True(t, task.SettlementPending)

	esc, _ := f.escrows.GetByTask(res.Task.ID)
	require.Equal(t, model.EscrowLocked, esc.Status)
	require.Zero(t, f.gw.settlements())
}

func TestCancelBeforeAssignment(t *testing.T) {
	f := newFixture(t, capableNode("n1"))

	// a task parked in routing with locked funds
	task := model.Task{ID: "t1", AgentID: "agent-1", Type: "t", Status: model.TaskRouting, MaxBudget: 50}
	require.NoError(t, f.tasks.Create(task))
	require.NoError(t, f.escrows.Create(model.Escrow{
		ID: "e1", TaskID: "t1", AgentID: "agent-1", EscrowRef: "E9",
		Status: model.EscrowLocked, TimeoutAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, f.co.Cancel(context.Background(), "t1"))

	got, _ := f.co.Task("t1")
	require.Equal(t, model.TaskRefunded, got.Status)
	require.Equal(t, model.ReasonCancelled, got.FailReason)
	require.Equal(t, []string{"E9"}, f.gw.refunds)
}

func TestCancelWhileExecuting(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	res, err := f.co.Submit(context.Background(), submitReq())
	require.NoError(t, err)

	require.NoError(t, f.co.Cancel(context.Background(), res.Task.ID))

	task, _ := f.co.Task(res.Task.ID)
	require.Equal(t, model.TaskFailed, task.Status)
	require.Equal(t, model.ReasonCancelled, task.FailReason)
	require.Equal(t, []string{"E1"}, f.gw.refunds)

	// cancellation is not the node's fault
	n, _ := f.reg.Get("n1")
	require.InDelta(t, 90, n.ReputationScore, 1e-9)
	require.Zero(t, n.TasksFailed)

	err = f.co.Cancel(context.Background(), res.Task.ID)
	require.ErrorIs(t, err, ErrNotCancellable)
}

func TestSweepRefundsExpiredEscrow(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	res, err := f.co.Submit(context.Background(), submitReq())
	require.NoError(t, err)

	// force the escrow past its deadline
	esc, err := f.escrows.GetByTask(res.Task.ID)
	require.NoError(t, err)
	esc.TimeoutAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.escrows.Update(esc))

	swept := f.co.SweepExpired(context.Background())
	require.Equal(t, 1, swept)

	task, _ := f.co.Task(res.Task.ID)
	require.Equal(t, model.TaskFailed, task.Status)
	require.Equal(t, model.ReasonEscrowTimeout, task.FailReason)
	require.Equal(t, []string{"E1"}, f.gw.refunds)

	// second sweep finds nothing open
	require.Zero(t, f.co.SweepExpired(context.Background()))
}

func TestCancelDuringEscrowLockRefunds(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	// the cancel lands while the lock call is still in flight
	f.gw.lockHook = func() {
		for _, task := range f.tasks.List() {
			require.NoError(t, f.co.Cancel(context.Background(), task.ID))
		}
	}

	_, err := f.co.Submit(context.Background(), submitReq())
	require.ErrorIs(t, err, ErrIllegalTransition)

	tasks := f.tasks.List()
	require.Len(t, tasks, 1)
	require.Equal(t, model.TaskRefunded, tasks[0].Status)

	// the lock that confirmed after the cancel must not strand funds
	esc, err := f.escrows.GetByTask(tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.EscrowRefunded, esc.Status)
	require.Equal(t, []string{"E1"}, f.gw.refunds)
	require.Equal(t, 1, f.gw.settlements())
}

func TestSweepReclaimsOrphanedEscrow(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	require.NoError(t, f.tasks.Create(model.Task{
		ID: "t-orphan", AgentID: "agent-1", Type: "t",
		Status: model.TaskRefunded, CreatedAt: now,
	}))
	require.NoError(t, f.escrows.Create(model.Escrow{
		ID: "esc-orphan", TaskID: "t-orphan", AgentID: "agent-1",
		LockedAmount: 110, EscrowRef: "E9", LockTxRef: "0xlock",
		Status:   model.EscrowLocked,
		LockedAt: now.Add(-2 * time.Hour), TimeoutAt: now.Add(-time.Hour),
	}))

	require.Equal(t, 1, f.co.SweepExpired(context.Background()))
	esc, err := f.escrows.Get("esc-orphan")
	require.NoError(t, err)
	require.Equal(t, model.EscrowRefunded, esc.Status)
	require.Equal(t, []string{"E9"}, f.gw.refunds)

	require.Zero(t, f.co.SweepExpired(context.Background()))
}

func TestSweepLeavesCompletedEscrowAlone(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	require.NoError(t, f.tasks.Create(model.Task{
		ID: "t-done", AgentID: "agent-1", Type: "t",
		Status: model.TaskCompleted, CreatedAt: now, CompletedAt: &now,
	}))
	require.NoError(t, f.escrows.Create(model.Escrow{
		ID: "esc-done", TaskID: "t-done", AgentID: "agent-1",
		LockedAmount: 110, EscrowRef: "E9", LockTxRef: "0xlock",
		Status:   model.EscrowLocked,
		LockedAt: now.Add(-2 * time.Hour), TimeoutAt: now.Add(-time.Hour),
	}))

	// a completed task's open escrow belongs to the node once released;
	// the sweep never refunds it on its own
	require.Zero(t, f.co.SweepExpired(context.Background()))
	require.Zero(t, f.gw.settlements())
}

func TestSweepIgnoresUnexpired(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	_, err := f.co.Submit(context.Background(), submitReq())
	require.NoError(t, err)

	require.Zero(t, f.co.SweepExpired(context.Background()))
	require.Zero(t, f.gw.settlements())
}

func TestSweepCompletionRaceSettlesOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, capableNode("n1"))
		res, err := f.co.Submit(context.Background(), submitReq())
		require.NoError(t, err)

		esc, err := f.escrows.GetByTask(res.Task.ID)
		require.NoError(t, err)
		esc.TimeoutAt = time.Now().Add(-time.Minute)
		require.NoError(t, f.escrows.Update(esc))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.co.SweepExpired(context.Background())
		}()
		go func() {
			defer wg.Done()
			_ = f.co.HandleCompletion(context.Background(), dispatch.CompletionSignal{
				TaskID: res.Task.ID, Completed: true,
			})
		}()
		wg.Wait()

		task, _ := f.co.Task(res.Task.ID)
		require.True(t, task.Status.Terminal())
		require.Equal(t, 1, f.gw.settlements(), "exactly one settlement per task")

		esc, _ = f.escrows.GetByTask(res.Task.ID)
		require.True(t, esc.Status.Settled())
	}
}

func TestDisputeSuspendsSweep(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	res, err := f.co.Submit(context.Background(), submitReq())
	require.NoError(t, err)

	require.NoError(t, f.co.Dispute(res.Task.ID))
	task, _ := f.co.Task(res.Task.ID)
	require.Equal(t, model.TaskDisputed, task.Status)

	// even an expired escrow is left alone while disputed
	esc, _ := f.escrows.GetByTask(res.Task.ID)
	esc.TimeoutAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.escrows.Update(esc))
	require.Zero(t, f.co.SweepExpired(context.Background()))
	require.Zero(t, f.gw.settlements())
}

func TestDisputeWindowAndSettledEscrow(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	res, err := f.co.Submit(context.Background(), submitReq())
	require.NoError(t, err)
	require.NoError(t, f.co.HandleCompletion(context.Background(), dispatch.CompletionSignal{
		TaskID: res.Task.ID, Completed: true,
	}))

	// escrow already released
	err = f.co.Dispute(res.Task.ID)
	require.ErrorIs(t, err, ErrEscrowSettled)

	// completed long ago, outside the window
	old := time.Now().Add(-48 * time.Hour)
	task := model.Task{ID: "t-old", AgentID: "a", Type: "t", Status: model.TaskCompleted, CompletedAt: &old}
	require.NoError(t, f.tasks.Create(task))
	err = f.co.Dispute("t-old")
	require.ErrorIs(t, err, ErrNotDisputable)

	// never-started task is not disputable either
	require.NoError(t, f.tasks.Create(model.Task{ID: "t-sub", AgentID: "a", Type: "t", Status: model.TaskSubmitted}))
	err = f.co.Dispute("t-sub")
	require.ErrorIs(t, err, ErrNotDisputable)
}

func TestResolveSlash(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	res, err := f.co.Submit(context.Background(), submitReq())
	require.NoError(t, err)
	require.NoError(t, f.co.Dispute(res.Task.ID))

	err = f.co.Resolve(context.Background(), res.Task.ID, Resolution{
		Outcome: "slash", SlashPercent: 25, Reason: "partial results",
	})
	require.NoError(t, err)

	task, _ := f.co.Task(res.Task.ID)
	require.Equal(t, model.TaskFailed, task.Status)
	require.Equal(t, []string{"E1"}, f.gw.slashes)

	esc, _ := f.escrows.GetByTask(res.Task.ID)
	require.Equal(t, model.EscrowSlashed, esc.Status)

	// terminal now, a second resolution is rejected
	err = f.co.Resolve(context.Background(), res.Task.ID, Resolution{Outcome: "refund"})
	require.ErrorIs(t, err, ErrIllegalTransition)
	require.Equal(t, 1, f.gw.settlements())
}

func TestResolveRefund(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	res, err := f.co.Submit(context.Background(), submitReq())
	require.NoError(t, err)
	require.NoError(t, f.co.Dispute(res.Task.ID))

	err = f.co.Resolve(context.Background(), res.Task.ID, Resolution{Outcome: "refund", Reason: "never ran"})
	require.NoError(t, err)

	task, _ := f.co.Task(res.Task.ID)
	require.Equal(t, model.TaskRefunded, task.Status)
	require.Equal(t, []string{"E1"}, f.gw.refunds)
}

func TestResolveUnknownOutcome(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	err := f.co.Resolve(context.Background(), "whatever", Resolution{Outcome: "split"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestNoShortcutToCompleted(t *testing.T) {
	f := newFixture(t, capableNode("n1"))
	require.NoError(t, f.tasks.Create(model.Task{ID: "t1", AgentID: "a", Type: "t", Status: model.TaskSubmitted}))

	// a completion signal cannot skip the pipeline
	err := f.co.HandleCompletion(context.Background(), dispatch.CompletionSignal{TaskID: "t1", Completed: true})
	require.ErrorIs(t, err, ErrIllegalTransition)

	got, _ := f.co.Task("t1")
	require.Equal(t, model.TaskSubmitted, got.Status)
	require.Zero(t, f.gw.settlements())
}

func TestUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.co.Task("nope")
	require.ErrorIs(t, err, ErrTaskNotFound)
	err = f.co.Cancel(context.Background(), "nope")
	require.ErrorIs(t, err, ErrTaskNotFound)
	err = f.co.Dispute("nope")
	require.ErrorIs(t, err, ErrTaskNotFound)
}
