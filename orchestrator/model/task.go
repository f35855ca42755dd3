package model

import (
	"encoding/json"
	"time"
)

type TaskState string

const (
	TaskSubmitted     TaskState = "submitted"
	TaskEscrowLocking TaskState = "escrow_locking"
	TaskRouting       TaskState = "routing"
	TaskAssigned      TaskState = "assigned"
	TaskExecuting     TaskState = "executing"
	TaskCompleted     TaskState = "completed"
	TaskFailed        TaskState = "failed"
	TaskRefunded      TaskState = "refunded"
	TaskDisputed      TaskState = "disputed"
)

// Terminal states are immutable; disputed is not terminal, it awaits an
// administrative settlement decision.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskRefunded:
		return true
	}
	return false
}

type FailReason string

const (
	ReasonEscrowLockFailed FailReason = "EscrowLockFailed"
	ReasonNoEligibleNode   FailReason = "NoEligibleNode"
	ReasonDispatchFailed   FailReason = "DispatchFailed"
	ReasonEscrowTimeout    FailReason = "EscrowTimeout"
	ReasonExecutionFailed  FailReason = "ExecutionFailed"
	ReasonCancelled        FailReason = "Cancelled"
)

type Task struct {
	ID           string              `json:"id"`
	AgentID      string              `json:"agentId"`
	Type         string              `json:"type"`
	Description  string              `json:"description"`
	Requirements ComputeRequirements `json:"computeRequirements"`
	MaxBudget    float64             `json:"maxBudget"`
	Priority     Priority            `json:"priority"`
	Status       TaskState           `json:"status"`

	AssignedNodeID string                 `json:"assignedNodeId,omitempty"`
	Decision       *OrchestrationDecision `json:"orchestrationDecision,omitempty"`
	EscrowID       string                 `json:"escrowId,omitempty"`
	ExecutionRef   string                 `json:"executionRef,omitempty"`
	ResultRef      string                 `json:"resultRef,omitempty"`
	Progress       int                    `json:"progress"`

	// SettlementPending flags a task whose outcome is final but whose
	// escrow settlement failed and needs administrative intervention.
	SettlementPending bool       `json:"settlementPending,omitempty"`
	FailReason        FailReason `json:"failReason,omitempty"`
	FailDetail        string     `json:"failDetail,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (t Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

func (t *Task) Decode(dat []byte) error {
	return json.Unmarshal(dat, t)
}

type EscrowStatus string

const (
	EscrowLocked   EscrowStatus = "locked"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowSlashed  EscrowStatus = "slashed"
)

func (s EscrowStatus) Settled() bool {
	return s != EscrowLocked
}

// Escrow is created atomically with a confirmed fund lock; one escrow per
// task. Only the lifecycle coordinator mutates it.
type Escrow struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"taskId"`
	AgentID      string       `json:"agentId"`
	LockedAmount float64      `json:"lockedAmount"`
	EscrowRef    string       `json:"escrowContractId"`
	LockTxRef    string       `json:"lockTxHash"`
	SettleTxRef  string       `json:"settleTxHash,omitempty"`
	Status       EscrowStatus `json:"status"`
	LockedAt     time.Time    `json:"lockedAt"`
	TimeoutAt    time.Time    `json:"timeoutAt"`
	SettledAt    *time.Time   `json:"settledAt,omitempty"`
}

func (e Escrow) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func (e *Escrow) Decode(dat []byte) error {
	return json.Unmarshal(dat, e)
}

type PaymentKind string

const (
	PaymentLock    PaymentKind = "lock"
	PaymentRelease PaymentKind = "release"
	PaymentRefund  PaymentKind = "refund"
	PaymentSlash   PaymentKind = "slash"
)

// Payment is one ledger movement, derived from an escrow record for the
// audit API. Every escrow yields a lock payment and, once settled, the
// settlement payment.
type Payment struct {
	TaskID    string      `json:"taskId"`
	AgentID   string      `json:"agentId"`
	EscrowID  string      `json:"escrowId"`
	Kind      PaymentKind `json:"kind"`
	Amount    float64     `json:"amount"`
	TxRef     string      `json:"txHash"`
	Timestamp time.Time   `json:"timestamp"`
}

// Payments expands an escrow into its ledger movements.
func (e Escrow) Payments() []Payment {
	out := []Payment{{
		TaskID:    e.TaskID,
		AgentID:   e.AgentID,
		EscrowID:  e.ID,
		Kind:      PaymentLock,
		Amount:    e.LockedAmount,
		TxRef:     e.LockTxRef,
		Timestamp: e.LockedAt,
	}}
	if !e.Status.Settled() || e.SettleTxRef == "" {
		return out
	}
	kind := PaymentRelease
	switch e.Status {
	case EscrowRefunded:
		kind = PaymentRefund
	case EscrowSlashed:
		kind = PaymentSlash
	}
	settled := e.LockedAt
	if e.SettledAt != nil {
		settled = *e.SettledAt
	}
	out = append(out, Payment{
		TaskID:    e.TaskID,
		AgentID:   e.AgentID,
		EscrowID:  e.ID,
		Kind:      kind,
		Amount:    e.LockedAmount,
		TxRef:     e.SettleTxRef,
		Timestamp: settled,
	})
	return out
}

// Agent is a task submitter.
type Agent struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	WalletAddress   string    `json:"walletAddress"`
	APIKey          string    `json:"apiKey,omitempty"`
	ReputationScore float64   `json:"reputationScore"`
	TasksSubmitted  int       `json:"tasksSubmitted"`
	TasksCompleted  int       `json:"tasksCompleted"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (a Agent) Encode() ([]byte, error) {
	return json.Marshal(a)
}

func (a *Agent) Decode(dat []byte) error {
	return json.Unmarshal(dat, a)
}
