package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/autoflow/orchestrator-api/orchestrator/model"
)

var (
	// ErrLedgerUnavailable marks transient transport failures; callers
	// may retry with backoff.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrInsufficientFunds and ErrRejectedByLedger are permanent; a
	// retry cannot succeed.
	ErrInsufficientFunds = errors.New("insufficient funds for escrow lock")
	ErrRejectedByLedger  = errors.New("rejected by ledger")
	ErrUnknownEscrow     = errors.New("unknown escrow reference")
	ErrAlreadySettled    = errors.New("escrow already settled")
)

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable)
}

type LockReceipt struct {
	EscrowRef        string
	TxRef            string
	ConfirmedAtBlock uint64
}

// Gateway wraps the external escrow ledger. Settlement calls are
// idempotent on the ledger side: a retried call against an already
// settled escrowRef never double-pays.
type Gateway interface {
	Lock(ctx context.Context, taskHash [32]byte, amount float64, timeout time.Duration) (*LockReceipt, error)
	Release(ctx context.Context, escrowRef, payee string) (string, error)
	Refund(ctx context.Context, escrowRef string) (string, error)
	Slash(ctx context.Context, escrowRef string, percentage float64, reason string) (string, error)
	Status(ctx context.Context, escrowRef string) (model.EscrowStatus, error)
}

// TaskHash derives the 32-byte ledger identity of a task.
func TaskHash(taskID string) [32]byte {
	var h [32]byte
	copy(h[:], crypto.Keccak256([]byte("task-"+taskID)))
	return h
}

// RetryPolicy retries transient ledger failures with bounded exponential
// backoff. Permanent failures return immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}
}

func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = op()
		if err == nil || !Transient(err) {
			return err
		}
	}
	return err
}
