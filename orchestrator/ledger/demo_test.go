package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autoflow/orchestrator-api/orchestrator/model"
)

func TestDemoLockAndStatus(t *testing.T) {
	g := NewDemoGateway()
	ctx := context.Background()

	r1, err := g.Lock(ctx, TaskHash("task-a"), 110, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "demo-1", r1.EscrowRef)
	require.NotEmpty(t, r1.TxRef)

	r2, err := g.Lock(ctx, TaskHash("task-b"), 55, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "demo-2", r2.EscrowRef)

	st, err := g.Status(ctx, r1.EscrowRef)
	require.NoError(t, err)
	require.Equal(t, model.EscrowLocked, st)

	_, err = g.Status(ctx, "demo-99")
	require.ErrorIs(t, err, ErrUnknownEscrow)

	_, err = g.Lock(ctx, TaskHash("task-c"), 0, time.Hour)
	require.ErrorIs(t, err, ErrRejectedByLedger)
}

func TestDemoSettleIdempotent(t *testing.T) {
	g := NewDemoGateway()
	ctx := context.Background()
	r, err := g.Lock(ctx, TaskHash("t"), 100, time.Hour)
	require.NoError(t, err)

	tx1, err := g.Release(ctx, r.EscrowRef, "0xpayee")
	require.NoError(t, err)
	require.NotEmpty(t, tx1)

	// retrying the same settlement returns the recorded tx
	tx2, err := g.Release(ctx, r.EscrowRef, "0xpayee")
	require.NoError(t, err)
	require.Equal(t, tx1, tx2)

	// a conflicting settlement is rejected
	_, err = g.Refund(ctx, r.EscrowRef)
	require.ErrorIs(t, err, ErrAlreadySettled)

	st, _ := g.Status(ctx, r.EscrowRef)
	require.Equal(t, model.EscrowReleased, st)
}

func TestDemoSlashValidatesPercent(t *testing.T) {
	g := NewDemoGateway()
	ctx := context.Background()
	r, err := g.Lock(ctx, TaskHash("t"), 100, time.Hour)
	require.NoError(t, err)

	_, err = g.Slash(ctx, r.EscrowRef, 150, "over")
	require.ErrorIs(t, err, ErrRejectedByLedger)

	_, err = g.Slash(ctx, r.EscrowRef, 25, "partial")
	require.NoError(t, err)
	st, _ := g.Status(ctx, r.EscrowRef)
	require.Equal(t, model.EscrowSlashed, st)
}

func TestDemoDeterministicRefs(t *testing.T) {
	a := NewDemoGateway()
	b := NewDemoGateway()
	ctx := context.Background()

	ra, err := a.Lock(ctx, TaskHash("same"), 10, time.Hour)
	require.NoError(t, err)
	rb, err := b.Lock(ctx, TaskHash("same"), 10, time.Hour)
	require.NoError(t, err)
	require.Equal(t, ra.EscrowRef, rb.EscrowRef)
	require.Equal(t, ra.TxRef, rb.TxRef)
}

func TestRetryPolicyRetriesOnlyTransient(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return ErrLedgerUnavailable
	})
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	require.Equal(t, 3, calls)

	calls = 0
	err = p.Do(context.Background(), func() error {
		calls++
		return ErrInsufficientFunds
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Equal(t, 1, calls)

	calls = 0
	err = p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return ErrLedgerUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryPolicyHonorsContext(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Do(ctx, func() error {
			calls++
			return ErrLedgerUnavailable
		})
	}()
	cancel()
	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)
}

func TestTaskHashStable(t *testing.T) {
	require.Equal(t, TaskHash("abc"), TaskHash("abc"))
	require.NotEqual(t, TaskHash("abc"), TaskHash("abd"))
}
