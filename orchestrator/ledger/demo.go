package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/autoflow/orchestrator-api/lib/logc"
	"github.com/autoflow/orchestrator-api/orchestrator/model"
)

var logger = logc.Logger("ledger")

// DemoGateway is the explicit offline settlement backend, selected only
// by configuration (ledger.mode = "demo"). It keeps escrow state in
// memory and produces deterministic references. It is never used as a
// fallback when a real chain call fails.
type DemoGateway struct {
	mu      sync.Mutex
	nextID  uint64
	escrows map[string]*demoEscrow
}

type demoEscrow struct {
	amount   float64
	status   model.EscrowStatus
	settleTx string
}

func NewDemoGateway() *DemoGateway {
	logger.Warn("ledger running in demo mode, no funds are moved")
	return &DemoGateway{escrows: make(map[string]*demoEscrow), nextID: 1}
}

func (g *DemoGateway) Lock(_ context.Context, taskHash [32]byte, amount float64, _ time.Duration) (*LockReceipt, error) {
	if amount <= 0 {
		return nil, ErrRejectedByLedger
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ref := fmt.Sprintf("demo-%d", g.nextID)
	g.nextID++
	g.escrows[ref] = &demoEscrow{amount: amount, status: model.EscrowLocked}
	return &LockReceipt{
		EscrowRef:        ref,
		TxRef:            demoTx("lock", ref, taskHash[:]),
		ConfirmedAtBlock: g.nextID,
	}, nil
}

func (g *DemoGateway) Release(_ context.Context, escrowRef, payee string) (string, error) {
	return g.settle(escrowRef, model.EscrowReleased, "release", []byte(payee))
}

func (g *DemoGateway) Refund(_ context.Context, escrowRef string) (string, error) {
	return g.settle(escrowRef, model.EscrowRefunded, "refund", nil)
}

func (g *DemoGateway) Slash(_ context.Context, escrowRef string, percentage float64, reason string) (string, error) {
	if percentage < 0 || percentage > 100 {
		return "", ErrRejectedByLedger
	}
	return g.settle(escrowRef, model.EscrowSlashed, "slash", []byte(reason))
}

func (g *DemoGateway) Status(_ context.Context, escrowRef string) (model.EscrowStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.escrows[escrowRef]
	if !ok {
		return "", ErrUnknownEscrow
	}
	return e.status, nil
}

// settle applies a settlement exactly once. Repeating the same settlement
// returns the recorded tx ref; a conflicting one is rejected.
func (g *DemoGateway) settle(escrowRef string, target model.EscrowStatus, op string, extra []byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.escrows[escrowRef]
	if !ok {
		return "", ErrUnknownEscrow
	}
	if e.status.Settled() {
		if e.status == target {
			return e.settleTx, nil
		}
		return "", fmt.Errorf("%w: escrow %s is %s", ErrAlreadySettled, escrowRef, e.status)
	}
	e.status = target
	e.settleTx = demoTx(op, escrowRef, extra)
	return e.settleTx, nil
}

func demoTx(op, ref string, extra []byte) string {
	h := crypto.Keccak256(append([]byte(op+":"+ref+":"), extra...))
	return "0x" + hex.EncodeToString(h)
}
