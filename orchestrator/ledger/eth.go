package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/autoflow/orchestrator-api/orchestrator/model"
)

// ABI surface of the AutoFlow escrow contract.
const escrowABI = `[
  {"type":"function","name":"lockEscrow","stateMutability":"payable","inputs":[{"name":"taskHash","type":"bytes32"},{"name":"timeoutHours","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"releaseEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"},{"name":"nodeAddress","type":"address"}],"outputs":[]},
  {"type":"function","name":"refundEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"slashEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"},{"name":"slashPercentage","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]},
  {"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[{"name":"","type":"tuple","components":[{"name":"id","type":"uint256"},{"name":"agent","type":"address"},{"name":"node","type":"address"},{"name":"amount","type":"uint256"},{"name":"lockedAt","type":"uint256"},{"name":"timeoutAt","type":"uint256"},{"name":"status","type":"uint8"},{"name":"taskHash","type":"bytes32"}]}]},
  {"type":"event","name":"EscrowLocked","inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"agent","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"taskHash","type":"bytes32","indexed":false}],"anonymous":false}
]`

type EthConfig struct {
	Endpoint   string
	ChainID    int64
	EscrowAddr string
	// SK is the orchestrator's settlement key, hex encoded, normally
	// decrypted out of the keystore by the caller.
	SK string
}

// EthGateway settles escrows against the on-chain contract. Transport
// failures surface as ErrLedgerUnavailable; they are never masked with
// fabricated transaction references.
type EthGateway struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	auth     *bind.TransactOpts
}

type escrowView struct {
	Id        *big.Int
	Agent     common.Address
	Node      common.Address
	Amount    *big.Int
	LockedAt  *big.Int
	TimeoutAt *big.Int
	Status    uint8
	TaskHash  [32]byte
}

type escrowLockedEvent struct {
	EscrowId *big.Int
	Agent    common.Address
	Amount   *big.Int
	TaskHash [32]byte
}

func NewEthGateway(cfg EthConfig) (*EthGateway, error) {
	client, err := ethclient.Dial(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrLedgerUnavailable, cfg.Endpoint, err)
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, err
	}
	addr := common.HexToAddress(cfg.EscrowAddr)
	contract := bind.NewBoundContract(addr, parsed, client, client, client)

	sk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SK, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid settlement key: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(sk, big.NewInt(cfg.ChainID))
	if err != nil {
		return nil, err
	}

	return &EthGateway{client: client, contract: contract, auth: auth}, nil
}

func (g *EthGateway) Lock(ctx context.Context, taskHash [32]byte, amount float64, timeout time.Duration) (*LockReceipt, error) {
	opts := *g.auth
	opts.Context = ctx
	opts.Value = toWei(amount)

	timeoutHours := int64(timeout / time.Hour)
	if timeoutHours < 1 {
		timeoutHours = 1
	}

	tx, err := g.contract.Transact(&opts, "lockEscrow", taskHash, big.NewInt(timeoutHours))
	if err != nil {
		return nil, classify(err)
	}
	receipt, err := bind.WaitMined(ctx, g.client, tx)
	if err != nil {
		return nil, classify(err)
	}

	// the escrow id is carried by the EscrowLocked event
	for _, lg := range receipt.Logs {
		var ev escrowLockedEvent
		if err := g.contract.UnpackLog(&ev, "EscrowLocked", *lg); err == nil {
			return &LockReceipt{
				EscrowRef:        ev.EscrowId.String(),
				TxRef:            tx.Hash().Hex(),
				ConfirmedAtBlock: receipt.BlockNumber.Uint64(),
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: lock confirmed but no EscrowLocked event in tx %s", ErrRejectedByLedger, tx.Hash().Hex())
}

func (g *EthGateway) Release(ctx context.Context, escrowRef, payee string) (string, error) {
	id, err := parseRef(escrowRef)
	if err != nil {
		return "", err
	}
	return g.transact(ctx, "releaseEscrow", id, common.HexToAddress(payee))
}

func (g *EthGateway) Refund(ctx context.Context, escrowRef string) (string, error) {
	id, err := parseRef(escrowRef)
	if err != nil {
		return "", err
	}
	return g.transact(ctx, "refundEscrow", id)
}

func (g *EthGateway) Slash(ctx context.Context, escrowRef string, percentage float64, reason string) (string, error) {
	id, err := parseRef(escrowRef)
	if err != nil {
		return "", err
	}
	return g.transact(ctx, "slashEscrow", id, big.NewInt(int64(percentage)), reason)
}

func (g *EthGateway) Status(ctx context.Context, escrowRef string) (model.EscrowStatus, error) {
	id, err := parseRef(escrowRef)
	if err != nil {
		return "", err
	}
	var out []interface{}
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getEscrow", id); err != nil {
		return "", classify(err)
	}
	view := *abi.ConvertType(out[0], new(escrowView)).(*escrowView)
	switch view.Status {
	case 0:
		return model.EscrowLocked, nil
	case 1:
		return model.EscrowReleased, nil
	case 2:
		return model.EscrowRefunded, nil
	case 3:
		return model.EscrowSlashed, nil
	}
	return "", fmt.Errorf("%w: unknown status %d for escrow %s", ErrRejectedByLedger, view.Status, escrowRef)
}

func (g *EthGateway) transact(ctx context.Context, method string, args ...interface{}) (string, error) {
	opts := *g.auth
	opts.Context = ctx
	tx, err := g.contract.Transact(&opts, method, args...)
	if err != nil {
		return "", classify(err)
	}
	if _, err := bind.WaitMined(ctx, g.client, tx); err != nil {
		return "", classify(err)
	}
	return tx.Hash().Hex(), nil
}

func parseRef(ref string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(ref, 10)
	if !ok {
		return nil, fmt.Errorf("%w: bad escrow ref %q", ErrUnknownEscrow, ref)
	}
	return id, nil
}

// classify maps raw client errors onto the gateway taxonomy. Reverts are
// permanent; everything else is assumed transient transport trouble.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %v", ErrRejectedByLedger, err)
	default:
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
}

func toWei(amount float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(1e18)).Int(nil)
	return wei
}
