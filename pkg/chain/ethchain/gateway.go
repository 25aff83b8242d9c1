package ethchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/exchange"
)

var (
	ErrReverted    = errors.New("transaction reverted")
	ErrTokenRefuse = errors.New("token returned false")
)

// DefaultReceiptTimeout bounds how long a transfer waits to be mined
const DefaultReceiptTimeout = 10 * time.Minute

// Gateway sends token and native transfers from the custody account. Every
// call signs one EIP-1559 transaction with the custody key and waits for its
// receipt, so a nil error means the transfer is mined and succeeded. Once a
// transaction is broadcast the only other outcomes are ErrReverted from a
// failed receipt or an *exchange.TransferPendingError when no receipt
// arrived in time.
type Gateway struct {
	backend Backend
	key     *ecdsa.PrivateKey
	custody common.Address
	chainID *big.Int
	poll    time.Duration
	timeout time.Duration
	log     *zap.SugaredLogger

	mu sync.Mutex // serializes nonce assignment
}

// NewGateway creates a gateway. chainID must match the node's.
func NewGateway(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, poll time.Duration, log *zap.SugaredLogger) *Gateway {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Gateway{
		backend: backend,
		key:     key,
		custody: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		poll:    poll,
		timeout: DefaultReceiptTimeout,
		log:     log,
	}
}

// SetReceiptTimeout changes how long a broadcast transfer is polled before it
// is reported as pending
func (g *Gateway) SetReceiptTimeout(d time.Duration) {
	if d > 0 {
		g.timeout = d
	}
}

// Custody returns the address holding deposited funds
func (g *Gateway) Custody() common.Address { return g.custody }

// TransferFrom pulls tokens from owner using the allowance granted to custody
func (g *Gateway) TransferFrom(ctx context.Context, token, owner, to common.Address, amount *uint256.Int) error {
	data, err := ERC20.Pack("transferFrom", owner, to, amount.ToBig())
	if err != nil {
		return fmt.Errorf("pack transferFrom: %w", err)
	}
	return g.tokenCall(ctx, token, data)
}

// Transfer sends tokens out of custody
func (g *Gateway) Transfer(ctx context.Context, token, to common.Address, amount *uint256.Int) error {
	data, err := ERC20.Pack("transfer", to, amount.ToBig())
	if err != nil {
		return fmt.Errorf("pack transfer: %w", err)
	}
	return g.tokenCall(ctx, token, data)
}

// BalanceOf reads a token balance at the latest block
func (g *Gateway) BalanceOf(ctx context.Context, token, owner common.Address) (*uint256.Int, error) {
	data, err := ERC20.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	vals, err := ERC20.Unpack("balanceOf", out)
	if err != nil || len(vals) != 1 {
		return nil, fmt.Errorf("unpack balanceOf: %v", err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", vals[0])
	}
	v, overflow := uint256.FromBig(bal)
	if overflow {
		return nil, fmt.Errorf("balance overflows 256 bits")
	}
	return v, nil
}

// Send pays native currency out of custody
func (g *Gateway) Send(ctx context.Context, to common.Address, amount *uint256.Int) error {
	_, err := g.transact(ctx, to, amount.ToBig(), nil)
	return err
}

// tokenCall simulates the call first so tokens that return false instead of
// reverting are caught, then sends it
func (g *Gateway) tokenCall(ctx context.Context, token common.Address, data []byte) error {
	out, err := g.backend.CallContract(ctx, ethereum.CallMsg{From: g.custody, To: &token, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReverted, err)
	}
	if len(out) > 0 {
		method, err := ERC20.MethodById(data[:4])
		if err != nil {
			return err
		}
		vals, err := method.Outputs.Unpack(out)
		if err == nil && len(vals) == 1 {
			if ok, isBool := vals[0].(bool); isBool && !ok {
				return ErrTokenRefuse
			}
		}
	}
	_, err = g.transact(ctx, token, new(big.Int), data)
	return err
}

// transact signs and sends one transaction and waits for a successful receipt
func (g *Gateway) transact(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	tx, err := g.signNext(ctx, to, value, data)
	if err != nil {
		return nil, err
	}

	g.log.Debugw("tx_sent", "hash", tx.Hash().Hex(), "to", to.Hex(), "value", value.String(), "nonce", tx.Nonce())

	receipt, err := g.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	return receipt, nil
}

func (g *Gateway) signNext(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nonce, err := g.backend.PendingNonceAt(ctx, g.custody)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := g.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      g.custody,
		To:        &to,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   g.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), types.LatestSignerForChainID(g.chainID), g.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := g.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	return tx, nil
}

func (g *Gateway) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	deadline := time.NewTimer(g.timeout)
	defer deadline.Stop()

	for {
		receipt, err := g.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			g.log.Warnw("receipt_poll_failed", "hash", hash.Hex(), "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, &exchange.TransferPendingError{Tx: hash, Err: ctx.Err()}
		case <-deadline.C:
			return nil, &exchange.TransferPendingError{Tx: hash, Err: fmt.Errorf("no receipt after %s: %w", g.timeout, err)}
		case <-ticker.C:
		}
	}
}
