// Package memchain is an in-process chain for devnets and tests: native
// balances, ERC-20 style tokens with allowances, and receive hooks on
// contract accounts.
package memchain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrUnknownToken          = errors.New("unknown token")
	ErrRejected              = errors.New("receiver rejected transfer")
)

// ReceiveFunc is invoked after native value lands on a hooked account.
// Returning an error reverts the transfer.
type ReceiveFunc func(ctx context.Context, from common.Address, amount *uint256.Int, data []byte) error

// TransferHook runs inside a token transfer, after balances moved and before
// it returns. Returning an error reverts the transfer. Tests use it to model
// tokens that call back into their caller.
type TransferHook func(ctx context.Context, from, to common.Address, amount *uint256.Int) error

type token struct {
	symbol     string
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int // owner -> spender
	hook       TransferHook
}

// Chain holds all accounts. Safe for concurrent use.
type Chain struct {
	mu        sync.Mutex
	native    map[common.Address]*uint256.Int
	tokens    map[common.Address]*token
	receivers map[common.Address]ReceiveFunc
	deployer  common.Address
	deployed  uint64
	log       *zap.SugaredLogger
}

// New creates an empty chain
func New(log *zap.SugaredLogger) *Chain {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Chain{
		native:    make(map[common.Address]*uint256.Int),
		tokens:    make(map[common.Address]*token),
		receivers: make(map[common.Address]ReceiveFunc),
		deployer:  common.HexToAddress("0x00000000000000000000000000000000000DE910"),
		log:       log,
	}
}

// DeployToken creates a token and returns its address. Addresses are derived
// the way contract creation derives them, so they are stable across runs.
func (c *Chain) DeployToken(symbol string) common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := crypto.CreateAddress(c.deployer, c.deployed)
	c.deployed++
	c.tokens[addr] = &token{
		symbol:     symbol,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
	c.log.Infow("token_deployed", "symbol", symbol, "address", addr.Hex())
	return addr
}

// Symbol returns the token's symbol
func (c *Chain) Symbol(tokenAddr common.Address) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.token(tokenAddr)
	if err != nil {
		return "", err
	}
	return t.symbol, nil
}

// SetReceiver installs a hook on native transfers to addr
func (c *Chain) SetReceiver(addr common.Address, fn ReceiveFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers[addr] = fn
}

// SetTransferHook installs a hook on every transfer of tokenAddr
func (c *Chain) SetTransferHook(tokenAddr common.Address, fn TransferHook) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.token(tokenAddr)
	if err != nil {
		return err
	}
	t.hook = fn
	return nil
}

// ==============================
// Native currency
// ==============================

// MintNative credits native currency out of thin air
func (c *Chain) MintNative(to common.Address, amount *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native[to] = add(c.native[to], amount)
}

// NativeBalance returns addr's native balance
func (c *Chain) NativeBalance(addr common.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return asset.Clone(c.native[addr])
}

// SendNative moves native value and, when to has a receiver, hands it the
// call data. A receiver error reverts the move.
func (c *Chain) SendNative(ctx context.Context, from, to common.Address, amount *uint256.Int, data []byte) error {
	c.mu.Lock()
	if err := c.moveNative(from, to, amount); err != nil {
		c.mu.Unlock()
		return err
	}
	recv := c.receivers[to]
	c.mu.Unlock()

	if recv == nil {
		return nil
	}
	if err := recv(ctx, from, amount, data); err != nil {
		c.mu.Lock()
		// cannot fail: to was just credited amount
		_ = c.moveNative(to, from, amount)
		c.mu.Unlock()
		c.log.Debugw("native_transfer_reverted", "from", from.Hex(), "to", to.Hex(), "err", err)
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

func (c *Chain) moveNative(from, to common.Address, amount *uint256.Int) error {
	have := asset.Clone(c.native[from])
	if have.Lt(asset.Clone(amount)) {
		return fmt.Errorf("%w: %s has %s native, needs %s", ErrInsufficientFunds, from.Hex(), have.Dec(), asset.Clone(amount).Dec())
	}
	c.native[from] = new(uint256.Int).Sub(have, asset.Clone(amount))
	c.native[to] = add(c.native[to], amount)
	return nil
}

// ==============================
// Tokens
// ==============================

// Mint credits amount of tokenAddr to to
func (c *Chain) Mint(tokenAddr, to common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.token(tokenAddr)
	if err != nil {
		return err
	}
	t.balances[to] = add(t.balances[to], amount)
	return nil
}

// Approve sets spender's allowance over owner's tokens
func (c *Chain) Approve(tokenAddr, owner, spender common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.token(tokenAddr)
	if err != nil {
		return err
	}
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	t.allowances[owner][spender] = asset.Clone(amount)
	return nil
}

// Allowance returns spender's remaining allowance over owner's tokens
func (c *Chain) Allowance(tokenAddr, owner, spender common.Address) (*uint256.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.token(tokenAddr)
	if err != nil {
		return nil, err
	}
	return asset.Clone(t.allowances[owner][spender]), nil
}

// TokenBalance returns owner's balance of tokenAddr
func (c *Chain) TokenBalance(tokenAddr, owner common.Address) (*uint256.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.token(tokenAddr)
	if err != nil {
		return nil, err
	}
	return asset.Clone(t.balances[owner]), nil
}

// Transfer moves owner's tokens to to
func (c *Chain) Transfer(ctx context.Context, tokenAddr, owner, to common.Address, amount *uint256.Int) error {
	return c.transfer(ctx, tokenAddr, owner, owner, to, amount)
}

// TransferFrom moves owner's tokens to to, spending spender's allowance
func (c *Chain) TransferFrom(ctx context.Context, tokenAddr, spender, owner, to common.Address, amount *uint256.Int) error {
	return c.transfer(ctx, tokenAddr, spender, owner, to, amount)
}

func (c *Chain) transfer(ctx context.Context, tokenAddr, spender, owner, to common.Address, amount *uint256.Int) error {
	amt := asset.Clone(amount)

	c.mu.Lock()
	t, err := c.token(tokenAddr)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	var prevAllowance *uint256.Int
	if spender != owner {
		prevAllowance = asset.Clone(t.allowances[owner][spender])
		if prevAllowance.Lt(amt) {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s allowed %s, needs %s", ErrInsufficientAllowance, spender.Hex(), prevAllowance.Dec(), amt.Dec())
		}
	}
	have := asset.Clone(t.balances[owner])
	if have.Lt(amt) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientFunds, owner.Hex(), have.Dec(), t.symbol, amt.Dec())
	}

	if prevAllowance != nil {
		t.allowances[owner][spender] = new(uint256.Int).Sub(prevAllowance, amt)
	}
	t.balances[owner] = new(uint256.Int).Sub(have, amt)
	t.balances[to] = add(t.balances[to], amt)
	hook := t.hook
	c.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, owner, to, amt); err != nil {
		c.mu.Lock()
		t.balances[to] = new(uint256.Int).Sub(t.balances[to], amt)
		t.balances[owner] = add(t.balances[owner], amt)
		if prevAllowance != nil {
			t.allowances[owner][spender] = prevAllowance
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

func (c *Chain) token(addr common.Address) (*token, error) {
	t, ok := c.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, addr.Hex())
	}
	return t, nil
}

func add(a, b *uint256.Int) *uint256.Int {
	// saturates at 2^256-1
	sum, overflow := new(uint256.Int).AddOverflow(asset.Clone(a), asset.Clone(b))
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return sum
}
