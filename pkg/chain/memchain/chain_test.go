package memchain

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
)

var (
	alice   = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob     = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	custody = common.HexToAddress("0xCC00000000000000000000000000000000000000")
)

func TestDeployTokenAddressesAreStable(t *testing.T) {
	a := New(nil).DeployToken("TKN")
	b := New(nil).DeployToken("TKN")
	if a != b {
		t.Errorf("addresses differ: %s vs %s", a.Hex(), b.Hex())
	}

	c := New(nil)
	first, second := c.DeployToken("A"), c.DeployToken("B")
	if first == second {
		t.Error("second deploy reused address")
	}
}

func TestTransferFromSpendsAllowance(t *testing.T) {
	ctx := context.Background()
	c := New(nil)
	tkn := c.DeployToken("TKN")
	if err := c.Mint(tkn, alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	g := NewGateway(c, custody)
	if err := g.TransferFrom(ctx, tkn, alice, custody, uint256.NewInt(10)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("err = %v, want ErrInsufficientAllowance", err)
	}

	if err := c.Approve(tkn, alice, custody, uint256.NewInt(30)); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if err := g.TransferFrom(ctx, tkn, alice, custody, uint256.NewInt(20)); err != nil {
		t.Fatalf("transferFrom failed: %v", err)
	}

	left, _ := c.Allowance(tkn, alice, custody)
	if left.Uint64() != 10 {
		t.Errorf("allowance = %d, want 10", left.Uint64())
	}
	bal, _ := g.BalanceOf(ctx, tkn, custody)
	if bal.Uint64() != 20 {
		t.Errorf("custody balance = %d, want 20", bal.Uint64())
	}

	if err := g.Transfer(ctx, tkn, bob, uint256.NewInt(25)); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestTransferHookRevert(t *testing.T) {
	ctx := context.Background()
	c := New(nil)
	tkn := c.DeployToken("BAD")
	c.Mint(tkn, alice, uint256.NewInt(5))
	c.Approve(tkn, alice, custody, uint256.NewInt(5))
	c.SetTransferHook(tkn, func(context.Context, common.Address, common.Address, *uint256.Int) error {
		return errors.New("nope")
	})

	err := NewGateway(c, custody).TransferFrom(ctx, tkn, alice, custody, uint256.NewInt(5))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}

	bal, _ := c.TokenBalance(tkn, alice)
	allow, _ := c.Allowance(tkn, alice, custody)
	if bal.Uint64() != 5 || allow.Uint64() != 5 {
		t.Errorf("after revert balance=%d allowance=%d, want 5,5", bal.Uint64(), allow.Uint64())
	}
}

func TestSendNativeReceiver(t *testing.T) {
	ctx := context.Background()
	c := New(nil)
	c.MintNative(alice, uint256.NewInt(10))

	var got []byte
	c.SetReceiver(custody, func(_ context.Context, from common.Address, amount *uint256.Int, data []byte) error {
		if len(data) == 0 {
			return errors.New("no data")
		}
		got = data
		return nil
	})

	if err := c.SendNative(ctx, alice, custody, uint256.NewInt(4), nil); !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if c.NativeBalance(alice).Uint64() != 10 {
		t.Errorf("rejected send moved funds: alice=%d", c.NativeBalance(alice).Uint64())
	}

	if err := c.SendNative(ctx, alice, custody, uint256.NewInt(4), []byte{1}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(got) != 1 || c.NativeBalance(custody).Uint64() != 4 {
		t.Errorf("receiver data=%x custody=%d", got, c.NativeBalance(custody).Uint64())
	}

	g := NewGateway(c, custody)
	if err := g.Send(ctx, bob, uint256.NewInt(5)); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("err = %v, want ErrInsufficientFunds", err)
	}
	if err := g.Send(ctx, bob, uint256.NewInt(4)); err != nil {
		t.Fatalf("payout failed: %v", err)
	}
	if c.NativeBalance(bob).Uint64() != 4 {
		t.Errorf("bob = %d, want 4", c.NativeBalance(bob).Uint64())
	}
}

func TestFaucetFunds(t *testing.T) {
	ctx := context.Background()
	c := New(nil)
	tkn := c.DeployToken("TKN")
	selector := []byte{0xd0, 0xe3, 0x0d, 0xb0}

	credited := uint256.NewInt(0)
	c.SetReceiver(custody, func(_ context.Context, from common.Address, amount *uint256.Int, data []byte) error {
		if !bytes.Equal(data, selector) {
			return errors.New("not a deposit")
		}
		credited.Add(credited, amount)
		return nil
	})

	f := NewFaucet(c, custody, selector, nil)
	if err := f.Fund(ctx, asset.Native, alice, uint256.NewInt(7)); err != nil {
		t.Fatalf("native fund: %v", err)
	}
	if credited.Uint64() != 7 || c.NativeBalance(custody).Uint64() != 7 || !c.NativeBalance(alice).IsZero() {
		t.Errorf("credited=%d custody=%d alice=%d", credited.Uint64(), c.NativeBalance(custody).Uint64(), c.NativeBalance(alice).Uint64())
	}

	for i := 0; i < 2; i++ {
		if err := f.Fund(ctx, tkn, bob, uint256.NewInt(5)); err != nil {
			t.Fatalf("token fund: %v", err)
		}
	}
	bal, _ := c.TokenBalance(tkn, bob)
	allowance, _ := c.Allowance(tkn, bob, custody)
	if bal.Uint64() != 10 || allowance.Uint64() != 10 {
		t.Errorf("bob balance=%d allowance=%d, want 10/10", bal.Uint64(), allowance.Uint64())
	}

	if err := f.Fund(ctx, common.HexToAddress("0x1234"), bob, uint256.NewInt(1)); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("err = %v, want ErrUnknownToken", err)
	}
	if err := f.Fund(ctx, tkn, bob, uint256.NewInt(0)); err == nil {
		t.Error("zero amount accepted")
	}
}
