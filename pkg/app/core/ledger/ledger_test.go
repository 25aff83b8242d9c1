package ledger

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	token = common.HexToAddress("0x7000000000000000000000000000000000000001")
)

func TestBalanceOfDefaultsToZero(t *testing.T) {
	l := New()
	if !l.BalanceOf(token, alice).IsZero() {
		t.Errorf("unknown entry should read as zero")
	}
	if l.Len() != 0 {
		t.Errorf("read must not create entries, got %d", l.Len())
	}
}

func TestCreditDebit(t *testing.T) {
	l := New()

	if err := l.Credit(asset.Native, alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if err := l.Debit(asset.Native, alice, uint256.NewInt(40)); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if got := l.BalanceOf(asset.Native, alice); got.Uint64() != 60 {
		t.Errorf("balance = %s, want 60", got.Dec())
	}

	// debit to exactly zero keeps the entry
	if err := l.Debit(asset.Native, alice, uint256.NewInt(60)); err != nil {
		t.Fatalf("debit to zero failed: %v", err)
	}
	if l.Len() != 1 {
		t.Errorf("entries = %d, want 1", l.Len())
	}
}

func TestDebitInsufficient(t *testing.T) {
	l := New()
	l.Credit(token, alice, uint256.NewInt(5))

	err := l.Debit(token, alice, uint256.NewInt(6))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := l.BalanceOf(token, alice); got.Uint64() != 5 {
		t.Errorf("failed debit changed balance to %s", got.Dec())
	}
}

func TestCreditOverflow(t *testing.T) {
	l := New()
	max := new(uint256.Int).SetAllOne()
	if err := l.Credit(token, alice, max); err != nil {
		t.Fatalf("credit max failed: %v", err)
	}

	err := l.Credit(token, alice, uint256.NewInt(1))
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
	if !l.BalanceOf(token, alice).Eq(max) {
		t.Errorf("overflowing credit must not wrap")
	}
}

func TestTxnStagesUntilCommit(t *testing.T) {
	l := New()
	l.Credit(token, alice, uint256.NewInt(10))

	txn := l.Begin()
	if err := txn.Debit(token, alice, uint256.NewInt(7)); err != nil {
		t.Fatalf("staged debit failed: %v", err)
	}
	if err := txn.Credit(token, bob, uint256.NewInt(7)); err != nil {
		t.Fatalf("staged credit failed: %v", err)
	}

	if got := txn.BalanceOf(token, alice); got.Uint64() != 3 {
		t.Errorf("staged alice = %s, want 3", got.Dec())
	}
	if got := l.BalanceOf(token, alice); got.Uint64() != 10 {
		t.Errorf("ledger alice = %s before commit, want 10", got.Dec())
	}

	changes := txn.Changes()
	originals := txn.Originals()
	if len(changes) != 2 || len(originals) != 2 {
		t.Fatalf("changes=%d originals=%d, want 2/2", len(changes), len(originals))
	}
	if changes[0].User != alice || changes[0].Amount.Uint64() != 3 {
		t.Errorf("first change = %+v", changes[0])
	}
	if originals[1].User != bob || !originals[1].Amount.IsZero() {
		t.Errorf("bob pre-image = %s, want 0", originals[1].Amount.Dec())
	}

	txn.Commit()
	if got := l.BalanceOf(token, bob); got.Uint64() != 7 {
		t.Errorf("bob = %s after commit, want 7", got.Dec())
	}
}

func TestTxnDiscard(t *testing.T) {
	l := New()
	l.Credit(token, alice, uint256.NewInt(10))

	txn := l.Begin()
	txn.Debit(token, alice, uint256.NewInt(10))
	if err := txn.Debit(token, alice, uint256.NewInt(1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("second staged debit err = %v", err)
	}
	// txn dropped without Commit

	if got := l.BalanceOf(token, alice); got.Uint64() != 10 {
		t.Errorf("discarded txn leaked: balance %s", got.Dec())
	}
}

func TestEntriesSorted(t *testing.T) {
	l := New()
	l.Credit(token, bob, uint256.NewInt(1))
	l.Credit(asset.Native, bob, uint256.NewInt(2))
	l.Credit(asset.Native, alice, uint256.NewInt(3))

	entries := l.Entries()
	want := []Key{{asset.Native, alice}, {asset.Native, bob}, {token, bob}}
	if len(entries) != len(want) {
		t.Fatalf("entries = %d, want %d", len(entries), len(want))
	}
	for i, k := range want {
		if entries[i].Key != k {
			t.Errorf("entry %d = %v, want %v", i, entries[i].Key, k)
		}
	}

	restored := New()
	restored.Load(entries)
	if got := restored.BalanceOf(asset.Native, alice); got.Uint64() != 3 {
		t.Errorf("restored alice = %s, want 3", got.Dec())
	}
}
