// Package ledger stores escrow balances keyed by (asset, user).
//
// The ledger has no locking of its own. The exchange engine serializes all
// access and groups multi-entry updates into a Txn so they apply together.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = errors.New("amount overflow")
)

// Key identifies one balance entry
type Key struct {
	Asset common.Address
	User  common.Address
}

// Entry is a balance entry with its amount
type Entry struct {
	Key
	Amount *uint256.Int
}

// Ledger holds committed balances. Missing keys read as zero.
type Ledger struct {
	balances map[Key]*uint256.Int
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{balances: make(map[Key]*uint256.Int)}
}

// BalanceOf returns a copy of the committed balance
func (l *Ledger) BalanceOf(assetID, user common.Address) *uint256.Int {
	return asset.Clone(l.balances[Key{assetID, user}])
}

// Credit adds amount to the (asset, user) entry
func (l *Ledger) Credit(assetID, user common.Address, amount *uint256.Int) error {
	txn := l.Begin()
	if err := txn.Credit(assetID, user, amount); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Debit subtracts amount from the (asset, user) entry
func (l *Ledger) Debit(assetID, user common.Address, amount *uint256.Int) error {
	txn := l.Begin()
	if err := txn.Debit(assetID, user, amount); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Load installs persisted entries, replacing any existing values
func (l *Ledger) Load(entries []Entry) {
	for _, e := range entries {
		l.balances[e.Key] = asset.Clone(e.Amount)
	}
}

// Entries returns every entry sorted by asset, then user
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, 0, len(l.balances))
	for k, v := range l.balances {
		out = append(out, Entry{Key: k, Amount: asset.Clone(v)})
	}
	sortEntries(out)
	return out
}

// Len returns the number of entries ever credited
func (l *Ledger) Len() int {
	return len(l.balances)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if c := bytes.Compare(entries[i].Asset[:], entries[j].Asset[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(entries[i].User[:], entries[j].User[:]) < 0
	})
}

func overflowErr(k Key, have, add *uint256.Int) error {
	return fmt.Errorf("%w: %s/%s balance %s + %s", ErrOverflow, asset.Label(k.Asset), k.User.Hex(), have.Dec(), add.Dec())
}

func insufficientErr(k Key, have, need *uint256.Int) error {
	return fmt.Errorf("%w: %s/%s have %s, need %s", ErrInsufficientBalance, asset.Label(k.Asset), k.User.Hex(), have.Dec(), need.Dec())
}
