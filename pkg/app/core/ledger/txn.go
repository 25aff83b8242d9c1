package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
)

// Txn stages balance changes over a Ledger. Reads see staged values first.
// Nothing reaches the ledger until Commit; an abandoned Txn has no effect.
type Txn struct {
	base      *Ledger
	staged    map[Key]*uint256.Int
	originals map[Key]*uint256.Int
	order     []Key // first-touch order, for stable change lists
}

// Begin starts a staged transaction
func (l *Ledger) Begin() *Txn {
	return &Txn{
		base:      l,
		staged:    make(map[Key]*uint256.Int),
		originals: make(map[Key]*uint256.Int),
	}
}

// BalanceOf returns the staged balance, falling back to the ledger
func (t *Txn) BalanceOf(assetID, user common.Address) *uint256.Int {
	k := Key{assetID, user}
	if v, ok := t.staged[k]; ok {
		return asset.Clone(v)
	}
	return t.base.BalanceOf(assetID, user)
}

// Credit stages balance + amount. Fails with ErrOverflow past 2^256-1.
func (t *Txn) Credit(assetID, user common.Address, amount *uint256.Int) error {
	k := Key{assetID, user}
	have := t.BalanceOf(assetID, user)
	sum, overflow := new(uint256.Int).AddOverflow(have, asset.Clone(amount))
	if overflow {
		return overflowErr(k, have, asset.Clone(amount))
	}
	t.set(k, sum)
	return nil
}

// Debit stages balance - amount. Fails with ErrInsufficientBalance.
func (t *Txn) Debit(assetID, user common.Address, amount *uint256.Int) error {
	k := Key{assetID, user}
	have := t.BalanceOf(assetID, user)
	need := asset.Clone(amount)
	if have.Lt(need) {
		return insufficientErr(k, have, need)
	}
	t.set(k, new(uint256.Int).Sub(have, need))
	return nil
}

func (t *Txn) set(k Key, v *uint256.Int) {
	if _, seen := t.staged[k]; !seen {
		t.originals[k] = t.base.BalanceOf(k.Asset, k.User)
		t.order = append(t.order, k)
	}
	t.staged[k] = v
}

// Changes lists staged entries with their new values
func (t *Txn) Changes() []Entry {
	out := make([]Entry, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, Entry{Key: k, Amount: asset.Clone(t.staged[k])})
	}
	return out
}

// Originals lists staged entries with their committed (pre-image) values
func (t *Txn) Originals() []Entry {
	out := make([]Entry, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, Entry{Key: k, Amount: asset.Clone(t.originals[k])})
	}
	return out
}

// Commit applies all staged entries to the ledger
func (t *Txn) Commit() {
	for _, k := range t.order {
		t.base.balances[k] = t.staged[k]
	}
	t.staged = make(map[Key]*uint256.Int)
	t.originals = make(map[Key]*uint256.Int)
	t.order = nil
}
