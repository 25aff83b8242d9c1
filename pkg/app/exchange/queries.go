package exchange

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
	"github.com/uhyunpark/escrowdex/pkg/app/core/orders"
)

// DepositSelector is the call data that marks a native transfer as a deposit
var DepositSelector = crypto.Keccak256([]byte("depositEther()"))[:4]

// ReceiveNative handles native currency sent to the custody account. Only
// transfers carrying DepositSelector are deposits; anything else is refused
// so the sender's chain transfer can be reverted.
func (e *Engine) ReceiveNative(ctx context.Context, from common.Address, amount *uint256.Int, data []byte) (events.Event, error) {
	if !bytes.Equal(data, DepositSelector) {
		e.log.Debugw("direct_transfer_refused", "from", from.Hex(), "amount", amount.Dec(), "data_len", len(data))
		return events.Event{}, ErrDirectTransfer
	}
	return e.DepositNative(ctx, from, amount)
}

// BalanceOf returns user's exchange balance of assetID (zero if never touched)
func (e *Engine) BalanceOf(assetID, user common.Address) *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.BalanceOf(assetID, user)
}

// Order returns a copy of order id
func (e *Engine) Order(id uint64) (orders.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orders.Get(id)
}

// Orders returns every order in id order
func (e *Engine) Orders() []orders.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orders.All()
}

// OrderCount returns the number of orders ever created
func (e *Engine) OrderCount() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orders.Count()
}

func (e *Engine) OrderFilled(id uint64) (bool, error) {
	o, err := e.Order(id)
	return o.Filled, err
}

func (e *Engine) OrderCancelled(id uint64) (bool, error) {
	o, err := e.Order(id)
	return o.Cancelled, err
}

func (e *Engine) FeeAccount() common.Address { return e.cfg.FeeAccount }
func (e *Engine) FeePercent() uint64         { return e.cfg.FeePercent }
func (e *Engine) Config() Config             { return e.cfg }
func (e *Engine) Custody() common.Address    { return e.custody }

// Events returns committed events with Seq > from
func (e *Engine) Events(from uint64) []events.Event {
	return e.events.Since(from)
}

// LastSeq returns the Seq of the newest committed event, 0 if none
func (e *Engine) LastSeq() uint64 {
	return uint64(e.events.Len())
}

// Subscribe follows the event log from Seq > from
func (e *Engine) Subscribe(from uint64) *events.Subscription {
	return e.events.Subscribe(from)
}

// PendingTransfers lists transfers awaiting settlement in Seq order
func (e *Engine) PendingTransfers() []PendingTransfer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PendingTransfer, 0, len(e.pending))
	for _, p := range e.pending {
		p.Amount = asset.Clone(p.Amount)
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b PendingTransfer) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// Halted returns the reason mutations are refused, or nil
func (e *Engine) Halted() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

// StateRoot hashes all balances and orders. Two engines that committed the
// same calls in the same order have equal roots.
func (e *Engine) StateRoot() common.Hash {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h := sha3.NewLegacyKeccak256()
	buf := make([]byte, 8)

	for _, entry := range e.ledger.Entries() {
		if entry.Amount.IsZero() {
			continue
		}
		h.Write([]byte("bal"))
		h.Write(entry.Asset.Bytes())
		h.Write(entry.User.Bytes())
		amt := entry.Amount.Bytes32()
		h.Write(amt[:])
	}

	for _, o := range e.orders.All() {
		h.Write([]byte("ord"))
		binary.BigEndian.PutUint64(buf, o.ID)
		h.Write(buf)
		h.Write(o.Creator.Bytes())
		h.Write(o.AssetGet.Bytes())
		get := o.AmountGet.Bytes32()
		h.Write(get[:])
		h.Write(o.AssetGive.Bytes())
		give := o.AmountGive.Bytes32()
		h.Write(give[:])
		h.Write([]byte(o.Status()))
	}

	var root common.Hash
	h.Sum(root[:0])
	return root
}

// String implements fmt.Stringer for logs
func (c Config) String() string {
	return fmt.Sprintf("fee=%d%% to %s", c.FeePercent, c.FeeAccount.Hex())
}
