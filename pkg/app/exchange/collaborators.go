package exchange

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
	"github.com/uhyunpark/escrowdex/pkg/app/core/ledger"
	"github.com/uhyunpark/escrowdex/pkg/app/core/orders"
)

// TokenGateway moves fungible tokens in and out of custody.
// Implementations must return an error, never silently no-op, when the
// owner's balance or allowance is insufficient.
type TokenGateway interface {
	// TransferFrom pulls amount of token from owner to `to` using the
	// allowance owner granted to the custody account.
	TransferFrom(ctx context.Context, token, owner, to common.Address, amount *uint256.Int) error
	// Transfer sends amount of token from custody to `to`.
	Transfer(ctx context.Context, token, to common.Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, token, owner common.Address) (*uint256.Int, error)
}

// NativePayer sends native currency out of custody
type NativePayer interface {
	Send(ctx context.Context, to common.Address, amount *uint256.Int) error
}

// Changeset is everything one engine call writes: the touched balances with
// their new and previous values, the inserted or updated order row, and the
// event.
type Changeset struct {
	Balances []ledger.Entry
	Previous []ledger.Entry
	Order    *orders.Order
	NewOrder bool
	Event    events.Event

	Pending *PendingTransfer // recorded with the changeset
	Settled uint64           // Seq of a pending transfer this changeset settles
}

// PendingTransfer is a broadcast transfer whose outcome is not known yet. Seq
// is the Deposit or Withdraw event that already applied its ledger change.
type PendingTransfer struct {
	Seq    uint64
	Kind   events.Kind
	Asset  common.Address
	User   common.Address
	Amount *uint256.Int
	Tx     common.Hash
}

// State is the full persisted state loaded at startup.
// Config is nil for a fresh store.
type State struct {
	Config   *Config
	Balances []ledger.Entry
	Orders   []orders.Order
	Events   []events.Event
	Pending  []PendingTransfer
}

// Store persists engine state. Commit must apply a changeset atomically;
// Revert undoes a committed changeset (restores Previous, drops the event and
// any newly inserted order).
type Store interface {
	LoadState() (*State, error)
	SaveConfig(cfg Config) error
	Commit(cs Changeset) error
	Revert(cs Changeset) error
	SavePending(p PendingTransfer) error
	DeletePending(seq uint64) error
}
