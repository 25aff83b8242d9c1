// Package events is the append-only log of committed exchange events.
package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Kind names an event type
type Kind string

const (
	KindDeposit  Kind = "Deposit"
	KindWithdraw Kind = "Withdraw"
	KindOrder    Kind = "Order"
	KindCancel   Kind = "Cancel"
	KindTrade    Kind = "Trade"
)

// Event is one committed state change.
//
// Deposit/Withdraw use Asset, User, Amount, Balance (the user's balance after
// the call). Order/Cancel/Trade use OrderID, User (order creator), AssetGet,
// AmountGet, AssetGive, AmountGive; Trade also sets Filler.
type Event struct {
	Seq       uint64
	Kind      Kind
	Timestamp int64 // unix seconds

	Asset   common.Address
	User    common.Address
	Amount  *uint256.Int
	Balance *uint256.Int

	OrderID    uint64
	AssetGet   common.Address
	AmountGet  *uint256.Int
	AssetGive  common.Address
	AmountGive *uint256.Int
	Filler     common.Address
}

// Involves reports whether addr is a party to the event
func (e *Event) Involves(addr common.Address) bool {
	return e.User == addr || (e.Kind == KindTrade && e.Filler == addr)
}
