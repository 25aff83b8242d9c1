package exchange

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/escrowdex/pkg/app/core/ledger"
	"github.com/uhyunpark/escrowdex/pkg/app/core/orders"
)

// Ledger and registry failures surface unchanged so callers can match them
// with errors.Is against this package alone.
var (
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	ErrOverflow            = ledger.ErrOverflow
	ErrOrderNotFound       = orders.ErrOrderNotFound
	ErrAlreadyFilled       = orders.ErrAlreadyFilled
	ErrAlreadyCancelled    = orders.ErrAlreadyCancelled
)

var (
	ErrInvalidAsset           = errors.New("invalid asset: native currency not allowed here")
	ErrUnauthorized           = errors.New("caller is not the order creator")
	ErrExternalTransferFailed = errors.New("external transfer failed")
	ErrDirectTransfer         = errors.New("direct native transfers are not accepted")
	ErrReentrantCall          = errors.New("reentrant call into exchange")
	ErrHalted                 = errors.New("exchange halted")
	ErrConfigMismatch         = errors.New("exchange config differs from persisted config")
	ErrNoPendingTransfer      = errors.New("no pending transfer")
)

// ErrTransferPending marks a transfer that was broadcast but whose outcome is
// not known yet. The engine keeps the ledger change and records the transfer
// for settlement instead of treating it as failed.
var ErrTransferPending = errors.New("transfer pending")

// TransferPendingError carries the broadcast transaction of a pending transfer
type TransferPendingError struct {
	Tx  common.Hash
	Err error
}

func (e *TransferPendingError) Error() string {
	return fmt.Sprintf("transfer %s pending: %v", e.Tx.Hex(), e.Err)
}

func (e *TransferPendingError) Unwrap() []error { return []error{ErrTransferPending, e.Err} }
