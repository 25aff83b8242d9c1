package ethchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
	"github.com/uhyunpark/escrowdex/pkg/app/exchange"
)

// Settler owns the transfers the gateway reported as pending
type Settler interface {
	PendingTransfers() []exchange.PendingTransfer
	SettleTransfer(ctx context.Context, seq uint64, succeeded bool) (events.Event, error)
}

// Reconciler settles pending transfers from their receipts
type Reconciler struct {
	backend  Backend
	settler  Settler
	interval time.Duration
	log      *zap.SugaredLogger
}

func NewReconciler(backend Backend, settler Settler, interval time.Duration, log *zap.SugaredLogger) *Reconciler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reconciler{backend: backend, settler: settler, interval: interval, log: log}
}

// Run settles until ctx is done
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warnw("reconcile_failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll settles every pending transfer that has a receipt and returns how many
// it settled. Transfers still unmined stay pending.
func (r *Reconciler) Poll(ctx context.Context) (int, error) {
	n := 0
	var firstErr error
	for _, p := range r.settler.PendingTransfers() {
		receipt, err := r.backend.TransactionReceipt(ctx, p.Tx)
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("receipt %s: %w", p.Tx.Hex(), err)
		}

		ok := receipt.Status == types.ReceiptStatusSuccessful
		if _, err := r.settler.SettleTransfer(ctx, p.Seq, ok); err != nil {
			r.log.Errorw("settle_failed", "seq", p.Seq, "tx", p.Tx.Hex(), "succeeded", ok, "err", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("settle %d: %w", p.Seq, err)
			}
			continue
		}
		r.log.Infow("transfer_reconciled", "seq", p.Seq, "tx", p.Tx.Hex(), "succeeded", ok)
		n++
	}
	return n, firstErr
}
