package ethchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
	"github.com/uhyunpark/escrowdex/pkg/app/exchange"
)

// Receiver accepts native currency sent to custody
type Receiver interface {
	ReceiveNative(ctx context.Context, from common.Address, amount *uint256.Int, data []byte) (events.Event, error)
}

// Refunder returns native currency the receiver rejected
type Refunder interface {
	Send(ctx context.Context, to common.Address, amount *uint256.Int) error
}

// Cursor is the scan position: the next transaction index within Block
type Cursor struct {
	Block uint64
	Tx    int
}

// CursorStore persists the scan position
type CursorStore interface {
	LoadCursor() (Cursor, bool, error)
	SaveCursor(c Cursor) error
}

// WatcherConfig tunes block scanning
type WatcherConfig struct {
	FromBlock     uint64        // first block when no cursor is stored
	Confirmations uint64        // blocks behind head before a block is scanned
	PollInterval  time.Duration // delay between head checks when caught up
}

// Watcher scans confirmed blocks for successful native transfers to custody
// and hands each one to the receiver. Transfers the receiver rejects are
// refunded to the sender.
type Watcher struct {
	backend  Backend
	receiver Receiver
	refunder Refunder
	cursor   CursorStore
	custody  common.Address
	cfg      WatcherConfig
	log      *zap.SugaredLogger

	pos Cursor
}

// NewWatcher creates a watcher. cursor may be nil to always start at
// cfg.FromBlock.
func NewWatcher(backend Backend, custody common.Address, receiver Receiver, refunder Refunder, cursor CursorStore, cfg WatcherConfig, log *zap.SugaredLogger) *Watcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Watcher{
		backend:  backend,
		receiver: receiver,
		refunder: refunder,
		cursor:   cursor,
		custody:  custody,
		cfg:      cfg,
		log:      log,
		pos:      Cursor{Block: cfg.FromBlock},
	}
}

// Run scans until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	if w.cursor != nil {
		pos, ok, err := w.cursor.LoadCursor()
		if err != nil {
			return fmt.Errorf("load cursor: %w", err)
		}
		if ok {
			w.pos = pos
		}
	}
	w.log.Infow("watcher_started", "custody", w.custody.Hex(), "block", w.pos.Block, "tx", w.pos.Tx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Warnw("watcher_poll_failed", "block", w.pos.Block, "tx", w.pos.Tx, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll scans every confirmed block not yet scanned and returns how many
// blocks it completed. The position advances past each custody transaction
// as it is handled, so a failed poll resumes at the transaction that failed.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	head, err := w.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	if head < w.cfg.Confirmations {
		return 0, nil
	}
	target := head - w.cfg.Confirmations

	n := 0
	for w.pos.Block <= target {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := w.scanBlock(ctx, w.pos.Block); err != nil {
			return n, err
		}
		if err := w.advance(Cursor{Block: w.pos.Block + 1}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Position returns the next transaction to scan
func (w *Watcher) Position() Cursor { return w.pos }

func (w *Watcher) advance(c Cursor) error {
	if w.cursor != nil {
		if err := w.cursor.SaveCursor(c); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}
	w.pos = c
	return nil
}

func (w *Watcher) scanBlock(ctx context.Context, number uint64) error {
	block, err := w.backend.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return fmt.Errorf("block %d: %w", number, err)
	}

	txs := block.Transactions()
	for i := w.pos.Tx; i < len(txs); i++ {
		tx := txs[i]
		if tx.To() == nil || *tx.To() != w.custody {
			continue
		}
		if err := w.handleTx(ctx, tx); err != nil {
			return fmt.Errorf("block %d tx %s: %w", number, tx.Hash().Hex(), err)
		}
		if err := w.advance(Cursor{Block: number, Tx: i + 1}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) handleTx(ctx context.Context, tx *types.Transaction) error {
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		w.log.Warnw("deposit_sender_unknown", "tx", tx.Hash().Hex(), "err", err)
		return nil
	}

	receipt, err := w.backend.TransactionReceipt(ctx, tx.Hash())
	if err != nil {
		return fmt.Errorf("receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil
	}

	amount, overflow := uint256.FromBig(tx.Value())
	if overflow {
		return fmt.Errorf("value overflows 256 bits")
	}

	ev, err := w.receiver.ReceiveNative(ctx, from, amount, tx.Data())
	if err == nil {
		w.log.Infow("deposit_observed", "tx", tx.Hash().Hex(), "from", from.Hex(), "amount", amount.Dec(), "seq", ev.Seq)
		return nil
	}

	w.log.Infow("deposit_rejected", "tx", tx.Hash().Hex(), "from", from.Hex(), "amount", amount.Dec(), "err", err)
	if errors.Is(err, exchange.ErrHalted) {
		return err
	}
	if amount.IsZero() || w.refunder == nil {
		return nil
	}
	if err := w.refunder.Send(ctx, from, amount); err != nil {
		return fmt.Errorf("refund %s to %s: %w", amount.Dec(), from.Hex(), err)
	}
	w.log.Infow("deposit_refunded", "tx", tx.Hash().Hex(), "to", from.Hex(), "amount", amount.Dec())
	return nil
}
