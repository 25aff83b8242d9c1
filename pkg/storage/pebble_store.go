// Package storage persists exchange state in Pebble.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
	"github.com/uhyunpark/escrowdex/pkg/app/core/ledger"
	"github.com/uhyunpark/escrowdex/pkg/app/core/orders"
	"github.com/uhyunpark/escrowdex/pkg/app/exchange"
)

// PebbleStore implements exchange.Store. Every changeset lands in one
// synced batch.
// Thread-safe: all writes come from the engine under its lock
type PebbleStore struct {
	db  *pebble.DB
	log *zap.SugaredLogger
}

var _ exchange.Store = (*PebbleStore)(nil)

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(dbPath string, log *zap.SugaredLogger) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	return open(dbPath, opts, log)
}

// NewInMemoryPebbleStore is backed by Pebble's in-memory filesystem
func NewInMemoryPebbleStore(log *zap.SugaredLogger) (*PebbleStore, error) {
	return open("mem", &pebble.Options{FS: vfs.NewMem()}, log)
}

func open(dbPath string, opts *pebble.Options, log *zap.SugaredLogger) (*PebbleStore, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &PebbleStore{db: db, log: log}, nil
}

// Close closes the database
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// SaveConfig records the exchange config. It is written once, when the
// store is fresh.
func (s *PebbleStore) SaveConfig(cfg exchange.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := s.db.Set(keyConfig, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// LoadState reads everything back in key order
func (s *PebbleStore) LoadState() (*exchange.State, error) {
	state := &exchange.State{}

	data, closer, err := s.db.Get(keyConfig)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to get config: %w", err)
	default:
		var cfg exchange.Config
		err := json.Unmarshal(data, &cfg)
		closer.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
		state.Config = &cfg
	}

	err = s.scan(prefixBalance, func(k, v []byte) error {
		assetID, user, err := balanceKeyFromBytes(k)
		if err != nil {
			return err
		}
		amt, err := decodeAmount(v)
		if err != nil {
			return err
		}
		state.Balances = append(state.Balances, ledger.Entry{Key: ledger.Key{Asset: assetID, User: user}, Amount: amt})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.scan(prefixOrder, func(_, v []byte) error {
		o, err := decodeOrder(v)
		if err != nil {
			return err
		}
		state.Orders = append(state.Orders, o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	count, err := s.orderCount()
	if err != nil {
		return nil, err
	}
	if count != uint64(len(state.Orders)) {
		return nil, fmt.Errorf("order counter %d does not match %d stored orders", count, len(state.Orders))
	}

	err = s.scan(prefixEvent, func(_, v []byte) error {
		ev, err := DecodeEvent(v)
		if err != nil {
			return err
		}
		state.Events = append(state.Events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.scan(prefixPending, func(_, v []byte) error {
		p, err := decodePending(v)
		if err != nil {
			return err
		}
		state.Pending = append(state.Pending, p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return state, nil
}

func (s *PebbleStore) scan(prefix string, fn func(k, v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return fmt.Errorf("scan %s: %w", prefix, err)
		}
	}
	return iter.Error()
}

func (s *PebbleStore) orderCount() (uint64, error) {
	data, closer, err := s.db.Get(keyOrderCount)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get order count: %w", err)
	}
	defer closer.Close()
	return strconv.ParseUint(string(data), 10, 64)
}

// Commit writes the changeset atomically
func (s *PebbleStore) Commit(cs exchange.Changeset) error {
	bw := s.NewBatch()
	defer bw.Close()

	for _, e := range cs.Balances {
		if err := bw.SetBalance(e); err != nil {
			return err
		}
	}
	if cs.Order != nil {
		if err := bw.SaveOrder(*cs.Order); err != nil {
			return err
		}
		if cs.NewOrder {
			if err := bw.SetOrderCount(cs.Order.ID); err != nil {
				return err
			}
		}
	}
	if err := bw.AppendEvent(cs.Event); err != nil {
		return err
	}
	if cs.Pending != nil {
		if err := bw.SavePending(*cs.Pending); err != nil {
			return err
		}
	}
	if cs.Settled != 0 {
		if err := bw.DeletePending(cs.Settled); err != nil {
			return err
		}
	}
	return bw.Commit()
}

// SavePending records a transfer awaiting settlement
func (s *PebbleStore) SavePending(p exchange.PendingTransfer) error {
	bw := s.NewBatch()
	defer bw.Close()
	if err := bw.SavePending(p); err != nil {
		return err
	}
	return bw.Commit()
}

// DeletePending drops a settled transfer
func (s *PebbleStore) DeletePending(seq uint64) error {
	if err := s.db.Delete(pendingKey(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete pending %d: %w", seq, err)
	}
	return nil
}

// Revert undoes a committed changeset: balances go back to their previous
// values, the event is dropped, and the order row is removed or reopened.
func (s *PebbleStore) Revert(cs exchange.Changeset) error {
	bw := s.NewBatch()
	defer bw.Close()

	for _, e := range cs.Previous {
		if err := bw.SetBalance(e); err != nil {
			return err
		}
	}
	if cs.Order != nil {
		if cs.NewOrder {
			if err := bw.DeleteOrder(cs.Order.ID); err != nil {
				return err
			}
			if err := bw.SetOrderCount(cs.Order.ID - 1); err != nil {
				return err
			}
		} else {
			reopened := *cs.Order
			reopened.Filled, reopened.Cancelled = false, false
			if err := bw.SaveOrder(reopened); err != nil {
				return err
			}
		}
	}
	if err := bw.DeleteEvent(cs.Event.Seq); err != nil {
		return err
	}
	if cs.Pending != nil {
		if err := bw.DeletePending(cs.Pending.Seq); err != nil {
			return err
		}
	}

	s.log.Warnw("changeset_reverted", "kind", cs.Event.Kind, "seq", cs.Event.Seq)
	return bw.Commit()
}

// BatchWrite provides atomic batch writes for multiple operations
type BatchWrite struct {
	batch *pebble.Batch
}

// NewBatch creates a new batch writer
func (s *PebbleStore) NewBatch() *BatchWrite {
	return &BatchWrite{batch: s.db.NewBatch()}
}

// SetBalance writes a balance; zero balances are deleted
func (bw *BatchWrite) SetBalance(e ledger.Entry) error {
	key := balanceKey(e.Asset, e.User)
	if e.Amount == nil || e.Amount.IsZero() {
		return bw.batch.Delete(key, nil)
	}
	return bw.batch.Set(key, encodeAmount(e.Amount), nil)
}

func (bw *BatchWrite) SaveOrder(o orders.Order) error {
	data, err := encodeOrder(o)
	if err != nil {
		return err
	}
	return bw.batch.Set(orderKey(o.ID), data, nil)
}

func (bw *BatchWrite) DeleteOrder(id uint64) error {
	return bw.batch.Delete(orderKey(id), nil)
}

func (bw *BatchWrite) SetOrderCount(n uint64) error {
	return bw.batch.Set(keyOrderCount, []byte(strconv.FormatUint(n, 10)), nil)
}

func (bw *BatchWrite) AppendEvent(ev events.Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return bw.batch.Set(eventKey(ev.Seq), data, nil)
}

func (bw *BatchWrite) DeleteEvent(seq uint64) error {
	return bw.batch.Delete(eventKey(seq), nil)
}

func (bw *BatchWrite) SavePending(p exchange.PendingTransfer) error {
	data, err := encodePending(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending transfer: %w", err)
	}
	return bw.batch.Set(pendingKey(p.Seq), data, nil)
}

func (bw *BatchWrite) DeletePending(seq uint64) error {
	return bw.batch.Delete(pendingKey(seq), nil)
}

// Commit writes the batch to Pebble atomically
func (bw *BatchWrite) Commit() error {
	if err := bw.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Close closes the batch without committing
func (bw *BatchWrite) Close() error {
	return bw.batch.Close()
}
