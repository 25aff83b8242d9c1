// Package orders stores fill-or-cancel limit orders under sequential ids.
package orders

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrAlreadyFilled    = errors.New("order already filled")
	ErrAlreadyCancelled = errors.New("order already cancelled")
)

// Order is immutable apart from the Filled/Cancelled flags.
// At most one flag is ever set and once set the order is terminal.
type Order struct {
	ID         uint64
	Creator    common.Address
	AssetGet   common.Address
	AmountGet  *uint256.Int
	AssetGive  common.Address
	AmountGive *uint256.Int
	CreatedAt  int64 // unix seconds
	Filled     bool
	Cancelled  bool
}

// Closed reports whether the order can no longer be filled or cancelled
func (o *Order) Closed() bool {
	return o.Filled || o.Cancelled
}

// Status returns "open", "filled" or "cancelled"
func (o *Order) Status() string {
	switch {
	case o.Filled:
		return "filled"
	case o.Cancelled:
		return "cancelled"
	default:
		return "open"
	}
}

// CheckOpen returns ErrAlreadyFilled or ErrAlreadyCancelled for closed orders
func (o *Order) CheckOpen() error {
	if o.Filled {
		return fmt.Errorf("%w: id=%d", ErrAlreadyFilled, o.ID)
	}
	if o.Cancelled {
		return fmt.Errorf("%w: id=%d", ErrAlreadyCancelled, o.ID)
	}
	return nil
}

func (o Order) clone() Order {
	o.AmountGet = asset.Clone(o.AmountGet)
	o.AmountGive = asset.Clone(o.AmountGive)
	return o
}

// Registry holds every order ever created. Ids start at 1 and are never reused.
// Not safe for concurrent use; the exchange engine serializes access.
type Registry struct {
	orders map[uint64]*Order
	count  uint64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{orders: make(map[uint64]*Order)}
}

// Prepare builds the next order without storing it
func (r *Registry) Prepare(creator, assetGet common.Address, amountGet *uint256.Int, assetGive common.Address, amountGive *uint256.Int, now int64) Order {
	return Order{
		ID:         r.count + 1,
		Creator:    creator,
		AssetGet:   assetGet,
		AmountGet:  asset.Clone(amountGet),
		AssetGive:  assetGive,
		AmountGive: asset.Clone(amountGive),
		CreatedAt:  now,
	}
}

// Insert stores a prepared order. Its id must be the next in sequence.
func (r *Registry) Insert(o Order) error {
	if o.ID != r.count+1 {
		return fmt.Errorf("order id %d out of sequence (next %d)", o.ID, r.count+1)
	}
	stored := o.clone()
	r.orders[o.ID] = &stored
	r.count = o.ID
	return nil
}

// Create assigns the next id, stores the order and returns it.
// Zero amounts are accepted.
func (r *Registry) Create(creator, assetGet common.Address, amountGet *uint256.Int, assetGive common.Address, amountGive *uint256.Int, now int64) Order {
	o := r.Prepare(creator, assetGet, amountGet, assetGive, amountGive, now)
	// cannot fail: Prepare used the next id
	_ = r.Insert(o)
	return o
}

// Get returns a copy of the order
func (r *Registry) Get(id uint64) (Order, error) {
	if id == 0 || id > r.count {
		return Order{}, fmt.Errorf("%w: id=%d (count=%d)", ErrOrderNotFound, id, r.count)
	}
	o, ok := r.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: id=%d", ErrOrderNotFound, id)
	}
	return o.clone(), nil
}

// MarkFilled sets the filled flag
func (r *Registry) MarkFilled(id uint64) error {
	o, err := r.open(id)
	if err != nil {
		return err
	}
	o.Filled = true
	return nil
}

// MarkCancelled sets the cancelled flag
func (r *Registry) MarkCancelled(id uint64) error {
	o, err := r.open(id)
	if err != nil {
		return err
	}
	o.Cancelled = true
	return nil
}

func (r *Registry) open(id uint64) (*Order, error) {
	if _, err := r.Get(id); err != nil {
		return nil, err
	}
	o := r.orders[id]
	if err := o.CheckOpen(); err != nil {
		return nil, err
	}
	return o, nil
}

// Count returns the number of orders created (also the highest id)
func (r *Registry) Count() uint64 {
	return r.count
}

// Load restores persisted orders. The counter becomes the highest id seen.
func (r *Registry) Load(orders []Order) {
	for _, o := range orders {
		stored := o.clone()
		r.orders[o.ID] = &stored
		if o.ID > r.count {
			r.count = o.ID
		}
	}
}

// All returns every order sorted by id
func (r *Registry) All() []Order {
	out := make([]Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
