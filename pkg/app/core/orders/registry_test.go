package orders

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
)

var (
	maker = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	token = common.HexToAddress("0x7000000000000000000000000000000000000001")
)

func newOrder(r *Registry) Order {
	return r.Create(maker, token, uint256.NewInt(1), asset.Native, uint256.NewInt(2), 1700000000)
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	r := NewRegistry()

	for want := uint64(1); want <= 3; want++ {
		o := newOrder(r)
		if o.ID != want {
			t.Errorf("id = %d, want %d", o.ID, want)
		}
	}
	if r.Count() != 3 {
		t.Errorf("count = %d, want 3", r.Count())
	}

	got, err := r.Get(2)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Creator != maker || got.AssetGet != token || got.AmountGive.Uint64() != 2 {
		t.Errorf("stored order mismatch: %+v", got)
	}
	if got.CreatedAt != 1700000000 {
		t.Errorf("createdAt = %d", got.CreatedAt)
	}
	if got.Status() != "open" {
		t.Errorf("status = %s, want open", got.Status())
	}
}

func TestCreateAllowsZeroAmounts(t *testing.T) {
	r := NewRegistry()
	o := r.Create(maker, token, uint256.NewInt(0), asset.Native, uint256.NewInt(0), 1)
	if o.ID != 1 || !o.AmountGet.IsZero() {
		t.Errorf("zero-amount order not stored: %+v", o)
	}
}

func TestGetNotFound(t *testing.T) {
	r := NewRegistry()
	newOrder(r)

	for _, id := range []uint64{0, 2, 9999} {
		if _, err := r.Get(id); !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("Get(%d) err = %v, want ErrOrderNotFound", id, err)
		}
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	newOrder(r)

	o, _ := r.Get(1)
	o.AmountGet.SetUint64(999)
	o.Filled = true

	again, _ := r.Get(1)
	if again.AmountGet.Uint64() != 1 || again.Filled {
		t.Errorf("registry state mutated through returned copy: %+v", again)
	}
}

func TestTerminalFlags(t *testing.T) {
	tests := []struct {
		name    string
		first   func(*Registry, uint64) error
		second  func(*Registry, uint64) error
		wantErr error
	}{
		{"fill twice", (*Registry).MarkFilled, (*Registry).MarkFilled, ErrAlreadyFilled},
		{"cancel twice", (*Registry).MarkCancelled, (*Registry).MarkCancelled, ErrAlreadyCancelled},
		{"fill after cancel", (*Registry).MarkCancelled, (*Registry).MarkFilled, ErrAlreadyCancelled},
		{"cancel after fill", (*Registry).MarkFilled, (*Registry).MarkCancelled, ErrAlreadyFilled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			newOrder(r)

			if err := tt.first(r, 1); err != nil {
				t.Fatalf("first transition failed: %v", err)
			}
			if err := tt.second(r, 1); !errors.Is(err, tt.wantErr) {
				t.Errorf("second transition err = %v, want %v", err, tt.wantErr)
			}

			o, _ := r.Get(1)
			if o.Filled && o.Cancelled {
				t.Error("order is both filled and cancelled")
			}
		})
	}
}

func TestMarkUnknown(t *testing.T) {
	r := NewRegistry()
	if err := r.MarkFilled(1); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestInsertOutOfSequence(t *testing.T) {
	r := NewRegistry()
	o := r.Prepare(maker, token, uint256.NewInt(1), asset.Native, uint256.NewInt(1), 1)
	o.ID = 5
	if err := r.Insert(o); err == nil {
		t.Error("expected error for out-of-sequence id")
	}
	if r.Count() != 0 {
		t.Errorf("count = %d after rejected insert", r.Count())
	}
}

func TestLoadRestoresCounter(t *testing.T) {
	src := NewRegistry()
	newOrder(src)
	newOrder(src)
	src.MarkFilled(2)

	dst := NewRegistry()
	dst.Load(src.All())

	if dst.Count() != 2 {
		t.Fatalf("count = %d, want 2", dst.Count())
	}
	o, _ := dst.Get(2)
	if !o.Filled {
		t.Error("filled flag lost on load")
	}
	if next := newOrder(dst); next.ID != 3 {
		t.Errorf("next id after load = %d, want 3", next.ID)
	}
}
