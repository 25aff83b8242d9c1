package storage

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
	"github.com/uhyunpark/escrowdex/pkg/app/core/orders"
	"github.com/uhyunpark/escrowdex/pkg/app/exchange"
)

// Amounts are stored as decimal strings so records stay readable with
// pebble's own tooling.

type orderRecord struct {
	ID         uint64         `json:"id"`
	Creator    common.Address `json:"creator"`
	AssetGet   common.Address `json:"assetGet"`
	AmountGet  string         `json:"amountGet"`
	AssetGive  common.Address `json:"assetGive"`
	AmountGive string         `json:"amountGive"`
	CreatedAt  int64          `json:"createdAt"`
	Filled     bool           `json:"filled"`
	Cancelled  bool           `json:"cancelled"`
}

type eventRecord struct {
	Seq        uint64         `json:"seq"`
	Kind       events.Kind    `json:"kind"`
	Timestamp  int64          `json:"timestamp"`
	Asset      common.Address `json:"asset"`
	User       common.Address `json:"user"`
	Amount     string         `json:"amount,omitempty"`
	Balance    string         `json:"balance,omitempty"`
	OrderID    uint64         `json:"orderId,omitempty"`
	AssetGet   common.Address `json:"assetGet"`
	AmountGet  string         `json:"amountGet,omitempty"`
	AssetGive  common.Address `json:"assetGive"`
	AmountGive string         `json:"amountGive,omitempty"`
	Filler     common.Address `json:"filler"`
}

type pendingRecord struct {
	Seq    uint64         `json:"seq"`
	Kind   events.Kind    `json:"kind"`
	Asset  common.Address `json:"asset"`
	User   common.Address `json:"user"`
	Amount string         `json:"amount"`
	Tx     common.Hash    `json:"tx"`
}

func encodeAmount(v *uint256.Int) []byte {
	return []byte(asset.Clone(v).Dec())
}

func decodeAmount(b []byte) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(string(b))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", b, err)
	}
	return v, nil
}

func optDec(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

func optAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return decodeAmount([]byte(s))
}

func encodeOrder(o orders.Order) ([]byte, error) {
	return json.Marshal(orderRecord{
		ID:         o.ID,
		Creator:    o.Creator,
		AssetGet:   o.AssetGet,
		AmountGet:  asset.Clone(o.AmountGet).Dec(),
		AssetGive:  o.AssetGive,
		AmountGive: asset.Clone(o.AmountGive).Dec(),
		CreatedAt:  o.CreatedAt,
		Filled:     o.Filled,
		Cancelled:  o.Cancelled,
	})
}

func decodeOrder(data []byte) (orders.Order, error) {
	var rec orderRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return orders.Order{}, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	get, err := decodeAmount([]byte(rec.AmountGet))
	if err != nil {
		return orders.Order{}, err
	}
	give, err := decodeAmount([]byte(rec.AmountGive))
	if err != nil {
		return orders.Order{}, err
	}
	return orders.Order{
		ID:         rec.ID,
		Creator:    rec.Creator,
		AssetGet:   rec.AssetGet,
		AmountGet:  get,
		AssetGive:  rec.AssetGive,
		AmountGive: give,
		CreatedAt:  rec.CreatedAt,
		Filled:     rec.Filled,
		Cancelled:  rec.Cancelled,
	}, nil
}

// EncodeEvent is the JSON form of an event shared by the store and the
// event publishers.
func EncodeEvent(ev events.Event) ([]byte, error) {
	return json.Marshal(eventRecord{
		Seq:        ev.Seq,
		Kind:       ev.Kind,
		Timestamp:  ev.Timestamp,
		Asset:      ev.Asset,
		User:       ev.User,
		Amount:     optDec(ev.Amount),
		Balance:    optDec(ev.Balance),
		OrderID:    ev.OrderID,
		AssetGet:   ev.AssetGet,
		AmountGet:  optDec(ev.AmountGet),
		AssetGive:  ev.AssetGive,
		AmountGive: optDec(ev.AmountGive),
		Filler:     ev.Filler,
	})
}

// DecodeEvent is the inverse of EncodeEvent
func DecodeEvent(data []byte) (events.Event, error) {
	var rec eventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return events.Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	ev := events.Event{
		Seq:       rec.Seq,
		Kind:      rec.Kind,
		Timestamp: rec.Timestamp,
		Asset:     rec.Asset,
		User:      rec.User,
		OrderID:   rec.OrderID,
		AssetGet:  rec.AssetGet,
		AssetGive: rec.AssetGive,
		Filler:    rec.Filler,
	}
	var err error
	for _, f := range []struct {
		dst **uint256.Int
		src string
	}{
		{&ev.Amount, rec.Amount},
		{&ev.Balance, rec.Balance},
		{&ev.AmountGet, rec.AmountGet},
		{&ev.AmountGive, rec.AmountGive},
	} {
		if *f.dst, err = optAmount(f.src); err != nil {
			return events.Event{}, err
		}
	}
	return ev, nil
}

func encodePending(p exchange.PendingTransfer) ([]byte, error) {
	return json.Marshal(pendingRecord{
		Seq:    p.Seq,
		Kind:   p.Kind,
		Asset:  p.Asset,
		User:   p.User,
		Amount: asset.Clone(p.Amount).Dec(),
		Tx:     p.Tx,
	})
}

func decodePending(data []byte) (exchange.PendingTransfer, error) {
	var rec pendingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return exchange.PendingTransfer{}, fmt.Errorf("failed to unmarshal pending transfer: %w", err)
	}
	amt, err := decodeAmount([]byte(rec.Amount))
	if err != nil {
		return exchange.PendingTransfer{}, err
	}
	return exchange.PendingTransfer{
		Seq:    rec.Seq,
		Kind:   rec.Kind,
		Asset:  rec.Asset,
		User:   rec.User,
		Amount: amt,
		Tx:     rec.Tx,
	}, nil
}
