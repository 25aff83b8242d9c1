package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
	"github.com/uhyunpark/escrowdex/pkg/app/core/orders"
	"github.com/uhyunpark/escrowdex/pkg/app/exchange"
)

// API response types for REST endpoints and WebSocket messages.
// Amounts are decimal strings in base units; addresses are checksummed hex.

// ==============================
// REST Response Types
// ==============================

// ConfigInfo is the exchange's immutable configuration
type ConfigInfo struct {
	FeeAccount string `json:"feeAccount"`
	FeePercent uint64 `json:"feePercent"`
	Custody    string `json:"custody"`
}

// StatusInfo summarizes engine state
type StatusInfo struct {
	Halted     bool   `json:"halted"`
	HaltReason string `json:"haltReason,omitempty"`
	LastSeq    uint64 `json:"lastSeq"`    // Seq of the newest event
	OrderCount uint64 `json:"orderCount"` // Highest order id issued
	StateRoot  string `json:"stateRoot"`
	Pending    int    `json:"pendingTransfers"` // Payouts or pulls awaiting a receipt
}

// BalanceInfo is one (asset, user) balance
type BalanceInfo struct {
	Asset   string `json:"asset"`
	User    string `json:"user"`
	Balance string `json:"balance"`
}

// OrderInfo is an order and its status
type OrderInfo struct {
	ID         uint64 `json:"id"`
	Creator    string `json:"creator"`
	AssetGet   string `json:"assetGet"`
	AmountGet  string `json:"amountGet"`
	AssetGive  string `json:"assetGive"`
	AmountGive string `json:"amountGive"`
	Status     string `json:"status"` // "open" | "filled" | "cancelled"
	CreatedAt  int64  `json:"createdAt"`
}

// OrderList is the response of GET /orders
type OrderList struct {
	Count  uint64      `json:"count"`
	Orders []OrderInfo `json:"orders"`
}

// EventInfo is a committed event. Fields not used by Kind are omitted.
type EventInfo struct {
	Seq        uint64 `json:"seq"`
	Kind       string `json:"kind"`
	Timestamp  int64  `json:"timestamp"`
	Asset      string `json:"asset,omitempty"`
	User       string `json:"user"`
	Amount     string `json:"amount,omitempty"`
	Balance    string `json:"balance,omitempty"`
	OrderID    uint64 `json:"orderId,omitempty"`
	AssetGet   string `json:"assetGet,omitempty"`
	AmountGet  string `json:"amountGet,omitempty"`
	AssetGive  string `json:"assetGive,omitempty"`
	AmountGive string `json:"amountGive,omitempty"`
	Filler     string `json:"filler,omitempty"`
}

// PendingInfo is an external transfer whose outcome is not yet known.
// Kind is the event it produced: "Deposit" or "Withdraw".
type PendingInfo struct {
	Seq    uint64 `json:"seq"`
	Kind   string `json:"kind"`
	Asset  string `json:"asset"`
	User   string `json:"user"`
	Amount string `json:"amount"`
	Tx     string `json:"tx"`
}

// FaucetRequest is the body of POST /dev/faucet
type FaucetRequest struct {
	Address string `json:"address"`
	Asset   string `json:"asset"` // "native" or token address
	Amount  string `json:"amount"`
}

// SubmitResponse is returned by every signed mutation
type SubmitResponse struct {
	Status string    `json:"status"` // "committed"
	Event  EventInfo `json:"event"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type    string      `json:"type"`              // "event", "subscribed", "unsubscribed"
	Channel string      `json:"channel,omitempty"` // "events" or "account:0x..."
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["events", "account:0x..."]
}

// ==============================
// Conversions
// ==============================

func amountString(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

func toOrderInfo(o orders.Order) OrderInfo {
	return OrderInfo{
		ID:         o.ID,
		Creator:    o.Creator.Hex(),
		AssetGet:   o.AssetGet.Hex(),
		AmountGet:  amountString(o.AmountGet),
		AssetGive:  o.AssetGive.Hex(),
		AmountGive: amountString(o.AmountGive),
		Status:     o.Status(),
		CreatedAt:  o.CreatedAt,
	}
}

func toPendingInfo(p exchange.PendingTransfer) PendingInfo {
	return PendingInfo{
		Seq:    p.Seq,
		Kind:   string(p.Kind),
		Asset:  p.Asset.Hex(),
		User:   p.User.Hex(),
		Amount: amountString(p.Amount),
		Tx:     p.Tx.Hex(),
	}
}

func toEventInfo(ev events.Event) EventInfo {
	info := EventInfo{
		Seq:       ev.Seq,
		Kind:      string(ev.Kind),
		Timestamp: ev.Timestamp,
		User:      ev.User.Hex(),
	}
	switch ev.Kind {
	case events.KindDeposit, events.KindWithdraw:
		info.Asset = ev.Asset.Hex()
		info.Amount = amountString(ev.Amount)
		info.Balance = amountString(ev.Balance)
	default:
		info.OrderID = ev.OrderID
		info.AssetGet = ev.AssetGet.Hex()
		info.AmountGet = amountString(ev.AmountGet)
		info.AssetGive = ev.AssetGive.Hex()
		info.AmountGive = amountString(ev.AmountGive)
		if ev.Kind == events.KindTrade {
			info.Filler = ev.Filler.Hex()
		}
	}
	return info
}

func toBalanceInfo(assetID, user common.Address, bal *uint256.Int) BalanceInfo {
	return BalanceInfo{Asset: assetID.Hex(), User: user.Hex(), Balance: asset.Clone(bal).Dec()}
}
