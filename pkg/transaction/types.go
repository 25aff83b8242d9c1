// Package transaction decodes and verifies signed exchange requests.
package transaction

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
	"github.com/uhyunpark/escrowdex/pkg/crypto"
)

// RequestType names the signed operation
type RequestType string

const (
	TypeDepositToken RequestType = "deposit_token"
	TypeWithdraw     RequestType = "withdraw"
	TypeMakeOrder    RequestType = "make_order"
	TypeCancelOrder  RequestType = "cancel_order"
	TypeFillOrder    RequestType = "fill_order"
)

// Request is the signed envelope clients POST
//
//	{
//	  "type": "make_order",
//	  "payload": {"tokenGet": "0x...", "amountGet": "1000", ...},
//	  "signature": "0x..."
//	}
type Request struct {
	Type      RequestType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"` // Hex-encoded (0x...)
}

// TransferPayload is the body of deposit_token and withdraw.
// Token "native" (or the zero address) means native currency.
type TransferPayload struct {
	Token  string `json:"token"`
	Amount string `json:"amount"` // decimal or 0x hex
	Nonce  string `json:"nonce"`
	Owner  string `json:"owner"`
}

// MakeOrderPayload is the body of make_order
type MakeOrderPayload struct {
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Nonce      string `json:"nonce"`
	Owner      string `json:"owner"`
}

// OrderRefPayload is the body of cancel_order and fill_order
type OrderRefPayload struct {
	OrderID string `json:"orderId"`
	Nonce   string `json:"nonce"`
	Owner   string `json:"owner"`
}

// Decode parses the payload into the typed message its signature covers
func (r *Request) Decode() (crypto.TypedMessage, error) {
	switch r.Type {
	case TypeDepositToken, TypeWithdraw:
		var p TransferPayload
		if err := unmarshalPayload(r.Payload, &p); err != nil {
			return nil, err
		}
		token, err := asset.ParseID(p.Token)
		if err != nil {
			return nil, fmt.Errorf("invalid token: %w", err)
		}
		amount, err := asset.ParseAmount(p.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount: %w", err)
		}
		nonce, owner, err := parseNonceOwner(p.Nonce, p.Owner)
		if err != nil {
			return nil, err
		}
		if r.Type == TypeDepositToken {
			return &crypto.DepositTokenEIP712{Token: token, Amount: amount, Nonce: nonce, Owner: owner}, nil
		}
		return &crypto.WithdrawEIP712{Token: token, Amount: amount, Nonce: nonce, Owner: owner}, nil

	case TypeMakeOrder:
		var p MakeOrderPayload
		if err := unmarshalPayload(r.Payload, &p); err != nil {
			return nil, err
		}
		tokenGet, err := asset.ParseID(p.TokenGet)
		if err != nil {
			return nil, fmt.Errorf("invalid tokenGet: %w", err)
		}
		tokenGive, err := asset.ParseID(p.TokenGive)
		if err != nil {
			return nil, fmt.Errorf("invalid tokenGive: %w", err)
		}
		amountGet, err := asset.ParseAmount(p.AmountGet)
		if err != nil {
			return nil, fmt.Errorf("invalid amountGet: %w", err)
		}
		amountGive, err := asset.ParseAmount(p.AmountGive)
		if err != nil {
			return nil, fmt.Errorf("invalid amountGive: %w", err)
		}
		nonce, owner, err := parseNonceOwner(p.Nonce, p.Owner)
		if err != nil {
			return nil, err
		}
		return &crypto.MakeOrderEIP712{
			TokenGet: tokenGet, AmountGet: amountGet,
			TokenGive: tokenGive, AmountGive: amountGive,
			Nonce: nonce, Owner: owner,
		}, nil

	case TypeCancelOrder, TypeFillOrder:
		var p OrderRefPayload
		if err := unmarshalPayload(r.Payload, &p); err != nil {
			return nil, err
		}
		id, err := strconv.ParseUint(p.OrderID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid orderId %q: %w", p.OrderID, err)
		}
		nonce, owner, err := parseNonceOwner(p.Nonce, p.Owner)
		if err != nil {
			return nil, err
		}
		if r.Type == TypeCancelOrder {
			return &crypto.CancelOrderEIP712{OrderID: id, Nonce: nonce, Owner: owner}, nil
		}
		return &crypto.FillOrderEIP712{OrderID: id, Nonce: nonce, Owner: owner}, nil

	case "":
		return nil, fmt.Errorf("missing request type")
	default:
		return nil, fmt.Errorf("unknown request type: %s", r.Type)
	}
}

// NewRequest builds an envelope from a typed message and its signature
func NewRequest(msg crypto.TypedMessage, signature []byte) (*Request, error) {
	var (
		typ     RequestType
		payload any
	)
	switch m := msg.(type) {
	case *crypto.DepositTokenEIP712:
		typ, payload = TypeDepositToken, TransferPayload{m.Token.Hex(), m.Amount.Dec(), strconv.FormatUint(m.Nonce, 10), m.Owner.Hex()}
	case *crypto.WithdrawEIP712:
		typ, payload = TypeWithdraw, TransferPayload{m.Token.Hex(), m.Amount.Dec(), strconv.FormatUint(m.Nonce, 10), m.Owner.Hex()}
	case *crypto.MakeOrderEIP712:
		typ, payload = TypeMakeOrder, MakeOrderPayload{
			TokenGet: m.TokenGet.Hex(), AmountGet: m.AmountGet.Dec(),
			TokenGive: m.TokenGive.Hex(), AmountGive: m.AmountGive.Dec(),
			Nonce: strconv.FormatUint(m.Nonce, 10), Owner: m.Owner.Hex(),
		}
	case *crypto.CancelOrderEIP712:
		typ, payload = TypeCancelOrder, OrderRefPayload{strconv.FormatUint(m.OrderID, 10), strconv.FormatUint(m.Nonce, 10), m.Owner.Hex()}
	case *crypto.FillOrderEIP712:
		typ, payload = TypeFillOrder, OrderRefPayload{strconv.FormatUint(m.OrderID, 10), strconv.FormatUint(m.Nonce, 10), m.Owner.Hex()}
	default:
		return nil, fmt.Errorf("unsupported message %T", msg)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &Request{Type: typ, Payload: raw, Signature: fmt.Sprintf("0x%x", signature)}, nil
}

// Deserialize parses JSON bytes into a Request
func Deserialize(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return &req, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func parseNonceOwner(nonce, owner string) (uint64, common.Address, error) {
	n, err := strconv.ParseUint(nonce, 10, 64)
	if err != nil {
		return 0, common.Address{}, fmt.Errorf("invalid nonce %q: %w", nonce, err)
	}
	if !common.IsHexAddress(owner) {
		return 0, common.Address{}, fmt.Errorf("invalid owner %q", owner)
	}
	return n, common.HexToAddress(owner), nil
}
