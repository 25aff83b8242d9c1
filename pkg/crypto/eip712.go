package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/contracts
type EIP712Domain struct {
	Name              string         // Protocol name (e.g., "EscrowDEX")
	Version           string         // Protocol version (e.g., "1")
	ChainID           *big.Int       // Chain ID (1337 for local, 1 for mainnet)
	VerifyingContract common.Address // Custody account
}

// DefaultDomain returns the default EIP-712 domain for a local devnet
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "EscrowDEX",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

// TypedMessage is a request users sign with eth_signTypedData_v4
type TypedMessage interface {
	PrimaryType() string
	Fields() []apitypes.Type
	Message() apitypes.TypedDataMessage
	// Signer is the address the signature must recover to
	Signer() common.Address
}

var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// DepositTokenEIP712 authorizes pulling Amount of Token from Owner
type DepositTokenEIP712 struct {
	Token  common.Address
	Amount *uint256.Int
	Nonce  uint64
	Owner  common.Address
}

func (m *DepositTokenEIP712) PrimaryType() string    { return "DepositToken" }
func (m *DepositTokenEIP712) Signer() common.Address { return m.Owner }
func (m *DepositTokenEIP712) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	}
}
func (m *DepositTokenEIP712) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"token":  m.Token.Hex(),
		"amount": dec(m.Amount),
		"nonce":  strconv.FormatUint(m.Nonce, 10),
		"owner":  m.Owner.Hex(),
	}
}

// WithdrawEIP712 withdraws Amount of Token; the zero address is native currency
type WithdrawEIP712 struct {
	Token  common.Address
	Amount *uint256.Int
	Nonce  uint64
	Owner  common.Address
}

func (m *WithdrawEIP712) PrimaryType() string    { return "Withdraw" }
func (m *WithdrawEIP712) Signer() common.Address { return m.Owner }
func (m *WithdrawEIP712) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	}
}
func (m *WithdrawEIP712) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"token":  m.Token.Hex(),
		"amount": dec(m.Amount),
		"nonce":  strconv.FormatUint(m.Nonce, 10),
		"owner":  m.Owner.Hex(),
	}
}

// MakeOrderEIP712 offers AmountGive of TokenGive for AmountGet of TokenGet
type MakeOrderEIP712 struct {
	TokenGet   common.Address
	AmountGet  *uint256.Int
	TokenGive  common.Address
	AmountGive *uint256.Int
	Nonce      uint64
	Owner      common.Address
}

func (m *MakeOrderEIP712) PrimaryType() string    { return "MakeOrder" }
func (m *MakeOrderEIP712) Signer() common.Address { return m.Owner }
func (m *MakeOrderEIP712) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "tokenGet", Type: "address"},
		{Name: "amountGet", Type: "uint256"},
		{Name: "tokenGive", Type: "address"},
		{Name: "amountGive", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	}
}
func (m *MakeOrderEIP712) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"tokenGet":   m.TokenGet.Hex(),
		"amountGet":  dec(m.AmountGet),
		"tokenGive":  m.TokenGive.Hex(),
		"amountGive": dec(m.AmountGive),
		"nonce":      strconv.FormatUint(m.Nonce, 10),
		"owner":      m.Owner.Hex(),
	}
}

// CancelOrderEIP712 represents a cancel order request for EIP-712 signing
type CancelOrderEIP712 struct {
	OrderID uint64
	Nonce   uint64
	Owner   common.Address
}

func (m *CancelOrderEIP712) PrimaryType() string     { return "CancelOrder" }
func (m *CancelOrderEIP712) Signer() common.Address  { return m.Owner }
func (m *CancelOrderEIP712) Fields() []apitypes.Type { return orderRefFields }
func (m *CancelOrderEIP712) Message() apitypes.TypedDataMessage {
	return orderRefMessage(m.OrderID, m.Nonce, m.Owner)
}

// FillOrderEIP712 fills order OrderID with Owner as the filler
type FillOrderEIP712 struct {
	OrderID uint64
	Nonce   uint64
	Owner   common.Address
}

func (m *FillOrderEIP712) PrimaryType() string     { return "FillOrder" }
func (m *FillOrderEIP712) Signer() common.Address  { return m.Owner }
func (m *FillOrderEIP712) Fields() []apitypes.Type { return orderRefFields }
func (m *FillOrderEIP712) Message() apitypes.TypedDataMessage {
	return orderRefMessage(m.OrderID, m.Nonce, m.Owner)
}

var orderRefFields = []apitypes.Type{
	{Name: "orderId", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "owner", Type: "address"},
}

func orderRefMessage(id, nonce uint64, owner common.Address) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"orderId": strconv.FormatUint(id, 10),
		"nonce":   strconv.FormatUint(nonce, 10),
		"owner":   owner.Hex(),
	}
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// EIP712Signer handles EIP-712 typed data hashing, signing and recovery
type EIP712Signer struct {
	domain EIP712Domain
}

// NewEIP712Signer creates a new EIP-712 signer with given domain
func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

// TypedData builds the full eth_signTypedData_v4 payload for msg
func (e *EIP712Signer) TypedData(msg TypedMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":    domainFields,
			msg.PrimaryType(): msg.Fields(),
		},
		PrimaryType: msg.PrimaryType(),
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg.Message(),
	}
}

// Hash returns the EIP-712 digest that should be signed
func (e *EIP712Signer) Hash(msg TypedMessage) ([]byte, error) {
	typedData := e.TypedData(msg)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", msg.PrimaryType(), err)
	}

	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// Sign hashes and signs msg
func (e *EIP712Signer) Sign(signer *Signer, msg TypedMessage) ([]byte, error) {
	hash, err := e.Hash(msg)
	if err != nil {
		return nil, err
	}
	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", msg.PrimaryType(), err)
	}
	return signature, nil
}

// Recover returns the address that signed msg
func (e *EIP712Signer) Recover(msg TypedMessage, signature []byte) (common.Address, error) {
	hash, err := e.Hash(msg)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// Verify reports whether signature was made by msg.Signer()
func (e *EIP712Signer) Verify(msg TypedMessage, signature []byte) (bool, error) {
	addr, err := e.Recover(msg, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return addr == msg.Signer(), nil
}

// ToJSON renders msg for wallet signing (eth_signTypedData_v4)
func (e *EIP712Signer) ToJSON(msg TypedMessage) (string, error) {
	jsonBytes, err := json.MarshalIndent(e.TypedData(msg), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(jsonBytes), nil
}
