package transaction

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/escrowdex/pkg/crypto"
)

var (
	ErrBadSignature = errors.New("signature does not match owner")
	ErrStaleNonce   = errors.New("nonce already used")
)

// Verifier handles request signature verification and replay protection
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
	nonces       *NonceTracker
}

// NewVerifier creates a new request verifier. nonces may be nil to skip
// replay checks.
func NewVerifier(domain crypto.EIP712Domain, nonces *NonceTracker) *Verifier {
	return &Verifier{
		eip712Signer: crypto.NewEIP712Signer(domain),
		nonces:       nonces,
	}
}

// Verify decodes req, checks its signature recovers to the payload owner and
// consumes the nonce. The returned message's Signer() is the authenticated
// caller.
func (v *Verifier) Verify(req *Request) (crypto.TypedMessage, error) {
	msg, err := req.Decode()
	if err != nil {
		return nil, err
	}

	sigBytes, err := decodeSignature(req.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}

	signer, err := v.eip712Signer.Recover(msg, sigBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != msg.Signer() {
		return nil, fmt.Errorf("%w: recovered %s, owner %s", ErrBadSignature, signer.Hex(), msg.Signer().Hex())
	}

	if v.nonces != nil {
		if err := v.nonces.Use(signer, NonceOf(msg)); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// RecoverSigner recovers the address that signed a request without
// checking it against the owner or touching nonces
func (v *Verifier) RecoverSigner(req *Request) (common.Address, error) {
	msg, err := req.Decode()
	if err != nil {
		return common.Address{}, err
	}
	sigBytes, err := decodeSignature(req.Signature)
	if err != nil {
		return common.Address{}, err
	}
	return v.eip712Signer.Recover(msg, sigBytes)
}

// NonceOf returns the replay nonce of a typed message
func NonceOf(msg crypto.TypedMessage) uint64 {
	switch m := msg.(type) {
	case *crypto.DepositTokenEIP712:
		return m.Nonce
	case *crypto.WithdrawEIP712:
		return m.Nonce
	case *crypto.MakeOrderEIP712:
		return m.Nonce
	case *crypto.CancelOrderEIP712:
		return m.Nonce
	case *crypto.FillOrderEIP712:
		return m.Nonce
	}
	return 0
}

// decodeSignature decodes hex-encoded signature (with or without 0x prefix)
func decodeSignature(sig string) ([]byte, error) {
	if sig == "" {
		return nil, fmt.Errorf("missing signature")
	}
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}
	return sigBytes, nil
}
