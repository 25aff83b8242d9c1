// Command sign-request signs an exchange request with EIP-712 and prints the
// JSON body to POST to the node.
//
//	sign-request -key 0x... -type make_order \
//	  -token-get native -amount-get 1000 -token-give 0xTOKEN -amount-give 50 -nonce 1
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
	"github.com/uhyunpark/escrowdex/pkg/crypto"
	"github.com/uhyunpark/escrowdex/pkg/transaction"
)

func main() {
	var (
		keyHex     = flag.String("key", "", "signer private key (hex); a new key is generated when empty")
		reqType    = flag.String("type", "make_order", "deposit_token, withdraw, make_order, cancel_order or fill_order")
		token      = flag.String("token", "native", "token for deposit_token and withdraw")
		amount     = flag.String("amount", "0", "amount for deposit_token and withdraw")
		tokenGet   = flag.String("token-get", "native", "make_order: asset the maker wants")
		amountGet  = flag.String("amount-get", "0", "make_order: amount the maker wants")
		tokenGive  = flag.String("token-give", "native", "make_order: asset the maker offers")
		amountGive = flag.String("amount-give", "0", "make_order: amount the maker offers")
		orderID    = flag.Uint64("order", 0, "cancel_order and fill_order: order id")
		nonce      = flag.Uint64("nonce", uint64(time.Now().UnixMilli()), "request nonce, strictly increasing per signer")
		chainID    = flag.Int64("chain-id", 1337, "EIP-712 domain chain id")
		custody    = flag.String("custody", "0x0000000000000000000000000000000000000000", "EIP-712 verifying contract (the node's custody address)")
		name       = flag.String("name", "EscrowDEX", "EIP-712 domain name")
		verbose    = flag.Bool("v", false, "print the signer and verification result to stderr")
	)
	flag.Parse()

	signer, err := loadSigner(*keyHex)
	if err != nil {
		fail("key", err)
	}
	if !common.IsHexAddress(*custody) {
		fail("custody", fmt.Errorf("invalid address %q", *custody))
	}
	domain := crypto.EIP712Domain{
		Name:              *name,
		Version:           "1",
		ChainID:           big.NewInt(*chainID),
		VerifyingContract: common.HexToAddress(*custody),
	}

	owner := signer.Address()
	var msg crypto.TypedMessage
	switch transaction.RequestType(*reqType) {
	case transaction.TypeDepositToken, transaction.TypeWithdraw:
		id, amt := mustAsset(*token), mustAmount(*amount)
		if *reqType == string(transaction.TypeDepositToken) {
			msg = &crypto.DepositTokenEIP712{Token: id, Amount: amt, Nonce: *nonce, Owner: owner}
		} else {
			msg = &crypto.WithdrawEIP712{Token: id, Amount: amt, Nonce: *nonce, Owner: owner}
		}
	case transaction.TypeMakeOrder:
		msg = &crypto.MakeOrderEIP712{
			TokenGet:   mustAsset(*tokenGet),
			AmountGet:  mustAmount(*amountGet),
			TokenGive:  mustAsset(*tokenGive),
			AmountGive: mustAmount(*amountGive),
			Nonce:      *nonce,
			Owner:      owner,
		}
	case transaction.TypeCancelOrder:
		msg = &crypto.CancelOrderEIP712{OrderID: *orderID, Nonce: *nonce, Owner: owner}
	case transaction.TypeFillOrder:
		msg = &crypto.FillOrderEIP712{OrderID: *orderID, Nonce: *nonce, Owner: owner}
	default:
		fail("type", fmt.Errorf("unknown request type %q", *reqType))
	}

	sig, err := crypto.NewEIP712Signer(domain).Sign(signer, msg)
	if err != nil {
		fail("sign", err)
	}
	req, err := transaction.NewRequest(msg, sig)
	if err != nil {
		fail("request", err)
	}

	// round trip through the node's verifier so a bad domain shows up here
	if _, err := transaction.NewVerifier(domain, transaction.NewNonceTracker(nil)).Verify(req); err != nil {
		fail("verify", err)
	}
	if *verbose {
		fmt.Fprintf(os.Stderr, "signer: %s\n", owner.Hex())
		if *keyHex == "" {
			fmt.Fprintf(os.Stderr, "private key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
		}
		fmt.Fprintln(os.Stderr, "signature valid")
	}

	out, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		fail("marshal", err)
	}
	fmt.Println(string(out))
}

func loadSigner(keyHex string) (*crypto.Signer, error) {
	if keyHex == "" {
		return crypto.GenerateKey()
	}
	return crypto.FromPrivateKeyHex(keyHex)
}

func mustAsset(s string) common.Address {
	id, err := asset.ParseID(s)
	if err != nil {
		fail("asset", err)
	}
	return id
}

func mustAmount(s string) *uint256.Int {
	v, err := asset.ParseAmount(s)
	if err != nil {
		fail("amount", err)
	}
	return v
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", what, err)
	os.Exit(1)
}
