package crypto

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}
	if len(signer.PrivateKeyHex()) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(signer.PrivateKeyHex()))
	}
	// 04 prefix + 64 bytes uncompressed
	if len(signer.PublicKeyHex()) != 130 {
		t.Errorf("public key hex length = %d, want 130", len(signer.PublicKeyHex()))
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", in[:4], err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}
}

func TestSignAndVerify(t *testing.T) {
	signer, _ := GenerateKey()

	message := []byte("Hello, EscrowDEX!")
	signature, err := signer.SignMessage(message)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(signature) != 65 {
		t.Errorf("signature length = %d, want 65", len(signature))
	}
	if v := signature[64]; v != 27 && v != 28 {
		t.Errorf("v = %d, want 27 or 28", v)
	}

	hash := eth_crypto.Keccak256Hash(message).Bytes()
	if !VerifySignature(signer.Address(), hash, signature) {
		t.Error("signature verification failed")
	}

	// raw 0/1 recovery ids are accepted too
	raw := append([]byte(nil), signature...)
	raw[64] -= 27
	if !VerifySignature(signer.Address(), hash, raw) {
		t.Error("raw-v signature verification failed")
	}

	wrongAddr := common.HexToAddress("0x0000000000000000000000000000000000000001")
	if VerifySignature(wrongAddr, hash, signature) {
		t.Error("signature should not verify with wrong address")
	}
}

func TestInvalidSignature(t *testing.T) {
	signer, _ := GenerateKey()
	hash := common.BytesToHash([]byte("test")).Bytes()

	if VerifySignature(signer.Address(), hash, []byte{1, 2, 3}) {
		t.Error("invalid signature should not verify")
	}
	if VerifySignature(signer.Address(), []byte("short"), make([]byte, 65)) {
		t.Error("invalid hash should not verify")
	}
}

func TestTypedMessagesSignAndRecover(t *testing.T) {
	signer, _ := GenerateKey()
	owner := signer.Address()
	token := common.HexToAddress("0x7000000000000000000000000000000000000000")

	domain := DefaultDomain()
	domain.VerifyingContract = common.HexToAddress("0xC057000000000000000000000000000000000000")
	e := NewEIP712Signer(domain)

	msgs := []TypedMessage{
		&DepositTokenEIP712{Token: token, Amount: uint256.NewInt(5), Nonce: 1, Owner: owner},
		&WithdrawEIP712{Token: common.Address{}, Amount: uint256.NewInt(5), Nonce: 2, Owner: owner},
		&MakeOrderEIP712{TokenGet: token, AmountGet: uint256.NewInt(1), TokenGive: common.Address{}, AmountGive: uint256.NewInt(1), Nonce: 3, Owner: owner},
		&CancelOrderEIP712{OrderID: 1, Nonce: 4, Owner: owner},
		&FillOrderEIP712{OrderID: 1, Nonce: 5, Owner: owner},
	}

	for _, msg := range msgs {
		t.Run(msg.PrimaryType(), func(t *testing.T) {
			sig, err := e.Sign(signer, msg)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			ok, err := e.Verify(msg, sig)
			if err != nil || !ok {
				t.Fatalf("verify = %v, %v", ok, err)
			}

			js, err := e.ToJSON(msg)
			if err != nil {
				t.Fatalf("json: %v", err)
			}
			if !strings.Contains(js, `"primaryType": "`+msg.PrimaryType()+`"`) {
				t.Errorf("typed data json missing primaryType: %s", js)
			}
		})
	}

	// same fields under a different primary type must not verify
	cancel := &CancelOrderEIP712{OrderID: 1, Nonce: 9, Owner: owner}
	sig, _ := e.Sign(signer, cancel)
	if ok, _ := e.Verify(&FillOrderEIP712{OrderID: 1, Nonce: 9, Owner: owner}, sig); ok {
		t.Error("cancel signature verified as fill")
	}

	// or under another chain
	other := domain
	other.ChainID = big.NewInt(1)
	if ok, _ := NewEIP712Signer(other).Verify(cancel, sig); ok {
		t.Error("signature verified on another chain")
	}
}
