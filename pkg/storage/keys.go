package storage

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	cfg                      → exchange config (JSON)
//	bal:{asset}:{user}       → balance, decimal string
//	ord:{%020d id}           → order (JSON)
//	ordcount                 → highest order id, decimal string
//	evt:{%020d seq}          → event (JSON)
//	nonce:{owner}            → last signed-request nonce, decimal string
//	watch                    → deposit watcher position (JSON)
//	ack:{name}               → last event seq a publisher delivered, decimal
//	pend:{%020d seq}         → transfer awaiting settlement (JSON)
//
// Ids and sequence numbers are zero-padded so prefix scans return them in
// numeric order.
const (
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
	prefixEvent   = "evt:"
	prefixNonce   = "nonce:"
	prefixAck     = "ack:"
	prefixPending = "pend:"
)

var (
	keyConfig     = []byte("cfg")
	keyOrderCount = []byte("ordcount")
	keyWatch      = []byte("watch")
)

// balanceKey: "bal:{asset}:{user}"
func balanceKey(assetID, user common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, assetID.Hex(), user.Hex()))
}

// orderKey: "ord:{%020d}"
func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

// eventKey: "evt:{%020d}"
func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

// pendingKey: "pend:{%020d}"
func pendingKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixPending, seq))
}

// nonceKey: "nonce:{owner}"
func nonceKey(owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixNonce, owner.Hex()))
}

// ackKey: "ack:{name}"
func ackKey(name string) []byte {
	return []byte(prefixAck + name)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// balanceKeyFromBytes is the inverse of balanceKey
func balanceKeyFromBytes(key []byte) (assetID, user common.Address, err error) {
	rest, ok := strings.CutPrefix(string(key), prefixBalance)
	if !ok {
		return assetID, user, fmt.Errorf("not a balance key: %q", key)
	}
	a, u, ok := strings.Cut(rest, ":")
	if !ok || !common.IsHexAddress(a) || !common.IsHexAddress(u) {
		return assetID, user, fmt.Errorf("invalid balance key: %q", key)
	}
	return common.HexToAddress(a), common.HexToAddress(u), nil
}
