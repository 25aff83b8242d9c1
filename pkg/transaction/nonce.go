package transaction

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceStore persists the last used nonce per owner
type NonceStore interface {
	LoadNonce(owner common.Address) (uint64, error)
	SaveNonce(owner common.Address, nonce uint64) error
}

// NonceTracker requires each owner's nonces to strictly increase. Gaps are
// allowed. A nonce is consumed once its signature checks out, whether or not
// the operation it authorizes later succeeds.
type NonceTracker struct {
	mu    sync.Mutex
	last  map[common.Address]uint64
	store NonceStore
}

// NewNonceTracker creates a tracker. store may be nil for memory only.
func NewNonceTracker(store NonceStore) *NonceTracker {
	return &NonceTracker{last: make(map[common.Address]uint64), store: store}
}

// Use consumes nonce for owner
func (t *NonceTracker) Use(owner common.Address, nonce uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, err := t.lastLocked(owner)
	if err != nil {
		return err
	}
	if nonce <= last {
		return fmt.Errorf("%w: %s nonce %d, last %d", ErrStaleNonce, owner.Hex(), nonce, last)
	}
	if t.store != nil {
		if err := t.store.SaveNonce(owner, nonce); err != nil {
			return fmt.Errorf("failed to save nonce: %w", err)
		}
	}
	t.last[owner] = nonce
	return nil
}

// Last returns the highest nonce used by owner, 0 if none
func (t *NonceTracker) Last(owner common.Address) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLocked(owner)
}

func (t *NonceTracker) lastLocked(owner common.Address) (uint64, error) {
	if n, ok := t.last[owner]; ok {
		return n, nil
	}
	if t.store == nil {
		return 0, nil
	}
	n, err := t.store.LoadNonce(owner)
	if err != nil {
		return 0, fmt.Errorf("failed to load nonce: %w", err)
	}
	t.last[owner] = n
	return n, nil
}
