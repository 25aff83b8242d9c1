package storage

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// LoadNonce returns the last request nonce used by owner, 0 if none
func (s *PebbleStore) LoadNonce(owner common.Address) (uint64, error) {
	data, closer, err := s.db.Get(nonceKey(owner))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	defer closer.Close()
	return strconv.ParseUint(string(data), 10, 64)
}

// SaveNonce records owner's last request nonce
func (s *PebbleStore) SaveNonce(owner common.Address, nonce uint64) error {
	if err := s.db.Set(nonceKey(owner), []byte(strconv.FormatUint(nonce, 10)), pebble.Sync); err != nil {
		return fmt.Errorf("failed to save nonce: %w", err)
	}
	return nil
}

// LoadAck returns the last event seq the named publisher delivered, 0 if none
func (s *PebbleStore) LoadAck(name string) (uint64, error) {
	data, closer, err := s.db.Get(ackKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get ack: %w", err)
	}
	defer closer.Close()
	return strconv.ParseUint(string(data), 10, 64)
}

// SaveAck records the last event seq the named publisher delivered
func (s *PebbleStore) SaveAck(name string, seq uint64) error {
	if err := s.db.Set(ackKey(name), []byte(strconv.FormatUint(seq, 10)), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save ack: %w", err)
	}
	return nil
}
