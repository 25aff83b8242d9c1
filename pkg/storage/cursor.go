package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/escrowdex/pkg/chain/ethchain"
)

var _ ethchain.CursorStore = (*PebbleStore)(nil)

// LoadCursor returns the deposit watcher position, ok=false if none is stored
func (s *PebbleStore) LoadCursor() (ethchain.Cursor, bool, error) {
	var c ethchain.Cursor
	data, closer, err := s.db.Get(keyWatch)
	if errors.Is(err, pebble.ErrNotFound) {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("failed to get watch cursor: %w", err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, &c); err != nil {
		return c, false, fmt.Errorf("failed to decode watch cursor: %w", err)
	}
	return c, true, nil
}

// SaveCursor records the deposit watcher position
func (s *PebbleStore) SaveCursor(c ethchain.Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.db.Set(keyWatch, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save watch cursor: %w", err)
	}
	return nil
}
