package ordinals

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// RuneID identifies an etching by the block that confirmed it and the
// index of the etching transaction within that block.
type RuneID struct {
	Block uint64
	Tx    uint32
}

func (id RuneID) String() string {
	return fmt.Sprintf("%d:%d", id.Block, id.Tx)
}

// ParseRuneID parses "block:tx".
func ParseRuneID(s string) (RuneID, error) {
	var id RuneID
	block, tx, ok := strings.Cut(s, ":")
	if !ok {
		return id, fmt.Errorf("invalid rune id %q", s)
	}
	b, err := strconv.ParseUint(block, 10, 64)
	if err != nil {
		return id, fmt.Errorf("invalid rune id block %q: %w", block, err)
	}
	t, err := strconv.ParseUint(tx, 10, 32)
	if err != nil {
		return id, fmt.Errorf("invalid rune id tx %q: %w", tx, err)
	}
	id.Block = b
	id.Tx = uint32(t)
	return id, nil
}

// Next applies a delta-encoded edict id to this id. A zero block delta
// advances the tx index relative to the current id; a nonzero block delta
// moves to a later block with an absolute tx index.
func (id RuneID) Next(blockDelta, txDelta uint64) (RuneID, bool) {
	if blockDelta == 0 {
		tx := uint64(id.Tx) + txDelta
		if tx > uint64(^uint32(0)) {
			return RuneID{}, false
		}
		return RuneID{Block: id.Block, Tx: uint32(tx)}, true
	}
	block := id.Block + blockDelta
	if block < id.Block || txDelta > uint64(^uint32(0)) {
		return RuneID{}, false
	}
	return RuneID{Block: block, Tx: uint32(txDelta)}, true
}

// Bytes returns the 12-byte big-endian key encoding, ordered by (block, tx).
func (id RuneID) Bytes() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[0:8], id.Block)
	binary.BigEndian.PutUint32(b[8:12], id.Tx)
	return b
}

// RuneIDFromBytes is the inverse of Bytes.
func RuneIDFromBytes(b []byte) (RuneID, error) {
	if len(b) != 12 {
		return RuneID{}, fmt.Errorf("rune id: want 12 bytes, got %d", len(b))
	}
	return RuneID{
		Block: binary.BigEndian.Uint64(b[0:8]),
		Tx:    binary.BigEndian.Uint32(b[8:12]),
	}, nil
}
