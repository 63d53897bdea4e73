package ordinals

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// SatPoint is the position of a satoshi within the UTXO set: an outpoint
// plus the byte offset of the satoshi within that output's value.
type SatPoint struct {
	OutPoint wire.OutPoint
	Offset   uint64
}

func (sp SatPoint) String() string {
	return fmt.Sprintf("%s:%d:%d", sp.OutPoint.Hash, sp.OutPoint.Index, sp.Offset)
}

// ParseSatPoint parses "txid:vout:offset".
func ParseSatPoint(s string) (SatPoint, error) {
	var sp SatPoint
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return sp, fmt.Errorf("invalid satpoint %q", s)
	}
	hash, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return sp, fmt.Errorf("invalid satpoint txid %q: %w", parts[0], err)
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return sp, fmt.Errorf("invalid satpoint vout %q: %w", parts[1], err)
	}
	offset, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return sp, fmt.Errorf("invalid satpoint offset %q: %w", parts[2], err)
	}
	sp.OutPoint = wire.OutPoint{Hash: *hash, Index: uint32(vout)}
	sp.Offset = offset
	return sp, nil
}

// OutPointBytes is the stable 36-byte encoding of an outpoint: the txid in
// little-endian byte order followed by the little-endian vout.
func OutPointBytes(op wire.OutPoint) []byte {
	b := make([]byte, 36)
	copy(b[0:32], op.Hash[:])
	binary.LittleEndian.PutUint32(b[32:36], op.Index)
	return b
}

// OutPointFromBytes is the inverse of OutPointBytes.
func OutPointFromBytes(b []byte) (wire.OutPoint, error) {
	var op wire.OutPoint
	if len(b) != 36 {
		return op, fmt.Errorf("outpoint: want 36 bytes, got %d", len(b))
	}
	copy(op.Hash[:], b[0:32])
	op.Index = binary.LittleEndian.Uint32(b[32:36])
	return op, nil
}

// Bytes is the stable 44-byte encoding: outpoint followed by the
// little-endian offset.
func (sp SatPoint) Bytes() []byte {
	b := make([]byte, 44)
	copy(b[0:36], OutPointBytes(sp.OutPoint))
	binary.LittleEndian.PutUint64(b[36:44], sp.Offset)
	return b
}

// SatPointFromBytes is the inverse of Bytes.
func SatPointFromBytes(b []byte) (SatPoint, error) {
	var sp SatPoint
	if len(b) != 44 {
		return sp, fmt.Errorf("satpoint: want 44 bytes, got %d", len(b))
	}
	op, err := OutPointFromBytes(b[0:36])
	if err != nil {
		return sp, err
	}
	sp.OutPoint = op
	sp.Offset = binary.LittleEndian.Uint64(b[36:44])
	return sp, nil
}

// NullOutPoint is the outpoint used by coinbase inputs: a zero txid with
// vout 0xffffffff. The
// indexer reuses it as the sink for lost sats and lost inscriptions.
func NullOutPoint() wire.OutPoint {
	return wire.OutPoint{Index: ^uint32(0)}
}

// UnboundOutPoint is the sentinel outpoint that collects inscriptions whose
// pointer placed them beyond every output of their reveal transaction.
func UnboundOutPoint() wire.OutPoint {
	return wire.OutPoint{Index: 0}
}

// IsSpecialOutPoint reports whether the outpoint is one of the two
// sentinels, whose UTXO entries are merged on rewrite instead of replaced.
func IsSpecialOutPoint(op wire.OutPoint) bool {
	return op == NullOutPoint() || op == UnboundOutPoint()
}
