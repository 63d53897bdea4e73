package runes

import (
	"errors"

	"github.com/holiman/uint256"
)

// errVarint is returned for varints that run past the payload or overflow
// 128 bits. Either condition turns the runestone into a cenotaph.
var errVarint = errors.New("malformed varint")

// decodeVarint reads one LEB128-encoded u128 from the front of b and
// returns the remaining bytes.
func decodeVarint(b []byte) (*uint256.Int, []byte, error) {
	value := new(uint256.Int)
	for i, c := range b {
		if i > 18 {
			return nil, nil, errVarint
		}
		group := uint64(c & 0x7f)
		if i == 18 && group&^0x03 != 0 {
			return nil, nil, errVarint
		}
		var chunk uint256.Int
		chunk.SetUint64(group)
		chunk.Lsh(&chunk, uint(7*i))
		value.Or(value, &chunk)
		if c&0x80 == 0 {
			return value, b[i+1:], nil
		}
	}
	return nil, nil, errVarint
}

// encodeVarint appends the LEB128 encoding of v to b.
func encodeVarint(b []byte, v *uint256.Int) []byte {
	n := new(uint256.Int).Set(v)
	for {
		byteVal := byte(n.Uint64() & 0x7f)
		n.Rsh(n, 7)
		if n.IsZero() {
			return append(b, byteVal)
		}
		b = append(b, byteVal|0x80)
	}
}

// encodeVarintU64 appends the LEB128 encoding of a plain integer.
func encodeVarintU64(b []byte, v uint64) []byte {
	for {
		byteVal := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, byteVal)
		}
		b = append(b, byteVal|0x80)
	}
}
