package inscriptions

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// InscriptionID identifies an inscription by its reveal transaction and the
// index of its envelope within that transaction.
type InscriptionID struct {
	Txid  chainhash.Hash
	Index uint32
}

func (id InscriptionID) String() string {
	return fmt.Sprintf("%si%d", id.Txid, id.Index)
}

// Bytes is the stable binary encoding: the 32 txid bytes followed by the
// little-endian index with trailing zero bytes trimmed.
func (id InscriptionID) Bytes() []byte {
	var index [4]byte
	binary.LittleEndian.PutUint32(index[:], id.Index)
	trimmed := index[:]
	for len(trimmed) > 0 && trimmed[len(trimmed)-1] == 0 {
		trimmed = trimmed[:len(trimmed)-1]
	}
	out := make([]byte, 0, 32+len(trimmed))
	out = append(out, id.Txid[:]...)
	return append(out, trimmed...)
}

// InscriptionIDFromBytes is the inverse of Bytes.
func InscriptionIDFromBytes(b []byte) (InscriptionID, error) {
	var id InscriptionID
	if len(b) < 32 || len(b) > 36 {
		return id, fmt.Errorf("inscription id: invalid length %d", len(b))
	}
	copy(id.Txid[:], b[:32])
	var index [4]byte
	copy(index[:], b[32:])
	id.Index = binary.LittleEndian.Uint32(index[:])
	return id, nil
}

const txidHexLen = 64

// ParseInscriptionID parses the display form "<txid>i<index>".
func ParseInscriptionID(s string) (InscriptionID, error) {
	var id InscriptionID
	for _, c := range s {
		if c > 127 {
			return id, fmt.Errorf("inscription id: invalid character %q", c)
		}
	}
	if len(s) < txidHexLen+2 {
		return id, fmt.Errorf("inscription id: invalid length %d", len(s))
	}
	if s[txidHexLen] != 'i' {
		return id, fmt.Errorf("inscription id: invalid separator %q", s[txidHexLen])
	}
	txid, err := chainhash.NewHashFromStr(s[:txidHexLen])
	if err != nil {
		return id, fmt.Errorf("inscription id: invalid txid: %w", err)
	}
	index, err := strconv.ParseUint(s[txidHexLen+1:], 10, 32)
	if err != nil {
		return id, fmt.Errorf("inscription id: invalid index: %w", err)
	}
	id.Txid = *txid
	id.Index = uint32(index)
	return id, nil
}
