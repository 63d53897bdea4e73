package index

import (
	"encoding/binary"
	"fmt"
)

// InscriptionLocation is one (sequence number, offset) pair carried by a
// utxo entry.
type InscriptionLocation struct {
	Sequence uint32
	Offset   uint64
}

// UtxoEntry is the per-outpoint record. Which sections are persisted is
// determined solely by the index switches at encode time; both sides of the
// codec must run with the same configuration.
type UtxoEntry struct {
	Value        uint64
	Script       []byte
	SatRanges    []byte // packed 11-byte range records
	Inscriptions []InscriptionLocation
}

// CodecOptions selects the sections present in encoded utxo entries.
type CodecOptions struct {
	Sats         bool
	Addresses    bool
	Inscriptions bool
}

func (e *UtxoEntry) encode(opts CodecOptions) []byte {
	b := make([]byte, 0, 16+len(e.Script)+len(e.SatRanges)+len(e.Inscriptions)*12)
	b = binary.LittleEndian.AppendUint64(b, e.Value)
	if opts.Sats {
		b = binary.LittleEndian.AppendUint32(b, uint32(len(e.SatRanges)/satRangeSize))
		b = append(b, e.SatRanges...)
	}
	if opts.Addresses {
		b = binary.LittleEndian.AppendUint32(b, uint32(len(e.Script)))
		b = append(b, e.Script...)
	}
	if opts.Inscriptions {
		b = binary.LittleEndian.AppendUint32(b, uint32(len(e.Inscriptions)))
		for _, loc := range e.Inscriptions {
			b = binary.LittleEndian.AppendUint32(b, loc.Sequence)
			b = binary.LittleEndian.AppendUint64(b, loc.Offset)
		}
	}
	return b
}

func decodeUtxoEntry(b []byte, opts CodecOptions) (*UtxoEntry, error) {
	r := reader{buf: b}
	var e UtxoEntry
	e.Value = r.u64()
	if opts.Sats {
		count := int(r.u32())
		e.SatRanges = append([]byte(nil), r.take(count*satRangeSize)...)
	}
	if opts.Addresses {
		scriptLen := int(r.u32())
		e.Script = append([]byte(nil), r.take(scriptLen)...)
	}
	if opts.Inscriptions {
		count := int(r.u32())
		for i := 0; i < count; i++ {
			e.Inscriptions = append(e.Inscriptions, InscriptionLocation{
				Sequence: r.u32(),
				Offset:   r.u64(),
			})
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("utxo entry: %w", r.err)
	}
	return &e, nil
}

// merge combines another entry into this one. Used only for the special
// outpoints, which are written to repeatedly: sat ranges concatenate and
// inscriptions append.
func (e *UtxoEntry) merge(other *UtxoEntry) {
	e.Value += other.Value
	e.SatRanges = append(e.SatRanges, other.SatRanges...)
	e.Inscriptions = append(e.Inscriptions, other.Inscriptions...)
	if len(e.Script) == 0 {
		e.Script = other.Script
	}
}

// satRangeSize is the packed size of one (start, end) sat range: the start
// in the low 51 bits and the range length in the next 37, little-endian.
const satRangeSize = 11

func packSatRange(start, end uint64) [satRangeSize]byte {
	delta := end - start
	lo := start | delta<<51
	hi := delta >> 13
	var b [satRangeSize]byte
	binary.LittleEndian.PutUint64(b[:8], lo)
	b[8] = byte(hi)
	b[9] = byte(hi >> 8)
	b[10] = byte(hi >> 16)
	return b
}

func unpackSatRange(b []byte) (start, end uint64) {
	lo := binary.LittleEndian.Uint64(b[:8])
	hi := uint64(b[8]) | uint64(b[9])<<8 | uint64(b[10])<<16
	start = lo & (1<<51 - 1)
	delta := lo>>51 | hi<<13
	return start, start + delta
}

// satRangeValue sums the sizes of packed ranges.
func satRangeValue(ranges []byte) uint64 {
	var total uint64
	for i := 0; i+satRangeSize <= len(ranges); i += satRangeSize {
		start, end := unpackSatRange(ranges[i : i+satRangeSize])
		total += end - start
	}
	return total
}

// satAtOffset walks packed ranges to the sat at a byte offset, returning
// ok=false when the offset is past the ranges.
func satAtOffset(ranges []byte, offset uint64) (uint64, bool) {
	var traversed uint64
	for i := 0; i+satRangeSize <= len(ranges); i += satRangeSize {
		start, end := unpackSatRange(ranges[i : i+satRangeSize])
		size := end - start
		if offset < traversed+size {
			return start + (offset - traversed), true
		}
		traversed += size
	}
	return 0, false
}
