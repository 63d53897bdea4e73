package index

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/uint256"

	"github.com/cypherbabel/bito-indexer/internal/inscriptions"
	"github.com/cypherbabel/bito-indexer/internal/runes"
	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

// InscriptionEntry is the write-once record for an assigned inscription.
// Its current location lives in the sequence→satpoint table instead.
type InscriptionEntry struct {
	Charms            uint16
	Fee               uint64
	Height            uint32
	ID                inscriptions.InscriptionID
	InscriptionNumber int32
	Parents           []uint32
	Sat               *ordinals.Sat
	Timestamp         uint32
}

func (e *InscriptionEntry) encode() []byte {
	b := make([]byte, 0, 64)
	b = binary.LittleEndian.AppendUint16(b, e.Charms)
	b = binary.LittleEndian.AppendUint64(b, e.Fee)
	b = binary.LittleEndian.AppendUint32(b, e.Height)
	id := e.ID.Bytes()
	b = append(b, byte(len(id)))
	b = append(b, id...)
	b = binary.LittleEndian.AppendUint32(b, uint32(e.InscriptionNumber))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(e.Parents)))
	for _, p := range e.Parents {
		b = binary.LittleEndian.AppendUint32(b, p)
	}
	if e.Sat != nil {
		b = append(b, 1)
		b = binary.LittleEndian.AppendUint64(b, e.Sat.N())
	} else {
		b = append(b, 0)
	}
	b = binary.LittleEndian.AppendUint32(b, e.Timestamp)
	return b
}

func decodeInscriptionEntry(b []byte) (*InscriptionEntry, error) {
	r := reader{buf: b}
	var e InscriptionEntry
	e.Charms = r.u16()
	e.Fee = r.u64()
	e.Height = r.u32()
	idLen := int(r.byte())
	id, err := inscriptions.InscriptionIDFromBytes(r.take(idLen))
	if err != nil {
		return nil, err
	}
	e.ID = id
	e.InscriptionNumber = int32(r.u32())
	parents := int(r.u32())
	for i := 0; i < parents; i++ {
		e.Parents = append(e.Parents, r.u32())
	}
	if r.byte() == 1 {
		sat := ordinals.Sat(r.u64())
		e.Sat = &sat
	}
	e.Timestamp = r.u32()
	if r.err != nil {
		return nil, fmt.Errorf("inscription entry: %w", r.err)
	}
	return &e, nil
}

// RuneEntry is the mutable ledger record for an etched rune. Only Mints and
// Burned change after etching.
type RuneEntry struct {
	Block        uint64
	Burned       uint256.Int
	Divisibility uint8
	Etching      chainhash.Hash
	Mints        uint256.Int
	Number       uint64
	Premine      uint256.Int
	SpacedRune   ordinals.SpacedRune
	Symbol       *rune
	Terms        *runes.Terms
	Timestamp    uint64
	Turbo        bool
}

// Mintable returns the amount one mint of this rune yields at the given
// height, or false when the terms forbid it.
func (e *RuneEntry) Mintable(height uint32) (*uint256.Int, bool) {
	if e.Terms == nil {
		return nil, false
	}
	t := e.Terms
	if t.HeightStart != nil && uint64(height) < *t.HeightStart {
		return nil, false
	}
	if t.HeightEnd != nil && uint64(height) >= *t.HeightEnd {
		return nil, false
	}
	if t.OffsetStart != nil && uint64(height) < e.Block+*t.OffsetStart {
		return nil, false
	}
	if t.OffsetEnd != nil && uint64(height) >= e.Block+*t.OffsetEnd {
		return nil, false
	}
	mintCap := new(uint256.Int)
	if t.Cap != nil {
		mintCap.Set(t.Cap)
	}
	if e.Mints.Cmp(mintCap) >= 0 {
		return nil, false
	}
	amount := new(uint256.Int)
	if t.Amount != nil {
		amount.Set(t.Amount)
	}
	return amount, true
}

func appendU128(b []byte, v *uint256.Int) []byte {
	be := v.Bytes32()
	return append(b, be[16:]...)
}

func (r *reader) u128() uint256.Int {
	var v uint256.Int
	b := r.take(16)
	if r.err == nil {
		v.SetBytes(b)
	}
	return v
}

func (e *RuneEntry) encode() []byte {
	b := make([]byte, 0, 128)
	b = binary.LittleEndian.AppendUint64(b, e.Block)
	b = appendU128(b, &e.Burned)
	b = append(b, e.Divisibility)
	b = append(b, e.Etching[:]...)
	b = appendU128(b, &e.Mints)
	b = binary.LittleEndian.AppendUint64(b, e.Number)
	b = appendU128(b, &e.Premine)
	b = appendU128(b, &e.SpacedRune.Rune.Value)
	b = binary.LittleEndian.AppendUint32(b, e.SpacedRune.Spacers)
	if e.Symbol != nil {
		b = append(b, 1)
		b = binary.LittleEndian.AppendUint32(b, uint32(*e.Symbol))
	} else {
		b = append(b, 0)
	}
	b = appendTerms(b, e.Terms)
	b = binary.LittleEndian.AppendUint64(b, e.Timestamp)
	if e.Turbo {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b
}

func appendTerms(b []byte, t *runes.Terms) []byte {
	if t == nil {
		return append(b, 0)
	}
	b = append(b, 1)
	b = appendOptU128(b, t.Amount)
	b = appendOptU128(b, t.Cap)
	b = appendOptU64(b, t.HeightStart)
	b = appendOptU64(b, t.HeightEnd)
	b = appendOptU64(b, t.OffsetStart)
	b = appendOptU64(b, t.OffsetEnd)
	return b
}

func appendOptU128(b []byte, v *uint256.Int) []byte {
	if v == nil {
		return append(b, 0)
	}
	b = append(b, 1)
	return appendU128(b, v)
}

func appendOptU64(b []byte, v *uint64) []byte {
	if v == nil {
		return append(b, 0)
	}
	b = append(b, 1)
	return binary.LittleEndian.AppendUint64(b, *v)
}

func decodeRuneEntry(b []byte) (*RuneEntry, error) {
	r := reader{buf: b}
	var e RuneEntry
	e.Block = r.u64()
	e.Burned = r.u128()
	e.Divisibility = r.byte()
	copy(e.Etching[:], r.take(32))
	e.Mints = r.u128()
	e.Number = r.u64()
	e.Premine = r.u128()
	e.SpacedRune.Rune.Value = r.u128()
	e.SpacedRune.Spacers = r.u32()
	if r.byte() == 1 {
		sym := rune(r.u32())
		e.Symbol = &sym
	}
	e.Terms = r.terms()
	e.Timestamp = r.u64()
	e.Turbo = r.byte() == 1
	if r.err != nil {
		return nil, fmt.Errorf("rune entry: %w", r.err)
	}
	return &e, nil
}

func (r *reader) terms() *runes.Terms {
	if r.byte() == 0 {
		return nil
	}
	var t runes.Terms
	t.Amount = r.optU128()
	t.Cap = r.optU128()
	t.HeightStart = r.optU64()
	t.HeightEnd = r.optU64()
	t.OffsetStart = r.optU64()
	t.OffsetEnd = r.optU64()
	return &t
}

func (r *reader) optU128() *uint256.Int {
	if r.byte() == 0 {
		return nil
	}
	v := r.u128()
	return &v
}

func (r *reader) optU64() *uint64 {
	if r.byte() == 0 {
		return nil
	}
	v := r.u64()
	return &v
}

// RuneBalance is one rune's balance on an outpoint.
type RuneBalance struct {
	ID      ordinals.RuneID
	Balance uint256.Int
}

func encodeRuneBalances(balances []RuneBalance) []byte {
	b := make([]byte, 0, 4+len(balances)*28)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(balances)))
	for i := range balances {
		b = append(b, balances[i].ID.Bytes()...)
		b = appendU128(b, &balances[i].Balance)
	}
	return b
}

func decodeRuneBalances(b []byte) ([]RuneBalance, error) {
	r := reader{buf: b}
	count := int(r.u32())
	balances := make([]RuneBalance, 0, count)
	for i := 0; i < count; i++ {
		id, err := ordinals.RuneIDFromBytes(r.take(12))
		if err != nil {
			return nil, err
		}
		balances = append(balances, RuneBalance{ID: id, Balance: r.u128()})
	}
	if r.err != nil {
		return nil, fmt.Errorf("rune balances: %w", r.err)
	}
	return balances, nil
}

// RemovedOutpoint is the pre-image of a spent rune-bearing outpoint, kept
// in the journal so a rollback can restore it.
type RemovedOutpoint struct {
	OutPoint wire.OutPoint
	Balances []RuneBalance
	Height   uint32
}

// RunePrev holds the mints/burned values of a rune before the commit at
// the journal's height mutated them.
type RunePrev struct {
	ID     ordinals.RuneID
	Burned uint256.Int
	Mints  uint256.Int
}

// AddedRune records an etching performed at the journal's height.
type AddedRune struct {
	ID      ordinals.RuneID
	Rune    ordinals.Rune
	Etching chainhash.Hash
}

// ChangeRecordRune journals every rune-table mutation a block performed so
// the reorg controller can undo it.
type ChangeRecordRune struct {
	AddedOutpoints   []wire.OutPoint
	RemovedOutpoints []RemovedOutpoint
	PrevValues       []RunePrev
	AddedRunes       []AddedRune
}

func (c *ChangeRecordRune) encode() []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(len(c.AddedOutpoints)))
	for _, op := range c.AddedOutpoints {
		b = append(b, ordinals.OutPointBytes(op)...)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(c.RemovedOutpoints)))
	for _, rm := range c.RemovedOutpoints {
		b = append(b, ordinals.OutPointBytes(rm.OutPoint)...)
		balances := encodeRuneBalances(rm.Balances)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(balances)))
		b = append(b, balances...)
		b = binary.LittleEndian.AppendUint32(b, rm.Height)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(c.PrevValues)))
	for i := range c.PrevValues {
		b = append(b, c.PrevValues[i].ID.Bytes()...)
		b = appendU128(b, &c.PrevValues[i].Burned)
		b = appendU128(b, &c.PrevValues[i].Mints)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(c.AddedRunes)))
	for i := range c.AddedRunes {
		b = append(b, c.AddedRunes[i].ID.Bytes()...)
		b = appendU128(b, &c.AddedRunes[i].Rune.Value)
		b = append(b, c.AddedRunes[i].Etching[:]...)
	}
	return b
}

func decodeChangeRecordRune(b []byte) (*ChangeRecordRune, error) {
	r := reader{buf: b}
	var c ChangeRecordRune
	added := int(r.u32())
	for i := 0; i < added; i++ {
		op, err := ordinals.OutPointFromBytes(r.take(36))
		if err != nil {
			return nil, err
		}
		c.AddedOutpoints = append(c.AddedOutpoints, op)
	}
	removed := int(r.u32())
	for i := 0; i < removed; i++ {
		op, err := ordinals.OutPointFromBytes(r.take(36))
		if err != nil {
			return nil, err
		}
		balancesLen := int(r.u32())
		balances, err := decodeRuneBalances(r.take(balancesLen))
		if err != nil {
			return nil, err
		}
		c.RemovedOutpoints = append(c.RemovedOutpoints, RemovedOutpoint{
			OutPoint: op,
			Balances: balances,
			Height:   r.u32(),
		})
	}
	prevs := int(r.u32())
	for i := 0; i < prevs; i++ {
		id, err := ordinals.RuneIDFromBytes(r.take(12))
		if err != nil {
			return nil, err
		}
		c.PrevValues = append(c.PrevValues, RunePrev{ID: id, Burned: r.u128(), Mints: r.u128()})
	}
	addedRunes := int(r.u32())
	for i := 0; i < addedRunes; i++ {
		id, err := ordinals.RuneIDFromBytes(r.take(12))
		if err != nil {
			return nil, err
		}
		name := r.u128()
		ar := AddedRune{ID: id, Rune: ordinals.RuneFromValue(&name)}
		copy(ar.Etching[:], r.take(32))
		c.AddedRunes = append(c.AddedRunes, ar)
	}
	if r.err != nil {
		return nil, fmt.Errorf("change record: %w", r.err)
	}
	return &c, nil
}

// reader is a bounds-checked cursor over an encoded record.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = fmt.Errorf("truncated record")
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) byte() byte {
	b := r.take(1)
	if r.err != nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
