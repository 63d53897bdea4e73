// Package runes decodes the runestone protocol messages carried in
// OP_RETURN outputs.
package runes

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/uint256"

	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

// Magic is the opcode following OP_RETURN that marks a runestone output.
const Magic = txscript.OP_13

// Message tags.
const (
	tagBody         = 0
	tagFlags        = 2
	tagRune         = 4
	tagPremine      = 6
	tagCap          = 8
	tagAmount       = 10
	tagHeightStart  = 12
	tagHeightEnd    = 14
	tagOffsetStart  = 16
	tagOffsetEnd    = 18
	tagMint         = 20
	tagPointer      = 22
	tagCenotaph     = 126
	tagDivisibility = 1
	tagSpacers      = 3
	tagSymbol       = 5
	tagNop          = 127
)

// Etching flags.
const (
	flagEtching = 1 << 0
	flagTerms   = 1 << 1
	flagTurbo   = 1 << 2
)

// MaxDivisibility bounds the divisibility field of an etching.
const MaxDivisibility = 38

// Flaw describes why a runestone was judged a cenotaph.
type Flaw int

const (
	FlawEdictOutput Flaw = iota
	FlawEdictRuneID
	FlawInvalidScript
	FlawOpcode
	FlawSupplyOverflow
	FlawTrailingIntegers
	FlawTruncatedField
	FlawUnrecognizedEvenTag
	FlawUnrecognizedFlag
	FlawVarint
)

var flawNames = map[Flaw]string{
	FlawEdictOutput:         "edict output greater than transaction output count",
	FlawEdictRuneID:         "invalid rune ID in edict",
	FlawInvalidScript:       "invalid script in OP_RETURN",
	FlawOpcode:              "non-pushdata opcode in OP_RETURN",
	FlawSupplyOverflow:      "supply overflows u128",
	FlawTrailingIntegers:    "trailing integers in body",
	FlawTruncatedField:      "field with missing value",
	FlawUnrecognizedEvenTag: "unrecognized even tag",
	FlawUnrecognizedFlag:    "unrecognized flag",
	FlawVarint:              "invalid varint",
}

func (f Flaw) String() string {
	return flawNames[f]
}

// Edict moves an amount of a rune to one of the transaction's outputs.
type Edict struct {
	ID     ordinals.RuneID
	Amount uint256.Int
	Output uint32
}

// Terms are the open-mint terms of an etching.
type Terms struct {
	Amount      *uint256.Int
	Cap         *uint256.Int
	HeightStart *uint64
	HeightEnd   *uint64
	OffsetStart *uint64
	OffsetEnd   *uint64
}

// Etching creates a rune.
type Etching struct {
	Divisibility *uint8
	Premine      *uint256.Int
	Rune         *ordinals.Rune
	Spacers      *uint32
	Symbol       *rune
	Terms        *Terms
	Turbo        bool
}

// Supply is premine + cap * amount, or ok=false on u128 overflow.
func (e *Etching) Supply() (*uint256.Int, bool) {
	supply := new(uint256.Int)
	if e.Premine != nil {
		supply.Set(e.Premine)
	}
	if e.Terms != nil && e.Terms.Cap != nil && e.Terms.Amount != nil {
		var minted uint256.Int
		if _, overflow := minted.MulOverflow(e.Terms.Cap, e.Terms.Amount); overflow {
			return nil, false
		}
		if _, overflow := supply.AddOverflow(supply, &minted); overflow {
			return nil, false
		}
	}
	if supply.BitLen() > 128 {
		return nil, false
	}
	return supply, true
}

// Runestone is a well-formed protocol message.
type Runestone struct {
	Edicts  []Edict
	Etching *Etching
	Mint    *ordinals.RuneID
	Pointer *uint32
}

// Cenotaph is a malformed runestone. Its input runes are burned, but the
// etching name and mint target are still visible to the updater.
type Cenotaph struct {
	Etching *ordinals.Rune
	Flaw    Flaw
	Mint    *ordinals.RuneID
}

// Artifact is the result of deciphering a transaction: a runestone, a
// cenotaph, or neither (both fields nil).
type Artifact struct {
	Runestone *Runestone
	Cenotaph  *Cenotaph
}

// Decipher finds the runestone output in a transaction and decodes it.
// Returns nil when the transaction carries no runestone at all.
func Decipher(tx *wire.MsgTx) *Artifact {
	payload, flaw, found := runestonePayload(tx)
	if !found {
		return nil
	}
	if flaw != nil {
		return &Artifact{Cenotaph: &Cenotaph{Flaw: *flaw}}
	}

	var integers []uint256.Int
	rest := payload
	for len(rest) > 0 {
		value, next, err := decodeVarint(rest)
		if err != nil {
			return &Artifact{Cenotaph: &Cenotaph{Flaw: FlawVarint}}
		}
		integers = append(integers, *value)
		rest = next
	}

	msg := parseMessage(tx, integers)
	return msg.artifact(tx)
}

// runestonePayload locates the first OP_RETURN OP_13 output and collects
// the data pushes after the magic opcode.
func runestonePayload(tx *wire.MsgTx) (payload []byte, flaw *Flaw, found bool) {
	for _, out := range tx.TxOut {
		script := out.PkScript
		if len(script) < 2 || script[0] != txscript.OP_RETURN || script[1] != Magic {
			continue
		}
		tokenizer := txscript.MakeScriptTokenizer(0, script[2:])
		var buf []byte
		for tokenizer.Next() {
			op := tokenizer.Opcode()
			if op > txscript.OP_PUSHDATA4 {
				f := FlawOpcode
				return nil, &f, true
			}
			buf = append(buf, tokenizer.Data()...)
		}
		if tokenizer.Err() != nil {
			f := FlawInvalidScript
			return nil, &f, true
		}
		return buf, nil, true
	}
	return nil, nil, false
}

// message is the tag/value view of a runestone payload.
type message struct {
	fields map[uint64][]uint256.Int
	order  []uint64
	edicts []Edict
	flaw   *Flaw
}

func (m *message) setFlaw(f Flaw) {
	if m.flaw == nil {
		m.flaw = &f
	}
}

func parseMessage(tx *wire.MsgTx, integers []uint256.Int) *message {
	m := &message{fields: make(map[uint64][]uint256.Int)}
	i := 0
	for i < len(integers) {
		tagInt := integers[i]
		if tagInt.BitLen() > 64 {
			// An oversized tag can never be recognized; even-ness is
			// judged on the low bit.
			if tagInt.Uint64()%2 == 0 {
				m.setFlaw(FlawUnrecognizedEvenTag)
			}
			i += 2
			continue
		}
		tag := tagInt.Uint64()
		if tag == tagBody {
			m.parseEdicts(tx, integers[i+1:])
			return m
		}
		if i+1 >= len(integers) {
			m.setFlaw(FlawTruncatedField)
			return m
		}
		if _, seen := m.fields[tag]; !seen {
			m.order = append(m.order, tag)
		}
		m.fields[tag] = append(m.fields[tag], integers[i+1])
		i += 2
	}
	return m
}

func (m *message) parseEdicts(tx *wire.MsgTx, integers []uint256.Int) {
	if len(integers)%4 != 0 {
		m.setFlaw(FlawTrailingIntegers)
	}
	var id ordinals.RuneID
	for i := 0; i+4 <= len(integers); i += 4 {
		blockDelta := integers[i]
		txDelta := integers[i+1]
		amount := integers[i+2]
		output := integers[i+3]

		if blockDelta.BitLen() > 64 || txDelta.BitLen() > 64 {
			m.setFlaw(FlawEdictRuneID)
			return
		}
		next, ok := id.Next(blockDelta.Uint64(), txDelta.Uint64())
		if !ok || (next.Block == 0 && next.Tx > 0) {
			m.setFlaw(FlawEdictRuneID)
			return
		}
		id = next

		if output.BitLen() > 32 || output.Uint64() > uint64(len(tx.TxOut)) {
			m.setFlaw(FlawEdictOutput)
			return
		}

		edict := Edict{ID: id, Output: uint32(output.Uint64())}
		edict.Amount.Set(&amount)
		m.edicts = append(m.edicts, edict)
	}
}

// takeU128 removes and returns the first value of a tag.
func (m *message) takeU128(tag uint64) *uint256.Int {
	values, ok := m.fields[tag]
	if !ok || len(values) == 0 {
		return nil
	}
	v := new(uint256.Int).Set(&values[0])
	m.consume(tag)
	return v
}

// takeU64 removes and returns the first value of a tag when it fits u64;
// oversized values are left in place to surface as unrecognized tags.
func (m *message) takeU64(tag uint64) *uint64 {
	values, ok := m.fields[tag]
	if !ok || len(values) == 0 || values[0].BitLen() > 64 {
		return nil
	}
	v := values[0].Uint64()
	m.consume(tag)
	return &v
}

func (m *message) consume(tag uint64) {
	values := m.fields[tag]
	if len(values) <= 1 {
		delete(m.fields, tag)
		return
	}
	m.fields[tag] = values[1:]
}

func (m *message) artifact(tx *wire.MsgTx) *Artifact {
	var flags uint64
	if f := m.takeU64(tagFlags); f != nil {
		flags = *f
	}

	var etching *Etching
	var etchedRune *ordinals.Rune
	if flags&flagEtching != 0 {
		etching = &Etching{Turbo: flags&flagTurbo != 0}
		if r := m.takeU128(tagRune); r != nil {
			rn := ordinals.RuneFromValue(r)
			etching.Rune = &rn
			etchedRune = &rn
		}
		if d := m.takeU64(tagDivisibility); d != nil && *d <= MaxDivisibility {
			div := uint8(*d)
			etching.Divisibility = &div
		}
		if s := m.takeU64(tagSpacers); s != nil && *s <= uint64(^uint32(0)) {
			spacers := uint32(*s)
			etching.Spacers = &spacers
		}
		if sym := m.takeU64(tagSymbol); sym != nil && *sym <= 0x10FFFF {
			symbol := rune(*sym)
			etching.Symbol = &symbol
		}
		if p := m.takeU128(tagPremine); p != nil {
			etching.Premine = p
		}
		if flags&flagTerms != 0 {
			terms := &Terms{
				Amount:      m.takeU128(tagAmount),
				Cap:         m.takeU128(tagCap),
				HeightStart: m.takeU64(tagHeightStart),
				HeightEnd:   m.takeU64(tagHeightEnd),
				OffsetStart: m.takeU64(tagOffsetStart),
				OffsetEnd:   m.takeU64(tagOffsetEnd),
			}
			etching.Terms = terms
		}
		if _, ok := etching.Supply(); !ok {
			m.setFlaw(FlawSupplyOverflow)
		}
	}
	if flags&^uint64(flagEtching|flagTerms|flagTurbo) != 0 {
		m.setFlaw(FlawUnrecognizedFlag)
	}

	var mint *ordinals.RuneID
	if values, ok := m.fields[tagMint]; ok && len(values) >= 2 {
		block := values[0]
		txIdx := values[1]
		if block.BitLen() <= 64 && txIdx.BitLen() <= 32 {
			id := ordinals.RuneID{Block: block.Uint64(), Tx: uint32(txIdx.Uint64())}
			if id.Block != 0 || id.Tx == 0 {
				mint = &id
				delete(m.fields, tagMint)
			}
		}
	}

	var pointer *uint32
	if values, ok := m.fields[tagPointer]; ok && len(values) > 0 {
		if values[0].BitLen() <= 32 && values[0].Uint64() < uint64(len(tx.TxOut)) {
			v := uint32(values[0].Uint64())
			pointer = &v
			m.consume(tagPointer)
		}
	}

	if _, ok := m.fields[tagCenotaph]; ok {
		m.setFlaw(FlawUnrecognizedEvenTag)
	}
	m.takeU64(tagNop) // explicitly ignored
	for tag := range m.fields {
		if tag != tagNop && tag%2 == 0 {
			m.setFlaw(FlawUnrecognizedEvenTag)
			break
		}
	}

	if m.flaw != nil {
		return &Artifact{Cenotaph: &Cenotaph{
			Etching: etchedRune,
			Flaw:    *m.flaw,
			Mint:    mint,
		}}
	}

	return &Artifact{Runestone: &Runestone{
		Edicts:  m.edicts,
		Etching: etching,
		Mint:    mint,
		Pointer: pointer,
	}}
}
