package runes

import (
	"github.com/btcsuite/btcd/txscript"

	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

// Encipher serializes the runestone into an OP_RETURN script. Used by the
// regtest tooling and the protocol tests; the indexer itself only decodes.
func (r *Runestone) Encipher() ([]byte, error) {
	var payload []byte

	if r.Etching != nil {
		e := r.Etching
		flags := uint64(flagEtching)
		if e.Terms != nil {
			flags |= flagTerms
		}
		if e.Turbo {
			flags |= flagTurbo
		}
		payload = encodeVarintU64(payload, tagFlags)
		payload = encodeVarintU64(payload, flags)

		if e.Rune != nil {
			payload = encodeVarintU64(payload, tagRune)
			payload = encodeVarint(payload, &e.Rune.Value)
		}
		if e.Divisibility != nil {
			payload = encodeVarintU64(payload, tagDivisibility)
			payload = encodeVarintU64(payload, uint64(*e.Divisibility))
		}
		if e.Spacers != nil {
			payload = encodeVarintU64(payload, tagSpacers)
			payload = encodeVarintU64(payload, uint64(*e.Spacers))
		}
		if e.Symbol != nil {
			payload = encodeVarintU64(payload, tagSymbol)
			payload = encodeVarintU64(payload, uint64(*e.Symbol))
		}
		if e.Premine != nil {
			payload = encodeVarintU64(payload, tagPremine)
			payload = encodeVarint(payload, e.Premine)
		}
		if e.Terms != nil {
			t := e.Terms
			if t.Amount != nil {
				payload = encodeVarintU64(payload, tagAmount)
				payload = encodeVarint(payload, t.Amount)
			}
			if t.Cap != nil {
				payload = encodeVarintU64(payload, tagCap)
				payload = encodeVarint(payload, t.Cap)
			}
			if t.HeightStart != nil {
				payload = encodeVarintU64(payload, tagHeightStart)
				payload = encodeVarintU64(payload, *t.HeightStart)
			}
			if t.HeightEnd != nil {
				payload = encodeVarintU64(payload, tagHeightEnd)
				payload = encodeVarintU64(payload, *t.HeightEnd)
			}
			if t.OffsetStart != nil {
				payload = encodeVarintU64(payload, tagOffsetStart)
				payload = encodeVarintU64(payload, *t.OffsetStart)
			}
			if t.OffsetEnd != nil {
				payload = encodeVarintU64(payload, tagOffsetEnd)
				payload = encodeVarintU64(payload, *t.OffsetEnd)
			}
		}
	}

	if r.Mint != nil {
		payload = encodeVarintU64(payload, tagMint)
		payload = encodeVarintU64(payload, r.Mint.Block)
		payload = encodeVarintU64(payload, tagMint)
		payload = encodeVarintU64(payload, uint64(r.Mint.Tx))
	}
	if r.Pointer != nil {
		payload = encodeVarintU64(payload, tagPointer)
		payload = encodeVarintU64(payload, uint64(*r.Pointer))
	}

	if len(r.Edicts) > 0 {
		payload = encodeVarintU64(payload, tagBody)
		var prev ordinals.RuneID
		for _, edict := range sortedEdicts(r.Edicts) {
			blockDelta := edict.ID.Block - prev.Block
			txDelta := uint64(edict.ID.Tx)
			if blockDelta == 0 {
				txDelta = uint64(edict.ID.Tx) - uint64(prev.Tx)
			}
			payload = encodeVarintU64(payload, blockDelta)
			payload = encodeVarintU64(payload, txDelta)
			amount := edict.Amount
			payload = encodeVarint(payload, &amount)
			payload = encodeVarintU64(payload, uint64(edict.Output))
			prev = edict.ID
		}
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	builder.AddOp(Magic)
	for len(payload) > 0 {
		chunk := payload
		if len(chunk) > txscript.MaxScriptElementSize {
			chunk = chunk[:txscript.MaxScriptElementSize]
		}
		builder.AddData(chunk)
		payload = payload[len(chunk):]
	}
	return builder.Script()
}

// sortedEdicts orders edicts by rune id so delta encoding never underflows.
func sortedEdicts(edicts []Edict) []Edict {
	out := append([]Edict(nil), edicts...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1].ID, out[j].ID
			if a.Block < b.Block || (a.Block == b.Block && a.Tx <= b.Tx) {
				break
			}
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
