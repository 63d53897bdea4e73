package runes

import (
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/uint256"

	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

func txWithScript(script []byte, extraOutputs int) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: script})
	for i := 0; i < extraOutputs; i++ {
		tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{txscript.OP_1, txscript.OP_DATA_32}})
	}
	return tx
}

func u128(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

func TestDecipherNoRunestone(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(&wire.TxOut{Value: 1, PkScript: []byte{txscript.OP_TRUE}})
	if Decipher(tx) != nil {
		t.Error("expected nil artifact")
	}
}

func TestEtchingRoundTrip(t *testing.T) {
	name, err := ordinals.ParseRune("UNCOMMONGOODS")
	if err != nil {
		t.Fatal(err)
	}
	divisibility := uint8(2)
	spacers := uint32(0b10000000)
	symbol := '¢'
	heightStart := uint64(10)
	rs := &Runestone{
		Etching: &Etching{
			Rune:         &name,
			Divisibility: &divisibility,
			Spacers:      &spacers,
			Symbol:       &symbol,
			Premine:      u128(1000),
			Terms: &Terms{
				Amount:      u128(10),
				Cap:         u128(5),
				HeightStart: &heightStart,
			},
			Turbo: true,
		},
	}
	script, err := rs.Encipher()
	if err != nil {
		t.Fatal(err)
	}

	artifact := Decipher(txWithScript(script, 1))
	if artifact == nil || artifact.Runestone == nil {
		t.Fatalf("artifact = %+v", artifact)
	}
	e := artifact.Runestone.Etching
	if e == nil || e.Rune == nil || e.Rune.Cmp(name) != 0 {
		t.Fatalf("etching = %+v", e)
	}
	if e.Divisibility == nil || *e.Divisibility != 2 {
		t.Error("divisibility lost")
	}
	if e.Spacers == nil || *e.Spacers != spacers {
		t.Error("spacers lost")
	}
	if e.Symbol == nil || *e.Symbol != '¢' {
		t.Error("symbol lost")
	}
	if e.Premine == nil || e.Premine.Uint64() != 1000 {
		t.Error("premine lost")
	}
	if e.Terms == nil || e.Terms.Amount.Uint64() != 10 || e.Terms.Cap.Uint64() != 5 {
		t.Error("terms lost")
	}
	if e.Terms.HeightStart == nil || *e.Terms.HeightStart != 10 {
		t.Error("height start lost")
	}
	if !e.Turbo {
		t.Error("turbo lost")
	}
}

func TestEdictRoundTrip(t *testing.T) {
	rs := &Runestone{
		Edicts: []Edict{
			{ID: ordinals.RuneID{Block: 840000, Tx: 1}, Amount: *u128(100), Output: 1},
			{ID: ordinals.RuneID{Block: 840000, Tx: 3}, Amount: *u128(7), Output: 2},
		},
	}
	script, err := rs.Encipher()
	if err != nil {
		t.Fatal(err)
	}

	artifact := Decipher(txWithScript(script, 2))
	if artifact == nil || artifact.Runestone == nil {
		t.Fatalf("artifact = %+v", artifact)
	}
	edicts := artifact.Runestone.Edicts
	if len(edicts) != 2 {
		t.Fatalf("got %d edicts", len(edicts))
	}
	if edicts[0].ID != (ordinals.RuneID{Block: 840000, Tx: 1}) || edicts[0].Amount.Uint64() != 100 || edicts[0].Output != 1 {
		t.Errorf("edict 0 = %+v", edicts[0])
	}
	if edicts[1].ID != (ordinals.RuneID{Block: 840000, Tx: 3}) {
		t.Errorf("edict 1 id = %v", edicts[1].ID)
	}
}

func TestMintRoundTrip(t *testing.T) {
	mint := ordinals.RuneID{Block: 840000, Tx: 5}
	pointer := uint32(1)
	rs := &Runestone{Mint: &mint, Pointer: &pointer}
	script, err := rs.Encipher()
	if err != nil {
		t.Fatal(err)
	}

	artifact := Decipher(txWithScript(script, 1))
	if artifact == nil || artifact.Runestone == nil {
		t.Fatalf("artifact = %+v", artifact)
	}
	if artifact.Runestone.Mint == nil || *artifact.Runestone.Mint != mint {
		t.Errorf("mint = %v", artifact.Runestone.Mint)
	}
	if artifact.Runestone.Pointer == nil || *artifact.Runestone.Pointer != 1 {
		t.Errorf("pointer = %v", artifact.Runestone.Pointer)
	}
}

func TestCenotaphUnrecognizedEvenTag(t *testing.T) {
	payload := encodeVarintU64(nil, 126) // cenotaph tag
	payload = encodeVarintU64(payload, 0)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	builder.AddOp(Magic)
	builder.AddData(payload)
	script, err := builder.Script()
	if err != nil {
		t.Fatal(err)
	}

	artifact := Decipher(txWithScript(script, 1))
	if artifact == nil || artifact.Cenotaph == nil {
		t.Fatalf("artifact = %+v", artifact)
	}
	if artifact.Cenotaph.Flaw != FlawUnrecognizedEvenTag {
		t.Errorf("flaw = %v", artifact.Cenotaph.Flaw)
	}
}

func TestCenotaphEdictOutputOutOfRange(t *testing.T) {
	rs := &Runestone{
		Edicts: []Edict{{ID: ordinals.RuneID{Block: 1, Tx: 1}, Amount: *u128(1), Output: 9}},
	}
	script, err := rs.Encipher()
	if err != nil {
		t.Fatal(err)
	}
	artifact := Decipher(txWithScript(script, 1))
	if artifact == nil || artifact.Cenotaph == nil || artifact.Cenotaph.Flaw != FlawEdictOutput {
		t.Fatalf("artifact = %+v", artifact)
	}
}

func TestCenotaphTrailingIntegers(t *testing.T) {
	payload := encodeVarintU64(nil, tagBody)
	payload = encodeVarintU64(payload, 1)
	payload = encodeVarintU64(payload, 1)
	payload = encodeVarintU64(payload, 1)
	// Only three of the four edict integers.
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	builder.AddOp(Magic)
	builder.AddData(payload)
	script, err := builder.Script()
	if err != nil {
		t.Fatal(err)
	}
	artifact := Decipher(txWithScript(script, 1))
	if artifact == nil || artifact.Cenotaph == nil || artifact.Cenotaph.Flaw != FlawTrailingIntegers {
		t.Fatalf("artifact = %+v", artifact)
	}
}

func TestCenotaphInvalidVarint(t *testing.T) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	builder.AddOp(Magic)
	builder.AddData([]byte{0x80}) // unterminated varint
	script, err := builder.Script()
	if err != nil {
		t.Fatal(err)
	}
	artifact := Decipher(txWithScript(script, 1))
	if artifact == nil || artifact.Cenotaph == nil || artifact.Cenotaph.Flaw != FlawVarint {
		t.Fatalf("artifact = %+v", artifact)
	}
}

func TestCenotaphKeepsEtchingName(t *testing.T) {
	name, err := ordinals.ParseRune("CENOTAPHNAME")
	if err != nil {
		t.Fatal(err)
	}
	payload := encodeVarintU64(nil, tagFlags)
	payload = encodeVarintU64(payload, flagEtching)
	payload = encodeVarintU64(payload, tagRune)
	payload = encodeVarint(payload, &name.Value)
	payload = encodeVarintU64(payload, 126) // force a cenotaph
	payload = encodeVarintU64(payload, 0)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	builder.AddOp(Magic)
	builder.AddData(payload)
	script, err := builder.Script()
	if err != nil {
		t.Fatal(err)
	}
	artifact := Decipher(txWithScript(script, 1))
	if artifact == nil || artifact.Cenotaph == nil {
		t.Fatalf("artifact = %+v", artifact)
	}
	if artifact.Cenotaph.Etching == nil || artifact.Cenotaph.Etching.Cmp(name) != 0 {
		t.Error("cenotaph should keep the etching name")
	}
}

func TestVarintRoundTrip(t *testing.T) {
	values := []*uint256.Int{
		u128(0), u128(1), u128(127), u128(128), u128(1 << 20),
		new(uint256.Int).Lsh(uint256.NewInt(1), 127),
	}
	for _, v := range values {
		encoded := encodeVarint(nil, v)
		decoded, rest, err := decodeVarint(encoded)
		if err != nil {
			t.Fatalf("decode %s: %v", v.Dec(), err)
		}
		if len(rest) != 0 {
			t.Errorf("leftover bytes for %s", v.Dec())
		}
		if decoded.Cmp(v) != 0 {
			t.Errorf("round trip %s = %s", v.Dec(), decoded.Dec())
		}
	}
}
