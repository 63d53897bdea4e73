package index

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/uint256"

	"github.com/cypherbabel/bito-indexer/internal/runes"
	"github.com/cypherbabel/bito-indexer/internal/storage"
	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

// taprootOutput is a syntactically valid P2TR script.
func taprootOutput() []byte {
	script := make([]byte, 34)
	script[0] = txscript.OP_1
	script[1] = txscript.OP_DATA_32
	for i := 2; i < 34; i++ {
		script[i] = byte(i)
	}
	return script
}

// commitWitness builds a witness whose tapscript pushes the rune
// commitment.
func commitWitness(t *testing.T, name ordinals.Rune) wire.TxWitness {
	t.Helper()
	b := txscript.NewScriptBuilder()
	b.AddFullData(name.Commitment())
	script, err := b.Script()
	if err != nil {
		t.Fatal(err)
	}
	return wire.TxWitness{script, []byte{0xc0, 0x01}}
}

// etchTx spends the committed outpoint and carries the etching runestone.
// Output 0 receives the premine; output 1 is the OP_RETURN.
func etchTx(t *testing.T, commitOutpoint wire.OutPoint, name ordinals.Rune, premine, amount, cap uint64) *wire.MsgTx {
	t.Helper()
	rs := &runes.Runestone{
		Etching: &runes.Etching{
			Rune:    &name,
			Premine: uint256.NewInt(premine),
			Terms: &runes.Terms{
				Amount: uint256.NewInt(amount),
				Cap:    uint256.NewInt(cap),
			},
		},
	}
	script, err := rs.Encipher()
	if err != nil {
		t.Fatal(err)
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: commitOutpoint,
		Witness:          commitWitness(t, name),
	})
	tx.AddTxOut(&wire.TxOut{Value: 10000, PkScript: anyoneCanSpend()})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: script})
	return tx
}

// setupCommit registers a mature taproot funding transaction and returns
// the outpoint the etch must spend.
func (ti *testIndex) setupCommit(maturity int) wire.OutPoint {
	ti.t.Helper()
	funding := wire.NewMsgTx(2)
	funding.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 7}})
	funding.AddTxOut(&wire.TxOut{Value: 20000, PkScript: taprootOutput()})
	ti.source.registerTx(funding, 0)
	for i := 0; i < maturity; i++ {
		ti.addBlock(0)
	}
	return wire.OutPoint{Hash: funding.TxHash(), Index: 0}
}

func mustRune(t *testing.T, name string) ordinals.Rune {
	t.Helper()
	r, err := ordinals.ParseRune(name)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestEtchAndMint(t *testing.T) {
	ti := newTestIndex(t, runeConfig())
	name := mustRune(t, "UNCOMMONGOODS")
	commit := ti.setupCommit(7)

	etch := etchTx(t, commit, name, 1000, 10, 5)
	ti.addBlock(0, etch)
	etchHeight := uint64(len(ti.source.blocks) - 1)

	id, ok, err := ti.store.RuneIDForRune(name)
	if err != nil || !ok {
		t.Fatalf("rune not etched: %v", err)
	}
	if id.Block != etchHeight || id.Tx != 1 {
		t.Errorf("rune id = %v", id)
	}

	entry, err := ti.store.RuneEntry(id)
	if err != nil || entry == nil {
		t.Fatal("rune entry missing")
	}
	if entry.Premine.Uint64() != 1000 {
		t.Errorf("premine = %s", entry.Premine.Dec())
	}
	if entry.Etching != etch.TxHash() {
		t.Error("etching txid mismatch")
	}

	// The premine landed on the etch's first non-OP_RETURN output.
	premineOutpoint := wire.OutPoint{Hash: etch.TxHash(), Index: 0}
	balances, err := ti.store.RuneBalances(premineOutpoint)
	if err != nil || len(balances) != 1 {
		t.Fatalf("premine balances = %v err=%v", balances, err)
	}
	if balances[0].ID != id || balances[0].Balance.Uint64() != 1000 {
		t.Errorf("premine balance = %+v", balances[0])
	}
	if height, ok, _ := ti.store.OutpointHeight(premineOutpoint); !ok || uint64(height) != etchHeight {
		t.Errorf("premine outpoint height = %d ok=%v", height, ok)
	}
	// Mint in the next block.
	mintRS := &runes.Runestone{Mint: &id}
	mintScript, err := mintRS.Encipher()
	if err != nil {
		t.Fatal(err)
	}
	mint := wire.NewMsgTx(2)
	mint.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 9}})
	mint.AddTxOut(&wire.TxOut{Value: 5000, PkScript: anyoneCanSpend()})
	mint.AddTxOut(&wire.TxOut{Value: 0, PkScript: mintScript})
	ti.addBlock(0, mint)

	entry, err = ti.store.RuneEntry(id)
	if err != nil || entry == nil {
		t.Fatal("rune entry missing after mint")
	}
	if entry.Mints.Uint64() != 1 {
		t.Errorf("mints = %s, want 1", entry.Mints.Dec())
	}
	if !entry.Burned.IsZero() {
		t.Errorf("burned = %s, want 0", entry.Burned.Dec())
	}

	mintOutpoint := wire.OutPoint{Hash: mint.TxHash(), Index: 0}
	balances, err = ti.store.RuneBalances(mintOutpoint)
	if err != nil || len(balances) != 1 || balances[0].Balance.Uint64() != 10 {
		t.Fatalf("mint balances = %v err=%v", balances, err)
	}

	// get_etching resolves txid → rune id with confirmations.
	etching, err := ti.idx.Etching(etch.TxHash().String())
	if err != nil || etching == nil {
		t.Fatalf("etching query: %v", err)
	}
	if etching.RuneID != id.String() {
		t.Errorf("etching rune id = %s", etching.RuneID)
	}
	if etching.Confirmations != 2 {
		t.Errorf("etching confirmations = %d, want 2", etching.Confirmations)
	}
}

func TestEtchWithoutCommitmentRejected(t *testing.T) {
	ti := newTestIndex(t, runeConfig())
	name := mustRune(t, "NOCOMMITMENT")
	ti.addBlock(0)

	// The spent output is not registered with the source as taproot, and
	// the witness pushes no commitment.
	rs := &runes.Runestone{Etching: &runes.Etching{Rune: &name}}
	script, err := rs.Encipher()
	if err != nil {
		t.Fatal(err)
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 3}})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: anyoneCanSpend()})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: script})
	ti.addBlock(0, tx)

	if _, ok, _ := ti.store.RuneIDForRune(name); ok {
		t.Error("uncommitted etching should be rejected")
	}
}

func TestImmatureCommitmentRejected(t *testing.T) {
	ti := newTestIndex(t, runeConfig())
	name := mustRune(t, "TOOFRESHRUNES")
	commit := ti.setupCommit(2) // fewer than RuneCommitInterval confirmations

	etch := etchTx(t, commit, name, 100, 1, 1)
	ti.addBlock(0, etch)

	if _, ok, _ := ti.store.RuneIDForRune(name); ok {
		t.Error("immature commitment should be rejected")
	}
}

func TestCenotaphBurnsInputRunes(t *testing.T) {
	ti := newTestIndex(t, runeConfig())
	name := mustRune(t, "UNCOMMONGOODS")
	commit := ti.setupCommit(7)
	etch := etchTx(t, commit, name, 5, 1, 1)
	ti.addBlock(0, etch)

	id, ok, _ := ti.store.RuneIDForRune(name)
	if !ok {
		t.Fatal("etching failed")
	}

	// Malformed runestone: unrecognized even tag 126.
	payload := []byte{126, 0}
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_RETURN)
	b.AddOp(runes.Magic)
	b.AddData(payload)
	cenotaphScript, err := b.Script()
	if err != nil {
		t.Fatal(err)
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: etch.TxHash(), Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: 500, PkScript: anyoneCanSpend()})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: cenotaphScript})
	ti.addBlock(0, tx)

	entry, err := ti.store.RuneEntry(id)
	if err != nil || entry == nil {
		t.Fatal("entry missing")
	}
	if entry.Burned.Uint64() != 5 {
		t.Errorf("burned = %s, want 5", entry.Burned.Dec())
	}
	// No output received the rune.
	for vout := 0; vout < 2; vout++ {
		balances, _ := ti.store.RuneBalances(wire.OutPoint{Hash: tx.TxHash(), Index: uint32(vout)})
		if balances != nil {
			t.Errorf("output %d unexpectedly holds runes", vout)
		}
	}
}

func TestEdictToOpReturnBurns(t *testing.T) {
	ti := newTestIndex(t, runeConfig())
	name := mustRune(t, "UNCOMMONGOODS")
	commit := ti.setupCommit(7)
	etch := etchTx(t, commit, name, 100, 1, 1)
	ti.addBlock(0, etch)
	id, _, _ := ti.store.RuneIDForRune(name)

	// Edict sends 40 units to output 1, which is the OP_RETURN itself.
	rs := &runes.Runestone{
		Edicts: []runes.Edict{{ID: id, Amount: *uint256.NewInt(40), Output: 1}},
	}
	script, err := rs.Encipher()
	if err != nil {
		t.Fatal(err)
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: etch.TxHash(), Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: 500, PkScript: anyoneCanSpend()})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: script})
	ti.addBlock(0, tx)

	entry, _ := ti.store.RuneEntry(id)
	if entry == nil || entry.Burned.Uint64() != 40 {
		t.Fatalf("burned = %v, want 40", entry)
	}
	balances, _ := ti.store.RuneBalances(wire.OutPoint{Hash: tx.TxHash(), Index: 0})
	if len(balances) != 1 || balances[0].Balance.Uint64() != 60 {
		t.Errorf("remainder balance = %v, want 60", balances)
	}
}

func TestBroadcastEdictSplitsEvenly(t *testing.T) {
	ti := newTestIndex(t, runeConfig())
	name := mustRune(t, "UNCOMMONGOODS")
	commit := ti.setupCommit(7)
	etch := etchTx(t, commit, name, 100, 1, 1)
	ti.addBlock(0, etch)
	id, _, _ := ti.store.RuneIDForRune(name)

	// Amount 0 with output == output count distributes everything across
	// the non-OP_RETURN outputs.
	rs := &runes.Runestone{
		Edicts: []runes.Edict{{ID: id, Output: 3}},
	}
	script, err := rs.Encipher()
	if err != nil {
		t.Fatal(err)
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: etch.TxHash(), Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: 500, PkScript: anyoneCanSpend()})
	tx.AddTxOut(&wire.TxOut{Value: 500, PkScript: anyoneCanSpend()})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: script})
	ti.addBlock(0, tx)

	for vout, want := range map[uint32]uint64{0: 50, 1: 50} {
		balances, _ := ti.store.RuneBalances(wire.OutPoint{Hash: tx.TxHash(), Index: vout})
		if len(balances) != 1 || balances[0].Balance.Uint64() != want {
			t.Errorf("output %d balance = %v, want %d", vout, balances, want)
		}
	}
}

func TestRuneBalancesBatchLimit(t *testing.T) {
	ti := newTestIndex(t, runeConfig())
	ti.addBlock(0)

	outpoints := make([]string, 0, 65)
	for i := 0; i < 64; i++ {
		var hash chainhash.Hash
		hash[0] = byte(i + 1)
		outpoints = append(outpoints, fmt.Sprintf("%s:0", hash))
	}
	if _, err := ti.idx.RuneBalancesForOutputs(outpoints); err != nil {
		t.Errorf("64 outpoints should succeed: %v", err)
	}

	outpoints = append(outpoints, outpoints[0])
	if _, err := ti.idx.RuneBalancesForOutputs(outpoints); err != ErrMaxOutpointsExceeded {
		t.Errorf("65 outpoints: err = %v, want ErrMaxOutpointsExceeded", err)
	}
}

// TestRuneConservation checks that balances plus burned always equals
// premine plus minted supply.
func TestRuneConservation(t *testing.T) {
	ti := newTestIndex(t, runeConfig())
	name := mustRune(t, "UNCOMMONGOODS")
	commit := ti.setupCommit(7)
	etch := etchTx(t, commit, name, 100, 10, 5)
	ti.addBlock(0, etch)
	id, _, _ := ti.store.RuneIDForRune(name)

	// One mint, then a partial burn via OP_RETURN edict.
	mintRS := &runes.Runestone{Mint: &id}
	mintScript, err := mintRS.Encipher()
	if err != nil {
		t.Fatal(err)
	}
	mint := wire.NewMsgTx(2)
	mint.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 11}})
	mint.AddTxOut(&wire.TxOut{Value: 1000, PkScript: anyoneCanSpend()})
	mint.AddTxOut(&wire.TxOut{Value: 0, PkScript: mintScript})
	ti.addBlock(0, mint)

	burnRS := &runes.Runestone{
		Edicts: []runes.Edict{{ID: id, Amount: *uint256.NewInt(3), Output: 1}},
	}
	burnScript, err := burnRS.Encipher()
	if err != nil {
		t.Fatal(err)
	}
	burn := wire.NewMsgTx(2)
	burn.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: mint.TxHash(), Index: 0}})
	burn.AddTxOut(&wire.TxOut{Value: 500, PkScript: anyoneCanSpend()})
	burn.AddTxOut(&wire.TxOut{Value: 0, PkScript: burnScript})
	ti.addBlock(0, burn)

	entry, _ := ti.store.RuneEntry(id)
	if entry == nil {
		t.Fatal("entry missing")
	}

	total := new(uint256.Int)
	err = ti.db.ForEach(storage.Prefix(storage.TableOutpointToRuneBalances), func(_, value []byte) error {
		balances, err := decodeRuneBalances(value)
		if err != nil {
			return err
		}
		for i := range balances {
			if balances[i].ID == id {
				total.Add(total, &balances[i].Balance)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	total.Add(total, &entry.Burned)

	var supply uint256.Int
	supply.Set(&entry.Premine)
	minted := new(uint256.Int).Mul(&entry.Mints, uint256.NewInt(10))
	supply.Add(&supply, minted)

	if total.Cmp(&supply) != 0 {
		t.Errorf("conservation violated: circulating+burned=%s supply=%s", total.Dec(), supply.Dec())
	}
}
