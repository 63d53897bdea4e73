package index

import (
	"testing"

	"github.com/btcsuite/btcd/wire"

	"github.com/cypherbabel/bito-indexer/internal/inscriptions"
	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

func TestSingleReveal(t *testing.T) {
	ti := newTestIndex(t, inscriptionConfig())
	funding := ti.addBlock(0)

	script := inscribeScript(t, "text/plain", []byte("hi"))
	reveal := spendTx(
		[]wire.OutPoint{coinbaseOutpoint(funding)},
		[]int64{funding.Transactions[0].TxOut[0].Value},
		envelopeWitness(script),
	)
	ti.addBlock(0, reveal)

	revealTxid := reveal.TxHash()
	id := inscriptions.InscriptionID{Txid: revealTxid}

	seq, ok, err := ti.store.SequenceForInscriptionID(id)
	if err != nil || !ok {
		t.Fatalf("sequence lookup: ok=%v err=%v", ok, err)
	}
	if seq != 0 {
		t.Errorf("sequence = %d, want 0", seq)
	}

	entry, err := ti.store.InscriptionEntry(seq)
	if err != nil || entry == nil {
		t.Fatalf("entry lookup: %v", err)
	}
	if entry.InscriptionNumber != 0 {
		t.Errorf("inscription number = %d, want 0", entry.InscriptionNumber)
	}
	if entry.Height != 1 {
		t.Errorf("height = %d, want 1", entry.Height)
	}
	if entry.ID != id {
		t.Errorf("id = %v", entry.ID)
	}

	satpoint, ok, err := ti.store.SatPointForSequence(seq)
	if err != nil || !ok {
		t.Fatalf("satpoint lookup: ok=%v err=%v", ok, err)
	}
	want := ordinals.SatPoint{OutPoint: wire.OutPoint{Hash: revealTxid, Index: 0}}
	if satpoint != want {
		t.Errorf("satpoint = %v, want %v", satpoint, want)
	}

	ids, err := ti.idx.InscriptionsInBlock(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id.String() {
		t.Errorf("inscriptions in block = %v", ids)
	}
}

func TestSecondEnvelopeCursedBeforeJubilee(t *testing.T) {
	ti := newTestIndex(t, inscriptionConfig())
	funding := ti.addBlock(0)

	one := inscribeScript(t, "text/plain", []byte("one"))
	two := inscribeScript(t, "text/plain", []byte("two"))
	combined := append(append([]byte(nil), one...), two...)
	reveal := spendTx(
		[]wire.OutPoint{coinbaseOutpoint(funding)},
		[]int64{funding.Transactions[0].TxOut[0].Value},
		envelopeWitness(combined),
	)
	ti.addBlock(0, reveal)

	first, err := ti.store.InscriptionEntry(0)
	if err != nil || first == nil {
		t.Fatal(err)
	}
	second, err := ti.store.InscriptionEntry(1)
	if err != nil || second == nil {
		t.Fatal(err)
	}
	if first.InscriptionNumber != 0 {
		t.Errorf("first number = %d", first.InscriptionNumber)
	}
	if second.InscriptionNumber != -1 {
		t.Errorf("second number = %d, want -1", second.InscriptionNumber)
	}
	if !ordinals.CharmCursed.IsSet(second.Charms) {
		t.Error("second inscription should carry the cursed charm")
	}

	// The cursed number resolves back to the sequence.
	seq, ok, err := ti.store.SequenceForInscriptionNumber(-1)
	if err != nil || !ok || seq != 1 {
		t.Errorf("number -1 → seq %d ok=%v err=%v", seq, ok, err)
	}
}

func TestParentChildLink(t *testing.T) {
	ti := newTestIndex(t, inscriptionConfig())
	funding := ti.addBlock(0)

	parentScript := inscribeScript(t, "text/plain", []byte("parent"))
	parentReveal := spendTx(
		[]wire.OutPoint{coinbaseOutpoint(funding)},
		[]int64{funding.Transactions[0].TxOut[0].Value},
		envelopeWitness(parentScript),
	)
	ti.addBlock(0, parentReveal)

	parentID := inscriptions.InscriptionID{Txid: parentReveal.TxHash()}
	parentSeq, ok, err := ti.store.SequenceForInscriptionID(parentID)
	if err != nil || !ok {
		t.Fatal("parent not indexed")
	}

	childScript := inscribeScript(t, "text/plain", []byte("child"),
		[]byte{inscriptions.TagParent}, parentID.Bytes(),
	)
	childReveal := spendTx(
		[]wire.OutPoint{{Hash: parentReveal.TxHash(), Index: 0}},
		[]int64{parentReveal.TxOut[0].Value},
		envelopeWitness(childScript),
	)
	ti.addBlock(0, childReveal)

	childID := inscriptions.InscriptionID{Txid: childReveal.TxHash()}
	childSeq, ok, err := ti.store.SequenceForInscriptionID(childID)
	if err != nil || !ok {
		t.Fatal("child not indexed")
	}

	childEntry, err := ti.store.InscriptionEntry(childSeq)
	if err != nil || childEntry == nil {
		t.Fatal(err)
	}
	if len(childEntry.Parents) != 1 || childEntry.Parents[0] != parentSeq {
		t.Errorf("child parents = %v, want [%d]", childEntry.Parents, parentSeq)
	}

	children, err := ti.store.Children(parentSeq)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 || children[0] != childSeq {
		t.Errorf("parent children = %v, want [%d]", children, childSeq)
	}

	// The parent rode through the child reveal and landed on its output.
	parentSatpoint, ok, err := ti.store.SatPointForSequence(parentSeq)
	if err != nil || !ok {
		t.Fatal("parent satpoint missing")
	}
	if parentSatpoint.OutPoint.Hash != childReveal.TxHash() {
		t.Errorf("parent satpoint = %v", parentSatpoint)
	}
}

func TestParentWithoutCustodyDropped(t *testing.T) {
	ti := newTestIndex(t, inscriptionConfig())
	funding := ti.addBlock(0)
	other := ti.addBlock(0)

	parentScript := inscribeScript(t, "text/plain", []byte("parent"))
	parentReveal := spendTx(
		[]wire.OutPoint{coinbaseOutpoint(funding)},
		[]int64{funding.Transactions[0].TxOut[0].Value},
		envelopeWitness(parentScript),
	)
	ti.addBlock(0, parentReveal)

	parentID := inscriptions.InscriptionID{Txid: parentReveal.TxHash()}

	// The claimed parent is NOT on this transaction's inputs.
	childScript := inscribeScript(t, "text/plain", []byte("child"),
		[]byte{inscriptions.TagParent}, parentID.Bytes(),
	)
	childReveal := spendTx(
		[]wire.OutPoint{coinbaseOutpoint(other)},
		[]int64{other.Transactions[0].TxOut[0].Value},
		envelopeWitness(childScript),
	)
	ti.addBlock(0, childReveal)

	childID := inscriptions.InscriptionID{Txid: childReveal.TxHash()}
	childSeq, ok, err := ti.store.SequenceForInscriptionID(childID)
	if err != nil || !ok {
		t.Fatal("child not indexed")
	}
	childEntry, err := ti.store.InscriptionEntry(childSeq)
	if err != nil || childEntry == nil {
		t.Fatal(err)
	}
	if len(childEntry.Parents) != 0 {
		t.Errorf("parents without custody should be dropped, got %v", childEntry.Parents)
	}
}

func TestPointerBeyondOutputsUnbound(t *testing.T) {
	ti := newTestIndex(t, inscriptionConfig())
	funding := ti.addBlock(0)

	value := funding.Transactions[0].TxOut[0].Value
	pointer := encodeLE(uint64(value) + 1)
	script := inscribeScript(t, "text/plain", []byte("far"),
		[]byte{inscriptions.TagPointer}, pointer,
	)
	reveal := spendTx(
		[]wire.OutPoint{coinbaseOutpoint(funding)},
		[]int64{value},
		envelopeWitness(script),
	)
	ti.addBlock(0, reveal)

	id := inscriptions.InscriptionID{Txid: reveal.TxHash()}
	seq, ok, err := ti.store.SequenceForInscriptionID(id)
	if err != nil || !ok {
		t.Fatal("inscription not indexed")
	}
	entry, err := ti.store.InscriptionEntry(seq)
	if err != nil || entry == nil {
		t.Fatal(err)
	}
	if !ordinals.CharmUnbound.IsSet(entry.Charms) {
		t.Error("expected unbound charm")
	}
	satpoint, ok, err := ti.store.SatPointForSequence(seq)
	if err != nil || !ok {
		t.Fatal("satpoint missing")
	}
	if satpoint.OutPoint != ordinals.UnboundOutPoint() {
		t.Errorf("satpoint = %v, want unbound outpoint", satpoint)
	}
	if satpoint.Offset != 0 {
		t.Errorf("unbound pseudo-offset = %d, want 0", satpoint.Offset)
	}

	count, err := ti.store.StatisticCount(StatisticUnboundInscriptions)
	if err != nil || count != 1 {
		t.Errorf("unbound statistic = %d err=%v", count, err)
	}
}

func TestPointerAtOutputBoundaryRidesToCoinbase(t *testing.T) {
	ti := newTestIndex(t, inscriptionConfig())
	funding := ti.addBlock(0)

	// The reveal pays a 1 sat fee, so the coinbase has room for the
	// inscription that points exactly past the reveal's outputs.
	value := funding.Transactions[0].TxOut[0].Value
	outValue := value - 1
	pointer := encodeLE(uint64(outValue))
	script := inscribeScript(t, "text/plain", []byte("edge"),
		[]byte{inscriptions.TagPointer}, pointer,
	)
	reveal := spendTx(
		[]wire.OutPoint{coinbaseOutpoint(funding)},
		[]int64{outValue},
		envelopeWitness(script),
	)
	block := ti.addBlock(1, reveal)

	id := inscriptions.InscriptionID{Txid: reveal.TxHash()}
	seq, ok, err := ti.store.SequenceForInscriptionID(id)
	if err != nil || !ok {
		t.Fatal("inscription not indexed")
	}
	satpoint, ok, err := ti.store.SatPointForSequence(seq)
	if err != nil || !ok {
		t.Fatal("satpoint missing")
	}
	if satpoint.OutPoint != coinbaseOutpoint(block) {
		t.Errorf("satpoint = %v, want coinbase output", satpoint)
	}
}

func encodeLE(v uint64) []byte {
	var out []byte
	for v > 0 {
		out = append(out, byte(v))
		v >>= 8
	}
	if out == nil {
		out = []byte{0}
	}
	return out
}
