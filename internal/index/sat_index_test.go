package index

import (
	"testing"

	"github.com/btcsuite/btcd/wire"

	"github.com/cypherbabel/bito-indexer/internal/chain"
	"github.com/cypherbabel/bito-indexer/internal/inscriptions"
	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

func satConfig() *Config {
	return &Config{
		Network:         chain.Regtest,
		IndexSats:       true,
		IntegrationTest: true,
	}
}

func TestLostSats(t *testing.T) {
	ti := newTestIndex(t, satConfig())
	funding := ti.addBlock(0)

	// The spend pays a 1 sat fee that the coinbase does not claim.
	value := funding.Transactions[0].TxOut[0].Value
	spend := spendTx(
		[]wire.OutPoint{coinbaseOutpoint(funding)},
		[]int64{value - 1},
		nil,
	)
	ti.addBlock(0, spend)

	lost, err := ti.store.StatisticCount(StatisticLostSats)
	if err != nil {
		t.Fatal(err)
	}
	if lost != 1 {
		t.Errorf("lost sats = %d, want 1", lost)
	}

	raw, err := ti.store.UtxoEntry(ordinals.NullOutPoint())
	if err != nil || raw == nil {
		t.Fatalf("null outpoint entry missing: %v", err)
	}
	entry, err := decodeUtxoEntry(raw, ti.idx.codecOptions())
	if err != nil {
		t.Fatal(err)
	}
	if got := satRangeValue(entry.SatRanges); got != 1 {
		t.Errorf("null outpoint holds %d sats, want 1", got)
	}
}

func TestInscriptionSatTracking(t *testing.T) {
	cfg := satConfig()
	cfg.IndexInscriptions = true
	ti := newTestIndex(t, cfg)
	funding := ti.addBlock(0)

	script := inscribeScript(t, "text/plain", []byte("on sat zero"))
	reveal := spendTx(
		[]wire.OutPoint{coinbaseOutpoint(funding)},
		[]int64{funding.Transactions[0].TxOut[0].Value},
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
	// Block 0's coinbase starts at sat 0 and the inscription landed at
	// offset 0 of the spend's first output.
	if entry.Sat == nil || entry.Sat.N() != 0 {
		t.Errorf("sat = %v, want 0", entry.Sat)
	}

	seqs, err := ti.store.SequencesForSat(ordinals.Sat(0))
	if err != nil {
		t.Fatal(err)
	}
	if len(seqs) != 1 || seqs[0] != seq {
		t.Errorf("sat 0 sequences = %v", seqs)
	}

	// A bare decimal is parsed as an inscription-number query.
	query, err := ParseInscriptionQuery("0")
	if err != nil {
		t.Fatal(err)
	}
	if query.Number == nil {
		t.Fatal("decimal 0 parses as a number query")
	}
}
