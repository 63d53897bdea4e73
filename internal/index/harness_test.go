package index

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/cypherbabel/bito-indexer/internal/chain"
	"github.com/cypherbabel/bito-indexer/internal/inscriptions"
	"github.com/cypherbabel/bito-indexer/internal/storage"
	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

// fakeSource serves a fabricated chain to the index under test.
type fakeSource struct {
	blocks    []*wire.MsgBlock
	overrides map[uint32]chainhash.Hash
	txs       map[chainhash.Hash]*wire.MsgTx
	txHeights map[chainhash.Hash]uint32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		overrides: make(map[uint32]chainhash.Hash),
		txs:       make(map[chainhash.Hash]*wire.MsgTx),
		txHeights: make(map[chainhash.Hash]uint32),
	}
}

func (f *fakeSource) tip() uint32 {
	return uint32(len(f.blocks) - 1)
}

func (f *fakeSource) GetBlockHash(_ context.Context, height uint32) (*chainhash.Hash, error) {
	if hash, ok := f.overrides[height]; ok {
		return &hash, nil
	}
	if int(height) < len(f.blocks) {
		hash := f.blocks[height].BlockHash()
		return &hash, nil
	}
	return nil, nil
}

func (f *fakeSource) GetBlock(_ context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	for _, block := range f.blocks {
		if block.BlockHash() == *hash {
			return block, nil
		}
	}
	return nil, context.Canceled
}

func (f *fakeSource) GetRawTransaction(_ context.Context, txid *chainhash.Hash) (*TxInfo, error) {
	tx, ok := f.txs[*txid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	confirmations := uint32(0)
	if height, ok := f.txHeights[*txid]; ok && f.tip() >= height {
		confirmations = f.tip() - height + 1
	}
	return &TxInfo{Tx: tx, Confirmations: confirmations}, nil
}

// registerTx makes a transaction visible to GetRawTransaction without
// placing it in a block, as if it confirmed at the given height.
func (f *fakeSource) registerTx(tx *wire.MsgTx, height uint32) {
	f.txs[tx.TxHash()] = tx
	f.txHeights[tx.TxHash()] = height
}

type testIndex struct {
	t      *testing.T
	ctx    context.Context
	db     *storage.Memory
	store  *Store
	source *fakeSource
	idx    *Index
}

func inscriptionConfig() *Config {
	return &Config{
		Network:           chain.Regtest,
		IndexInscriptions: true,
		IntegrationTest:   true,
	}
}

func runeConfig() *Config {
	return &Config{
		Network:         chain.Regtest,
		IndexRunes:      true,
		IntegrationTest: true,
	}
}

func newTestIndex(t *testing.T, cfg *Config) *testIndex {
	t.Helper()
	db := storage.NewMemory()
	store := NewStore(db)
	source := newFakeSource()
	return &testIndex{
		t:      t,
		ctx:    context.Background(),
		db:     db,
		store:  store,
		source: source,
		idx:    New(store, source, cfg),
	}
}

func anyoneCanSpend() []byte {
	return []byte{txscript.OP_TRUE}
}

// addBlock appends a block containing the transactions after a coinbase
// claiming the subsidy plus extraReward, then drives one tick.
func (ti *testIndex) addBlock(extraReward int64, txs ...*wire.MsgTx) *wire.MsgBlock {
	ti.t.Helper()
	height := uint32(len(ti.source.blocks))

	coinbase := wire.NewMsgTx(2)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: ordinals.NullOutPoint(),
		SignatureScript:  []byte{byte(height), 0x01},
	})
	coinbase.AddTxOut(&wire.TxOut{
		Value:    int64(ordinals.Height(height).Subsidy()) + extraReward,
		PkScript: anyoneCanSpend(),
	})

	var prev chainhash.Hash
	if height > 0 {
		prev = ti.source.blocks[height-1].BlockHash()
	}
	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   2,
			PrevBlock: prev,
			Timestamp: time.Unix(1700000000+int64(height)*600, 0),
			Nonce:     height,
		},
		Transactions: append([]*wire.MsgTx{coinbase}, txs...),
	}
	block.Header.MerkleRoot = block.Transactions[0].TxHash()

	for _, tx := range block.Transactions {
		ti.source.registerTx(tx, height)
	}
	ti.source.blocks = append(ti.source.blocks, block)

	indexed, err := ti.idx.Tick(ti.ctx)
	if err != nil {
		ti.t.Fatalf("tick at height %d: %v", height, err)
	}
	if !indexed {
		ti.t.Fatalf("tick at height %d indexed nothing", height)
	}
	return block
}

// coinbaseOutpoint addresses the coinbase output of a mined block.
func coinbaseOutpoint(block *wire.MsgBlock) wire.OutPoint {
	return wire.OutPoint{Hash: block.Transactions[0].TxHash(), Index: 0}
}

// envelopeWitness wraps an envelope script into a taproot-shaped witness.
func envelopeWitness(script []byte) wire.TxWitness {
	return wire.TxWitness{script, []byte{0xc0, 0x01}}
}

// inscribeScript builds an envelope with a content type, a body, and any
// extra leading field pushes.
func inscribeScript(t *testing.T, contentType string, body []byte, fields ...[]byte) []byte {
	t.Helper()
	b := txscript.NewScriptBuilder()
	// One-byte pushes are written as OP_DATA_1: AddFullData turns the values
	// 1..16 into OP_1..OP_16, which the envelope parser flags as pushnum.
	push := func(data []byte) {
		if len(data) == 1 {
			b.AddOp(txscript.OP_DATA_1)
			b.AddOp(data[0])
			return
		}
		b.AddFullData(data)
	}
	b.AddOp(txscript.OP_FALSE)
	b.AddOp(txscript.OP_IF)
	push([]byte("ord"))
	push([]byte{inscriptions.TagContentType})
	push([]byte(contentType))
	for i := 0; i+1 < len(fields); i += 2 {
		push(fields[i])
		push(fields[i+1])
	}
	push(nil)
	push(body)
	b.AddOp(txscript.OP_ENDIF)
	script, err := b.Script()
	if err != nil {
		t.Fatal(err)
	}
	return script
}

// spendTx builds a transaction spending the outpoints into outputs of the
// given values.
func spendTx(outpoints []wire.OutPoint, outputs []int64, witness wire.TxWitness) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	for i, op := range outpoints {
		txIn := &wire.TxIn{PreviousOutPoint: op}
		if i == 0 && witness != nil {
			txIn.Witness = witness
		}
		tx.AddTxIn(txIn)
	}
	for _, value := range outputs {
		tx.AddTxOut(&wire.TxOut{Value: value, PkScript: anyoneCanSpend()})
	}
	return tx
}
