// Package index is the core of the indexer: the block ingestion pipeline,
// the inscription and rune state machines, the reorg controller, and the
// query projections over the persisted tables.
package index

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"github.com/cypherbabel/bito-indexer/internal/chain"
	"github.com/cypherbabel/bito-indexer/internal/log"
)

// MaxRecoverableReorgDepth bounds how many blocks a reorg may roll back.
const MaxRecoverableReorgDepth = 6

// RuneCommitInterval is the minimum maturity, in confirmations, of the
// taproot output committing to an etched rune name.
const RuneCommitInterval = 6

// HomeInscriptionCount bounds the home inscriptions recency window.
const HomeInscriptionCount = 100

// maxParents caps the parents retained per inscription.
const maxParents = 4

// rawTxRetries bounds the raw-transaction fetch loop; backoff doubles from
// rawTxBackoff up to rawTxBackoffCap between attempts.
const (
	rawTxRetries    = 32
	rawTxBackoff    = time.Second
	rawTxBackoffCap = 64 * time.Second
)

// TxInfo is a raw transaction with the confirmation count the block source
// reported for it.
type TxInfo struct {
	Tx            *wire.MsgTx
	Confirmations uint32
}

// BlockSource provides the confirmed chain. GetBlockHash returns (nil, nil)
// when the height is beyond the source's tip.
type BlockSource interface {
	GetBlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error)
	GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*TxInfo, error)
}

// Index owns the tables and applies blocks to them. Exactly one indexing
// task mutates it at a time; queries read between commits.
type Index struct {
	store  *Store
	source BlockSource
	net    chain.Network
	logger zerolog.Logger

	indexAddresses    bool
	indexSats         bool
	indexRunes        bool
	indexInscriptions bool
	indexTransactions bool
	integrationTest   bool
	firstIndexHeight  uint32

	shuttingDown atomic.Bool

	// onEvents receives the typed events of each committed block.
	onEvents func(height uint32, events []Event)

	// onBlock runs after each commit, feeding subscriber notification.
	onBlock func(height uint32, hash chainhash.Hash, txids []chainhash.Hash)
}

// New builds an Index from a loaded config.
func New(store *Store, source BlockSource, cfg *Config) *Index {
	idx := &Index{
		store:             store,
		source:            source,
		net:               cfg.Network,
		logger:            log.Index,
		indexAddresses:    cfg.IndexAddresses,
		indexSats:         cfg.IndexSats,
		indexRunes:        cfg.IndexRunes,
		indexInscriptions: cfg.IndexInscriptions,
		indexTransactions: cfg.IndexTransactions,
		integrationTest:   cfg.IntegrationTest,
	}
	switch {
	case cfg.IndexSats || cfg.IndexAddresses:
		idx.firstIndexHeight = 0
	case cfg.IndexInscriptions:
		idx.firstIndexHeight = idx.FirstInscriptionHeight()
	case cfg.IndexRunes:
		idx.firstIndexHeight = idx.FirstRuneHeight()
	default:
		idx.firstIndexHeight = ^uint32(0)
	}
	return idx
}

// OnEvents registers the per-block event sink.
func (idx *Index) OnEvents(fn func(height uint32, events []Event)) {
	idx.onEvents = fn
}

// Store exposes the tables for the query layer.
func (idx *Index) Store() *Store {
	return idx.store
}

// Network returns the indexed network.
func (idx *Index) Network() chain.Network {
	return idx.net
}

// HasSatIndex reports whether sats are indexed.
func (idx *Index) HasSatIndex() bool {
	return idx.indexSats
}

// HasFullUtxoIndex reports whether every output since genesis is present
// in the utxo table, i.e. spent outpoints never need an RPC lookup.
func (idx *Index) HasFullUtxoIndex() bool {
	return idx.firstIndexHeight == 0
}

// FirstInscriptionHeight honors the integration-test collapse to zero.
func (idx *Index) FirstInscriptionHeight() uint32 {
	if idx.integrationTest {
		return 0
	}
	return idx.net.FirstInscriptionHeight()
}

// FirstRuneHeight honors the integration-test collapse to zero.
func (idx *Index) FirstRuneHeight() uint32 {
	if idx.integrationTest {
		return 0
	}
	return idx.net.FirstRuneHeight()
}

// ShutDown requests the driver loop to stop after the current tick.
func (idx *Index) ShutDown() {
	idx.shuttingDown.Store(true)
}

// CancelShutdown clears the stop flag before restarting the loop.
func (idx *Index) CancelShutdown() {
	idx.shuttingDown.Store(false)
}

// IsShuttingDown reports the stop flag.
func (idx *Index) IsShuttingDown() bool {
	return idx.shuttingDown.Load()
}

func (idx *Index) codecOptions() CodecOptions {
	return CodecOptions{
		Sats:         idx.indexSats,
		Addresses:    idx.indexAddresses,
		Inscriptions: idx.indexInscriptions,
	}
}

// nextBlock returns the next height to index and the hash of the block
// before it, if any.
func (idx *Index) nextBlock() (uint32, *chainhash.Hash, error) {
	height, hash, ok, err := idx.store.LatestBlock()
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return idx.firstIndexHeight, nil, nil
	}
	return height + 1, &hash, nil
}

// getRawTransactionInfo fetches a raw transaction with bounded exponential
// backoff, replacing the unbounded retry loop of earlier designs.
func (idx *Index) getRawTransactionInfo(ctx context.Context, txid *chainhash.Hash) (*TxInfo, error) {
	backoff := rawTxBackoff
	var lastErr error
	for attempt := 1; attempt <= rawTxRetries; attempt++ {
		info, err := idx.source.GetRawTransaction(ctx, txid)
		if err == nil {
			return info, nil
		}
		lastErr = err
		idx.logger.Warn().Err(err).Stringer("txid", txid).Int("attempt", attempt).Msg("get_raw_transaction failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < rawTxBackoffCap {
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("get_raw_transaction %s: %w", txid, lastErr)
}
