package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

// BlockData is a block with its txids precomputed.
type BlockData struct {
	Header wire.BlockHeader
	Txs    []*wire.MsgTx
	Txids  []chainhash.Hash
}

// NewBlockData wraps a wire block.
func NewBlockData(block *wire.MsgBlock) *BlockData {
	data := &BlockData{Header: block.Header}
	for _, tx := range block.Transactions {
		data.Txs = append(data.Txs, tx)
		data.Txids = append(data.Txids, tx.TxHash())
	}
	return data
}

// blockUpdater tracks the commit counters of one block.
type blockUpdater struct {
	height              uint32
	outputsCached       uint64
	outputsTraversed    uint64
	satRangesSinceFlush uint64
	outputsInStore      uint64
	outputsFetched      uint64
}

// OnBlock registers the post-commit callback used for subscriber fan-out.
func (idx *Index) OnBlock(fn func(height uint32, hash chainhash.Hash, txids []chainhash.Hash)) {
	idx.onBlock = fn
}

// Run drives the indexer until the context ends or shutdown is requested.
// Consecutive blocks are pulled back to back; at the tip the loop idles on
// the poll interval.
func (idx *Index) Run(ctx context.Context, interval time.Duration) {
	idx.logger.Info().Msg("starting index loop")
	for {
		if idx.IsShuttingDown() {
			idx.logger.Info().Msg("shutting down index loop")
			return
		}
		indexed, err := idx.Tick(ctx)
		if err != nil {
			if errors.Is(err, ErrUnrecoverableReorg) {
				idx.logger.Error().Err(err).Msg("stopping index loop, operator action required")
				return
			}
			idx.logger.Error().Err(err).Msg("tick failed")
		}
		if indexed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Tick indexes at most one block. It reports whether a block was indexed;
// a false result with a nil error means the tip has been reached.
func (idx *Index) Tick(ctx context.Context) (bool, error) {
	height, prevHash, err := idx.nextBlock()
	if err != nil {
		return false, err
	}

	hash, err := idx.source.GetBlockHash(ctx, height)
	if err != nil {
		return false, fmt.Errorf("get_block_hash at height %d: %w", height, err)
	}
	if hash == nil {
		return false, nil
	}

	block, err := idx.source.GetBlock(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("get_block %s: %w", hash, err)
	}
	data := NewBlockData(block)

	if err := idx.detectReorg(ctx, data, height, prevHash); err != nil {
		var recoverable *RecoverableReorgError
		if errors.As(err, &recoverable) {
			idx.logger.Warn().Uint32("height", recoverable.Height).Uint32("depth", recoverable.Depth).Msg("recoverable reorg detected")
			if err := idx.handleReorg(recoverable); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, err
	}

	events, err := idx.indexBlock(ctx, height, data)
	if err != nil {
		return false, fmt.Errorf("index_block at height %d: %w", height, err)
	}

	if err := idx.store.InsertBlockHeader(height, &data.Header); err != nil {
		return false, err
	}
	if err := idx.pruneJournal(height); err != nil {
		return false, err
	}
	idx.logger.Info().Uint32("height", height).Stringer("hash", hash).Int("txs", len(data.Txs)).Msg("indexed block")

	if idx.onEvents != nil && len(events) > 0 {
		idx.onEvents(height, events)
	}
	if idx.onBlock != nil {
		idx.onBlock(height, *hash, data.Txids)
	}
	return true, nil
}

// indexBlock applies one block to every enabled index.
func (idx *Index) indexBlock(ctx context.Context, height uint32, block *BlockData) ([]Event, error) {
	var events []Event
	if idx.indexInscriptions || idx.indexAddresses || idx.indexSats {
		if err := idx.indexUtxoEntries(ctx, height, block, &events); err != nil {
			return nil, err
		}
	}
	if idx.indexRunes && height >= idx.FirstRuneHeight() {
		if err := idx.indexRuneBlock(ctx, height, block, &events); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (idx *Index) indexRuneBlock(ctx context.Context, height uint32, block *BlockData, events *[]Event) error {
	updater, err := newRuneUpdater(idx, height, blockTimestamp(&block.Header), events)
	if err != nil {
		return err
	}
	for i, tx := range block.Txs {
		if err := updater.indexRunes(ctx, uint32(i), tx, block.Txids[i]); err != nil {
			return err
		}
	}
	return updater.update()
}

// indexUtxoEntries runs the UTXO pipeline over the block, the coinbase
// strictly last.
func (idx *Index) indexUtxoEntries(ctx context.Context, height uint32, block *BlockData, events *[]Event) error {
	utxoCache := make(map[wire.OutPoint]*UtxoEntry)
	updater := &blockUpdater{height: height}

	indexInscriptions := idx.indexInscriptions && height >= idx.FirstInscriptionHeight()
	var iu *inscriptionUpdater
	if indexInscriptions {
		var err error
		iu, err = newInscriptionUpdater(idx, height, blockTimestamp(&block.Header), utxoCache, events)
		if err != nil {
			return err
		}
	}

	var coinbaseInputs []byte
	var lostSatRanges []byte
	if idx.indexSats {
		h := ordinals.Height(height)
		if h.Subsidy() > 0 {
			start := h.StartingSat().N()
			r := packSatRange(start, start+h.Subsidy())
			coinbaseInputs = append(coinbaseInputs, r[:]...)
			updater.satRangesSinceFlush++
		}
	}

	for _, txOffset := range coinbaseLastOrder(len(block.Txs)) {
		tx := block.Txs[txOffset]
		txid := block.Txids[txOffset]

		var inputEntries []*UtxoEntry
		if txOffset != 0 {
			for _, txIn := range tx.TxIn {
				op := txIn.PreviousOutPoint
				entry, err := idx.spendOutpoint(ctx, op, utxoCache, updater)
				if err != nil {
					return err
				}
				inputEntries = append(inputEntries, entry)
			}
		}

		outputEntries := make([]*UtxoEntry, len(tx.TxOut))
		for vout, out := range tx.TxOut {
			outputEntries[vout] = &UtxoEntry{Value: uint64(out.Value)}
			if idx.indexAddresses {
				outputEntries[vout].Script = append([]byte(nil), out.PkScript...)
			}
		}

		if idx.indexSats {
			var inputSatRanges [][]byte
			var leftover *[]byte
			if txOffset == 0 {
				inputSatRanges = [][]byte{coinbaseInputs}
				leftover = &lostSatRanges
			} else {
				for _, entry := range inputEntries {
					inputSatRanges = append(inputSatRanges, entry.SatRanges)
				}
				leftover = &coinbaseInputs
			}
			if err := idx.indexTransactionSats(updater, tx, txid, outputEntries, inputSatRanges, leftover); err != nil {
				return err
			}
		} else {
			updater.outputsTraversed += uint64(len(tx.TxOut))
		}

		if indexInscriptions {
			if err := iu.indexInscriptions(tx, txid, inputEntries, outputEntries, txOffset == 0); err != nil {
				return err
			}
		}

		if idx.indexTransactions {
			var buf bytes.Buffer
			if err := tx.Serialize(&buf); err != nil {
				return fmt.Errorf("serialize tx %s: %w", txid, err)
			}
			if err := idx.store.InsertTransaction(txid, buf.Bytes()); err != nil {
				return err
			}
		}

		for vout, entry := range outputEntries {
			utxoCache[wire.OutPoint{Hash: txid, Index: uint32(vout)}] = entry
		}
	}

	if indexInscriptions {
		if err := idx.store.InsertHeightToLastSequence(height, iu.nextSequence); err != nil {
			return err
		}
	}

	lostSats, err := idx.store.StatisticCount(StatisticLostSats)
	if err != nil {
		return err
	}
	if iu != nil {
		lostSats = iu.lostSats
	}

	if len(lostSatRanges) > 0 {
		// The lost-sats outpoint is special: unlike real outputs it gets
		// written more than once, and commit merges the entries.
		entry, ok := utxoCache[ordinals.NullOutPoint()]
		if !ok {
			entry = &UtxoEntry{}
			utxoCache[ordinals.NullOutPoint()] = entry
		}
		for i := 0; i+satRangeSize <= len(lostSatRanges); i += satRangeSize {
			start, end := unpackSatRange(lostSatRanges[i : i+satRangeSize])
			if !ordinals.Sat(start).Common() {
				if err := idx.store.InsertSatToSatPoint(ordinals.Sat(start), ordinals.SatPoint{
					OutPoint: ordinals.NullOutPoint(),
					Offset:   lostSats,
				}); err != nil {
					return err
				}
			}
			if iu == nil {
				lostSats += end - start
			}
		}
		entry.SatRanges = append(entry.SatRanges, lostSatRanges...)
	}

	if iu != nil {
		if err := idx.store.SetStatistic(StatisticLostSats, iu.lostSats); err != nil {
			return err
		}
		if err := idx.store.SetStatistic(StatisticBlessedInscriptions, iu.blessedCount); err != nil {
			return err
		}
		if err := idx.store.SetStatistic(StatisticCursedInscriptions, iu.cursedCount); err != nil {
			return err
		}
		if err := idx.store.SetStatistic(StatisticUnboundInscriptions, iu.unboundCount); err != nil {
			return err
		}
	} else if err := idx.store.SetStatistic(StatisticLostSats, lostSats); err != nil {
		return err
	}

	return idx.commit(updater, utxoCache)
}

// spendOutpoint consumes the utxo entry backing an input: from the block's
// cache, from the store, or, without a full utxo index, from the block
// source.
func (idx *Index) spendOutpoint(ctx context.Context, op wire.OutPoint, utxoCache map[wire.OutPoint]*UtxoEntry, updater *blockUpdater) (*UtxoEntry, error) {
	if entry, ok := utxoCache[op]; ok {
		delete(utxoCache, op)
		updater.outputsCached++
		return entry, nil
	}

	raw, err := idx.store.RemoveUtxoEntry(op)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		entry, err := decodeUtxoEntry(raw, idx.codecOptions())
		if err != nil {
			return nil, err
		}
		if idx.indexAddresses && len(entry.Script) > 0 {
			found, err := idx.store.RemoveScriptOutpoint(entry.Script, op)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, fmt.Errorf("script index entry missing for outpoint %s", op)
			}
		}
		updater.outputsInStore++
		return entry, nil
	}

	if idx.HasFullUtxoIndex() {
		return nil, fmt.Errorf("utxo entry missing for outpoint %s", op)
	}
	info, err := idx.getRawTransactionInfo(ctx, &op.Hash)
	if err != nil {
		return nil, err
	}
	if int(op.Index) >= len(info.Tx.TxOut) {
		return nil, fmt.Errorf("outpoint %s beyond transaction outputs", op)
	}
	out := info.Tx.TxOut[op.Index]
	entry := &UtxoEntry{Value: uint64(out.Value)}
	if idx.indexAddresses {
		entry.Script = append([]byte(nil), out.PkScript...)
	}
	updater.outputsFetched++
	return entry, nil
}

// indexTransactionSats assigns the input sat ranges to the outputs in
// order, splitting ranges at output boundaries. Leftover ranges flow to
// the coinbase, and from the coinbase to the lost-sats pool.
func (idx *Index) indexTransactionSats(updater *blockUpdater, tx *wire.MsgTx, txid chainhash.Hash, outputEntries []*UtxoEntry, inputSatRanges [][]byte, leftover *[]byte) error {
	type satRange struct{ start, end uint64 }
	var pending *satRange

	flat := make([]byte, 0)
	for _, ranges := range inputSatRanges {
		flat = append(flat, ranges...)
	}
	cursor := 0

	nextRange := func() (satRange, bool) {
		if pending != nil {
			r := *pending
			pending = nil
			return r, true
		}
		if cursor+satRangeSize > len(flat) {
			return satRange{}, false
		}
		start, end := unpackSatRange(flat[cursor : cursor+satRangeSize])
		cursor += satRangeSize
		return satRange{start, end}, true
	}

	for vout, out := range tx.TxOut {
		outpoint := wire.OutPoint{Hash: txid, Index: uint32(vout)}
		var sats []byte
		remaining := uint64(out.Value)
		for remaining > 0 {
			r, ok := nextRange()
			if !ok {
				return fmt.Errorf("insufficient inputs for transaction outputs in %s", txid)
			}
			if !ordinals.Sat(r.start).Common() {
				if err := idx.store.InsertSatToSatPoint(ordinals.Sat(r.start), ordinals.SatPoint{
					OutPoint: outpoint,
					Offset:   uint64(out.Value) - remaining,
				}); err != nil {
					return err
				}
			}
			count := r.end - r.start
			assigned := r
			if count > remaining {
				updater.satRangesSinceFlush++
				middle := r.start + remaining
				pending = &satRange{middle, r.end}
				assigned = satRange{r.start, middle}
			}
			packed := packSatRange(assigned.start, assigned.end)
			sats = append(sats, packed[:]...)
			remaining -= assigned.end - assigned.start
		}
		updater.outputsTraversed++
		outputEntries[vout].SatRanges = sats
	}

	if pending != nil {
		packed := packSatRange(pending.start, pending.end)
		*leftover = append(*leftover, packed[:]...)
	}
	*leftover = append(*leftover, flat[cursor:]...)
	return nil
}

// commit flushes the block's utxo cache, with merge semantics for the two
// special outpoints, and writes the satpoint projections.
func (idx *Index) commit(updater *blockUpdater, utxoCache map[wire.OutPoint]*UtxoEntry) error {
	idx.logger.Debug().
		Uint32("height", updater.height).
		Uint64("traversed", updater.outputsTraversed).
		Int("in_cache", len(utxoCache)).
		Uint64("cached", updater.outputsCached).
		Uint64("in_store", updater.outputsInStore).
		Uint64("fetched", updater.outputsFetched).
		Msg("committing block")

	outpoints := make([]wire.OutPoint, 0, len(utxoCache))
	for op := range utxoCache {
		outpoints = append(outpoints, op)
	}
	sort.Slice(outpoints, func(i, j int) bool {
		return bytes.Compare(ordinals.OutPointBytes(outpoints[i]), ordinals.OutPointBytes(outpoints[j])) < 0
	})

	for _, op := range outpoints {
		entry := utxoCache[op]
		if ordinals.IsSpecialOutPoint(op) {
			raw, err := idx.store.UtxoEntry(op)
			if err != nil {
				return err
			}
			if raw != nil {
				existing, err := decodeUtxoEntry(raw, idx.codecOptions())
				if err != nil {
					return err
				}
				existing.merge(entry)
				entry = existing
			}
		}

		if err := idx.store.InsertUtxoEntry(op, entry.encode(idx.codecOptions())); err != nil {
			return err
		}
		if idx.indexAddresses && len(entry.Script) > 0 {
			if err := idx.store.InsertScriptOutpoint(entry.Script, op); err != nil {
				return err
			}
		}
		if idx.indexInscriptions {
			for _, loc := range entry.Inscriptions {
				if err := idx.store.InsertSequenceToSatPoint(loc.Sequence, ordinals.SatPoint{
					OutPoint: op,
					Offset:   loc.Offset,
				}); err != nil {
					return err
				}
			}
		}
	}

	if err := idx.store.IncrementStatistic(StatisticOutputsTraversed, updater.outputsTraversed); err != nil {
		return err
	}
	if err := idx.store.IncrementStatistic(StatisticSatRanges, updater.satRangesSinceFlush); err != nil {
		return err
	}
	return idx.store.IncrementStatistic(StatisticCommits, 1)
}

// coinbaseLastOrder yields 1..n-1 followed by 0.
func coinbaseLastOrder(n int) []int {
	if n == 0 {
		return nil
	}
	order := make([]int, 0, n)
	for i := 1; i < n; i++ {
		order = append(order, i)
	}
	return append(order, 0)
}

func blockTimestamp(header *wire.BlockHeader) uint32 {
	return uint32(header.Timestamp.Unix())
}
