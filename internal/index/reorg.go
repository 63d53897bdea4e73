package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/cypherbabel/bito-indexer/internal/log"
)

// ErrUnrecoverableReorg means the chain diverged deeper than the journal
// reaches. The driver stops; restoring the index requires operator action.
var ErrUnrecoverableReorg = errors.New("unrecoverable reorg detected")

// RecoverableReorgError reports a divergence within the journaled depth.
type RecoverableReorgError struct {
	Height uint32
	Depth  uint32
}

func (e *RecoverableReorgError) Error() string {
	return fmt.Sprintf("%d block deep reorg detected at height %d", e.Depth, e.Height)
}

// detectReorg checks that the fetched block extends the indexed chain. On
// divergence it walks backward, comparing stored hashes against the live
// chain, until it finds the common ancestor within the recoverable depth.
func (idx *Index) detectReorg(ctx context.Context, block *BlockData, height uint32, prevHash *chainhash.Hash) error {
	if prevHash == nil {
		return nil
	}
	if block.Header.PrevBlock == *prevHash {
		return nil
	}

	for depth := uint32(1); depth <= MaxRecoverableReorgDepth; depth++ {
		if depth > height {
			return ErrUnrecoverableReorg
		}
		stored, err := idx.store.BlockHash(height - depth)
		if err != nil {
			return err
		}
		if stored == nil {
			return ErrUnrecoverableReorg
		}
		live, err := idx.source.GetBlockHash(ctx, height-depth)
		if err != nil || live == nil {
			return ErrUnrecoverableReorg
		}
		if *stored == *live {
			return &RecoverableReorgError{Height: height, Depth: depth}
		}
	}
	return ErrUnrecoverableReorg
}

// handleReorg rolls the rune tables back to the common ancestor using the
// per-height change journal, deleting the divergent headers so the driver
// re-requests from the fork point.
func (idx *Index) handleReorg(reorg *RecoverableReorgError) error {
	if reorg.Depth < 2 {
		// Depth 1 means the previous block itself matches; nothing to
		// roll back.
		return nil
	}
	first := reorg.Height - reorg.Depth + 1
	last := reorg.Height - 1

	if idx.indexInscriptions {
		// Inscription mutations are not journaled. Rolling back a block
		// that created inscriptions would corrupt the inscription tables,
		// so such reorgs are refused.
		for h := last; h >= first; h-- {
			created, err := idx.inscriptionsCreatedAt(h)
			if err != nil {
				return err
			}
			if created {
				log.Reorg.Error().Uint32("height", h).Msg("reorg crosses a block with inscriptions, cannot roll back")
				return ErrUnrecoverableReorg
			}
		}
	}

	for h := last; h >= first; h-- {
		if err := idx.rollbackHeight(h); err != nil {
			return fmt.Errorf("rollback height %d: %w", h, err)
		}
		log.Reorg.Info().Uint32("height", h).Msg("rolled back block")
	}
	return nil
}

// inscriptionsCreatedAt reports whether the block at h assigned any
// sequence numbers.
func (idx *Index) inscriptionsCreatedAt(h uint32) (bool, error) {
	last, ok, err := idx.store.LastSequenceNumber(h)
	if err != nil || !ok {
		return false, err
	}
	var prev uint32
	if h > 0 {
		prev, _, err = idx.store.LastSequenceNumber(h - 1)
		if err != nil {
			return false, err
		}
	}
	return last != prev, nil
}

// rollbackHeight undoes one journaled block, in the journal's defined
// order: restore spends, drop creations, reset counters, unregister
// etchings, then clear the height's records.
func (idx *Index) rollbackHeight(h uint32) error {
	record, err := idx.store.ChangeRecord(h)
	if err != nil {
		return err
	}
	if record != nil {
		for _, rm := range record.RemovedOutpoints {
			if err := idx.store.InsertRuneBalances(rm.OutPoint, rm.Balances); err != nil {
				return err
			}
			if err := idx.store.InsertOutpointHeight(rm.OutPoint, rm.Height); err != nil {
				return err
			}
		}
		for _, op := range record.AddedOutpoints {
			if _, err := idx.store.RemoveRuneBalances(op); err != nil {
				return err
			}
			if err := idx.store.RemoveOutpointHeight(op); err != nil {
				return err
			}
		}
		for i := range record.PrevValues {
			prev := &record.PrevValues[i]
			entry, err := idx.store.RuneEntry(prev.ID)
			if err != nil {
				return err
			}
			if entry == nil {
				continue
			}
			entry.Burned.Set(&prev.Burned)
			entry.Mints.Set(&prev.Mints)
			if err := idx.store.InsertRuneEntry(prev.ID, entry); err != nil {
				return err
			}
		}
		for _, added := range record.AddedRunes {
			if err := idx.store.RemoveRuneToRuneID(added.Rune); err != nil {
				return err
			}
			if err := idx.store.RemoveRuneEntry(added.ID); err != nil {
				return err
			}
			if err := idx.store.RemoveTxidToRune(added.Etching); err != nil {
				return err
			}
		}
	}

	if err := idx.store.RemoveStatisticRunes(h); err != nil {
		return err
	}
	if err := idx.store.RemoveStatisticReservedRunes(h); err != nil {
		return err
	}
	if err := idx.store.RemoveBlockHeader(h); err != nil {
		return err
	}
	return idx.store.RemoveChangeRecord(h)
}

// pruneJournal drops journal entries, per-height statistics, and headers
// that have fallen out of the recoverable window.
func (idx *Index) pruneJournal(height uint32) error {
	if height <= MaxRecoverableReorgDepth {
		return nil
	}
	cutoff := height - MaxRecoverableReorgDepth - 1
	if err := idx.store.PruneChangeRecords(cutoff); err != nil {
		return err
	}
	if err := idx.store.PruneStatisticRunes(cutoff); err != nil {
		return err
	}
	if err := idx.store.PruneStatisticReservedRunes(cutoff); err != nil {
		return err
	}
	return idx.store.PruneBlockHeaders(cutoff)
}
