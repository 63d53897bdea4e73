package index

import (
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/cypherbabel/bito-indexer/internal/inscriptions"
	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

// flotsam is an inscription floating through a transaction: either carried
// in on an input or freshly revealed by an envelope, waiting to land on an
// output.
type flotsam struct {
	id     inscriptions.InscriptionID
	offset uint64

	isNew    bool
	sequence uint32
	entry    *InscriptionEntry

	oldSatPoint ordinals.SatPoint
}

// inscriptionUpdater carries the per-block inscription bookkeeping state.
type inscriptionUpdater struct {
	idx       *Index
	height    uint32
	timestamp uint32

	blessedCount uint64
	cursedCount  uint64
	nextSequence uint32
	unboundCount uint64
	lostSats     uint64
	homeCount    uint64

	// reward is the running coinbase input value: the subsidy plus the
	// fees of every transaction processed so far.
	reward uint64

	// flotsam holds inscriptions that overflowed their transaction's
	// outputs and are carried into the coinbase.
	flotsam []flotsam

	utxoCache map[wire.OutPoint]*UtxoEntry
	events    *[]Event
}

func newInscriptionUpdater(idx *Index, height uint32, timestamp uint32, utxoCache map[wire.OutPoint]*UtxoEntry, events *[]Event) (*inscriptionUpdater, error) {
	store := idx.store
	blessed, err := store.StatisticCount(StatisticBlessedInscriptions)
	if err != nil {
		return nil, err
	}
	cursed, err := store.StatisticCount(StatisticCursedInscriptions)
	if err != nil {
		return nil, err
	}
	unbound, err := store.StatisticCount(StatisticUnboundInscriptions)
	if err != nil {
		return nil, err
	}
	lost, err := store.StatisticCount(StatisticLostSats)
	if err != nil {
		return nil, err
	}
	next, err := store.NextSequenceNumber()
	if err != nil {
		return nil, err
	}
	home, err := store.HomeInscriptionCount()
	if err != nil {
		return nil, err
	}
	return &inscriptionUpdater{
		idx:          idx,
		height:       height,
		timestamp:    timestamp,
		blessedCount: blessed,
		cursedCount:  cursed,
		nextSequence: next,
		unboundCount: unbound,
		lostSats:     lost,
		homeCount:    home,
		reward:       ordinals.Height(height).Subsidy(),
		utxoCache:    utxoCache,
		events:       events,
	}, nil
}

// indexInscriptions processes one transaction: builds the flotsam from its
// inputs, assigns numbers to new envelopes, and lands everything on the
// outputs. The coinbase is always processed last and drains the block's
// carried flotsam.
func (u *inscriptionUpdater) indexInscriptions(tx *wire.MsgTx, txid chainhash.Hash, inputEntries []*UtxoEntry, outputEntries []*UtxoEntry, coinbase bool) error {
	envelopes := inscriptions.EnvelopesFromTransaction(tx)

	var floating []flotsam
	var totalInputValue uint64
	oldSequenceByID := make(map[inscriptions.InscriptionID]uint32)

	if coinbase {
		floating = append(floating, u.flotsam...)
		u.flotsam = nil
		totalInputValue = u.reward
	} else {
		for inputIndex, entry := range inputEntries {
			op := tx.TxIn[inputIndex].PreviousOutPoint
			for _, loc := range entry.Inscriptions {
				inscriptionEntry, err := u.idx.store.InscriptionEntry(loc.Sequence)
				if err != nil {
					return err
				}
				if inscriptionEntry == nil {
					continue
				}
				oldSequenceByID[inscriptionEntry.ID] = loc.Sequence
				floating = append(floating, flotsam{
					id:          inscriptionEntry.ID,
					offset:      totalInputValue + loc.Offset,
					sequence:    loc.Sequence,
					oldSatPoint: ordinals.SatPoint{OutPoint: op, Offset: loc.Offset},
				})
			}
			totalInputValue += entry.Value
		}
	}

	var totalOutputValue uint64
	for _, out := range tx.TxOut {
		totalOutputValue += uint64(out.Value)
	}

	hasEnvelopeOnFirstInput := false
	for _, envelope := range envelopes {
		if envelope.Input == 0 {
			hasEnvelopeOnFirstInput = true
			break
		}
	}

	jubilant := u.height >= u.idx.net.JubileeHeight()

	var feeEach uint64
	if !coinbase && len(envelopes) > 0 && totalInputValue > totalOutputValue {
		feeEach = (totalInputValue - totalOutputValue) / uint64(len(envelopes))
	}

	for idCounter, envelope := range envelopes {
		id := inscriptions.InscriptionID{Txid: txid, Index: uint32(idCounter)}
		payload := envelope.Payload

		cursed := payload.DuplicateField ||
			payload.IncompleteField ||
			payload.UnrecognizedEvenField ||
			envelope.PushNum ||
			envelope.Stutter ||
			idCounter > 0 ||
			(envelope.Input != 0 && hasEnvelopeOnFirstInput)

		vindicated := false
		if jubilant && cursed {
			cursed = false
			vindicated = true
		}

		var number int32
		if cursed {
			u.cursedCount++
			number = -int32(u.cursedCount)
		} else {
			number = int32(u.blessedCount)
			u.blessedCount++
		}

		sequence := u.nextSequence
		u.nextSequence++

		var charms uint16
		if cursed {
			ordinals.CharmCursed.Set(&charms)
		}
		if vindicated {
			ordinals.CharmVindicated.Set(&charms)
		}

		// A parent is retained only when this transaction has custody of
		// it, i.e. the parent rode in on one of the inputs.
		var parents []uint32
		for _, parentID := range payload.ParentIDs() {
			if seq, ok := oldSequenceByID[parentID]; ok {
				parents = append(parents, seq)
				if len(parents) == maxParents {
					break
				}
			}
		}

		entry := &InscriptionEntry{
			Charms:            charms,
			Fee:               feeEach,
			Height:            u.height,
			ID:                id,
			InscriptionNumber: number,
			Parents:           parents,
			Timestamp:         u.timestamp,
		}

		offset := uint64(0)
		unbound := false
		if pointer, ok := payload.PointerValue(); ok {
			if pointer <= totalOutputValue {
				offset = pointer
			} else {
				unbound = true
			}
		}

		if unbound {
			ordinals.CharmUnbound.Set(&entry.Charms)
			pseudoOffset := u.unboundCount
			u.unboundCount++
			if err := u.writeNewInscription(sequence, entry); err != nil {
				return err
			}
			u.cacheEntry(ordinals.UnboundOutPoint()).Inscriptions = append(
				u.cacheEntry(ordinals.UnboundOutPoint()).Inscriptions,
				InscriptionLocation{Sequence: sequence, Offset: pseudoOffset},
			)
			location := ordinals.SatPoint{OutPoint: ordinals.UnboundOutPoint(), Offset: pseudoOffset}
			*u.events = append(*u.events, Event{
				Kind:           EventInscriptionCreated,
				BlockHeight:    u.height,
				InscriptionID:  &id,
				SequenceNumber: sequence,
				Charms:         entry.Charms,
				NewLocation:    &location,
			})
			continue
		}

		floating = append(floating, flotsam{
			id:       id,
			offset:   offset,
			isNew:    true,
			sequence: sequence,
			entry:    entry,
		})
	}

	sort.SliceStable(floating, func(i, j int) bool {
		return floating[i].offset < floating[j].offset
	})

	// Land each inscription on the output whose byte range covers its
	// offset.
	next := 0
	var outputStart uint64
	for vout, out := range tx.TxOut {
		outputEnd := outputStart + uint64(out.Value)
		for next < len(floating) && floating[next].offset < outputEnd {
			f := floating[next]
			location := ordinals.SatPoint{
				OutPoint: wire.OutPoint{Hash: txid, Index: uint32(vout)},
				Offset:   f.offset - outputStart,
			}
			if err := u.land(f, location, outputEntries[vout]); err != nil {
				return err
			}
			next++
		}
		outputStart = outputEnd
	}

	if coinbase {
		// Anything left after the coinbase outputs is lost.
		for _, f := range floating[next:] {
			location := ordinals.SatPoint{
				OutPoint: ordinals.NullOutPoint(),
				Offset:   u.lostSats + f.offset - totalOutputValue,
			}
			if err := u.landOnCache(f, location); err != nil {
				return err
			}
		}
		if totalInputValue > totalOutputValue {
			u.lostSats += totalInputValue - totalOutputValue
		}
		return nil
	}

	// Leftovers ride the fee stream into the coinbase.
	for _, f := range floating[next:] {
		f.offset = u.reward + f.offset - totalOutputValue
		u.flotsam = append(u.flotsam, f)
	}
	if totalInputValue > totalOutputValue {
		u.reward += totalInputValue - totalOutputValue
	}
	return nil
}

// cacheEntry returns the block's cached utxo entry for an outpoint,
// creating an empty one on first touch.
func (u *inscriptionUpdater) cacheEntry(op wire.OutPoint) *UtxoEntry {
	entry, ok := u.utxoCache[op]
	if !ok {
		entry = &UtxoEntry{}
		u.utxoCache[op] = entry
	}
	return entry
}

// land places a flotsam at its new satpoint on a real output.
func (u *inscriptionUpdater) land(f flotsam, location ordinals.SatPoint, outputEntry *UtxoEntry) error {
	if f.isNew {
		if u.idx.indexSats && outputEntry.SatRanges != nil {
			if sat, ok := satAtOffset(outputEntry.SatRanges, location.Offset); ok {
				s := ordinals.Sat(sat)
				f.entry.Sat = &s
				if err := u.idx.store.AppendSatToSequence(s, f.sequence); err != nil {
					return err
				}
			}
		}
		if err := u.writeNewInscription(f.sequence, f.entry); err != nil {
			return err
		}
		*u.events = append(*u.events, Event{
			Kind:           EventInscriptionCreated,
			BlockHeight:    u.height,
			InscriptionID:  &f.id,
			SequenceNumber: f.sequence,
			Charms:         f.entry.Charms,
			NewLocation:    &location,
		})
	} else {
		old := f.oldSatPoint
		*u.events = append(*u.events, Event{
			Kind:           EventInscriptionTransferred,
			BlockHeight:    u.height,
			InscriptionID:  &f.id,
			SequenceNumber: f.sequence,
			OldLocation:    &old,
			NewLocation:    &location,
		})
	}
	outputEntry.Inscriptions = append(outputEntry.Inscriptions, InscriptionLocation{
		Sequence: f.sequence,
		Offset:   location.Offset,
	})
	return nil
}

// landOnCache places a flotsam on a special outpoint via the utxo cache.
func (u *inscriptionUpdater) landOnCache(f flotsam, location ordinals.SatPoint) error {
	return u.land(f, location, u.cacheEntry(location.OutPoint))
}

// writeNewInscription links a fresh inscription into every lookup table.
func (u *inscriptionUpdater) writeNewInscription(sequence uint32, entry *InscriptionEntry) error {
	store := u.idx.store
	if err := store.InsertInscriptionIDToSequence(entry.ID, sequence); err != nil {
		return err
	}
	if err := store.InsertInscriptionEntry(sequence, entry); err != nil {
		return err
	}
	if err := store.InsertInscriptionNumberToSequence(entry.InscriptionNumber, sequence); err != nil {
		return err
	}
	for _, parent := range entry.Parents {
		if err := store.AppendChild(parent, sequence); err != nil {
			return err
		}
	}
	if err := store.InsertHomeInscription(sequence, entry.ID); err != nil {
		return err
	}
	u.homeCount++
	for u.homeCount > HomeInscriptionCount {
		if err := store.PopFirstHomeInscription(); err != nil {
			return err
		}
		u.homeCount--
	}
	return nil
}
