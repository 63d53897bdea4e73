package index

import (
	"context"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/uint256"

	"github.com/cypherbabel/bito-indexer/internal/inscriptions"
	"github.com/cypherbabel/bito-indexer/internal/runes"
	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

// runeUpdater carries the per-block rune bookkeeping state and assembles
// the change record journaled at commit.
type runeUpdater struct {
	idx       *Index
	height    uint32
	blockTime uint32
	minimum   ordinals.Rune

	// runes and reservedRunes are the block-start statistic values; both
	// only grow within a block.
	runes         uint64
	reservedRunes uint64

	// burned accumulates per-rune burn deltas, merged into the entries at
	// block commit.
	burned map[ordinals.RuneID]*uint256.Int

	// prevValues captures each mutated rune's mints/burned before the
	// first mutation of this block.
	prevValues map[ordinals.RuneID]RunePrev

	change ChangeRecordRune
	events *[]Event
}

func newRuneUpdater(idx *Index, height uint32, blockTime uint32, events *[]Event) (*runeUpdater, error) {
	runesCount, err := idx.store.StatisticRunes()
	if err != nil {
		return nil, err
	}
	reserved, err := idx.store.StatisticReservedRunes()
	if err != nil {
		return nil, err
	}
	return &runeUpdater{
		idx:           idx,
		height:        height,
		blockTime:     blockTime,
		minimum:       ordinals.MinimumAtHeight(idx.FirstRuneHeight(), height),
		runes:         runesCount,
		reservedRunes: reserved,
		burned:        make(map[ordinals.RuneID]*uint256.Int),
		prevValues:    make(map[ordinals.RuneID]RunePrev),
		events:        events,
	}, nil
}

// indexRunes processes the transaction at index txIndex of the block.
func (u *runeUpdater) indexRunes(ctx context.Context, txIndex uint32, tx *wire.MsgTx, txid chainhash.Hash) error {
	artifact := runes.Decipher(tx)

	unallocated, err := u.unallocated(tx)
	if err != nil {
		return err
	}

	allocated := make([]map[ordinals.RuneID]*uint256.Int, len(tx.TxOut))
	for i := range allocated {
		allocated[i] = make(map[ordinals.RuneID]*uint256.Int)
	}

	var etchedID ordinals.RuneID
	var etchedRune ordinals.Rune
	etched := false

	if artifact != nil {
		if mintID := artifactMint(artifact); mintID != nil {
			amount, minted, err := u.mint(*mintID)
			if err != nil {
				return err
			}
			if minted {
				addBalance(unallocated, *mintID, amount)
				*u.events = append(*u.events, Event{
					Kind:        EventRuneMinted,
					BlockHeight: u.height,
					RuneID:      mintID,
					Txid:        &txid,
					Amount:      amount,
				})
			}
		}

		etchedID, etchedRune, etched, err = u.etched(ctx, txIndex, tx, artifact)
		if err != nil {
			return err
		}

		if rs := artifact.Runestone; rs != nil {
			if etched && rs.Etching.Premine != nil {
				addBalance(unallocated, etchedID, new(uint256.Int).Set(rs.Etching.Premine))
			}

			for _, edict := range rs.Edicts {
				id := edict.ID
				if id.Block == 0 && id.Tx == 0 {
					// A zero id refers to the rune etched in this very
					// transaction.
					if !etched {
						continue
					}
					id = etchedID
				}
				balance := unallocated[id]
				if balance == nil || balance.IsZero() {
					continue
				}
				u.applyEdict(tx, edict, id, balance, allocated)
			}
		}

		if etched {
			if err := u.createRuneEntry(txid, artifact, etchedID, etchedRune); err != nil {
				return err
			}
		}
	}

	if artifact != nil && artifact.Cenotaph != nil {
		// All unallocated balances of a cenotaph are burned.
		for id, balance := range unallocated {
			if balance.IsZero() {
				continue
			}
			u.burn(id, balance, &txid)
		}
	} else {
		// Remaining unallocated balances go to the pointer output when
		// given, else to the first non-OP_RETURN output, else burn.
		var pointer *uint32
		if artifact != nil && artifact.Runestone != nil {
			pointer = artifact.Runestone.Pointer
		}
		vout, ok := defaultOutput(tx, pointer)
		if ok {
			for id, balance := range unallocated {
				if balance.IsZero() {
					continue
				}
				addBalance(allocated[vout], id, balance)
			}
		} else {
			for id, balance := range unallocated {
				if balance.IsZero() {
					continue
				}
				u.burn(id, balance, &txid)
			}
		}
	}

	// Write output balances; balances allocated to an OP_RETURN output
	// burn instead.
	for vout, balances := range allocated {
		if len(balances) == 0 {
			continue
		}
		if isOpReturn(tx.TxOut[vout].PkScript) {
			for id, balance := range balances {
				u.burn(id, balance, &txid)
			}
			continue
		}
		op := wire.OutPoint{Hash: txid, Index: uint32(vout)}
		list := make([]RuneBalance, 0, len(balances))
		for id, balance := range balances {
			rb := RuneBalance{ID: id}
			rb.Balance.Set(balance)
			list = append(list, rb)
			amount := new(uint256.Int).Set(balance)
			outpoint := op
			eventID := id
			*u.events = append(*u.events, Event{
				Kind:        EventRuneTransferred,
				BlockHeight: u.height,
				RuneID:      &eventID,
				Txid:        &txid,
				Amount:      amount,
				OutPoint:    &outpoint,
			})
		}
		sort.Slice(list, func(i, j int) bool {
			a, b := list[i].ID, list[j].ID
			return a.Block < b.Block || (a.Block == b.Block && a.Tx < b.Tx)
		})
		if err := u.idx.store.InsertRuneBalances(op, list); err != nil {
			return err
		}
		if err := u.idx.store.InsertOutpointHeight(op, u.height); err != nil {
			return err
		}
		u.change.AddedOutpoints = append(u.change.AddedOutpoints, op)
	}

	return nil
}

// unallocated drains the rune balances of every input into a pool,
// journaling the removed outpoints for rollback.
func (u *runeUpdater) unallocated(tx *wire.MsgTx) (map[ordinals.RuneID]*uint256.Int, error) {
	pool := make(map[ordinals.RuneID]*uint256.Int)
	for _, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint
		if op == ordinals.NullOutPoint() {
			continue
		}
		balances, err := u.idx.store.RemoveRuneBalances(op)
		if err != nil {
			return nil, err
		}
		if balances == nil {
			continue
		}
		height, _, err := u.idx.store.OutpointHeight(op)
		if err != nil {
			return nil, err
		}
		if err := u.idx.store.RemoveOutpointHeight(op); err != nil {
			return nil, err
		}
		u.change.RemovedOutpoints = append(u.change.RemovedOutpoints, RemovedOutpoint{
			OutPoint: op,
			Balances: balances,
			Height:   height,
		})
		for i := range balances {
			addBalance(pool, balances[i].ID, &balances[i].Balance)
		}
	}
	return pool, nil
}

// applyEdict moves balance to outputs per one edict. An output index equal
// to the output count broadcasts over every non-OP_RETURN output.
func (u *runeUpdater) applyEdict(tx *wire.MsgTx, edict runes.Edict, id ordinals.RuneID, balance *uint256.Int, allocated []map[ordinals.RuneID]*uint256.Int) {
	if int(edict.Output) == len(tx.TxOut) {
		var destinations []int
		for vout, out := range tx.TxOut {
			if !isOpReturn(out.PkScript) {
				destinations = append(destinations, vout)
			}
		}
		if len(destinations) == 0 {
			return
		}
		if edict.Amount.IsZero() {
			// Split the whole balance evenly, remainder to the first
			// destinations.
			count := uint256.NewInt(uint64(len(destinations)))
			share := new(uint256.Int)
			remainder := new(uint256.Int)
			share.DivMod(balance, count, remainder)
			rem := remainder.Uint64()
			for i, vout := range destinations {
				amount := new(uint256.Int).Set(share)
				if uint64(i) < rem {
					amount.AddUint64(amount, 1)
				}
				u.allocate(balance, amount, allocated[vout], id)
			}
			return
		}
		for _, vout := range destinations {
			if balance.IsZero() {
				break
			}
			amount := new(uint256.Int).Set(&edict.Amount)
			if amount.Cmp(balance) > 0 {
				amount.Set(balance)
			}
			u.allocate(balance, amount, allocated[vout], id)
		}
		return
	}

	amount := new(uint256.Int)
	if edict.Amount.IsZero() {
		amount.Set(balance)
	} else {
		amount.Set(&edict.Amount)
		if amount.Cmp(balance) > 0 {
			amount.Set(balance)
		}
	}
	u.allocate(balance, amount, allocated[edict.Output], id)
}

func (u *runeUpdater) allocate(balance, amount *uint256.Int, destination map[ordinals.RuneID]*uint256.Int, id ordinals.RuneID) {
	if amount.IsZero() {
		return
	}
	balance.Sub(balance, amount)
	addBalance(destination, id, amount)
}

func addBalance(m map[ordinals.RuneID]*uint256.Int, id ordinals.RuneID, amount *uint256.Int) {
	if existing, ok := m[id]; ok {
		existing.Add(existing, amount)
		return
	}
	m[id] = new(uint256.Int).Set(amount)
}

func (u *runeUpdater) burn(id ordinals.RuneID, amount *uint256.Int, txid *chainhash.Hash) {
	if existing, ok := u.burned[id]; ok {
		existing.Add(existing, amount)
	} else {
		u.burned[id] = new(uint256.Int).Set(amount)
	}
	burnedAmount := new(uint256.Int).Set(amount)
	eventID := id
	*u.events = append(*u.events, Event{
		Kind:        EventRuneBurned,
		BlockHeight: u.height,
		RuneID:      &eventID,
		Txid:        txid,
		Amount:      burnedAmount,
	})
}

// mint credits one mint of the rune when its terms allow it, bumping the
// entry's mint counter immediately.
func (u *runeUpdater) mint(id ordinals.RuneID) (*uint256.Int, bool, error) {
	entry, err := u.idx.store.RuneEntry(id)
	if err != nil || entry == nil {
		return nil, false, err
	}
	amount, ok := entry.Mintable(u.height)
	if !ok {
		return nil, false, nil
	}
	u.capturePrev(id, entry)
	entry.Mints.AddUint64(&entry.Mints, 1)
	if err := u.idx.store.InsertRuneEntry(id, entry); err != nil {
		return nil, false, err
	}
	return amount, true, nil
}

// capturePrev journals a rune's mints/burned before its first mutation in
// this block.
func (u *runeUpdater) capturePrev(id ordinals.RuneID, entry *RuneEntry) {
	if _, seen := u.prevValues[id]; seen {
		return
	}
	prev := RunePrev{ID: id}
	prev.Burned.Set(&entry.Burned)
	prev.Mints.Set(&entry.Mints)
	u.prevValues[id] = prev
}

// etched validates the etching of an artifact. Named runes must clear the
// unlock schedule, be unclaimed, stay out of the reserved range, and be
// committed to by a mature taproot input; nameless etchings are assigned
// the next reserved name.
func (u *runeUpdater) etched(ctx context.Context, txIndex uint32, tx *wire.MsgTx, artifact *runes.Artifact) (ordinals.RuneID, ordinals.Rune, bool, error) {
	var name *ordinals.Rune
	switch {
	case artifact.Runestone != nil && artifact.Runestone.Etching != nil:
		name = artifact.Runestone.Etching.Rune
	case artifact.Cenotaph != nil:
		name = artifact.Cenotaph.Etching
	}
	if artifact.Runestone != nil && artifact.Runestone.Etching == nil && artifact.Cenotaph == nil {
		return ordinals.RuneID{}, ordinals.Rune{}, false, nil
	}
	if artifact.Cenotaph != nil && name == nil {
		return ordinals.RuneID{}, ordinals.Rune{}, false, nil
	}

	var etchedRune ordinals.Rune
	if name != nil {
		_, claimed, err := u.idx.store.RuneIDForRune(*name)
		if err != nil {
			return ordinals.RuneID{}, ordinals.Rune{}, false, err
		}
		if name.Cmp(u.minimum) < 0 || name.IsReserved() || claimed {
			return ordinals.RuneID{}, ordinals.Rune{}, false, nil
		}
		commits, err := u.txCommitsToRune(ctx, tx, *name)
		if err != nil {
			return ordinals.RuneID{}, ordinals.Rune{}, false, err
		}
		if !commits {
			return ordinals.RuneID{}, ordinals.Rune{}, false, nil
		}
		etchedRune = *name
	} else {
		etchedRune = ordinals.Reserved(uint64(u.height), txIndex)
		u.reservedRunes++
	}

	return ordinals.RuneID{Block: uint64(u.height), Tx: txIndex}, etchedRune, true, nil
}

// txCommitsToRune checks for an input whose tapscript pushes the rune's
// commitment and whose spent output is a taproot output at least
// RuneCommitInterval confirmations deep.
func (u *runeUpdater) txCommitsToRune(ctx context.Context, tx *wire.MsgTx, name ordinals.Rune) (bool, error) {
	commitment := name.Commitment()
	for _, txIn := range tx.TxIn {
		if len(txIn.Witness) < 2 {
			continue
		}
		tapscript := txIn.Witness[len(txIn.Witness)-2]
		if !scriptPushesData(tapscript, commitment) {
			continue
		}
		info, err := u.idx.getRawTransactionInfo(ctx, &txIn.PreviousOutPoint.Hash)
		if err != nil {
			return false, err
		}
		vout := int(txIn.PreviousOutPoint.Index)
		if vout >= len(info.Tx.TxOut) {
			continue
		}
		script := info.Tx.TxOut[vout].PkScript
		if len(script) != 34 || script[0] != txscript.OP_1 || script[1] != txscript.OP_DATA_32 {
			continue
		}
		if info.Confirmations < RuneCommitInterval {
			continue
		}
		return true, nil
	}
	return false, nil
}

func scriptPushesData(script []byte, data []byte) bool {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		if tokenizer.Opcode() <= txscript.OP_PUSHDATA4 && len(tokenizer.Data()) == len(data) {
			match := true
			for i := range data {
				if tokenizer.Data()[i] != data[i] {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
	}
	return false
}

// createRuneEntry registers the etching. Premine and terms come from the
// runestone; a cenotaph etching records the name only and mints nothing.
func (u *runeUpdater) createRuneEntry(txid chainhash.Hash, artifact *runes.Artifact, id ordinals.RuneID, name ordinals.Rune) error {
	number := u.runes
	u.runes++

	entry := &RuneEntry{
		Block:     id.Block,
		Etching:   txid,
		Number:    number,
		Timestamp: uint64(u.blockTime),
		SpacedRune: ordinals.SpacedRune{
			Rune: name,
		},
	}
	if rs := artifact.Runestone; rs != nil && rs.Etching != nil {
		e := rs.Etching
		if e.Divisibility != nil {
			entry.Divisibility = *e.Divisibility
		}
		if e.Premine != nil {
			entry.Premine.Set(e.Premine)
		}
		if e.Spacers != nil {
			entry.SpacedRune.Spacers = *e.Spacers
		}
		entry.Symbol = e.Symbol
		entry.Terms = e.Terms
		entry.Turbo = e.Turbo
	}

	if err := u.idx.store.InsertRuneToRuneID(name, id); err != nil {
		return err
	}
	if err := u.idx.store.InsertRuneEntry(id, entry); err != nil {
		return err
	}
	if err := u.idx.store.InsertTxidToRune(txid, name); err != nil {
		return err
	}
	// Link the reveal inscription, if any, back to its rune.
	if seq, ok, err := u.idx.store.SequenceForInscriptionID(inscriptions.InscriptionID{Txid: txid}); err != nil {
		return err
	} else if ok {
		if err := u.idx.store.InsertSequenceToRuneID(seq, id); err != nil {
			return err
		}
	}
	u.change.AddedRunes = append(u.change.AddedRunes, AddedRune{ID: id, Rune: name, Etching: txid})
	*u.events = append(*u.events, Event{
		Kind:        EventRuneEtched,
		BlockHeight: u.height,
		RuneID:      &id,
		Txid:        &txid,
	})
	return nil
}

// update finishes the block: merges burn deltas into the entries, journals
// the change record, and writes the per-height statistics.
func (u *runeUpdater) update() error {
	ids := make([]ordinals.RuneID, 0, len(u.burned))
	for id := range u.burned {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		return a.Block < b.Block || (a.Block == b.Block && a.Tx < b.Tx)
	})
	for _, id := range ids {
		entry, err := u.idx.store.RuneEntry(id)
		if err != nil {
			return err
		}
		if entry == nil {
			continue
		}
		u.capturePrev(id, entry)
		entry.Burned.Add(&entry.Burned, u.burned[id])
		if err := u.idx.store.InsertRuneEntry(id, entry); err != nil {
			return err
		}
	}

	prevIDs := make([]ordinals.RuneID, 0, len(u.prevValues))
	for id := range u.prevValues {
		prevIDs = append(prevIDs, id)
	}
	sort.Slice(prevIDs, func(i, j int) bool {
		a, b := prevIDs[i], prevIDs[j]
		return a.Block < b.Block || (a.Block == b.Block && a.Tx < b.Tx)
	})
	for _, id := range prevIDs {
		u.change.PrevValues = append(u.change.PrevValues, u.prevValues[id])
	}

	if err := u.idx.store.InsertChangeRecord(u.height, &u.change); err != nil {
		return err
	}
	if err := u.idx.store.InsertStatisticRunes(u.height, u.runes); err != nil {
		return err
	}
	return u.idx.store.InsertStatisticReservedRunes(u.height, u.reservedRunes)
}

func artifactMint(artifact *runes.Artifact) *ordinals.RuneID {
	if artifact.Runestone != nil {
		return artifact.Runestone.Mint
	}
	if artifact.Cenotaph != nil {
		return artifact.Cenotaph.Mint
	}
	return nil
}

func isOpReturn(script []byte) bool {
	return len(script) > 0 && script[0] == txscript.OP_RETURN
}

// defaultOutput picks where unallocated runes land: the pointer output if
// it is not OP_RETURN, else the first non-OP_RETURN output.
func defaultOutput(tx *wire.MsgTx, pointer *uint32) (int, bool) {
	if pointer != nil && int(*pointer) < len(tx.TxOut) && !isOpReturn(tx.TxOut[*pointer].PkScript) {
		return int(*pointer), true
	}
	for vout, out := range tx.TxOut {
		if !isOpReturn(out.PkScript) {
			return vout, true
		}
	}
	return 0, false
}
