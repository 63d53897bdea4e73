package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/cypherbabel/bito-indexer/internal/inscriptions"
	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

// MaxOutpointsPerQuery bounds batched balance lookups.
const MaxOutpointsPerQuery = 64

// ErrMaxOutpointsExceeded is returned for batched queries above the cap.
var ErrMaxOutpointsExceeded = errors.New("max outpoints exceeded")

// ErrSatIndexDisabled is returned for sat queries without the sat index.
var ErrSatIndexDisabled = errors.New("sat index is disabled")

// TermsResp is the flattened terms projection.
type TermsResp struct {
	Amount      *string `json:"amount"`
	Cap         *string `json:"cap"`
	HeightStart *uint64 `json:"height_start"`
	HeightEnd   *uint64 `json:"height_end"`
	OffsetStart *uint64 `json:"offset_start"`
	OffsetEnd   *uint64 `json:"offset_end"`
}

// RuneResp is the flattened rune entry projection.
type RuneResp struct {
	Confirmations uint32     `json:"confirmations"`
	RuneID        string     `json:"rune_id"`
	Block         uint64     `json:"block"`
	Burned        string     `json:"burned"`
	Divisibility  uint8      `json:"divisibility"`
	Etching       string     `json:"etching"`
	Mints         string     `json:"mints"`
	Number        uint64     `json:"number"`
	Premine       string     `json:"premine"`
	SpacedRune    string     `json:"spaced_rune"`
	Symbol        *string    `json:"symbol"`
	Terms         *TermsResp `json:"terms"`
	Timestamp     uint64     `json:"timestamp"`
	Turbo         bool       `json:"turbo"`
}

// RuneBalanceResp is one rune balance with display data joined in.
type RuneBalanceResp struct {
	RuneID        string  `json:"rune_id"`
	Confirmations uint32  `json:"confirmations"`
	Amount        string  `json:"amount"`
	Divisibility  uint8   `json:"divisibility"`
	Symbol        *string `json:"symbol"`
}

// EtchingResp answers etching-by-txid queries.
type EtchingResp struct {
	Confirmations uint32 `json:"confirmations"`
	RuneID        string `json:"rune_id"`
}

// InscriptionResp is the deeply joined inscription projection.
type InscriptionResp struct {
	Address              *string  `json:"address"`
	Charms               []string `json:"charms"`
	ChildCount           uint64   `json:"child_count"`
	Children             []string `json:"children"`
	ContentLength        *int     `json:"content_length"`
	ContentType          *string  `json:"content_type"`
	EffectiveContentType *string  `json:"effective_content_type"`
	Fee                  uint64   `json:"fee"`
	Height               uint32   `json:"height"`
	ID                   string   `json:"id"`
	Next                 *string  `json:"next"`
	Number               int32    `json:"number"`
	Parents              []string `json:"parents"`
	Previous             *string  `json:"previous"`
	Rune                 *string  `json:"rune"`
	Sat                  *uint64  `json:"sat"`
	SatPoint             string   `json:"satpoint"`
	Timestamp            int64    `json:"timestamp"`
	Value                *uint64  `json:"value"`
	Metaprotocol         *string  `json:"metaprotocol"`
}

// InscriptionEntryResp is the raw entry projection.
type InscriptionEntryResp struct {
	Charms            uint16   `json:"charms"`
	Fee               uint64   `json:"fee"`
	Height            uint32   `json:"height"`
	ID                string   `json:"id"`
	InscriptionNumber int32    `json:"inscription_number"`
	Parents           []uint32 `json:"parents"`
	Sat               uint64   `json:"sat"`
	SequenceNumber    uint32   `json:"sequence_number"`
	Timestamp         uint32   `json:"timestamp"`
}

// LatestBlock returns the tip of the indexed chain.
func (idx *Index) LatestBlock() (uint32, string, error) {
	height, hash, ok, err := idx.store.LatestBlock()
	if err != nil {
		return 0, "", err
	}
	if !ok {
		return 0, "", errors.New("no block indexed")
	}
	return height, hash.String(), nil
}

func (idx *Index) tipHeight() (uint32, error) {
	height, _, ok, err := idx.store.LatestBlock()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("no block indexed")
	}
	return height, nil
}

func confirmations(tip uint32, block uint64) uint32 {
	if uint64(tip) < block {
		return 0
	}
	return uint32(uint64(tip)-block) + 1
}

// Etching resolves the rune etched by a transaction.
func (idx *Index) Etching(txidStr string) (*EtchingResp, error) {
	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", txidStr, err)
	}
	name, ok, err := idx.store.RuneForTxid(*txid)
	if err != nil || !ok {
		return nil, err
	}
	id, ok, err := idx.store.RuneIDForRune(name)
	if err != nil || !ok {
		return nil, err
	}
	tip, err := idx.tipHeight()
	if err != nil {
		return nil, err
	}
	return &EtchingResp{
		Confirmations: confirmations(tip, id.Block),
		RuneID:        id.String(),
	}, nil
}

// RuneByName looks a rune up by its spaced name.
func (idx *Index) RuneByName(spaced string) (*RuneResp, error) {
	sr, err := ordinals.ParseSpacedRune(spaced)
	if err != nil {
		return nil, err
	}
	id, ok, err := idx.store.RuneIDForRune(sr.Rune)
	if err != nil || !ok {
		return nil, err
	}
	return idx.runeResp(id)
}

// RuneByID looks a rune up by "block:tx".
func (idx *Index) RuneByID(idStr string) (*RuneResp, error) {
	id, err := ordinals.ParseRuneID(idStr)
	if err != nil {
		return nil, err
	}
	return idx.runeResp(id)
}

func (idx *Index) runeResp(id ordinals.RuneID) (*RuneResp, error) {
	entry, err := idx.store.RuneEntry(id)
	if err != nil || entry == nil {
		return nil, err
	}
	tip, err := idx.tipHeight()
	if err != nil {
		return nil, err
	}
	resp := &RuneResp{
		Confirmations: confirmations(tip, entry.Block),
		RuneID:        id.String(),
		Block:         entry.Block,
		Burned:        entry.Burned.Dec(),
		Divisibility:  entry.Divisibility,
		Etching:       entry.Etching.String(),
		Mints:         entry.Mints.Dec(),
		Number:        entry.Number,
		Premine:       entry.Premine.Dec(),
		SpacedRune:    entry.SpacedRune.String(),
		Symbol:        symbolString(entry.Symbol),
		Timestamp:     entry.Timestamp,
		Turbo:         entry.Turbo,
	}
	if t := entry.Terms; t != nil {
		terms := &TermsResp{
			HeightStart: t.HeightStart,
			HeightEnd:   t.HeightEnd,
			OffsetStart: t.OffsetStart,
			OffsetEnd:   t.OffsetEnd,
		}
		if t.Amount != nil {
			s := t.Amount.Dec()
			terms.Amount = &s
		}
		if t.Cap != nil {
			s := t.Cap.Dec()
			terms.Cap = &s
		}
		resp.Terms = terms
	}
	return resp, nil
}

func symbolString(symbol *rune) *string {
	if symbol == nil {
		return nil
	}
	s := string(*symbol)
	return &s
}

// ParseOutPoint parses "txid:vout".
func ParseOutPoint(s string) (wire.OutPoint, error) {
	txidStr, voutStr, ok := strings.Cut(s, ":")
	if !ok {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q", s)
	}
	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint txid %q: %w", txidStr, err)
	}
	vout, err := strconv.ParseUint(voutStr, 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint vout %q: %w", voutStr, err)
	}
	return wire.OutPoint{Hash: *txid, Index: uint32(vout)}, nil
}

// RuneBalancesForOutputs resolves the balances of up to 64 outpoints. The
// result slice is index-aligned with the request; unknown outpoints yield
// nil entries.
func (idx *Index) RuneBalancesForOutputs(outpoints []string) ([][]RuneBalanceResp, error) {
	if len(outpoints) > MaxOutpointsPerQuery {
		return nil, ErrMaxOutpointsExceeded
	}
	tip, err := idx.tipHeight()
	if err != nil {
		return nil, err
	}
	results := make([][]RuneBalanceResp, len(outpoints))
	for i, raw := range outpoints {
		op, err := ParseOutPoint(raw)
		if err != nil {
			return nil, err
		}
		balances, err := idx.store.RuneBalances(op)
		if err != nil {
			return nil, err
		}
		if balances == nil {
			continue
		}
		height, ok, err := idx.store.OutpointHeight(op)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("outpoint %s has balances but no height", op)
		}
		list := make([]RuneBalanceResp, 0, len(balances))
		for j := range balances {
			entry, err := idx.store.RuneEntry(balances[j].ID)
			if err != nil {
				return nil, err
			}
			if entry == nil {
				return nil, fmt.Errorf("rune entry missing for %s", balances[j].ID)
			}
			list = append(list, RuneBalanceResp{
				RuneID:        balances[j].ID.String(),
				Confirmations: confirmations(tip, uint64(height)),
				Amount:        balances[j].Balance.Dec(),
				Divisibility:  entry.Divisibility,
				Symbol:        symbolString(entry.Symbol),
			})
		}
		results[i] = list
	}
	return results, nil
}

// InscriptionQuery selects an inscription by id, number, or sat.
type InscriptionQuery struct {
	ID     *inscriptions.InscriptionID
	Number *int32
	Sat    *ordinals.Sat
}

// ParseInscriptionQuery classifies a query string.
func ParseInscriptionQuery(s string) (InscriptionQuery, error) {
	var q InscriptionQuery
	if len(s) > txidHexLenForQuery && strings.ContainsRune(s, 'i') {
		id, err := inscriptions.ParseInscriptionID(s)
		if err != nil {
			return q, err
		}
		q.ID = &id
		return q, nil
	}
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		number := int32(n)
		q.Number = &number
		return q, nil
	}
	sat, err := ordinals.ParseSat(s)
	if err != nil {
		return q, fmt.Errorf("bad inscription query %q", s)
	}
	q.Sat = &sat
	return q, nil
}

const txidHexLenForQuery = 64

func (idx *Index) sequenceForQuery(q InscriptionQuery) (uint32, bool, error) {
	switch {
	case q.ID != nil:
		return idx.store.SequenceForInscriptionID(*q.ID)
	case q.Number != nil:
		return idx.store.SequenceForInscriptionNumber(*q.Number)
	case q.Sat != nil:
		if !idx.indexSats {
			return 0, false, ErrSatIndexDisabled
		}
		seqs, err := idx.store.SequencesForSat(*q.Sat)
		if err != nil || len(seqs) == 0 {
			return 0, false, err
		}
		// First inscription on the sat wins.
		return seqs[0], true, nil
	}
	return 0, false, errors.New("empty inscription query")
}

// getTransaction resolves a transaction from the raw-tx table when
// transactions are indexed, falling back to the block source.
func (idx *Index) getTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	if idx.indexTransactions {
		tx, err := idx.store.Transaction(txid)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			return tx, nil
		}
	}
	info, err := idx.source.GetRawTransaction(ctx, &txid)
	if err != nil {
		return nil, err
	}
	return info.Tx, nil
}

// inscriptionPayload re-parses the reveal transaction and picks the
// envelope the inscription id points at.
func (idx *Index) inscriptionPayload(ctx context.Context, id inscriptions.InscriptionID) (*inscriptions.Inscription, error) {
	tx, err := idx.getTransaction(ctx, id.Txid)
	if err != nil {
		return nil, err
	}
	envelopes := inscriptions.EnvelopesFromTransaction(tx)
	if int(id.Index) >= len(envelopes) {
		return nil, nil
	}
	payload := envelopes[id.Index].Payload
	return &payload, nil
}

// InscriptionInfo is the deep join behind inscription queries. With child
// set, the n-th child of the located inscription is described instead.
func (idx *Index) InscriptionInfo(ctx context.Context, q InscriptionQuery, child *int) (*InscriptionResp, error) {
	sequence, ok, err := idx.sequenceForQuery(q)
	if err != nil || !ok {
		return nil, err
	}

	if child != nil {
		children, err := idx.store.Children(sequence)
		if err != nil {
			return nil, err
		}
		if *child < 0 || *child >= len(children) {
			return nil, nil
		}
		sequence = children[*child]
	}

	entry, err := idx.store.InscriptionEntry(sequence)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("inscription entry missing for sequence %d", sequence)
	}

	payload, err := idx.inscriptionPayload(ctx, entry.ID)
	if err != nil || payload == nil {
		return nil, err
	}

	satpoint, ok, err := idx.store.SatPointForSequence(sequence)
	if err != nil || !ok {
		return nil, err
	}

	var output *wire.TxOut
	if !ordinals.IsSpecialOutPoint(satpoint.OutPoint) {
		tx, err := idx.getTransaction(ctx, satpoint.OutPoint.Hash)
		if err != nil {
			return nil, err
		}
		if int(satpoint.OutPoint.Index) < len(tx.TxOut) {
			output = tx.TxOut[satpoint.OutPoint.Index]
		}
	}

	var previous *string
	if sequence > 0 {
		if prev, perr := idx.store.InscriptionEntry(sequence - 1); perr == nil && prev != nil {
			s := prev.ID.String()
			previous = &s
		}
	}
	var next *string
	if nextEntry, nerr := idx.store.InscriptionEntry(sequence + 1); nerr == nil && nextEntry != nil {
		s := nextEntry.ID.String()
		next = &s
	}

	allChildren, err := idx.store.Children(sequence)
	if err != nil {
		return nil, err
	}
	childIDs := make([]string, 0, 4)
	for _, childSeq := range allChildren {
		if len(childIDs) == 4 {
			break
		}
		childEntry, err := idx.store.InscriptionEntry(childSeq)
		if err != nil {
			return nil, err
		}
		if childEntry != nil {
			childIDs = append(childIDs, childEntry.ID.String())
		}
	}

	parentIDs := make([]string, 0, 4)
	for _, parentSeq := range entry.Parents {
		if len(parentIDs) == 4 {
			break
		}
		parentEntry, err := idx.store.InscriptionEntry(parentSeq)
		if err != nil {
			return nil, err
		}
		if parentEntry != nil {
			parentIDs = append(parentIDs, parentEntry.ID.String())
		}
	}

	var runeName *string
	if runeID, ok, err := idx.store.RuneIDForSequence(sequence); err != nil {
		return nil, err
	} else if ok {
		runeEntry, err := idx.store.RuneEntry(runeID)
		if err != nil {
			return nil, err
		}
		if runeEntry != nil {
			s := runeEntry.SpacedRune.String()
			runeName = &s
		}
	}

	charms := entry.Charms
	if satpoint.OutPoint == ordinals.NullOutPoint() {
		ordinals.CharmLost.Set(&charms)
	}

	var contentType *string
	if payload.ContentType != nil {
		s := payload.ContentTypeString()
		contentType = &s
	}

	effective := contentType
	if delegateID, ok := payload.DelegateID(); ok {
		if delegate, err := idx.inscriptionByID(ctx, delegateID); err == nil && delegate != nil && delegate.ContentType != nil {
			s := delegate.ContentTypeString()
			effective = &s
		}
	}

	var address *string
	if output != nil {
		if addr := idx.net.AddressFromScript(output.PkScript); addr != "" {
			address = &addr
		}
	}

	var contentLength *int
	if length, ok := payload.ContentLength(); ok {
		contentLength = &length
	}

	var value *uint64
	if output != nil {
		v := uint64(output.Value)
		value = &v
	}

	var sat *uint64
	if entry.Sat != nil {
		n := entry.Sat.N()
		sat = &n
	}

	var metaprotocol *string
	if payload.Metaprotocol != nil {
		s := string(payload.Metaprotocol)
		metaprotocol = &s
	}

	return &InscriptionResp{
		Address:              address,
		Charms:               ordinals.CharmNames(charms),
		ChildCount:           uint64(len(allChildren)),
		Children:             childIDs,
		ContentLength:        contentLength,
		ContentType:          contentType,
		EffectiveContentType: effective,
		Fee:                  entry.Fee,
		Height:               entry.Height,
		ID:                   entry.ID.String(),
		Next:                 next,
		Number:               entry.InscriptionNumber,
		Parents:              parentIDs,
		Previous:             previous,
		Rune:                 runeName,
		Sat:                  sat,
		SatPoint:             satpoint.String(),
		Timestamp:            int64(entry.Timestamp),
		Value:                value,
		Metaprotocol:         metaprotocol,
	}, nil
}

// inscriptionByID resolves a payload when the inscription exists.
func (idx *Index) inscriptionByID(ctx context.Context, id inscriptions.InscriptionID) (*inscriptions.Inscription, error) {
	_, ok, err := idx.store.SequenceForInscriptionID(id)
	if err != nil || !ok {
		return nil, err
	}
	return idx.inscriptionPayload(ctx, id)
}

// InscriptionEntryByID returns the raw entry for an inscription id string.
func (idx *Index) InscriptionEntryByID(idStr string) (*InscriptionEntryResp, error) {
	id, err := inscriptions.ParseInscriptionID(idStr)
	if err != nil {
		return nil, err
	}
	sequence, ok, err := idx.store.SequenceForInscriptionID(id)
	if err != nil || !ok {
		return nil, err
	}
	entry, err := idx.store.InscriptionEntry(sequence)
	if err != nil || entry == nil {
		return nil, err
	}
	var sat uint64
	if entry.Sat != nil {
		sat = entry.Sat.N()
	}
	return &InscriptionEntryResp{
		Charms:            entry.Charms,
		Fee:               entry.Fee,
		Height:            entry.Height,
		ID:                idStr,
		InscriptionNumber: entry.InscriptionNumber,
		Parents:           entry.Parents,
		Sat:               sat,
		SequenceNumber:    sequence,
		Timestamp:         entry.Timestamp,
	}, nil
}

// InscriptionsInBlock lists the ids assigned in a block as the sequence
// range [last(H-1), last(H)).
func (idx *Index) InscriptionsInBlock(height uint32) ([]string, error) {
	newest, ok, err := idx.store.LastSequenceNumber(height)
	if err != nil || !ok {
		return nil, err
	}
	var oldest uint32
	if height > 0 {
		oldest, _, err = idx.store.LastSequenceNumber(height - 1)
		if err != nil {
			return nil, err
		}
	}
	ids := make([]string, 0, newest-oldest)
	for seq := oldest; seq < newest; seq++ {
		entry, err := idx.store.InscriptionEntry(seq)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, fmt.Errorf("inscription entry missing for sequence %d", seq)
		}
		ids = append(ids, entry.ID.String())
	}
	return ids, nil
}

// InscriptionsOnOutput lists the inscriptions currently sitting on an
// outpoint, ordered by sequence number.
func (idx *Index) InscriptionsOnOutput(outpointStr string) ([]string, error) {
	if !idx.indexInscriptions {
		return nil, errors.New("inscription index is disabled")
	}
	op, err := ParseOutPoint(outpointStr)
	if err != nil {
		return nil, err
	}
	raw, err := idx.store.UtxoEntry(op)
	if err != nil || raw == nil {
		return nil, err
	}
	entry, err := decodeUtxoEntry(raw, idx.codecOptions())
	if err != nil {
		return nil, err
	}
	locations := append([]InscriptionLocation(nil), entry.Inscriptions...)
	for i := 1; i < len(locations); i++ {
		for j := i; j > 0 && locations[j].Sequence < locations[j-1].Sequence; j-- {
			locations[j], locations[j-1] = locations[j-1], locations[j]
		}
	}
	ids := make([]string, 0, len(locations))
	for _, loc := range locations {
		inscriptionEntry, err := idx.store.InscriptionEntry(loc.Sequence)
		if err != nil {
			return nil, err
		}
		if inscriptionEntry != nil {
			ids = append(ids, inscriptionEntry.ID.String())
		}
	}
	return ids, nil
}
