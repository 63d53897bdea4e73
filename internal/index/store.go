package index

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/uint256"

	"github.com/cypherbabel/bito-indexer/internal/inscriptions"
	"github.com/cypherbabel/bito-indexer/internal/storage"
	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

// Statistic kinds persisted in the statistics table. The numeric values
// are stable keys.
type Statistic uint64

const (
	StatisticBlessedInscriptions Statistic = 1
	StatisticCommits             Statistic = 2
	StatisticCursedInscriptions  Statistic = 3
	StatisticLostSats            Statistic = 10
	StatisticOutputsTraversed    Statistic = 11
	StatisticSatRanges           Statistic = 14
	StatisticUnboundInscriptions Statistic = 16
)

// Store exposes every index table as typed accessors over the key-value
// backend. Only the indexing task writes; queries read between commits.
type Store struct {
	db storage.DB
}

// NewStore wraps a backend.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// DB exposes the raw backend, used by tests for snapshot comparison.
func (s *Store) DB() storage.DB {
	return s.db
}

func u32Key(t storage.Table, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return storage.Key(t, b[:])
}

func u64Key(t storage.Table, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return storage.Key(t, b[:])
}

func u64Value(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func u32Value(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

// get returns (nil, nil) when the key is absent; backend failures surface.
func (s *Store) get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// put wraps backend mutations: a failed write is an invariant violation
// per the error design, so callers treat it as fatal for the tick.
func (s *Store) put(key, value []byte) error {
	if err := s.db.Put(key, value); err != nil {
		return fmt.Errorf("backend put: %w", err)
	}
	return nil
}

// ── config cell ────────────────────────────────────────────────────────

func (s *Store) GetConfig() (*Config, error) {
	v, err := s.get(storage.Key(storage.TableConfig, nil))
	if err != nil || v == nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(v, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func (s *Store) SetConfig(cfg *Config) error {
	v, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return s.put(storage.Key(storage.TableConfig, nil), v)
}

// ── block headers ──────────────────────────────────────────────────────

func (s *Store) InsertBlockHeader(height uint32, header *wire.BlockHeader) error {
	var buf bytes.Buffer
	if err := header.Serialize(&buf); err != nil {
		return fmt.Errorf("serialize header: %w", err)
	}
	return s.put(u32Key(storage.TableHeightToBlockHeader, height), buf.Bytes())
}

func (s *Store) BlockHeader(height uint32) (*wire.BlockHeader, error) {
	v, err := s.get(u32Key(storage.TableHeightToBlockHeader, height))
	if err != nil || v == nil {
		return nil, err
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(v)); err != nil {
		return nil, fmt.Errorf("decode header at %d: %w", height, err)
	}
	return &header, nil
}

func (s *Store) BlockHash(height uint32) (*chainhash.Hash, error) {
	header, err := s.BlockHeader(height)
	if err != nil || header == nil {
		return nil, err
	}
	hash := header.BlockHash()
	return &hash, nil
}

func (s *Store) RemoveBlockHeader(height uint32) error {
	return s.db.Delete(u32Key(storage.TableHeightToBlockHeader, height))
}

// LatestBlock returns the highest indexed height and its hash, or ok=false
// when nothing has been indexed yet.
func (s *Store) LatestBlock() (uint32, chainhash.Hash, bool, error) {
	var height uint32
	var hash chainhash.Hash
	found := false
	err := s.db.ForEachReverse(storage.Prefix(storage.TableHeightToBlockHeader), func(key, value []byte) error {
		height = binary.BigEndian.Uint32(key[1:])
		var header wire.BlockHeader
		if err := header.Deserialize(bytes.NewReader(value)); err != nil {
			return err
		}
		hash = header.BlockHash()
		found = true
		return storage.ErrStop
	})
	return height, hash, found, err
}

// PruneBlockHeaders removes every header at or below the height.
func (s *Store) PruneBlockHeaders(height uint32) error {
	return s.pruneHeights(storage.TableHeightToBlockHeader, height)
}

func (s *Store) pruneHeights(t storage.Table, height uint32) error {
	var stale [][]byte
	err := s.db.ForEach(storage.Prefix(t), func(key, _ []byte) error {
		if binary.BigEndian.Uint32(key[1:]) > height {
			return storage.ErrStop
		}
		stale = append(stale, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := s.db.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// ── statistics ─────────────────────────────────────────────────────────

func (s *Store) StatisticCount(stat Statistic) (uint64, error) {
	v, err := s.get(u64Key(storage.TableStatisticToCount, uint64(stat)))
	if err != nil || v == nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(v), nil
}

func (s *Store) SetStatistic(stat Statistic, count uint64) error {
	return s.put(u64Key(storage.TableStatisticToCount, uint64(stat)), u64Value(count))
}

func (s *Store) IncrementStatistic(stat Statistic, n uint64) error {
	count, err := s.StatisticCount(stat)
	if err != nil {
		return err
	}
	return s.SetStatistic(stat, count+n)
}

// ── inscription tables ─────────────────────────────────────────────────

func inscriptionIDKey(id inscriptions.InscriptionID) []byte {
	return storage.Key(storage.TableInscriptionIDToSequence, id.Bytes())
}

func (s *Store) SequenceForInscriptionID(id inscriptions.InscriptionID) (uint32, bool, error) {
	v, err := s.get(inscriptionIDKey(id))
	if err != nil || v == nil {
		return 0, false, err
	}
	return binary.LittleEndian.Uint32(v), true, nil
}

func (s *Store) InsertInscriptionIDToSequence(id inscriptions.InscriptionID, seq uint32) error {
	return s.put(inscriptionIDKey(id), u32Value(seq))
}

func (s *Store) InscriptionEntry(seq uint32) (*InscriptionEntry, error) {
	v, err := s.get(u32Key(storage.TableSequenceToEntry, seq))
	if err != nil || v == nil {
		return nil, err
	}
	return decodeInscriptionEntry(v)
}

func (s *Store) InsertInscriptionEntry(seq uint32, entry *InscriptionEntry) error {
	return s.put(u32Key(storage.TableSequenceToEntry, seq), entry.encode())
}

// NextSequenceNumber is one past the highest assigned sequence number.
func (s *Store) NextSequenceNumber() (uint32, error) {
	var next uint32
	err := s.db.ForEachReverse(storage.Prefix(storage.TableSequenceToEntry), func(key, _ []byte) error {
		next = binary.BigEndian.Uint32(key[1:]) + 1
		return storage.ErrStop
	})
	return next, err
}

// inscriptionNumberKey orders negatives before positives so iteration is
// never needed; the table is point-lookup only.
func inscriptionNumberKey(number int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(number)^0x80000000)
	return storage.Key(storage.TableInscriptionNumToSequence, b[:])
}

func (s *Store) SequenceForInscriptionNumber(number int32) (uint32, bool, error) {
	v, err := s.get(inscriptionNumberKey(number))
	if err != nil || v == nil {
		return 0, false, err
	}
	return binary.LittleEndian.Uint32(v), true, nil
}

func (s *Store) InsertInscriptionNumberToSequence(number int32, seq uint32) error {
	return s.put(inscriptionNumberKey(number), u32Value(seq))
}

func (s *Store) SatPointForSequence(seq uint32) (ordinals.SatPoint, bool, error) {
	v, err := s.get(u32Key(storage.TableSequenceToSatPoint, seq))
	if err != nil || v == nil {
		return ordinals.SatPoint{}, false, err
	}
	sp, err := ordinals.SatPointFromBytes(v)
	if err != nil {
		return ordinals.SatPoint{}, false, err
	}
	return sp, true, nil
}

func (s *Store) InsertSequenceToSatPoint(seq uint32, sp ordinals.SatPoint) error {
	return s.put(u32Key(storage.TableSequenceToSatPoint, seq), sp.Bytes())
}

func (s *Store) RuneIDForSequence(seq uint32) (ordinals.RuneID, bool, error) {
	v, err := s.get(u32Key(storage.TableSequenceToRuneID, seq))
	if err != nil || v == nil {
		return ordinals.RuneID{}, false, err
	}
	id, err := ordinals.RuneIDFromBytes(v)
	if err != nil {
		return ordinals.RuneID{}, false, err
	}
	return id, true, nil
}

func (s *Store) InsertSequenceToRuneID(seq uint32, id ordinals.RuneID) error {
	return s.put(u32Key(storage.TableSequenceToRuneID, seq), id.Bytes())
}

func decodeSequenceList(v []byte) []uint32 {
	out := make([]uint32, 0, len(v)/4)
	for i := 0; i+4 <= len(v); i += 4 {
		out = append(out, binary.LittleEndian.Uint32(v[i:]))
	}
	return out
}

func encodeSequenceList(seqs []uint32) []byte {
	out := make([]byte, 0, len(seqs)*4)
	for _, seq := range seqs {
		out = binary.LittleEndian.AppendUint32(out, seq)
	}
	return out
}

func (s *Store) Children(seq uint32) ([]uint32, error) {
	v, err := s.get(u32Key(storage.TableSequenceToChildren, seq))
	if err != nil || v == nil {
		return nil, err
	}
	return decodeSequenceList(v), nil
}

// AppendChild records a child under its parent, keeping creation order and
// ignoring duplicates.
func (s *Store) AppendChild(parent, child uint32) error {
	children, err := s.Children(parent)
	if err != nil {
		return err
	}
	for _, existing := range children {
		if existing == child {
			return nil
		}
	}
	children = append(children, child)
	return s.put(u32Key(storage.TableSequenceToChildren, parent), encodeSequenceList(children))
}

func (s *Store) SequencesForSat(sat ordinals.Sat) ([]uint32, error) {
	v, err := s.get(u64Key(storage.TableSatToSequenceNumbers, sat.N()))
	if err != nil || v == nil {
		return nil, err
	}
	return decodeSequenceList(v), nil
}

func (s *Store) AppendSatToSequence(sat ordinals.Sat, seq uint32) error {
	seqs, err := s.SequencesForSat(sat)
	if err != nil {
		return err
	}
	for _, existing := range seqs {
		if existing == seq {
			return nil
		}
	}
	seqs = append(seqs, seq)
	return s.put(u64Key(storage.TableSatToSequenceNumbers, sat.N()), encodeSequenceList(seqs))
}

func (s *Store) InsertSatToSatPoint(sat ordinals.Sat, sp ordinals.SatPoint) error {
	return s.put(u64Key(storage.TableSatToSatPoint, sat.N()), sp.Bytes())
}

func (s *Store) LastSequenceNumber(height uint32) (uint32, bool, error) {
	v, err := s.get(u32Key(storage.TableHeightToLastSequence, height))
	if err != nil || v == nil {
		return 0, false, err
	}
	return binary.LittleEndian.Uint32(v), true, nil
}

func (s *Store) InsertHeightToLastSequence(height, seq uint32) error {
	return s.put(u32Key(storage.TableHeightToLastSequence, height), u32Value(seq))
}

// ── home inscriptions recency window ───────────────────────────────────

func (s *Store) InsertHomeInscription(seq uint32, id inscriptions.InscriptionID) error {
	return s.put(u32Key(storage.TableHomeInscriptions, seq), id.Bytes())
}

func (s *Store) HomeInscriptionCount() (uint64, error) {
	var count uint64
	err := s.db.ForEach(storage.Prefix(storage.TableHomeInscriptions), func(_, _ []byte) error {
		count++
		return nil
	})
	return count, err
}

// PopFirstHomeInscription evicts the oldest entry of the recency window.
func (s *Store) PopFirstHomeInscription() error {
	var key []byte
	err := s.db.ForEach(storage.Prefix(storage.TableHomeInscriptions), func(k, _ []byte) error {
		key = append([]byte(nil), k...)
		return storage.ErrStop
	})
	if err != nil || key == nil {
		return err
	}
	return s.db.Delete(key)
}

// ── utxo table ─────────────────────────────────────────────────────────

func outpointKey(t storage.Table, op wire.OutPoint) []byte {
	return storage.Key(t, ordinals.OutPointBytes(op))
}

func (s *Store) UtxoEntry(op wire.OutPoint) ([]byte, error) {
	return s.get(outpointKey(storage.TableOutpointToUtxoEntry, op))
}

func (s *Store) InsertUtxoEntry(op wire.OutPoint, entry []byte) error {
	return s.put(outpointKey(storage.TableOutpointToUtxoEntry, op), entry)
}

// RemoveUtxoEntry reads and deletes in one step; spending is consume.
func (s *Store) RemoveUtxoEntry(op wire.OutPoint) ([]byte, error) {
	v, err := s.get(outpointKey(storage.TableOutpointToUtxoEntry, op))
	if err != nil || v == nil {
		return nil, err
	}
	return v, s.db.Delete(outpointKey(storage.TableOutpointToUtxoEntry, op))
}

// ── script index ───────────────────────────────────────────────────────

func scriptKey(script []byte) []byte {
	return storage.Key(storage.TableScriptPubKeyToOutpoints, script)
}

func (s *Store) OutpointsForScript(script []byte) ([]wire.OutPoint, error) {
	v, err := s.get(scriptKey(script))
	if err != nil || v == nil {
		return nil, err
	}
	var out []wire.OutPoint
	for i := 0; i+36 <= len(v); i += 36 {
		op, err := ordinals.OutPointFromBytes(v[i : i+36])
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (s *Store) InsertScriptOutpoint(script []byte, op wire.OutPoint) error {
	existing, err := s.OutpointsForScript(script)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e == op {
			return nil
		}
	}
	var buf []byte
	for _, e := range existing {
		buf = append(buf, ordinals.OutPointBytes(e)...)
	}
	buf = append(buf, ordinals.OutPointBytes(op)...)
	return s.put(scriptKey(script), buf)
}

func (s *Store) RemoveScriptOutpoint(script []byte, op wire.OutPoint) (bool, error) {
	existing, err := s.OutpointsForScript(script)
	if err != nil {
		return false, err
	}
	var buf []byte
	found := false
	for _, e := range existing {
		if e == op {
			found = true
			continue
		}
		buf = append(buf, ordinals.OutPointBytes(e)...)
	}
	if !found {
		return false, nil
	}
	if len(buf) == 0 {
		return true, s.db.Delete(scriptKey(script))
	}
	return true, s.put(scriptKey(script), buf)
}

// ── rune tables ────────────────────────────────────────────────────────

func runeIDKey(id ordinals.RuneID) []byte {
	return storage.Key(storage.TableRuneIDToRuneEntry, id.Bytes())
}

func (s *Store) RuneEntry(id ordinals.RuneID) (*RuneEntry, error) {
	v, err := s.get(runeIDKey(id))
	if err != nil || v == nil {
		return nil, err
	}
	return decodeRuneEntry(v)
}

func (s *Store) InsertRuneEntry(id ordinals.RuneID, entry *RuneEntry) error {
	return s.put(runeIDKey(id), entry.encode())
}

func (s *Store) RemoveRuneEntry(id ordinals.RuneID) error {
	return s.db.Delete(runeIDKey(id))
}

func runeKey(r ordinals.Rune) []byte {
	be := r.Value.Bytes32()
	return storage.Key(storage.TableRuneToRuneID, be[16:])
}

func (s *Store) RuneIDForRune(r ordinals.Rune) (ordinals.RuneID, bool, error) {
	v, err := s.get(runeKey(r))
	if err != nil || v == nil {
		return ordinals.RuneID{}, false, err
	}
	id, err := ordinals.RuneIDFromBytes(v)
	if err != nil {
		return ordinals.RuneID{}, false, err
	}
	return id, true, nil
}

func (s *Store) InsertRuneToRuneID(r ordinals.Rune, id ordinals.RuneID) error {
	return s.put(runeKey(r), id.Bytes())
}

func (s *Store) RemoveRuneToRuneID(r ordinals.Rune) error {
	return s.db.Delete(runeKey(r))
}

func txidRuneKey(txid chainhash.Hash) []byte {
	return storage.Key(storage.TableTransactionIDToRune, txid[:])
}

func (s *Store) RuneForTxid(txid chainhash.Hash) (ordinals.Rune, bool, error) {
	v, err := s.get(txidRuneKey(txid))
	if err != nil || v == nil {
		return ordinals.Rune{}, false, err
	}
	var value uint256.Int
	value.SetBytes(v)
	return ordinals.RuneFromValue(&value), true, nil
}

func (s *Store) InsertTxidToRune(txid chainhash.Hash, r ordinals.Rune) error {
	be := r.Value.Bytes32()
	return s.put(txidRuneKey(txid), be[16:])
}

func (s *Store) RemoveTxidToRune(txid chainhash.Hash) error {
	return s.db.Delete(txidRuneKey(txid))
}

func (s *Store) RuneBalances(op wire.OutPoint) ([]RuneBalance, error) {
	v, err := s.get(outpointKey(storage.TableOutpointToRuneBalances, op))
	if err != nil || v == nil {
		return nil, err
	}
	return decodeRuneBalances(v)
}

func (s *Store) InsertRuneBalances(op wire.OutPoint, balances []RuneBalance) error {
	return s.put(outpointKey(storage.TableOutpointToRuneBalances, op), encodeRuneBalances(balances))
}

func (s *Store) RemoveRuneBalances(op wire.OutPoint) ([]RuneBalance, error) {
	v, err := s.get(outpointKey(storage.TableOutpointToRuneBalances, op))
	if err != nil || v == nil {
		return nil, err
	}
	balances, err := decodeRuneBalances(v)
	if err != nil {
		return nil, err
	}
	return balances, s.db.Delete(outpointKey(storage.TableOutpointToRuneBalances, op))
}

func (s *Store) OutpointHeight(op wire.OutPoint) (uint32, bool, error) {
	v, err := s.get(outpointKey(storage.TableOutpointToHeight, op))
	if err != nil || v == nil {
		return 0, false, err
	}
	return binary.LittleEndian.Uint32(v), true, nil
}

func (s *Store) InsertOutpointHeight(op wire.OutPoint, height uint32) error {
	return s.put(outpointKey(storage.TableOutpointToHeight, op), u32Value(height))
}

func (s *Store) RemoveOutpointHeight(op wire.OutPoint) error {
	return s.db.Delete(outpointKey(storage.TableOutpointToHeight, op))
}

// ── rune change journal and per-height statistics ──────────────────────

func (s *Store) ChangeRecord(height uint32) (*ChangeRecordRune, error) {
	v, err := s.get(u32Key(storage.TableHeightToChangeRecordRune, height))
	if err != nil || v == nil {
		return nil, err
	}
	return decodeChangeRecordRune(v)
}

func (s *Store) InsertChangeRecord(height uint32, record *ChangeRecordRune) error {
	return s.put(u32Key(storage.TableHeightToChangeRecordRune, height), record.encode())
}

func (s *Store) RemoveChangeRecord(height uint32) error {
	return s.db.Delete(u32Key(storage.TableHeightToChangeRecordRune, height))
}

func (s *Store) PruneChangeRecords(height uint32) error {
	return s.pruneHeights(storage.TableHeightToChangeRecordRune, height)
}

func (s *Store) heightStatistic(t storage.Table) (uint64, error) {
	var latest uint64
	err := s.db.ForEachReverse(storage.Prefix(t), func(_, value []byte) error {
		latest = binary.LittleEndian.Uint64(value)
		return storage.ErrStop
	})
	return latest, err
}

func (s *Store) StatisticRunes() (uint64, error) {
	return s.heightStatistic(storage.TableHeightToStatisticRunes)
}

func (s *Store) InsertStatisticRunes(height uint32, count uint64) error {
	return s.put(u32Key(storage.TableHeightToStatisticRunes, height), u64Value(count))
}

func (s *Store) RemoveStatisticRunes(height uint32) error {
	return s.db.Delete(u32Key(storage.TableHeightToStatisticRunes, height))
}

func (s *Store) PruneStatisticRunes(height uint32) error {
	return s.pruneHeights(storage.TableHeightToStatisticRunes, height)
}

func (s *Store) StatisticReservedRunes() (uint64, error) {
	return s.heightStatistic(storage.TableHeightToStatisticReserve)
}

func (s *Store) InsertStatisticReservedRunes(height uint32, count uint64) error {
	return s.put(u32Key(storage.TableHeightToStatisticReserve, height), u64Value(count))
}

func (s *Store) RemoveStatisticReservedRunes(height uint32) error {
	return s.db.Delete(u32Key(storage.TableHeightToStatisticReserve, height))
}

func (s *Store) PruneStatisticReservedRunes(height uint32) error {
	return s.pruneHeights(storage.TableHeightToStatisticReserve, height)
}

// ── raw transactions (index_transactions switch) ───────────────────────

func (s *Store) InsertTransaction(txid chainhash.Hash, raw []byte) error {
	return s.put(storage.Key(storage.TableTransactionIDToTx, txid[:]), raw)
}

func (s *Store) Transaction(txid chainhash.Hash) (*wire.MsgTx, error) {
	v, err := s.get(storage.Key(storage.TableTransactionIDToTx, txid[:]))
	if err != nil || v == nil {
		return nil, err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(v)); err != nil {
		return nil, fmt.Errorf("decode stored tx %s: %w", txid, err)
	}
	return &tx, nil
}
