package storage

// Table identifies one of the persisted index tables. The numeric values
// are stable memory ids: they prefix every key and must never be reused
// for a different table. Adding a table means picking a new unused id.
type Table byte

const (
	TableConfig                   Table = 0
	TableHeightToBlockHeader      Table = 1
	TableStatisticToCount         Table = 2
	TableInscriptionIDToSequence  Table = 3
	TableSequenceToEntry          Table = 4
	TableInscriptionNumToSequence Table = 5
	TableSequenceToSatPoint       Table = 6
	TableSequenceToRuneID         Table = 7
	TableSequenceToChildren       Table = 8
	TableSatToSequenceNumbers     Table = 9
	TableSatToSatPoint            Table = 10
	TableHeightToLastSequence     Table = 11
	TableHomeInscriptions         Table = 12
	TableOutpointToUtxoEntry      Table = 13
	TableScriptPubKeyToOutpoints  Table = 14
	TableRuneIDToRuneEntry        Table = 15
	TableRuneToRuneID             Table = 16
	TableTransactionIDToRune      Table = 17
	TableOutpointToRuneBalances   Table = 18
	TableOutpointToHeight         Table = 19
	TableHeightToChangeRecordRune Table = 20
	TableHeightToStatisticRunes   Table = 21
	TableHeightToStatisticReserve Table = 22
	TableTransactionIDToTx        Table = 23
)

// Key prepends the table id to a raw key.
func Key(t Table, k []byte) []byte {
	out := make([]byte, 0, 1+len(k))
	out = append(out, byte(t))
	return append(out, k...)
}

// Prefix returns the one-byte iteration prefix for a table.
func Prefix(t Table) []byte {
	return []byte{byte(t)}
}
