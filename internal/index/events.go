package index

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/uint256"

	"github.com/cypherbabel/bito-indexer/internal/inscriptions"
	"github.com/cypherbabel/bito-indexer/pkg/ordinals"
)

// EventKind tags the typed events assembled while indexing a block.
type EventKind string

const (
	EventInscriptionCreated     EventKind = "inscription_created"
	EventInscriptionTransferred EventKind = "inscription_transferred"
	EventRuneEtched             EventKind = "rune_etched"
	EventRuneMinted             EventKind = "rune_minted"
	EventRuneBurned             EventKind = "rune_burned"
	EventRuneTransferred        EventKind = "rune_transferred"
)

// Event is one protocol-level side effect of a committed block, published
// to stream subscribers after the commit.
type Event struct {
	Kind        EventKind
	BlockHeight uint32

	// Inscription events.
	InscriptionID  *inscriptions.InscriptionID
	SequenceNumber uint32
	Charms         uint16
	OldLocation    *ordinals.SatPoint
	NewLocation    *ordinals.SatPoint

	// Rune events.
	RuneID   *ordinals.RuneID
	Txid     *chainhash.Hash
	Amount   *uint256.Int
	OutPoint *wire.OutPoint
}
