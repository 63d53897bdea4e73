// Package chain carries the per-network parameters the index depends on:
// protocol activation heights and address encoding.
package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Network selects the Bitcoin network being indexed.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// ParseNetwork parses a network name.
func ParseNetwork(s string) (Network, error) {
	switch Network(s) {
	case Mainnet, Testnet, Regtest:
		return Network(s), nil
	default:
		return "", fmt.Errorf("unknown network %q", s)
	}
}

// Params returns the btcd chain parameters for the network.
func (n Network) Params() *chaincfg.Params {
	switch n {
	case Testnet:
		return &chaincfg.TestNet3Params
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// FirstInscriptionHeight is the height of the first inscription on the
// network; blocks below it carry none and are skipped when only the
// inscription index is enabled.
func (n Network) FirstInscriptionHeight() uint32 {
	switch n {
	case Mainnet:
		return 767430
	case Testnet:
		return 2413343
	default:
		return 0
	}
}

// FirstRuneHeight is the activation height of the runes protocol.
func (n Network) FirstRuneHeight() uint32 {
	switch n {
	case Mainnet:
		return 840000
	case Testnet:
		return 2520000
	default:
		return 0
	}
}

// JubileeHeight is the height at or after which every new inscription is
// blessed regardless of curse conditions.
func (n Network) JubileeHeight() uint32 {
	switch n {
	case Mainnet:
		return 824544
	case Testnet:
		return 2544192
	default:
		return 110
	}
}

// AddressFromScript decodes the address paying a scriptPubKey, or "" when
// the script has no address form.
func (n Network) AddressFromScript(script []byte) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, n.Params())
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}

// DecodeAddress parses an address string against the network parameters.
func (n Network) DecodeAddress(s string) (btcutil.Address, error) {
	return btcutil.DecodeAddress(s, n.Params())
}
