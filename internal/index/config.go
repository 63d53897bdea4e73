package index

import (
	"fmt"

	"github.com/cypherbabel/bito-indexer/internal/chain"
)

// Config is the persisted configuration cell. The five index switches are
// fixed for the lifetime of a store; only the RPC endpoint and subscriber
// list may change across restarts.
type Config struct {
	Network       chain.Network `json:"network"`
	BitcoinRPCURL string        `json:"bitcoin_rpc_url"`
	Subscribers   []string      `json:"subscribers"`

	IndexAddresses    bool `json:"index_addresses"`
	IndexSats         bool `json:"index_sats"`
	IndexRunes        bool `json:"index_runes"`
	IndexInscriptions bool `json:"index_inscriptions"`
	IndexTransactions bool `json:"index_transactions"`

	// IntegrationTest collapses the first inscription and rune heights to
	// zero so regtest suites index from the genesis block.
	IntegrationTest bool `json:"integration_test,omitempty"`
}

// VerifyIndexSwitches rejects an attempt to flip an index switch against a
// populated store. requested holds only the switches the operator set
// explicitly, keyed by their config names; switches left unset are free to
// keep their stored values.
func VerifyIndexSwitches(existing *Config, requested map[string]bool) error {
	current := map[string]bool{
		"index_addresses":    existing.IndexAddresses,
		"index_sats":         existing.IndexSats,
		"index_runes":        existing.IndexRunes,
		"index_inscriptions": existing.IndexInscriptions,
		"index_transactions": existing.IndexTransactions,
	}
	for name, want := range requested {
		have, ok := current[name]
		if !ok {
			return fmt.Errorf("unknown index switch %q", name)
		}
		if have != want {
			return fmt.Errorf("index switch %s is fixed for the lifetime of the store (stored %v, requested %v)", name, have, want)
		}
	}
	return nil
}

// UpgradeConfig is the restart-time override payload. Only the RPC
// endpoint and the subscriber list may be replaced.
type UpgradeConfig struct {
	BitcoinRPCURL *string
	Subscribers   *[]string
}

// LoadConfig implements the install/upgrade contract against the config
// cell: a fresh store requires an init config, a populated store accepts
// only an upgrade payload, and mixing the two is a hard error.
func LoadConfig(store *Store, init *Config, upgrade *UpgradeConfig) (*Config, error) {
	existing, err := store.GetConfig()
	if err != nil {
		return nil, err
	}
	if existing == nil {
		if init == nil {
			return nil, fmt.Errorf("fresh store requires an init config")
		}
		if upgrade != nil {
			return nil, fmt.Errorf("cannot initialize with an upgrade payload")
		}
		if err := store.SetConfig(init); err != nil {
			return nil, err
		}
		return init, nil
	}
	if init != nil {
		return nil, fmt.Errorf("cannot apply an init config to a populated store")
	}
	if upgrade != nil {
		if upgrade.BitcoinRPCURL != nil {
			existing.BitcoinRPCURL = *upgrade.BitcoinRPCURL
		}
		if upgrade.Subscribers != nil {
			existing.Subscribers = *upgrade.Subscribers
		}
		if err := store.SetConfig(existing); err != nil {
			return nil, err
		}
	}
	return existing, nil
}
