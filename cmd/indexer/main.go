package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/cypherbabel/bito-indexer/internal/api"
	"github.com/cypherbabel/bito-indexer/internal/bitcoin"
	"github.com/cypherbabel/bito-indexer/internal/chain"
	"github.com/cypherbabel/bito-indexer/internal/index"
	"github.com/cypherbabel/bito-indexer/internal/log"
	"github.com/cypherbabel/bito-indexer/internal/notifier"
	"github.com/cypherbabel/bito-indexer/internal/storage"
)

func main() {
	log.Init(getEnvOrDefault("LOG_LEVEL", "info"), os.Getenv("LOG_JSON") == "true")
	log.Logger.Info().Msg("starting bito-indexer")

	// ─── Required Environment Variables ─────────────────────────────────
	// Credentials MUST come from environment variables; there are no
	// fallback defaults for security-sensitive values.
	// ────────────────────────────────────────────────────────────────────

	dbPath := getEnvOrDefault("DB_PATH", "./data/index")
	db, err := storage.NewBadger(dbPath)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	store := index.NewStore(db)

	initCfg := initConfigFromEnv(store)
	var upgradeCfg *index.UpgradeConfig
	if initCfg == nil {
		upgradeCfg = upgradeConfigFromEnv()
	}
	cfg, err := index.LoadConfig(store, initCfg, upgradeCfg)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("load config")
	}
	if initCfg == nil {
		// The five index switches are fixed once the store is populated;
		// flipping one via the environment is a hard startup error.
		if err := index.VerifyIndexSwitches(cfg, indexSwitchesFromEnv()); err != nil {
			log.Logger.Fatal().Err(err).Msg("refusing to start with changed index switches")
		}
	}

	btcUser := requireEnv("BTC_RPC_USER")
	btcPass := requireEnv("BTC_RPC_PASS")
	btcClient, err := bitcoin.NewClient(bitcoin.Config{
		Host: cfg.BitcoinRPCURL,
		User: btcUser,
		Pass: btcPass,
	})
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("connect to Bitcoin RPC")
	}
	defer btcClient.Shutdown()

	idx := index.New(store, btcClient, cfg)

	wsHub := api.NewHub()
	go wsHub.Run()
	idx.OnEvents(api.BroadcastEvents(wsHub))

	n := notifier.New(cfg.Subscribers)
	idx.OnBlock(n.NotifyNewBlock)

	interval := 10 * time.Second
	if raw := os.Getenv("POLL_INTERVAL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			interval = parsed
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startLoop := func() {
		go idx.Run(ctx, interval)
	}
	startLoop()

	r := api.SetupRouter(idx, wsHub, n, startLoop)
	port := getEnvOrDefault("PORT", "5339")
	log.Logger.Info().Str("port", port).Msg("API listening")
	if err := r.Run(":" + port); err != nil {
		log.Logger.Fatal().Err(err).Msg("start API server")
	}
}

// initConfigFromEnv assembles the install-time config, returned only when
// the store is fresh.
func initConfigFromEnv(store *index.Store) *index.Config {
	existing, err := store.GetConfig()
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("read config cell")
	}
	if existing != nil {
		return nil
	}

	network, err := chain.ParseNetwork(getEnvOrDefault("NETWORK", "mainnet"))
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("parse NETWORK")
	}
	return &index.Config{
		Network:           network,
		BitcoinRPCURL:     getEnvOrDefault("BTC_RPC_HOST", "localhost:8332"),
		Subscribers:       splitList(os.Getenv("SUBSCRIBERS")),
		IndexAddresses:    os.Getenv("INDEX_ADDRESSES") == "true",
		IndexSats:         os.Getenv("INDEX_SATS") == "true",
		IndexRunes:        getEnvOrDefault("INDEX_RUNES", "true") == "true",
		IndexInscriptions: getEnvOrDefault("INDEX_INSCRIPTIONS", "true") == "true",
		IndexTransactions: os.Getenv("INDEX_TRANSACTIONS") == "true",
		IntegrationTest:   os.Getenv("INTEGRATION_TEST") == "true",
	}
}

// indexSwitchesFromEnv collects the INDEX_* variables the operator set
// explicitly, for verification against the stored switches on restart.
func indexSwitchesFromEnv() map[string]bool {
	vars := map[string]string{
		"index_addresses":    "INDEX_ADDRESSES",
		"index_sats":         "INDEX_SATS",
		"index_runes":        "INDEX_RUNES",
		"index_inscriptions": "INDEX_INSCRIPTIONS",
		"index_transactions": "INDEX_TRANSACTIONS",
	}
	requested := make(map[string]bool)
	for name, key := range vars {
		if raw, ok := os.LookupEnv(key); ok {
			requested[name] = raw == "true"
		}
	}
	return requested
}

// upgradeConfigFromEnv collects the restart-time overrides. Only the RPC
// endpoint and the subscriber list may change against a populated store.
func upgradeConfigFromEnv() *index.UpgradeConfig {
	var upgrade index.UpgradeConfig
	touched := false
	if host := os.Getenv("BTC_RPC_HOST"); host != "" {
		upgrade.BitcoinRPCURL = &host
		touched = true
	}
	if raw, ok := os.LookupEnv("SUBSCRIBERS"); ok {
		subscribers := splitList(raw)
		upgrade.Subscribers = &subscribers
		touched = true
	}
	if !touched {
		return nil
	}
	return &upgrade
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// requireEnv reads a required environment variable and exits if unset.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Logger.Fatal().Str("var", key).Msg("required environment variable is not set")
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
