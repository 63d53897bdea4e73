package main

import (
	"os"

	"github.com/cypherbabel/bito-indexer/internal/log"
	"github.com/cypherbabel/bito-indexer/internal/proxy"
)

func main() {
	log.Init(getEnvOrDefault("LOG_LEVEL", "info"), os.Getenv("LOG_JSON") == "true")

	forward := requireEnv("PROXY_FORWARD")
	credentials := os.Getenv("PROXY_USER") // "user:pass", optional
	listen := getEnvOrDefault("PROXY_LISTEN", ":8332")

	server, err := proxy.New(forward, credentials)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("build proxy")
	}

	log.Proxy.Info().Str("listen", listen).Str("forward", forward).Msg("rpc proxy listening")
	if err := server.Router().Run(listen); err != nil {
		log.Logger.Fatal().Err(err).Msg("start proxy")
	}
}

func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Logger.Fatal().Str("var", key).Msg("required environment variable is not set")
	}
	return val
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
