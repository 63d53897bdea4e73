// Package notifier fans block-commit notifications out to the configured
// subscribers. Deliveries are fire-and-forget: failures are logged and
// never block or fail a commit.
package notifier

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/cypherbabel/bito-indexer/internal/log"
)

// NewBlockNotification is the payload POSTed to each subscriber.
type NewBlockNotification struct {
	Height    uint32   `json:"height"`
	BlockHash string   `json:"block_hash"`
	TxIDs     []string `json:"tx_ids"`
}

// Notifier holds the subscriber endpoints.
type Notifier struct {
	subscribers []string
	client      *http.Client
}

// New builds a notifier over subscriber URLs.
func New(subscribers []string) *Notifier {
	return &Notifier{
		subscribers: subscribers,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Subscribers returns the configured endpoints.
func (n *Notifier) Subscribers() []string {
	return append([]string(nil), n.subscribers...)
}

// NotifyNewBlock posts the commit of one block to every subscriber. Each
// delivery carries a uuid for log correlation on both sides.
func (n *Notifier) NotifyNewBlock(height uint32, hash chainhash.Hash, txids []chainhash.Hash) {
	ids := make([]string, len(txids))
	for i, txid := range txids {
		ids[i] = txid.String()
	}
	payload, err := json.Marshal(NewBlockNotification{
		Height:    height,
		BlockHash: hash.String(),
		TxIDs:     ids,
	})
	if err != nil {
		log.Notifier.Error().Err(err).Msg("marshal notification")
		return
	}

	for _, subscriber := range n.subscribers {
		deliveryID := uuid.NewString()
		req, err := http.NewRequest(http.MethodPost, subscriber, bytes.NewReader(payload))
		if err != nil {
			log.Notifier.Warn().Err(err).Str("subscriber", subscriber).Msg("build notification request")
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", deliveryID)

		resp, err := n.client.Do(req)
		if err != nil {
			log.Notifier.Warn().Err(err).Str("subscriber", subscriber).Str("delivery", deliveryID).Msg("notify failed")
			continue
		}
		resp.Body.Close()
		log.Notifier.Info().
			Str("subscriber", subscriber).
			Str("delivery", deliveryID).
			Uint32("height", height).
			Int("status", resp.StatusCode).
			Msg("notified subscriber")
	}
}
