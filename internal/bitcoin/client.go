// Package bitcoin wraps the Bitcoin Core JSON-RPC client as the block
// source consumed by the indexer.
package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/cypherbabel/bito-indexer/internal/index"
	"github.com/cypherbabel/bito-indexer/internal/log"
)

type Client struct {
	RPC    *rpcclient.Client
	Config Config
}

type Config struct {
	Host string
	User string
	Pass string
}

// NewClient connects to the node and verifies the connection with a block
// count probe.
func NewClient(cfg Config) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true,
	}

	log.RPC.Info().Str("host", cfg.Host).Msg("connecting to Bitcoin RPC")
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	blockCount, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	log.RPC.Info().Int64("height", blockCount).Msg("connected to Bitcoin node")

	return &Client{RPC: client, Config: cfg}, nil
}

func (c *Client) Shutdown() {
	c.RPC.Shutdown()
}

// GetBlockHash returns (nil, nil) when the height is beyond the node's tip.
func (c *Client) GetBlockHash(_ context.Context, height uint32) (*chainhash.Hash, error) {
	hash, err := c.RPC.GetBlockHash(int64(height))
	if err != nil {
		if strings.Contains(err.Error(), "out of range") {
			return nil, nil
		}
		return nil, err
	}
	return hash, nil
}

// GetBlock fetches the full wire block.
func (c *Client) GetBlock(_ context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	return c.RPC.GetBlock(hash)
}

// GetRawTransaction fetches a transaction with its confirmation count.
func (c *Client) GetRawTransaction(_ context.Context, txid *chainhash.Hash) (*index.TxInfo, error) {
	verbose, err := c.RPC.GetRawTransactionVerbose(txid)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(verbose.Hex)
	if err != nil {
		return nil, fmt.Errorf("decode raw tx %s: %w", txid, err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize raw tx %s: %w", txid, err)
	}
	return &index.TxInfo{
		Tx:            &tx,
		Confirmations: uint32(verbose.Confirmations),
	}, nil
}

var _ index.BlockSource = (*Client)(nil)
