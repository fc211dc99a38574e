package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const defaultPollInterval = 10 * time.Second

// chainSource is the subset of the node RPC the watcher polls.
// *rpcclient.Client satisfies it.
type chainSource interface {
	GetBestBlockHash() (*chainhash.Hash, error)
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetBlock(blockHash *chainhash.Hash) (*wire.MsgBlock, error)
	GetBlockHeaderVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
	GetRawMempool() ([]*chainhash.Hash, error)
	GetRawTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error)
}

// chainWatcher keeps the vault in step with a peer node: new tips become
// merkle block records, and transactions paying to account addresses
// become vault transactions.
type chainWatcher struct {
	chain    chainSource
	vault    *vault
	registry *channelRegistry
	params   *chaincfg.Params
	interval time.Duration
	logger   *slog.Logger

	// tip and height describe the last processed block; height is -1
	// until the first one.
	tip     string
	height  int32
	mempool map[string]struct{}
}

func newChainWatcher(chain chainSource, v *vault, registry *channelRegistry, params *chaincfg.Params, logger *slog.Logger) *chainWatcher {
	return &chainWatcher{
		chain:    chain,
		vault:    v,
		registry: registry,
		params:   params,
		height:   -1,
		interval: defaultPollInterval,
		logger:   logger,
		mempool:  make(map[string]struct{}),
	}
}

func dialPeer(host, port, user, pass string) (*rpcclient.Client, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host + ":" + port,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to peer %s:%s: %w", host, port, err)
	}
	return client, nil
}

func (w *chainWatcher) run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.poll(ctx); err != nil {
			w.logger.Warn("chain poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *chainWatcher) poll(ctx context.Context) error {
	if err := w.registerAccounts(ctx); err != nil {
		return err
	}
	addresses, err := w.vault.watchedAddresses(ctx)
	if err != nil {
		return fmt.Errorf("load addresses: %w", err)
	}
	if len(addresses) > 0 {
		if err := w.scanMempool(ctx, addresses); err != nil {
			return err
		}
	}

	tip, err := w.chain.GetBestBlockHash()
	if err != nil {
		return fmt.Errorf("best block hash: %w", err)
	}
	if tip.String() == w.tip {
		return nil
	}
	header, err := w.chain.GetBlockHeaderVerbose(tip)
	if err != nil {
		return fmt.Errorf("get block header %s: %w", tip, err)
	}

	// Catch up on every block mined since the last poll. The first poll,
	// and a tip that is not above the last processed height, only
	// process the tip itself.
	start := w.height + 1
	if w.height < 0 || start > header.Height {
		start = header.Height
	}
	for height := start; height < header.Height; height++ {
		hash, err := w.chain.GetBlockHash(int64(height))
		if err != nil {
			return fmt.Errorf("block hash at %d: %w", height, err)
		}
		if err := w.processBlock(ctx, hash, height, addresses); err != nil {
			return err
		}
	}
	return w.processBlock(ctx, tip, header.Height, addresses)
}

// registerAccounts adds a channel for every vault account, so accounts
// created while the server runs can be subscribed to.
func (w *chainWatcher) registerAccounts(ctx context.Context) error {
	if w.registry == nil {
		return nil
	}
	accounts, err := w.vault.accounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	for _, account := range accounts {
		if w.registry.addChannel(accountChannel(account.ID)) {
			w.logger.Info("account channel registered", "account", account.Name, "channel", accountChannel(account.ID))
		}
	}
	return nil
}

// processBlock records one block and its wallet transactions, then
// advances the watcher's tip to it.
func (w *chainWatcher) processBlock(ctx context.Context, hash *chainhash.Hash, height int32, addresses map[string]int64) error {
	block, err := w.chain.GetBlock(hash)
	if err != nil {
		return fmt.Errorf("get block %s: %w", hash, err)
	}

	w.logger.Info("new block", "hash", hash.String(), "height", height, "txs", len(block.Transactions))
	if _, err := w.vault.insertMerkleBlock(ctx, merkleBlockPayload{
		Hash:      hash.String(),
		PrevHash:  block.Header.PrevBlock.String(),
		Height:    height,
		Timestamp: block.Header.Timestamp.Unix(),
		TxCount:   len(block.Transactions),
	}); err != nil {
		return fmt.Errorf("record block %s: %w", hash, err)
	}

	pending, err := w.vault.unconfirmedTxs(ctx)
	if err != nil {
		return fmt.Errorf("load unconfirmed: %w", err)
	}
	for _, tx := range block.Transactions {
		txHash := tx.TxHash().String()
		delete(w.mempool, txHash)
		if _, ok := pending[txHash]; ok {
			if _, err := w.vault.setTxStatus(ctx, txHash, txStatusConfirmed, hash.String(), height); err != nil {
				return fmt.Errorf("confirm %s: %w", txHash, err)
			}
			continue
		}
		accountID, amount, ok := w.match(tx, addresses)
		if !ok {
			continue
		}
		if _, err := w.vault.insertTx(ctx, txPayload{
			Hash:      txHash,
			AccountID: accountID,
			Amount:    amount,
			Status:    txStatusConfirmed,
			BlockHash: hash.String(),
			Height:    height,
		}); err != nil {
			return fmt.Errorf("insert %s: %w", txHash, err)
		}
	}
	w.tip = hash.String()
	w.height = height
	return nil
}

func (w *chainWatcher) scanMempool(ctx context.Context, addresses map[string]int64) error {
	hashes, err := w.chain.GetRawMempool()
	if err != nil {
		return fmt.Errorf("raw mempool: %w", err)
	}

	current := make(map[string]struct{}, len(hashes))
	for _, hash := range hashes {
		key := hash.String()
		if _, seen := w.mempool[key]; seen {
			current[key] = struct{}{}
			continue
		}
		// A failed fetch stays out of the seen set and is retried next poll.
		tx, err := w.chain.GetRawTransaction(hash)
		if err != nil {
			w.logger.Debug("mempool tx unavailable", "hash", key, "error", err)
			continue
		}
		current[key] = struct{}{}
		accountID, amount, ok := w.match(tx.MsgTx(), addresses)
		if !ok {
			continue
		}
		if _, err := w.vault.insertTx(ctx, txPayload{
			Hash:      key,
			AccountID: accountID,
			Amount:    amount,
			Status:    txStatusUnconfirmed,
		}); err != nil {
			return fmt.Errorf("insert %s: %w", key, err)
		}
	}
	w.mempool = current
	return nil
}

// match sums the outputs of tx paying to the first account found among
// its output addresses.
func (w *chainWatcher) match(tx *wire.MsgTx, addresses map[string]int64) (int64, int64, bool) {
	var accountID, amount int64
	for _, out := range tx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, w.params)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			id, ok := addresses[addr.EncodeAddress()]
			if !ok || (accountID != 0 && id != accountID) {
				continue
			}
			accountID = id
			amount += out.Value
			break
		}
	}
	return accountID, amount, accountID != 0
}
