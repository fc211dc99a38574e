package main

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// fakeChain is an in-memory node: a linear chain plus a mempool.
type fakeChain struct {
	mu      sync.Mutex
	blocks  []*wire.MsgBlock
	mempool []*wire.MsgTx

	// fetchFailures makes GetRawTransaction fail this many more times
	// for the given hash.
	fetchFailures map[chainhash.Hash]int
}

func (c *fakeChain) mine(t *testing.T, txs ...*wire.MsgTx) *wire.MsgBlock {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var prev chainhash.Hash
	if n := len(c.blocks); n > 0 {
		prev = c.blocks[n-1].BlockHash()
	}
	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Timestamp: time.Unix(1700000000+int64(len(c.blocks))*600, 0),
			Nonce:     uint32(len(c.blocks)),
		},
		Transactions: txs,
	}
	c.blocks = append(c.blocks, block)

	mined := make(map[chainhash.Hash]bool, len(txs))
	for _, tx := range txs {
		mined[tx.TxHash()] = true
	}
	c.mempool = slices.DeleteFunc(c.mempool, func(tx *wire.MsgTx) bool { return mined[tx.TxHash()] })
	return block
}

func (c *fakeChain) broadcast(tx *wire.MsgTx) {
	c.mu.Lock()
	c.mempool = append(c.mempool, tx)
	c.mu.Unlock()
}

func (c *fakeChain) find(hash *chainhash.Hash) (*wire.MsgBlock, int32, error) {
	for height, block := range c.blocks {
		if block.BlockHash() == *hash {
			return block, int32(height), nil
		}
	}
	return nil, 0, fmt.Errorf("block %s not found", hash)
}

func (c *fakeChain) GetBestBlockHash() (*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := c.blocks[len(c.blocks)-1].BlockHash()
	return &hash, nil
}

func (c *fakeChain) GetBlockHash(height int64) (*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height < 0 || height >= int64(len(c.blocks)) {
		return nil, fmt.Errorf("no block at height %d", height)
	}
	hash := c.blocks[height].BlockHash()
	return &hash, nil
}

func (c *fakeChain) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block, _, err := c.find(hash)
	return block, err
}

func (c *fakeChain) GetBlockHeaderVerbose(hash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block, height, err := c.find(hash)
	if err != nil {
		return nil, err
	}
	return &btcjson.GetBlockHeaderVerboseResult{
		Hash:         hash.String(),
		Height:       height,
		PreviousHash: block.Header.PrevBlock.String(),
		Time:         block.Header.Timestamp.Unix(),
	}, nil
}

func (c *fakeChain) GetRawMempool() ([]*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hashes := make([]*chainhash.Hash, 0, len(c.mempool))
	for _, tx := range c.mempool {
		hash := tx.TxHash()
		hashes = append(hashes, &hash)
	}
	return hashes, nil
}

func (c *fakeChain) GetRawTransaction(hash *chainhash.Hash) (*btcutil.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchFailures[*hash] > 0 {
		c.fetchFailures[*hash]--
		return nil, fmt.Errorf("tx %s temporarily unavailable", hash)
	}
	for _, tx := range c.mempool {
		if tx.TxHash() == *hash {
			return btcutil.NewTx(tx), nil
		}
	}
	return nil, fmt.Errorf("tx %s not in mempool", hash)
}

func testAddress(t *testing.T, seed byte) btcutil.Address {
	t.Helper()
	pkHash := make([]byte, 20)
	for i := range pkHash {
		pkHash[i] = seed
	}
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

type testOutput struct {
	addr  btcutil.Address
	value int64
}

// paymentTx builds a transaction spending a synthetic outpoint derived
// from nonce, so distinct nonces give distinct hashes.
func paymentTx(t *testing.T, nonce uint32, outputs ...testOutput) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0x01}, nonce), nil, nil))
	for _, out := range outputs {
		script, err := txscript.PayToAddrScript(out.addr)
		if err != nil {
			t.Fatal(err)
		}
		tx.AddTxOut(wire.NewTxOut(out.value, script))
	}
	return tx
}

func TestChainWatcherTracksMempoolAndBlocks(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	v := openTestVault(t, sink)

	mine := testAddress(t, 0xaa)
	stranger := testAddress(t, 0xbb)
	acct, err := v.addAccount(ctx, "savings", mine.EncodeAddress())
	if err != nil {
		t.Fatal(err)
	}

	chain := &fakeChain{}
	chain.mine(t)
	incoming := paymentTx(t, 1, testOutput{mine, 5000}, testOutput{stranger, 100})
	chain.broadcast(incoming)
	chain.broadcast(paymentTx(t, 2, testOutput{stranger, 42}))

	w := newChainWatcher(chain, v, newChannelRegistry(), &chaincfg.RegressionNetParams, discardLogger())

	if err := w.poll(ctx); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if got := sink.kinds(); !slices.Equal(got, []eventKind{eventTxInserted, eventMerkleBlockInserted}) {
		t.Fatalf("first poll events = %v", got)
	}
	pending, _, err := v.txByHash(ctx, incoming.TxHash().String())
	if err != nil {
		t.Fatal(err)
	}
	want := txPayload{Hash: incoming.TxHash().String(), AccountID: acct.ID, Amount: 5000, Status: txStatusUnconfirmed}
	if pending != want {
		t.Fatalf("mempool tx = %+v, want %+v", pending, want)
	}

	sink.reset()
	if err := w.poll(ctx); err != nil {
		t.Fatalf("idle poll: %v", err)
	}
	if got := sink.kinds(); len(got) != 0 {
		t.Fatalf("idle poll events = %v, want none", got)
	}

	direct := paymentTx(t, 3, testOutput{mine, 700}, testOutput{mine, 300})
	block := chain.mine(t, incoming, direct)
	blockHash := block.BlockHash().String()

	if err := w.poll(ctx); err != nil {
		t.Fatalf("block poll: %v", err)
	}
	wantKinds := []eventKind{eventMerkleBlockInserted, eventTxStatusChanged, eventTxInserted}
	if got := sink.kinds(); !slices.Equal(got, wantKinds) {
		t.Fatalf("block poll events = %v, want %v", got, wantKinds)
	}

	confirmed, _, err := v.txByHash(ctx, incoming.TxHash().String())
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.Status != txStatusConfirmed || confirmed.BlockHash != blockHash || confirmed.Height != 1 {
		t.Errorf("confirmed tx = %+v", confirmed)
	}
	inserted, ok, err := v.txByHash(ctx, direct.TxHash().String())
	if err != nil || !ok {
		t.Fatalf("direct tx not stored: %v", err)
	}
	if inserted.Amount != 1000 || inserted.Status != txStatusConfirmed || inserted.Height != 1 {
		t.Errorf("direct tx = %+v", inserted)
	}

	if got := *sink.events[0].Block; got.Hash != blockHash || got.Height != 1 || got.TxCount != 2 {
		t.Errorf("block event = %+v", got)
	}
}

func TestChainWatcherWithoutAccountsRecordsBlocks(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	v := openTestVault(t, sink)

	chain := &fakeChain{}
	genesis := chain.mine(t)
	chain.broadcast(paymentTx(t, 1, testOutput{testAddress(t, 0xcc), 1}))

	w := newChainWatcher(chain, v, newChannelRegistry(), &chaincfg.RegressionNetParams, discardLogger())
	if err := w.poll(ctx); err != nil {
		t.Fatal(err)
	}

	if got := sink.kinds(); !slices.Equal(got, []eventKind{eventMerkleBlockInserted}) {
		t.Fatalf("events = %v", got)
	}
	if w.tip != genesis.BlockHash().String() {
		t.Errorf("tip = %s, want %s", w.tip, genesis.BlockHash())
	}
}

func TestChainWatcherRunStopsOnCancel(t *testing.T) {
	v := openTestVault(t, nil)
	chain := &fakeChain{}
	chain.mine(t)

	w := newChainWatcher(chain, v, newChannelRegistry(), &chaincfg.RegressionNetParams, discardLogger())
	w.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()

	waitFor(t, 5*time.Second, "first block", func() bool {
		rows, err := v.db.QueryContext(context.Background(), `SELECT hash FROM merkle_blocks`)
		if err != nil {
			return false
		}
		defer rows.Close()
		return rows.Next()
	})
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}

func TestChainWatcherCatchesUpOnMissedBlocks(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	v := openTestVault(t, sink)

	mine := testAddress(t, 0xaa)
	acct, err := v.addAccount(ctx, "savings", mine.EncodeAddress())
	if err != nil {
		t.Fatal(err)
	}

	chain := &fakeChain{}
	chain.mine(t)
	pending := paymentTx(t, 1, testOutput{mine, 250})
	chain.broadcast(pending)

	w := newChainWatcher(chain, v, newChannelRegistry(), &chaincfg.RegressionNetParams, discardLogger())
	if err := w.poll(ctx); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	sink.reset()

	// Three blocks land between polls: the pending payment confirms in
	// the first, a new payment arrives in the second, the third is empty.
	payment := paymentTx(t, 2, testOutput{mine, 900})
	first := chain.mine(t, pending)
	second := chain.mine(t, payment)
	third := chain.mine(t)

	if err := w.poll(ctx); err != nil {
		t.Fatalf("catch-up poll: %v", err)
	}
	wantKinds := []eventKind{
		eventMerkleBlockInserted, eventTxStatusChanged,
		eventMerkleBlockInserted, eventTxInserted,
		eventMerkleBlockInserted,
	}
	if got := sink.kinds(); !slices.Equal(got, wantKinds) {
		t.Fatalf("catch-up events = %v, want %v", got, wantKinds)
	}

	var heights []int32
	var hashes []string
	for _, ev := range sink.events {
		if ev.Block != nil {
			heights = append(heights, ev.Block.Height)
			hashes = append(hashes, ev.Block.Hash)
		}
	}
	wantHashes := []string{first.BlockHash().String(), second.BlockHash().String(), third.BlockHash().String()}
	if !slices.Equal(heights, []int32{1, 2, 3}) || !slices.Equal(hashes, wantHashes) {
		t.Fatalf("blocks recorded at heights %v hashes %v", heights, hashes)
	}

	confirmed, _, err := v.txByHash(ctx, pending.TxHash().String())
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.Status != txStatusConfirmed || confirmed.Height != 1 {
		t.Errorf("pending payment = %+v, want confirmed at height 1", confirmed)
	}
	stored, ok, err := v.txByHash(ctx, payment.TxHash().String())
	if err != nil || !ok {
		t.Fatalf("payment in intermediate block not stored: %v", err)
	}
	want := txPayload{
		Hash:      payment.TxHash().String(),
		AccountID: acct.ID,
		Amount:    900,
		Status:    txStatusConfirmed,
		BlockHash: second.BlockHash().String(),
		Height:    2,
	}
	if stored != want {
		t.Errorf("payment = %+v, want %+v", stored, want)
	}
	if w.tip != third.BlockHash().String() || w.height != 3 {
		t.Errorf("watcher tip = %s at %d", w.tip, w.height)
	}
}

func TestChainWatcherRetriesFailedMempoolFetch(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	v := openTestVault(t, sink)

	mine := testAddress(t, 0xaa)
	if _, err := v.addAccount(ctx, "savings", mine.EncodeAddress()); err != nil {
		t.Fatal(err)
	}

	chain := &fakeChain{}
	chain.mine(t)
	incoming := paymentTx(t, 1, testOutput{mine, 75})
	chain.broadcast(incoming)
	chain.fetchFailures = map[chainhash.Hash]int{incoming.TxHash(): 1}

	w := newChainWatcher(chain, v, newChannelRegistry(), &chaincfg.RegressionNetParams, discardLogger())
	if err := w.poll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := v.txByHash(ctx, incoming.TxHash().String()); ok {
		t.Fatal("tx stored although its fetch failed")
	}

	if err := w.poll(ctx); err != nil {
		t.Fatal(err)
	}
	stored, ok, err := v.txByHash(ctx, incoming.TxHash().String())
	if err != nil || !ok {
		t.Fatalf("tx not stored after the fetch recovered: %v", err)
	}
	if stored.Status != txStatusUnconfirmed || stored.Amount != 75 {
		t.Errorf("stored = %+v", stored)
	}
}

func TestChainWatcherRegistersNewAccountChannels(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t, nil)
	registry := newChannelRegistry()

	chain := &fakeChain{}
	chain.mine(t)
	w := newChainWatcher(chain, v, registry, &chaincfg.RegressionNetParams, discardLogger())
	if err := w.poll(ctx); err != nil {
		t.Fatal(err)
	}

	acct, err := v.addAccount(ctx, "late", testAddress(t, 0xdd).EncodeAddress())
	if err != nil {
		t.Fatal(err)
	}
	if registry.channelExists(accountChannel(acct.ID)) {
		t.Fatal("account channel registered before the watcher saw the account")
	}

	if err := w.poll(ctx); err != nil {
		t.Fatal(err)
	}
	if !registry.channelExists(accountChannel(acct.ID)) {
		t.Fatalf("channel %s not registered after poll", accountChannel(acct.ID))
	}

	subs := newTestSubscriptionManager(registry)
	conn := newFakeConn("c1")
	subs.onConnect(conn)
	if _, err := subs.subscribe(conn, accountChannel(acct.ID)); err != nil {
		t.Fatalf("subscribe to new account channel: %v", err)
	}
}
