package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records every payload handed to it. Once closed, enqueue
// refuses further payloads the way a torn-down transport would.
type fakeConn struct {
	id string

	mu       sync.Mutex
	closed   bool
	payloads [][]byte
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) connID() string { return c.id }

func (c *fakeConn) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.payloads = append(c.payloads, payload)
	return true
}

func (c *fakeConn) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

type receivedNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (c *fakeConn) notifications(t *testing.T) []receivedNotification {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]receivedNotification, 0, len(c.payloads))
	for _, payload := range c.payloads {
		var n receivedNotification
		if err := json.Unmarshal(payload, &n); err != nil {
			t.Fatalf("decode notification %s: %v", payload, err)
		}
		out = append(out, n)
	}
	return out
}

// txHashes returns the hash of every transaction notification in
// arrival order.
func (c *fakeConn) txHashes(t *testing.T) []string {
	t.Helper()
	var hashes []string
	for _, n := range c.notifications(t) {
		var tx txPayload
		if err := json.Unmarshal(n.Params, &tx); err != nil {
			t.Fatalf("decode tx payload %s: %v", n.Params, err)
		}
		hashes = append(hashes, tx.Hash)
	}
	return hashes
}

// recordingSink collects published events in order.
type recordingSink struct {
	mu     sync.Mutex
	events []vaultEvent
}

func (s *recordingSink) publish(ev vaultEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) kinds() []eventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]eventKind, 0, len(s.events))
	for _, ev := range s.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

// walletRegistry returns a registry with tx, block and the channel set
// wallet = [tx, block].
func walletRegistry() *channelRegistry {
	registry := newChannelRegistry()
	registry.addChannel(channelTx)
	registry.addChannel(channelBlock)
	registry.addChannelToSet("wallet", channelTx)
	registry.addChannelToSet("wallet", channelBlock)
	return registry
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
