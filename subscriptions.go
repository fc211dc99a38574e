package main

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
)

// connection is the transport's handle for one live client session.
// enqueue must not block; it reports false once the transport has torn
// the session down.
type connection interface {
	connID() string
	enqueue(payload []byte) bool
}

// subscriber is the core's non-owning view of a connection. gone is
// guarded by mu so that a send in progress finishes before onDisconnect
// returns, and none starts afterwards.
type subscriber struct {
	conn connection

	mu   sync.Mutex
	gone bool
}

type subscriptionManager struct {
	registry *channelRegistry
	logger   *slog.Logger

	mu      sync.RWMutex
	forward map[connection]*subscription
	reverse map[string]map[*subscriber]struct{}
}

type subscription struct {
	sub      *subscriber
	channels map[string]struct{}
}

func newSubscriptionManager(registry *channelRegistry, logger *slog.Logger) *subscriptionManager {
	return &subscriptionManager{
		registry: registry,
		logger:   logger,
		forward:  make(map[connection]*subscription),
		reverse:  make(map[string]map[*subscriber]struct{}),
	}
}

func (m *subscriptionManager) onConnect(conn connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.forward[conn]; ok {
		return
	}
	m.forward[conn] = &subscription{
		sub:      &subscriber{conn: conn},
		channels: make(map[string]struct{}),
	}
}

// expand resolves every name before any index is touched, so an
// unknown name leaves the connection's subscriptions unchanged.
func (m *subscriptionManager) expand(names []string) ([]string, error) {
	var resolved []string
	for _, name := range names {
		members, err := m.registry.resolve(name)
		if err != nil {
			return nil, err
		}
		for _, channel := range members {
			if !slices.Contains(resolved, channel) {
				resolved = append(resolved, channel)
			}
		}
	}
	return resolved, nil
}

// subscribe adds conn to every channel named directly or through a
// channel set and returns the resolved channels in resolution order.
func (m *subscriptionManager) subscribe(conn connection, names ...string) ([]string, error) {
	channels, err := m.expand(names)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.forward[conn]
	if !ok {
		return nil, fmt.Errorf("subscribe: %w", errConnectionGone)
	}
	for _, channel := range channels {
		if _, exists := entry.channels[channel]; exists {
			continue
		}
		entry.channels[channel] = struct{}{}
		subs := m.reverse[channel]
		if subs == nil {
			subs = make(map[*subscriber]struct{})
			m.reverse[channel] = subs
		}
		subs[entry.sub] = struct{}{}
	}
	m.logger.Debug("subscribed", "conn_id", conn.connID(), "channels", channels)
	return channels, nil
}

func (m *subscriptionManager) unsubscribe(conn connection, names ...string) ([]string, error) {
	channels, err := m.expand(names)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.forward[conn]
	if !ok {
		return nil, fmt.Errorf("unsubscribe: %w", errConnectionGone)
	}
	for _, channel := range channels {
		if _, exists := entry.channels[channel]; !exists {
			continue
		}
		delete(entry.channels, channel)
		m.dropReverse(channel, entry.sub)
	}
	m.logger.Debug("unsubscribed", "conn_id", conn.connID(), "channels", channels)
	return channels, nil
}

// onDisconnect removes conn from both indices and marks it gone. After
// it returns the router never hands conn another notification.
func (m *subscriptionManager) onDisconnect(conn connection) {
	m.mu.Lock()
	entry, ok := m.forward[conn]
	if ok {
		delete(m.forward, conn)
		for channel := range entry.channels {
			m.dropReverse(channel, entry.sub)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	entry.sub.mu.Lock()
	entry.sub.gone = true
	entry.sub.mu.Unlock()
	m.logger.Debug("connection removed", "conn_id", conn.connID(), "channels", len(entry.channels))
}

// dropReverse must be called with m.mu held for writing.
func (m *subscriptionManager) dropReverse(channel string, sub *subscriber) {
	if subs, ok := m.reverse[channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.reverse, channel)
		}
	}
}

func (m *subscriptionManager) channelsFor(conn connection) []string {
	m.mu.RLock()
	entry, ok := m.forward[conn]
	var channels []string
	if ok {
		channels = make([]string, 0, len(entry.channels))
		for channel := range entry.channels {
			channels = append(channels, channel)
		}
	}
	m.mu.RUnlock()

	sort.Strings(channels)
	return channels
}

func (m *subscriptionManager) subscribersFor(channel string) []connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subs := m.reverse[channel]
	conns := make([]connection, 0, len(subs))
	for sub := range subs {
		conns = append(conns, sub.conn)
	}
	return conns
}

// snapshot returns the union of subscribers for channels, each at most
// once.
func (m *subscriptionManager) snapshot(channels ...string) []*subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(channels) == 1 {
		subs := m.reverse[channels[0]]
		out := make([]*subscriber, 0, len(subs))
		for sub := range subs {
			out = append(out, sub)
		}
		return out
	}

	seen := make(map[*subscriber]struct{})
	var out []*subscriber
	for _, channel := range channels {
		for sub := range m.reverse[channel] {
			if _, ok := seen[sub]; ok {
				continue
			}
			seen[sub] = struct{}{}
			out = append(out, sub)
		}
	}
	return out
}

func (m *subscriptionManager) connectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.forward)
}
