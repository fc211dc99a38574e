package main

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

const (
	channelTx    = "tx"
	channelBlock = "block"
)

// channelRange is the ordered member list of a channel set.
type channelRange []string

func accountChannel(accountID int64) string {
	return fmt.Sprintf("account:%d", accountID)
}

type channelRegistry struct {
	mu    sync.RWMutex
	known map[string]struct{}
	sets  map[string]channelRange
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{
		known: make(map[string]struct{}),
		sets:  make(map[string]channelRange),
	}
}

func (r *channelRegistry) addChannel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[id]; ok {
		return false
	}
	r.known[id] = struct{}{}
	return true
}

func (r *channelRegistry) channelExists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[id]
	return ok
}

// channels returns a sorted snapshot of every registered channel id.
func (r *channelRegistry) channels() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.known))
	for id := range r.known {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// addChannelToSet appends channel to the set's member list. A pair that
// is already present is left alone and reported as false.
func (r *channelRegistry) addChannelToSet(set, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.sets[set]
	if slices.Contains(members, channel) {
		return false
	}
	r.sets[set] = append(members, channel)
	return true
}

// channelRange returns the members of set in insertion order. Unknown
// sets yield an empty range.
func (r *channelRegistry) channelRange(set string) channelRange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.sets[set])
}

func isChannelRangeEmpty(members channelRange) bool {
	return len(members) == 0
}

func (r *channelRegistry) channelSets() map[string]channelRange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sets := make(map[string]channelRange, len(r.sets))
	for name, members := range r.sets {
		sets[name] = slices.Clone(members)
	}
	return sets
}

// resolve expands name to the channels it denotes. Channel sets take
// precedence over a channel of the same name.
func (r *channelRegistry) resolve(name string) (channelRange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if members, ok := r.sets[name]; ok && len(members) > 0 {
		return slices.Clone(members), nil
	}
	if _, ok := r.known[name]; ok {
		return channelRange{name}, nil
	}
	return nil, fmt.Errorf("%w: %q", errNoSuchChannel, name)
}

// validateSets reports the first set member that is not a registered
// channel. Called once at startup after all definitions are loaded.
func (r *channelRegistry) validateSets() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sets))
	for name := range r.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, channel := range r.sets[name] {
			if _, ok := r.known[channel]; !ok {
				return fmt.Errorf("channel set %q: %w: %q", name, errNoSuchChannel, channel)
			}
		}
	}
	return nil
}
