package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// eventRouter fans vault events out to channel subscribers. publish
// only appends to an in-memory queue; a single run goroutine drains it,
// which keeps per-channel emission order.
type eventRouter struct {
	subs   *subscriptionManager
	sender *notifier
	logger *slog.Logger

	mu      sync.Mutex
	queue   []vaultEvent
	stopped bool
	wake    chan struct{}
}

func newEventRouter(subs *subscriptionManager, sender *notifier, logger *slog.Logger) *eventRouter {
	return &eventRouter{
		subs:   subs,
		sender: sender,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

func (r *eventRouter) publish(ev vaultEvent) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.logger.Debug("event dropped after shutdown", "kind", ev.Kind)
		return
	}
	r.queue = append(r.queue, ev)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *eventRouter) run(ctx context.Context) error {
	defer func() {
		r.mu.Lock()
		r.stopped = true
		r.queue = nil
		r.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
		}

		for {
			r.mu.Lock()
			batch := r.queue
			r.queue = nil
			r.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				if ctx.Err() != nil {
					return nil
				}
				r.route(ev)
			}
		}
	}
}

// route delivers ev to every current subscriber of its channels. It
// returns the number of connections the notification was handed to.
func (r *eventRouter) route(ev vaultEvent) int {
	channels := ev.channels()
	if len(channels) == 0 {
		r.logger.Warn("event has no channel mapping", "kind", ev.Kind)
		return 0
	}

	subscribers := r.subs.snapshot(channels...)
	if len(subscribers) == 0 {
		return 0
	}

	payload, err := encodeNotification(string(ev.Kind), ev.payload())
	if err != nil {
		r.logger.Error("encode notification", "kind", ev.Kind, "error", err)
		return 0
	}

	delivered := 0
	for _, sub := range subscribers {
		if err := r.sender.send(sub, payload); err != nil {
			if !errors.Is(err, errConnectionGone) {
				r.logger.Warn("notification failed", "conn_id", sub.conn.connID(), "error", err)
			}
			continue
		}
		delivered++
	}
	r.logger.Debug("event routed", "kind", ev.Kind, "channels", channels, "delivered", delivered)
	return delivered
}
