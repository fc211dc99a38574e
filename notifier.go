package main

import (
	"encoding/json"
	"log/slog"
)

type notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type notifier struct {
	logger *slog.Logger
}

func newNotifier(logger *slog.Logger) *notifier {
	return &notifier{logger: logger}
}

// send hands payload to the subscriber's connection. The write itself
// happens on the transport's writer goroutine.
func (n *notifier) send(sub *subscriber, payload []byte) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.gone || !sub.conn.enqueue(payload) {
		n.logger.Debug("notification dropped", "conn_id", sub.conn.connID())
		return errConnectionGone
	}
	return nil
}

func encodeNotification(method string, params any) ([]byte, error) {
	return json.Marshal(notification{Method: method, Params: params})
}
