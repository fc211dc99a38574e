package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params,omitempty"`
	ID     json.RawMessage   `json:"id,omitempty"`
}

type rpcResponse struct {
	Result any             `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     json.RawMessage `json:"id"`
}

type vaultStatus struct {
	Name             string `json:"name"`
	SchemaVersion    int    `json:"schemaVersion"`
	HorizonTimestamp int64  `json:"horizonTimestamp"`
}

type accountInfo struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

// stateEngine answers the queries clients may issue.
type stateEngine interface {
	status(ctx context.Context) (vaultStatus, error)
	accounts(ctx context.Context) ([]accountInfo, error)
}

type requestDispatcher struct {
	registry *channelRegistry
	subs     *subscriptionManager
	engine   stateEngine
	logger   *slog.Logger
}

func newRequestDispatcher(registry *channelRegistry, subs *subscriptionManager, engine stateEngine, logger *slog.Logger) *requestDispatcher {
	return &requestDispatcher{
		registry: registry,
		subs:     subs,
		engine:   engine,
		logger:   logger,
	}
}

// dispatch runs one request to completion. Errors, including panics in
// a handler, come back as a response error carrying req.ID.
func (d *requestDispatcher) dispatch(ctx context.Context, conn connection, req rpcRequest) (resp rpcResponse) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("request handler panicked", "method", req.Method, "panic", r)
			resp.Result = nil
			resp.Error = &rpcError{Code: codeInternal, Message: "Internal error."}
		}
	}()

	result, err := d.handle(ctx, conn, req)
	if err != nil {
		d.logger.Debug("request failed", "conn_id", conn.connID(), "method", req.Method, "error", err)
		resp.Error = toRPCError(err)
		return resp
	}
	resp.Result = result
	return resp
}

func (d *requestDispatcher) handle(ctx context.Context, conn connection, req rpcRequest) (any, error) {
	switch req.Method {
	case "status":
		return d.handleStatus(ctx)
	case "listaccounts":
		return d.handleListAccounts(ctx, req.Params)
	case "subscribe":
		names, err := channelNames(req.Params)
		if err != nil {
			return nil, err
		}
		return d.subs.subscribe(conn, names...)
	case "unsubscribe":
		names, err := channelNames(req.Params)
		if err != nil {
			return nil, err
		}
		return d.subs.unsubscribe(conn, names...)
	case "listchannels":
		return d.handleListChannels(req.Params)
	case "getsubscriptions":
		if len(req.Params) > 0 {
			return nil, errInvalidParameters
		}
		channels := d.subs.channelsFor(conn)
		if channels == nil {
			channels = []string{}
		}
		return channels, nil
	default:
		return nil, errInvalidMethod
	}
}

func (d *requestDispatcher) handleStatus(ctx context.Context) (any, error) {
	status, err := d.engine.status(ctx)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return status, nil
}

func (d *requestDispatcher) handleListAccounts(ctx context.Context, params []json.RawMessage) (any, error) {
	if len(params) > 0 {
		return nil, errInvalidParameters
	}
	accounts, err := d.engine.accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if accounts == nil {
		accounts = []accountInfo{}
	}
	return map[string]any{"accounts": accounts}, nil
}

func (d *requestDispatcher) handleListChannels(params []json.RawMessage) (any, error) {
	if len(params) > 0 {
		return nil, errInvalidParameters
	}
	return map[string]any{
		"channels":    d.registry.channels(),
		"channelSets": d.registry.channelSets(),
	}, nil
}

func channelNames(params []json.RawMessage) ([]string, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: channel name required", errInvalidParameters)
	}
	names := make([]string, 0, len(params))
	for i, raw := range params {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil || name == "" {
			return nil, fmt.Errorf("%w: parameter %d is not a channel name", errInvalidParameters, i)
		}
		names = append(names, name)
	}
	return names, nil
}
