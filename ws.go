package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
	wsMaxMessage = 64 * 1024
	wsSendBuffer = 256
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Access is controlled by the allowed-ips filter and connect key.
		return true
	},
}

var connectedGreeting = rpcResponse{Result: "connected"}

type wsServer struct {
	subs           *subscriptionManager
	dispatcher     *requestDispatcher
	connectKeyHash []byte
	logger         *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	id     string
	server *wsServer
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newWSServer(subs *subscriptionManager, dispatcher *requestDispatcher, connectKeyHash []byte, logger *slog.Logger) *wsServer {
	return &wsServer{
		subs:           subs,
		dispatcher:     dispatcher,
		connectKeyHash: connectKeyHash,
		logger:         logger,
		clients:        make(map[*wsClient]struct{}),
	}
}

func (s *wsServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkConnectKey(r) {
		s.logger.Warn("rejected connection: bad connect key", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		if !errors.Is(err, http.ErrHijacked) {
			s.logger.Warn("upgrade websocket", "remote", r.RemoteAddr, "error", err)
		}
		return
	}

	id := uuid.NewString()
	client := &wsClient{
		id:     id,
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		logger: s.logger.With("conn_id", id),
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.subs.onConnect(client)

	client.logger.Info("client connected", "remote", r.RemoteAddr)
	client.enqueueJSON(connectedGreeting)

	go client.writeLoop()
	client.readLoop(r.Context())
}

func (s *wsServer) checkConnectKey(r *http.Request) bool {
	if len(s.connectKeyHash) == 0 {
		return true
	}
	key := r.Header.Get("X-Connect-Key")
	if key == "" {
		key = r.URL.Query().Get("key")
	}
	return key != "" && bcrypt.CompareHashAndPassword(s.connectKeyHash, []byte(key)) == nil
}

// closeAll tears down every live client. Used on shutdown since
// hijacked connections are not closed by http.Server.Shutdown.
func (s *wsServer) closeAll() {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

func (c *wsClient) connID() string {
	return c.id
}

func (c *wsClient) readLoop(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("ws read error", "error", err)
			}
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.enqueueJSON(rpcResponse{Error: &rpcError{Code: codeParseError, Message: "Parse error."}})
			continue
		}
		c.enqueueJSON(c.server.dispatcher.dispatch(ctx, c, req))
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues payload for the writer goroutine without blocking. A
// full queue drops its oldest entry.
func (c *wsClient) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- payload:
	default:
		select {
		case <-c.send:
			c.logger.Warn("send queue full, dropped oldest message")
		default:
		}
		select {
		case c.send <- payload:
		default:
		}
	}
	return true
}

func (c *wsClient) enqueueJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("ws marshal outbound", "error", err)
		return
	}
	c.enqueue(payload)
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.server.subs.onDisconnect(c)

		c.server.mu.Lock()
		delete(c.server.clients, c)
		c.server.mu.Unlock()

		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		_ = c.conn.Close()
		c.logger.Info("client disconnected")
	})
}
