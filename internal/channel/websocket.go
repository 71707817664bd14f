package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"coreastra/internal/domain"
	"coreastra/internal/pipeline"

	"github.com/gorilla/websocket"
)

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	Path     string // endpoint path (default: /ws/terminal)
	Pipeline Pipeline
	Logger   *slog.Logger
}

// WebSocketChannel serves the interactive terminal protocol: clients submit,
// approve, reject and cancel commands and receive session events as they
// happen. Confirmation notifications are broadcast to every client.
type WebSocketChannel struct {
	path     string
	pipeline Pipeline
	logger   *slog.Logger
	nextID   atomic.Int64

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// WSMessage is the JSON protocol for WebSocket communication.
//
// Client to server: "command" | "approve" | "reject" | "cancel" | "cd".
// Server to client: "status" | "session" | "event" | "notification" | "ack" | "error".
type WSMessage struct {
	Type         string               `json:"type"`
	Command      string               `json:"command,omitempty"`
	Cwd          string               `json:"cwd,omitempty"`
	Env          map[string]string    `json:"env,omitempty"`
	Confirmed    bool                 `json:"confirmed,omitempty"`
	CreateBackup bool                 `json:"create_backup,omitempty"`
	SessionID    string               `json:"session_id,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Content      string               `json:"content,omitempty"`
	Code         string               `json:"code,omitempty"`
	Session      *domain.SessionInfo  `json:"session,omitempty"`
	Event        *domain.Event        `json:"event,omitempty"`
	Notification *domain.Notification `json:"notification,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (configure CORS for production)
	},
}

// NewWebSocketChannel creates a new WebSocket channel.
func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	if cfg.Path == "" {
		cfg.Path = "/ws/terminal"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketChannel{
		path:     cfg.Path,
		pipeline: cfg.Pipeline,
		logger:   cfg.Logger,
		clients:  make(map[string]*wsClient),
	}
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

func (ws *WebSocketChannel) Path() string { return ws.path }

// Attach subscribes the channel to confirmation notifications.
func (ws *WebSocketChannel) Attach(bus domain.NotificationBus) {
	bus.Subscribe("websocket", ws.Notify)
}

// Notify broadcasts confirmation notifications to every connected client.
func (ws *WebSocketChannel) Notify(n domain.Notification) {
	switch n.Kind {
	case domain.NotifyConfirmationRequired, domain.NotifyConfirmationResolved:
		ws.broadcast(WSMessage{Type: "notification", SessionID: n.SessionID, Notification: &n})
	}
}

// HandleUpgrade upgrades the request and runs the client's read loop.
func (ws *WebSocketChannel) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &wsClient{
		id:     fmt.Sprintf("ws-%d", ws.nextID.Add(1)),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	ws.mu.Lock()
	ws.clients[client.id] = client
	ws.mu.Unlock()

	ws.logger.Info("websocket client connected", "client_id", client.id, "remote", r.RemoteAddr)

	client.send(WSMessage{Type: "status", Content: "connected"})

	// Read loop.
	defer func() {
		ws.mu.Lock()
		delete(ws.clients, client.id)
		ws.mu.Unlock()
		cancel()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", client.id)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			ws.logger.Warn("invalid websocket message", "err", err)
			client.send(WSMessage{Type: "error", Code: "bad_request", Content: "invalid JSON message"})
			continue
		}
		ws.handleMessage(client, msg)
	}
}

func (ws *WebSocketChannel) handleMessage(c *wsClient, msg WSMessage) {
	switch msg.Type {
	case "command":
		stream, err := ws.pipeline.Submit(c.ctx, domain.ExecRequest{
			Command:      msg.Command,
			Confirmed:    msg.Confirmed,
			CreateBackup: msg.CreateBackup,
			Cwd:          msg.Cwd,
			Env:          msg.Env,
		})
		if err != nil {
			c.sendError(msg, err)
			return
		}
		ws.pump(c, stream)

	case "approve":
		stream, err := ws.pipeline.Approve(c.ctx, msg.SessionID, msg.CreateBackup)
		if err != nil {
			c.sendError(msg, err)
			return
		}
		ws.pump(c, stream)

	case "reject":
		if err := ws.pipeline.Reject(msg.SessionID, msg.Reason); err != nil {
			c.sendError(msg, err)
			return
		}
		c.send(WSMessage{Type: "ack", SessionID: msg.SessionID, Content: "rejected"})

	case "cancel":
		if err := ws.pipeline.Cancel(msg.SessionID); err != nil {
			c.sendError(msg, err)
			return
		}
		c.send(WSMessage{Type: "ack", SessionID: msg.SessionID, Content: "cancelling"})

	case "cd":
		dir, err := ws.pipeline.ChangeDir(msg.Cwd)
		if err != nil {
			c.sendError(msg, err)
			return
		}
		c.send(WSMessage{Type: "ack", Cwd: dir, Content: "cd"})

	default:
		c.send(WSMessage{Type: "error", Code: "bad_request", Content: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

// pump sends the session snapshot and then forwards its events until the
// stream ends or the client disconnects.
func (ws *WebSocketChannel) pump(c *wsClient, stream *pipeline.Stream) {
	info := stream.Session
	c.send(WSMessage{Type: "session", SessionID: info.ID, Session: &info})
	go func() {
		for ev := range stream.Events {
			if err := c.send(WSMessage{Type: "event", SessionID: info.ID, Event: &ev}); err != nil {
				ws.logger.Debug("websocket write failed", "client_id", c.id, "err", err)
				c.cancel()
			}
		}
	}()
}

func (ws *WebSocketChannel) broadcast(msg WSMessage) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	for _, client := range ws.clients {
		if err := client.send(msg); err != nil {
			ws.logger.Debug("websocket write failed", "client_id", client.id, "err", err)
		}
	}
}

// Close disconnects every client.
func (ws *WebSocketChannel) Close() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.cancel()
		client.conn.Close()
		delete(ws.clients, id)
	}
}

func (ws *WebSocketChannel) clientCount() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.clients)
}

func (c *wsClient) send(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) sendError(req WSMessage, err error) {
	_, code := statusFor(err)
	c.send(WSMessage{Type: "error", SessionID: req.SessionID, Code: code, Content: err.Error()})
}
