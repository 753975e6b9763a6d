package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/rpc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds to loopback by default; auth is out of scope here.
		return true
	},
}

// Hub fans daemon events out to connected WebSocket clients and routes
// JSON-RPC requests they send back up.
type Hub struct {
	router *rpc.Router
	logger *logger.Logger

	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte

	mu    sync.RWMutex
	count int
}

func NewHub(router *rpc.Router, log *logger.Logger) *Hub {
	return &Hub{
		router:     router,
		logger:     log.WithFields(zap.String("transport", "websocket")),
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 64),
	}
}

// Run owns the client set. It must be running before any upgrade is served.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.close()
			}
			h.clients = map[*wsClient]struct{}{}
			h.setCount(0)
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.setCount(len(h.clients))
			h.logger.Debug("client connected", zap.String("remote", c.remote))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
				h.setCount(len(h.clients))
				h.logger.Debug("client disconnected", zap.String("remote", c.remote))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				c.enqueue(msg)
			}
		}
	}
}

// BroadcastRaw queues a pre-marshalled frame for every connected client.
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast queue full, frame dropped")
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// UpgradeHandler upgrades GET /ws requests and starts the client pumps.
func (h *Hub) UpgradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("upgrade failed", zap.Error(err))
			return
		}
		client := &wsClient{
			hub:    h,
			conn:   conn,
			send:   make(chan []byte, sendBufferSize),
			remote: conn.RemoteAddr().String(),
		}
		h.register <- client
		go client.writePump()
		go client.readPump()
	}
}

// wsClient is one WebSocket connection with its own bounded send queue.
// When the queue is full the oldest frame is evicted so a slow consumer
// falls behind but always sees the newest events.
type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string

	sendMu sync.Mutex
	closed bool
}

func (c *wsClient) enqueue(msg []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.send <- msg:
			return
		default:
			select {
			case <-c.send:
			default:
			}
		}
	}
}

func (c *wsClient) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("read error", zap.Error(err))
			}
			return
		}
		// Each inbound frame is an independent JSON-RPC request. Responses
		// carry the request id and may interleave with event frames.
		go c.dispatch(message)
	}
}

func (c *wsClient) dispatch(message []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp := c.hub.router.DispatchRaw(ctx, message)
	if resp == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		c.hub.logger.Error("marshal response", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
