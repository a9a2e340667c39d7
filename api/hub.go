package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/aquachain/anchor-core/types"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/tendermint/tendermint/libs/log"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Envelope is one websocket frame
type Envelope struct {
	Type string               `json:"type"`
	Data types.TxNotification `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans notifications out to websocket clients. Clients that fall behind are disconnected.
type Hub struct {
	mtx     sync.Mutex
	clients map[*wsClient]struct{}
	Logger  log.Logger
}

func NewHub(logger log.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		Logger:  logger,
	}
}

func (h *Hub) Len() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.clients)
}

// Broadcast never blocks; it is registered directly as a notifier subscriber
func (h *Hub) Broadcast(n types.TxNotification) {
	frame, err := json.Marshal(Envelope{Type: "tx_update", Data: n})
	if err != nil {
		h.Logger.Error("Could not encode notification", "err", err.Error())
		return
	}
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.Logger.Info("Dropping slow websocket client", "remote", c.conn.RemoteAddr().String())
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mtx.Lock()
	h.clients[c] = struct{}{}
	h.mtx.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mtx.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mtx.Unlock()
}

// ServeWS upgrades the request and streams notifications until the client goes away
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Error("WebSocket upgrade failed", "err", err.Error())
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.Logger.Debug("WebSocket closed", "err", err.Error())
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
