package hub

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/hydra/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin allows same-origin requests and any loopback
// origin, since Hydra is a local-only server.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		return true
	}
	return strings.Contains(origin, r.Host)
}

// client wraps one WebSocket connection with buffered outbound delivery
// and ping/pong keepalive, mirroring the read/write pump split so a slow
// reader can never block the write side.
type client struct {
	conn *websocket.Conn
	send chan []byte
	log  *logger.Logger

	onMessage func(raw []byte)
	onClose   func()
}

func newClient(conn *websocket.Conn, log *logger.Logger, onMessage func([]byte), onClose func()) *client {
	return &client{
		conn:      conn,
		send:      make(chan []byte, 256),
		log:       log,
		onMessage: onMessage,
		onClose:   onClose,
	}
}

func (c *client) start() {
	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.onMessage != nil {
			c.onMessage(raw)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) sendFrame(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("marshal server frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client send buffer full, dropping frame", zap.String("frame_type", frame.Type))
	}
}
