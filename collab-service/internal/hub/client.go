package hub

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-trip-collab/collab-service/internal/config"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/domain"
	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
)

// Client is one websocket connection. Its ID doubles as the session id.
type Client struct {
	ID          string
	Hub         *Hub
	Conn        *websocket.Conn
	Send        chan []byte
	Identity    domain.Identity
	ConnectedAt time.Time
	config      config.WebSocketConfig
}

func NewClient(id string, hub *Hub, conn *websocket.Conn, identity domain.Identity, cfg config.WebSocketConfig) *Client {
	size := cfg.SendBuffer
	if size <= 0 {
		size = 256
	}
	return &Client{
		ID:          id,
		Hub:         hub,
		Conn:        conn,
		Send:        make(chan []byte, size),
		Identity:    identity,
		ConnectedAt: time.Now(),
		config:      cfg,
	}
}

// ReadPump reads frames until the connection fails, handing each to handler
// in arrival order. onClose runs once after the last frame.
func (c *Client) ReadPump(handler func(*Client, []byte), onClose func(*Client)) {
	defer func() {
		onClose(c)
		c.Conn.Close()
	}()

	if c.config.MaxMessageSize > 0 {
		c.Conn.SetReadLimit(c.config.MaxMessageSize)
	}
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l := pkglog.L()
				l.Debug().Err(err).Str(pkglog.FieldSessionID, c.ID).Msg("websocket read error")
			}
			return
		}

		handler(c, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues msg for this client through the dispatcher.
func (c *Client) SendMessage(msg interface{}) error {
	return c.Hub.SendMessage(context.Background(), c.ID, msg)
}
