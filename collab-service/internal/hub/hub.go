package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
)

// ErrStopped is returned for commands submitted after Stop.
var ErrStopped = errors.New("hub: stopped")

type command struct {
	fn   func()
	done chan struct{}
}

// Hub owns every local websocket client and runs a single dispatcher
// goroutine. All connection, room and delivery state is mutated from
// commands executed by that goroutine, one at a time and in submission
// order.
//
// Methods documented as dispatcher-only must be called from inside a
// command.
type Hub struct {
	clients  map[string]*Client
	commands chan command
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		commands: make(chan command),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run executes commands until Stop is called. On stop every client's send
// channel is closed so that its write pump closes the connection.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case cmd := <-h.commands:
			cmd.fn()
			close(cmd.done)

		case <-h.stop:
			for id := range h.clients {
				h.Detach(id)
			}
			l := pkglog.L()
			l.Info().Msg("hub stopped")
			return
		}
	}
}

// Stop stops the dispatcher and waits for it to exit.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// Do runs fn on the dispatcher goroutine and waits for it to finish.
// Once accepted a command always runs to completion.
func (h *Hub) Do(ctx context.Context, fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case h.commands <- cmd:
	case <-h.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-cmd.done
	return nil
}

// Register adds a client to the hub.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	return h.Do(ctx, func() {
		h.clients[c.ID] = c
		l := pkglog.L()
		l.Debug().Str(pkglog.FieldSessionID, c.ID).Msg("client registered")
	})
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(ctx context.Context, c *Client) error {
	return h.Do(ctx, func() { h.Detach(c.ID) })
}

// SendMessage encodes msg and queues it for the session.
func (h *Hub) SendMessage(ctx context.Context, sessionID string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.Do(ctx, func() { h.Send(sessionID, data) })
}

// Send queues data for a local session without blocking. A client whose
// buffer is full is detached; its connection then closes and the normal
// disconnect path cleans up its memberships. Dispatcher-only.
func (h *Hub) Send(sessionID string, data []byte) bool {
	c, ok := h.clients[sessionID]
	if !ok {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		l := pkglog.L()
		l.Warn().Str(pkglog.FieldSessionID, sessionID).Msg("send buffer full, dropping client")
		h.Detach(sessionID)
		return false
	}
}

// Detach removes a client and closes its send channel. Dispatcher-only.
func (h *Hub) Detach(sessionID string) {
	c, ok := h.clients[sessionID]
	if !ok {
		return
	}
	delete(h.clients, sessionID)
	close(c.Send)
	l := pkglog.L()
	l.Debug().Str(pkglog.FieldSessionID, sessionID).Msg("client unregistered")
}

// Client returns a connected local client. Dispatcher-only.
func (h *Hub) Client(sessionID string) (*Client, bool) {
	c, ok := h.clients[sessionID]
	return c, ok
}

// ClientIDs returns the ids of all connected local clients. Dispatcher-only.
func (h *Hub) ClientIDs() []string {
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}
