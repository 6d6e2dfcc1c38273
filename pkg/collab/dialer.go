package collab

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a collaboration socket. Implementations must wrap
// ErrUnauthorized when the server rejects the credential.
type Dialer interface {
	Dial(ctx context.Context, rawURL, token string) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket. The token is sent both as
// the token query parameter and as a bearer header.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, body)
		}
		return nil, err
	}
	return conn, nil
}
