package collab

import "errors"

var (
	// ErrUnauthorized means the server refused the credential. It is
	// terminal: the session stops reconnecting until SetToken is called.
	ErrUnauthorized = errors.New("collab: unauthorized")
	// ErrGaveUp is reported when MaxAttempts consecutive dials failed.
	ErrGaveUp = errors.New("collab: reconnect attempts exhausted")
	// ErrNotConnected is returned by operations that need a live socket.
	ErrNotConnected = errors.New("collab: not connected")
	// ErrBufferFull is returned when the connection's send queue is full.
	// The connection is dropped and the session reconnects.
	ErrBufferFull = errors.New("collab: send buffer full")
	// ErrNoTrip is returned by Emit when no trip is current.
	ErrNoTrip = errors.New("collab: no current trip")
	// ErrUnknownEvent is returned by Emit for names outside the event set.
	ErrUnknownEvent = errors.New("collab: unknown event")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("collab: session closed")
)
