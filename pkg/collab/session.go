// Package collab is the client side of trip collaboration: a Session keeps
// one websocket to collab-service alive and in the right trip room, and a
// Multiplexer routes its frames to subscribers.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
	"github.com/weiawesome/wes-trip-collab/pkg/protocol"
)

// Status is the connection state of a Session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

const (
	DefaultMaxAttempts  = 5
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 5 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultPongWait     = 60 * time.Second
	DefaultWriteWait    = 10 * time.Second
	DefaultSendBuffer   = 64
)

// Options configures a Session.
type Options struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8090/ws.
	URL string

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// PingInterval must be shorter than PongWait. A connection that stays
	// silent for PongWait, or a write that takes longer than WriteWait, is
	// treated as lost and the session reconnects.
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// SendBuffer is the number of frames queued per connection. A peer that
	// lets the queue fill up is dropped.
	SendBuffer int

	// Dialer defaults to WebSocketDialer.
	Dialer Dialer

	// OnStatus is called after every state change.
	OnStatus func(Status)
	// OnGiveUp is called once when the session stops reconnecting, with an
	// error wrapping ErrGaveUp or ErrUnauthorized.
	OnGiveUp func(error)
}

// Session owns one logical connection. It is safe for concurrent use.
// Callbacks run on the session's read goroutine and must not call Close.
type Session struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	status    Status
	token     string
	trip      string
	conn      Conn
	out       chan frame
	stopConn  context.CancelFunc
	written   chan struct{} // closed when the current writer exits
	attempts  int
	gen       uint64
	cancel    context.CancelFunc
	giveUp    chan struct{}
	giveUpErr error
	closed    bool
	dispatch  func(Message)

	wg sync.WaitGroup
}

// frame is one queued write. A frame with flushed set carries no data and
// is acknowledged once everything queued before it has been written.
type frame struct {
	data    []byte
	flushed chan struct{}
}

// NewSession creates a disconnected session. Call SetToken to connect.
func NewSession(opts Options) *Session {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.PongWait <= 0 {
		opts.PongWait = DefaultPongWait
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait * 9 / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = DefaultWriteWait
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	return &Session{
		opts:   opts,
		log:    pkglog.L().With().Str("component", "collab-session").Logger(),
		status: StatusDisconnected,
		giveUp: make(chan struct{}),
	}
}

// SetToken attaches a credential and (re)connects with it. Any existing
// connection is dropped first. The remembered trip is rejoined once the
// new connection is up.
func (s *Session) SetToken(token string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.stopLocked()
	s.token = token
	s.attempts = 0
	s.giveUp = make(chan struct{})
	s.giveUpErr = nil

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	gen := s.gen
	changed := s.setStatusLocked(StatusConnecting)
	s.wg.Add(1)
	s.mu.Unlock()

	s.notify(changed, StatusConnecting)
	go s.run(ctx, gen, token)
	return nil
}

// Logout drops the connection and the remembered trip. No reconnect is
// attempted until the next SetToken.
func (s *Session) Logout() {
	s.mu.Lock()
	s.stopLocked()
	s.token = ""
	s.trip = ""
	changed := s.setStatusLocked(StatusDisconnected)
	s.mu.Unlock()

	s.notify(changed, StatusDisconnected)
}

// Close tears the session down for good and waits for its goroutines.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopLocked()
	changed := s.setStatusLocked(StatusDisconnected)
	s.mu.Unlock()

	s.notify(changed, StatusDisconnected)
	s.wg.Wait()
	return nil
}

// JoinTrip makes tripID the current trip. Switching trips joins the new
// room before leaving the old one, so there is no moment without a room.
// Joining the current trip again is a no-op. While disconnected the trip is
// remembered and joined on connect.
func (s *Session) JoinTrip(tripID string) error {
	if tripID == "" {
		return errors.New("collab: empty trip id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.trip == tripID {
		return nil
	}

	old := s.trip
	s.trip = tripID
	if !s.liveLocked() {
		return nil
	}
	if err := s.queueLocked(protocol.TripMessage{Type: protocol.MsgTypeJoinTrip, TripID: tripID}); err != nil {
		return err
	}
	if old != "" {
		return s.queueLocked(protocol.TripMessage{Type: protocol.MsgTypeLeaveTrip, TripID: old})
	}
	return nil
}

// LeaveTrip leaves the current trip, if any.
func (s *Session) LeaveTrip() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trip == "" {
		return nil
	}

	old := s.trip
	s.trip = ""
	if !s.liveLocked() {
		return nil
	}
	return s.queueLocked(protocol.TripMessage{Type: protocol.MsgTypeLeaveTrip, TripID: old})
}

// CurrentTrip returns the trip the session is in, or wants to be in.
func (s *Session) CurrentTrip() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trip
}

// Status returns the connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// GiveUp returns a channel closed when the current connection cycle stops
// retrying. Err then reports why.
func (s *Session) GiveUp() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.giveUp
}

// Err returns the give-up error of the current cycle, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.giveUpErr
}

// emit queues a domain event for the current trip. The trip is read under
// the same lock as the enqueue so a concurrent switch cannot reorder them.
func (s *Session) emit(name protocol.EventName, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.trip == "" {
		return ErrNoTrip
	}
	if !s.liveLocked() {
		return ErrNotConnected
	}
	return s.queueLocked(protocol.EventMessage{Type: string(name), TripID: s.trip, Payload: payload})
}

// Flush waits until every frame queued before the call has been written to
// the current connection.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.out == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	flushed, written := make(chan struct{}), s.written
	select {
	case s.out <- frame{flushed: flushed}:
	default:
		s.mu.Unlock()
		return ErrBufferFull
	}
	s.mu.Unlock()

	select {
	case <-flushed:
		return nil
	case <-written:
		select {
		case <-flushed:
			return nil
		default:
			return ErrNotConnected
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setDispatch(fn func(Message)) {
	s.mu.Lock()
	s.dispatch = fn
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context, gen uint64, token string) {
	defer s.wg.Done()

	for {
		conn, err := s.opts.Dialer.Dial(ctx, s.opts.URL, token)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}

		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				s.stop(gen, err)
				return
			}

			s.mu.Lock()
			if gen != s.gen {
				s.mu.Unlock()
				return
			}
			s.attempts++
			n := s.attempts
			s.mu.Unlock()

			s.log.Debug().Err(err).Int("attempt", n).Msg("dial failed")
			if n >= s.opts.MaxAttempts {
				s.stop(gen, fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, n, err))
				return
			}
			if !s.transition(gen, StatusReconnecting) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff(n, s.opts.BaseDelay, s.opts.MaxDelay)):
			}
			continue
		}

		if !s.attach(gen, conn) {
			conn.Close()
			return
		}
		s.readLoop(conn)
		if !s.detach(gen, conn) {
			return
		}
	}
}

func (s *Session) attach(gen uint64, conn Conn) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.out = make(chan frame, s.opts.SendBuffer)
	s.stopConn = cancel
	s.written = make(chan struct{})
	s.attempts = 0
	s.wg.Add(1)
	go s.writeLoop(ctx, conn, s.out, s.written)

	changed := s.setStatusLocked(StatusConnected)
	if s.trip != "" {
		if err := s.queueLocked(protocol.TripMessage{Type: protocol.MsgTypeJoinTrip, TripID: s.trip}); err != nil {
			s.log.Debug().Err(err).Str(pkglog.FieldTripID, s.trip).Msg("rejoin failed")
		}
	}
	s.mu.Unlock()

	s.notify(changed, StatusConnected)
	return true
}

func (s *Session) detach(gen uint64, conn Conn) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	if s.conn == conn {
		s.dropConnLocked()
	} else {
		conn.Close()
	}
	changed := s.setStatusLocked(StatusReconnecting)
	s.mu.Unlock()

	s.notify(changed, StatusReconnecting)
	return true
}

func (s *Session) readLoop(conn Conn) {
	conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Msg("connection lost")
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		msg.Raw = data

		s.mu.Lock()
		dispatch := s.dispatch
		s.mu.Unlock()
		if dispatch != nil {
			dispatch(msg)
		}
	}
}

// transition changes status if gen is still current.
func (s *Session) transition(gen uint64, status Status) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	changed := s.setStatusLocked(status)
	s.mu.Unlock()

	s.notify(changed, status)
	return true
}

// stop ends the cycle gen with a terminal error and fires the give-up
// signal.
func (s *Session) stop(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.dropConnLocked()
	s.giveUpErr = err
	close(s.giveUp)
	changed := s.setStatusLocked(StatusDisconnected)
	s.mu.Unlock()

	s.log.Warn().Err(err).Msg("collaboration session gave up")
	s.notify(changed, StatusDisconnected)
	if s.opts.OnGiveUp != nil {
		s.opts.OnGiveUp(err)
	}
}

// stopLocked invalidates the running cycle and drops its connection.
func (s *Session) stopLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.dropConnLocked()
}

// dropConnLocked closes the current connection and stops its writer.
func (s *Session) dropConnLocked() {
	if s.stopConn != nil {
		s.stopConn()
		s.stopConn = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.out = nil
	s.written = nil
}

func (s *Session) liveLocked() bool {
	return s.conn != nil && s.status == StatusConnected
}

// queueLocked hands a frame to the connection's writer. It never blocks: a
// full queue means the peer stopped reading, so the connection is dropped
// and the read loop takes the reconnect path.
func (s *Session) queueLocked(v interface{}) error {
	if s.conn == nil || s.out == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.out <- frame{data: data}:
		return nil
	default:
		s.log.Warn().Int("buffer", s.opts.SendBuffer).Msg("send buffer full, dropping connection")
		s.conn.Close()
		return ErrBufferFull
	}
}

// writeLoop owns every write on conn. Each write carries a deadline, and a
// failed write closes conn so the blocked reader wakes up.
func (s *Session) writeLoop(ctx context.Context, conn Conn, out <-chan frame, written chan<- struct{}) {
	defer s.wg.Done()
	defer close(written)
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case f := <-out:
			if f.flushed != nil {
				close(f.flushed)
				continue
			}
			err = s.write(conn, websocket.TextMessage, f.data)
		case <-ticker.C:
			err = s.write(conn, websocket.PingMessage, nil)
		}
		if err != nil {
			s.log.Debug().Err(err).Msg("write failed")
			conn.Close()
			return
		}
	}
}

func (s *Session) write(conn Conn, messageType int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

func (s *Session) setStatusLocked(status Status) bool {
	if s.status == status {
		return false
	}
	s.status = status
	return true
}

func (s *Session) notify(changed bool, status Status) {
	if changed && s.opts.OnStatus != nil {
		s.opts.OnStatus(status)
	}
}
