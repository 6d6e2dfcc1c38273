package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-trip-collab/pkg/protocol"
)

var (
	errConnClosed = errors.New("fake conn closed")
	errTimeout    = errors.New("fake conn i/o timeout")
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
	// stalled models a peer that stopped reading: writes block until the
	// write deadline passes or the conn is closed.
	stalled bool
	// autoPong answers every ping as a healthy server would.
	autoPong bool

	mu            sync.Mutex
	writes        [][]byte
	pings         int
	readDeadline  time.Time
	writeDeadline time.Time
	pong          func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	for {
		c.mu.Lock()
		deadline := c.readDeadline
		c.mu.Unlock()
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, nil, errTimeout
		}

		select {
		case data := <-c.in:
			return websocket.TextMessage, data, nil
		case <-c.closed:
			return 0, nil, errConnClosed
		case <-time.After(time.Millisecond):
		}
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	deadline := c.writeDeadline
	c.mu.Unlock()

	if c.stalled {
		var expired <-chan time.Time
		if !deadline.IsZero() {
			expired = time.After(time.Until(deadline))
		}
		select {
		case <-c.closed:
			return errConnClosed
		case <-expired:
			return errTimeout
		}
	}

	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	c.mu.Lock()
	if messageType == websocket.PingMessage {
		c.pings++
		pong := c.pong
		c.mu.Unlock()
		if c.autoPong && pong != nil {
			pong("")
		}
		return nil
	}
	c.writes = append(c.writes, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	return nil
}

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pong = h
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// push delivers a server frame.
func (c *fakeConn) push(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- data
}

// frames returns "type trip_id" for every written frame.
func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.writes))
	for _, data := range c.writes {
		var msg protocol.TripMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		out = append(out, msg.Type+" "+msg.TripID)
	}
	return out
}

// expectFrames waits for the writer to flush exactly want.
func (c *fakeConn) expectFrames(t *testing.T, want ...string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, c.frames())
	}, time.Second, time.Millisecond)
	assert.Equal(t, want, c.frames())
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
	fail  func(n int) error
	// setup adjusts the n-th conn before it is handed out.
	setup func(n int, c *fakeConn)
}

func (d *fakeDialer) Dial(ctx context.Context, _, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.fail != nil {
		if err := d.fail(d.dials); err != nil {
			return nil, err
		}
	}
	conn := newFakeConn()
	if d.setup != nil {
		d.setup(d.dials, conn)
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func newTestSession(t *testing.T, dialer Dialer, opts Options) *Session {
	t.Helper()
	opts.URL = "ws://collab.test/ws"
	opts.Dialer = dialer
	opts.BaseDelay = time.Millisecond
	opts.MaxDelay = 2 * time.Millisecond
	s := NewSession(opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitConnected(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Status() == StatusConnected
	}, time.Second, time.Millisecond)
}

func TestSessionGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{fail: func(int) error { return errors.New("connection refused") }}

	var giveUps int
	var mu sync.Mutex
	s := newTestSession(t, dialer, Options{
		OnGiveUp: func(error) {
			mu.Lock()
			giveUps++
			mu.Unlock()
		},
	})

	require.NoError(t, s.SetToken("tok"))

	select {
	case <-s.GiveUp():
	case <-time.After(2 * time.Second):
		t.Fatal("session never gave up")
	}

	assert.Equal(t, DefaultMaxAttempts, dialer.count())
	assert.ErrorIs(t, s.Err(), ErrGaveUp)
	assert.Equal(t, StatusDisconnected, s.Status())

	mu.Lock()
	assert.Equal(t, 1, giveUps)
	mu.Unlock()

	// no further dials after giving up
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, DefaultMaxAttempts, dialer.count())
}

func TestSessionUnauthorizedIsTerminal(t *testing.T) {
	dialer := &fakeDialer{fail: func(int) error {
		return fmt.Errorf("%w: token expired", ErrUnauthorized)
	}}
	s := newTestSession(t, dialer, Options{})

	require.NoError(t, s.SetToken("expired"))

	select {
	case <-s.GiveUp():
	case <-time.After(time.Second):
		t.Fatal("session kept retrying a rejected credential")
	}
	assert.Equal(t, 1, dialer.count())
	assert.ErrorIs(t, s.Err(), ErrUnauthorized)
	assert.Equal(t, StatusDisconnected, s.Status())
}

func TestSessionSetTokenRestartsAfterGiveUp(t *testing.T) {
	rejected := true
	var mu sync.Mutex
	dialer := &fakeDialer{fail: func(int) error {
		mu.Lock()
		defer mu.Unlock()
		if rejected {
			return ErrUnauthorized
		}
		return nil
	}}
	s := newTestSession(t, dialer, Options{})

	require.NoError(t, s.SetToken("old"))
	<-s.GiveUp()

	mu.Lock()
	rejected = false
	mu.Unlock()

	require.NoError(t, s.SetToken("fresh"))
	waitConnected(t, s)
	assert.NoError(t, s.Err())
}

func TestSessionRecoversWithinAttempts(t *testing.T) {
	dialer := &fakeDialer{fail: func(n int) error {
		if n < 3 {
			return errors.New("connection refused")
		}
		return nil
	}}

	var mu sync.Mutex
	var statuses []Status
	s := newTestSession(t, dialer, Options{
		OnStatus: func(st Status) {
			mu.Lock()
			statuses = append(statuses, st)
			mu.Unlock()
		},
	})

	require.NoError(t, s.SetToken("tok"))
	waitConnected(t, s)
	assert.Equal(t, 3, dialer.count())

	mu.Lock()
	assert.Equal(t, []Status{StatusConnecting, StatusReconnecting, StatusConnected}, statuses)
	mu.Unlock()
}

func TestSessionRejoinsAfterReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, Options{})

	require.NoError(t, s.JoinTrip("trip-1"))
	require.NoError(t, s.SetToken("tok"))
	waitConnected(t, s)

	first := dialer.conn(0)
	require.NotNil(t, first)
	first.expectFrames(t, "trip:join trip-1")

	// server drops the socket
	first.Close()

	require.Eventually(t, func() bool {
		c := dialer.conn(1)
		return c != nil && len(c.frames()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"trip:join trip-1"}, dialer.conn(1).frames())
	assert.Equal(t, "trip-1", s.CurrentTrip())
	waitConnected(t, s)
}

func TestSessionSwitchTripJoinsBeforeLeaving(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, Options{})

	require.NoError(t, s.SetToken("tok"))
	waitConnected(t, s)

	require.NoError(t, s.JoinTrip("trip-a"))
	require.NoError(t, s.JoinTrip("trip-b"))
	require.NoError(t, s.JoinTrip("trip-b"))

	dialer.conn(0).expectFrames(t,
		"trip:join trip-a",
		"trip:join trip-b",
		"trip:leave trip-a",
	)
	assert.Equal(t, "trip-b", s.CurrentTrip())

	require.NoError(t, s.LeaveTrip())
	require.NoError(t, s.LeaveTrip())
	dialer.conn(0).expectFrames(t,
		"trip:join trip-a",
		"trip:join trip-b",
		"trip:leave trip-a",
		"trip:leave trip-b",
	)
	assert.Empty(t, s.CurrentTrip())
}

func TestSessionJoinTripRejectsEmptyID(t *testing.T) {
	s := newTestSession(t, &fakeDialer{}, Options{})
	assert.Error(t, s.JoinTrip(""))
}

func TestSessionLogout(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, Options{})

	require.NoError(t, s.SetToken("tok"))
	waitConnected(t, s)
	require.NoError(t, s.JoinTrip("trip-1"))

	s.Logout()

	assert.Equal(t, StatusDisconnected, s.Status())
	assert.Empty(t, s.CurrentTrip())
	assert.True(t, dialer.conn(0).isClosed())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
}

func TestSessionClose(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, Options{})

	require.NoError(t, s.SetToken("tok"))
	waitConnected(t, s)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.SetToken("tok"), ErrClosed)
	assert.ErrorIs(t, s.JoinTrip("trip-1"), ErrClosed)
	assert.True(t, dialer.conn(0).isClosed())
}

// returnsWithin fails the test when fn blocks longer than d.
func returnsWithin(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s blocked for more than %v", what, d)
	}
}

func TestSessionStalledWriteReconnects(t *testing.T) {
	dialer := &fakeDialer{setup: func(n int, c *fakeConn) { c.stalled = n == 1 }}
	s := newTestSession(t, dialer, Options{WriteWait: 20 * time.Millisecond})

	require.NoError(t, s.JoinTrip("trip-1"))
	require.NoError(t, s.SetToken("tok"))

	// the rejoin write on the first conn hits its deadline
	require.Eventually(t, func() bool {
		c := dialer.conn(1)
		return c != nil && len(c.frames()) == 1
	}, time.Second, time.Millisecond)
	assert.True(t, dialer.conn(0).isClosed())
	dialer.conn(1).expectFrames(t, "trip:join trip-1")
	waitConnected(t, s)
}

func TestSessionPeerThatNeverReadsDoesNotBlockCallers(t *testing.T) {
	dialer := &fakeDialer{setup: func(n int, c *fakeConn) { c.stalled = n == 1 }}
	s := newTestSession(t, dialer, Options{WriteWait: time.Hour, SendBuffer: 2})

	require.NoError(t, s.SetToken("tok"))
	waitConnected(t, s)
	require.NoError(t, s.JoinTrip("trip-1"))

	payload := json.RawMessage(`{"title":"Louvre"}`)
	var err error
	for i := 0; i < 4 && err == nil; i++ {
		returnsWithin(t, time.Second, "emit", func() {
			err = s.emit(protocol.EventActivityCreate, payload)
		})
	}
	assert.ErrorIs(t, err, ErrBufferFull)

	returnsWithin(t, time.Second, "Status", func() { s.Status() })
	returnsWithin(t, time.Second, "CurrentTrip", func() { s.CurrentTrip() })

	// the overflowing conn was dropped and the trip rejoined on a new one
	require.Eventually(t, func() bool { return dialer.count() >= 2 }, time.Second, time.Millisecond)
	assert.True(t, dialer.conn(0).isClosed())
	dialer.conn(1).expectFrames(t, "trip:join trip-1")

	returnsWithin(t, time.Second, "Logout", s.Logout)
	assert.Equal(t, StatusDisconnected, s.Status())
}

func TestSessionLogoutWhileWriteIsStuck(t *testing.T) {
	dialer := &fakeDialer{setup: func(_ int, c *fakeConn) { c.stalled = true }}
	s := newTestSession(t, dialer, Options{WriteWait: time.Hour})

	require.NoError(t, s.JoinTrip("trip-1"))
	require.NoError(t, s.SetToken("tok"))
	waitConnected(t, s)

	returnsWithin(t, time.Second, "Logout", s.Logout)
	assert.Equal(t, StatusDisconnected, s.Status())
	assert.True(t, dialer.conn(0).isClosed())
	returnsWithin(t, time.Second, "Close", func() { s.Close() })
}

func TestSessionSilentLinkReconnects(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, Options{
		PingInterval: 5 * time.Millisecond,
		PongWait:     30 * time.Millisecond,
	})

	require.NoError(t, s.SetToken("tok"))
	waitConnected(t, s)

	// no frames and no pongs: the read deadline expires
	require.Eventually(t, func() bool { return dialer.count() >= 2 }, time.Second, time.Millisecond)
	assert.True(t, dialer.conn(0).isClosed())
}

func TestSessionPongKeepsConnectionAlive(t *testing.T) {
	dialer := &fakeDialer{setup: func(_ int, c *fakeConn) { c.autoPong = true }}
	s := newTestSession(t, dialer, Options{
		PingInterval: 5 * time.Millisecond,
		PongWait:     50 * time.Millisecond,
	})

	require.NoError(t, s.SetToken("tok"))
	waitConnected(t, s)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, StatusConnected, s.Status())
	assert.Greater(t, dialer.conn(0).pingCount(), 5)
}

func TestSessionAgainstServerThatNeverReads(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	s := NewSession(Options{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
		WriteWait:  100 * time.Millisecond,
		SendBuffer: 4,
	})
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.JoinTrip("T1"))
	require.NoError(t, s.SetToken("tok"))
	waitConnected(t, s)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		payload := json.RawMessage(`"` + strings.Repeat("x", 1<<20) + `"`)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = s.emit(protocol.EventActivityCreate, payload)
			time.Sleep(time.Millisecond)
		}
	}()

	time.Sleep(500 * time.Millisecond)
	returnsWithin(t, 2*time.Second, "Status", func() { s.Status() })
	returnsWithin(t, 2*time.Second, "JoinTrip", func() { _ = s.JoinTrip("T2") })
	returnsWithin(t, 2*time.Second, "Logout", s.Logout)
	assert.Equal(t, StatusDisconnected, s.Status())

	close(stop)
	wg.Wait()
}

func TestSessionFlush(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, s.Flush(ctx), ErrNotConnected)

	require.NoError(t, s.SetToken("tok"))
	waitConnected(t, s)
	require.NoError(t, s.JoinTrip("trip-1"))
	require.NoError(t, s.emit(protocol.EventNoteCreate, json.RawMessage(`{"text":"hi"}`)))

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, []string{"trip:join trip-1", "note:create trip-1"}, dialer.conn(0).frames())
}

func TestSessionFlushGivesUpWithConnection(t *testing.T) {
	dialer := &fakeDialer{setup: func(_ int, c *fakeConn) { c.stalled = true }}
	s := newTestSession(t, dialer, Options{WriteWait: time.Hour})

	require.NoError(t, s.JoinTrip("trip-1"))
	require.NoError(t, s.SetToken("tok"))
	waitConnected(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Flush(ctx), context.DeadlineExceeded)

	errs := make(chan error, 1)
	go func() { errs <- s.Flush(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	dialer.conn(0).Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("Flush outlived its connection")
	}
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 5*time.Second

	assert.Equal(t, time.Second, backoff(1, base, max))
	assert.Equal(t, 2*time.Second, backoff(2, base, max))
	assert.Equal(t, 4*time.Second, backoff(3, base, max))
	assert.Equal(t, 5*time.Second, backoff(4, base, max))
	assert.Equal(t, 5*time.Second, backoff(30, base, max))
	assert.Equal(t, time.Second, backoff(0, base, max))
}
