package collab

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/weiawesome/wes-trip-collab/pkg/protocol"
)

// Handler receives frames of one type.
type Handler func(Message)

// Multiplexer fans the frames of one Session out to any number of
// subscribers keyed by frame type. Handlers run on the session's read
// goroutine in the order they subscribed.
type Multiplexer struct {
	session *Session

	mu       sync.Mutex
	nextID   uint64
	subs     map[string][]*Subscription
	watches  map[string]*watch
	watchSeq uint64
}

type watch struct {
	count int
	seq   uint64 // most recent Watch call
}

// Subscription is one registered handler.
type Subscription struct {
	id      uint64
	name    string
	handler Handler
	mux     *Multiplexer
	once    sync.Once
}

// NewMultiplexer attaches a multiplexer to session.
func NewMultiplexer(session *Session) *Multiplexer {
	m := &Multiplexer{
		session: session,
		subs:    make(map[string][]*Subscription),
		watches: make(map[string]*watch),
	}
	session.setDispatch(m.dispatch)
	return m
}

// Subscribe registers handler for frames of type name. Domain event names
// and presence types such as protocol.MsgTypeUserJoined are both accepted.
func (m *Multiplexer) Subscribe(name string, handler Handler) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	sub := &Subscription{id: m.nextID, name: name, handler: handler, mux: m}
	m.subs[name] = append(m.subs[name], sub)
	return sub
}

// SubscribeContext is Subscribe with the subscription closed when ctx is
// done.
func (m *Multiplexer) SubscribeContext(ctx context.Context, name string, handler Handler) *Subscription {
	sub := m.Subscribe(name, handler)
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub
}

// Close removes the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mux.remove(s)
	})
}

// Emit sends a domain event to the session's current trip.
func (m *Multiplexer) Emit(name protocol.EventName, payload interface{}) error {
	if !name.IsValid() {
		return ErrUnknownEvent
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		raw = data
	}
	return m.session.emit(name, raw)
}

// Subscribers returns the number of open subscriptions for frame type name.
func (m *Multiplexer) Subscribers(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[name])
}

// Watch declares interest in tripID and makes it the current trip. The
// returned release drops that interest. When the last watcher of the
// current trip lets go, the session moves to the most recently watched trip
// still held, or leaves the room when none is.
func (m *Multiplexer) Watch(tripID string) (func(), error) {
	m.mu.Lock()
	m.watchSeq++
	w, ok := m.watches[tripID]
	if !ok {
		w = &watch{}
		m.watches[tripID] = w
	}
	w.count++
	w.seq = m.watchSeq
	m.mu.Unlock()

	if err := m.session.JoinTrip(tripID); err != nil {
		m.unwatch(tripID)
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() { m.release(tripID) })
	}
	return release, nil
}

func (m *Multiplexer) release(tripID string) {
	last, next := m.unwatch(tripID)
	if !last || m.session.CurrentTrip() != tripID {
		return
	}
	if next != "" && m.session.JoinTrip(next) == nil {
		return
	}
	m.session.LeaveTrip()
}

// unwatch drops one watcher of tripID. last reports whether it was the
// final one; next is then the most recently watched trip still held.
func (m *Multiplexer) unwatch(tripID string) (last bool, next string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[tripID]
	if !ok {
		return false, ""
	}
	w.count--
	if w.count > 0 {
		return false, ""
	}
	delete(m.watches, tripID)

	var newest uint64
	for id, other := range m.watches {
		if other.seq > newest {
			newest, next = other.seq, id
		}
	}
	return true, next
}

func (m *Multiplexer) remove(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.subs[sub.name]
	for i, s := range list {
		if s.id == sub.id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.subs, sub.name)
		return
	}
	m.subs[sub.name] = list
}

func (m *Multiplexer) dispatch(msg Message) {
	m.mu.Lock()
	subs := append([]*Subscription(nil), m.subs[msg.Type]...)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.handler(msg)
	}
}
