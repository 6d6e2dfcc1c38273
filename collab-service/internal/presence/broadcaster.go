// Package presence notifies room members about who is in a trip.
package presence

import (
	"encoding/json"

	"github.com/weiawesome/wes-trip-collab/collab-service/internal/domain"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/room"
	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
)

// Sender delivers a frame to a session. It returns false when the session
// is not connected to this instance or could not take the frame.
type Sender interface {
	Send(sessionID string, data []byte) bool
}

// Broadcaster turns membership changes into room:members, user:joined and
// user:left frames.
type Broadcaster struct {
	sender Sender
}

// NewBroadcaster creates a presence broadcaster.
func NewBroadcaster(sender Sender) *Broadcaster {
	return &Broadcaster{sender: sender}
}

// Joined sends the presence list to the joiner. Everyone else in the room
// hears user:joined only when the joiner's user was not already present.
func (b *Broadcaster) Joined(c room.Change) {
	b.snapshot(c)
	if !c.UserChanged {
		return
	}

	data, ok := encode(domain.NewUserJoinedMessage(c.TripID, c.Member))
	if !ok {
		return
	}
	for _, sessionID := range c.Sessions {
		if sessionID == c.Member.SessionID {
			continue
		}
		b.sender.Send(sessionID, data)
	}
}

// Rejoined answers an idempotent rejoin with a snapshot to the joiner only.
func (b *Broadcaster) Rejoined(c room.Change) {
	b.snapshot(c)
}

// Left tells the remaining sessions that a user departed, once their last
// session is gone. The departed session is never notified.
func (b *Broadcaster) Left(c room.Change) {
	if !c.UserChanged || len(c.Sessions) == 0 {
		return
	}
	data, ok := encode(domain.NewUserLeftMessage(c.TripID, c.Member))
	if !ok {
		return
	}
	for _, sessionID := range c.Sessions {
		if sessionID == c.Member.SessionID {
			continue
		}
		b.sender.Send(sessionID, data)
	}
}

func (b *Broadcaster) snapshot(c room.Change) {
	data, ok := encode(domain.NewRoomMembersMessage(c.TripID, c.Members))
	if !ok {
		return
	}
	b.sender.Send(c.Member.SessionID, data)
}

func encode(msg interface{}) ([]byte, bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		l := pkglog.L()
		l.Error().Err(err).Msg("failed to encode presence message")
		return nil, false
	}
	return data, true
}
