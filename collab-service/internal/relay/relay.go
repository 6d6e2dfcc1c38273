// Package relay fans domain mutation events out to the other members of a
// trip room.
package relay

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/weiawesome/wes-trip-collab/collab-service/internal/domain"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/presence"
	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
	"github.com/weiawesome/wes-trip-collab/pkg/protocol"
)

// Membership answers room membership questions.
type Membership interface {
	Member(sessionID, tripID string) (domain.Member, bool)
	SessionsOf(tripID string) []string
}

// Relay republishes events verbatim. It never inspects payloads.
type Relay struct {
	rooms  Membership
	sender presence.Sender
	now    func() time.Time
}

// New creates a relay.
func New(rooms Membership, sender presence.Sender) *Relay {
	return &Relay{
		rooms:  rooms,
		sender: sender,
		now:    time.Now,
	}
}

// Relay delivers the event to every other member of the trip and returns
// the encoded envelope with the number of local deliveries. A sender that
// is not a member, or an event name outside the closed set, is a silent
// no-op and yields a nil envelope.
func (r *Relay) Relay(sessionID, tripID string, name protocol.EventName, payload json.RawMessage) (envelope []byte, delivered int) {
	l := pkglog.L().With().
		Str(pkglog.FieldSessionID, sessionID).
		Str(pkglog.FieldTripID, tripID).
		Str(pkglog.FieldEvent, string(name)).
		Logger()

	if !name.IsValid() {
		l.Debug().Msg("dropping unknown event")
		return nil, 0
	}
	sender, ok := r.rooms.Member(sessionID, tripID)
	if !ok {
		l.Debug().Msg("dropping event from non-member")
		return nil, 0
	}

	ev := &protocol.RelayedEvent{
		Type:      string(name),
		TripID:    tripID,
		Payload:   payload,
		From:      sender.UserID,
		SessionID: sessionID,
		EventID:   ulid.Make().String(),
		SentAt:    r.now().UTC(),
	}
	data, err := ev.Encode()
	if err != nil {
		l.Warn().Err(err).Msg("failed to encode relayed event")
		return nil, 0
	}

	return data, r.Deliver(tripID, sessionID, data)
}

// Deliver sends an already encoded envelope to every session in the trip
// except the excluded one, including other sessions of the sender's user. Sessions that cannot take the frame are
// skipped; nothing is queued.
func (r *Relay) Deliver(tripID, exclude string, data []byte) int {
	delivered := 0
	for _, sessionID := range r.rooms.SessionsOf(tripID) {
		if sessionID == exclude {
			continue
		}
		if r.sender.Send(sessionID, data) {
			delivered++
		}
	}
	return delivered
}
