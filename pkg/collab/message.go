package collab

import (
	"encoding/json"
	"time"

	"github.com/weiawesome/wes-trip-collab/pkg/protocol"
)

// Message is any frame received from the server. Which fields are set
// depends on Type: presence frames carry Member or Members, relayed domain
// events carry Payload and the sender, error frames carry Code.
type Message struct {
	Type      string            `json:"type"`
	TripID    string            `json:"trip_id,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	From      string            `json:"from,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	EventID   string            `json:"event_id,omitempty"`
	SentAt    time.Time         `json:"sent_at,omitempty"`
	Member    *protocol.Member  `json:"member,omitempty"`
	Members   []protocol.Member `json:"members,omitempty"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message,omitempty"`

	// Raw is the frame as received.
	Raw []byte `json:"-"`
}

// Decode unmarshals the event payload into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}
