package pubsub

import (
	"fmt"
	"strings"
)

// Channel naming for the collaboration bus. One logical channel per trip so
// that Kafka keys (and therefore partition ordering) follow the trip id.
const (
	ChannelTripEvents = "collab:trip:%s:events"
	PatternTripEvents = "collab:trip:*:events"
)

// ClusterTripID is the pseudo trip id carrying cluster control events
// such as sync_request.
const ClusterTripID = "_cluster"

// Bus event types exchanged between collab-service instances.
const (
	EventMemberJoined = "member_joined"
	EventMemberLeft   = "member_left"
	EventRelay        = "relay"
	EventSyncRequest  = "sync_request"
)

// TripEventsChannel returns the channel name for a trip.
func TripEventsChannel(tripID string) string {
	return fmt.Sprintf(ChannelTripEvents, tripID)
}

// TripIDFromChannel extracts the trip id from a trip events channel.
func TripIDFromChannel(channel string) (string, bool) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[0] != "collab" || parts[1] != "trip" || parts[3] != "events" {
		return "", false
	}
	return parts[2], parts[2] != ""
}

// MemberPayload announces a member joining or leaving a trip room on
// another instance.
type MemberPayload struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// RelayPayload carries a domain mutation event between instances. Data is
// the envelope delivered to clients, already serialized by the origin.
type RelayPayload struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Data      []byte `json:"data"`
}
