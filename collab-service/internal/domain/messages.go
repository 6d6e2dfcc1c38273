package domain

import "github.com/weiawesome/wes-trip-collab/pkg/protocol"

// RoomMembersMessage is the room:members snapshot sent to a joiner.
type RoomMembersMessage struct {
	Type    string   `json:"type"`
	TripID  string   `json:"trip_id"`
	Members []Member `json:"members"`
}

// MemberMessage is user:joined or user:left.
type MemberMessage struct {
	Type   string `json:"type"`
	TripID string `json:"trip_id"`
	Member Member `json:"member"`
}

func NewRoomMembersMessage(tripID string, members []Member) *RoomMembersMessage {
	if members == nil {
		members = []Member{}
	}
	return &RoomMembersMessage{Type: protocol.MsgTypeRoomMembers, TripID: tripID, Members: members}
}

func NewUserJoinedMessage(tripID string, m Member) *MemberMessage {
	return &MemberMessage{Type: protocol.MsgTypeUserJoined, TripID: tripID, Member: m}
}

func NewUserLeftMessage(tripID string, m Member) *MemberMessage {
	return &MemberMessage{Type: protocol.MsgTypeUserLeft, TripID: tripID, Member: m}
}
