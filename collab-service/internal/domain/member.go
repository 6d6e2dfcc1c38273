package domain

// Identity is the authenticated principal behind a connection. It is fixed
// for the lifetime of the connection.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Member is one session's presence in a trip room.
type Member struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`

	// InstanceID is the collab-service instance that owns the session.
	InstanceID string `json:"-"`
}

// NewMember builds the member entry for a session.
func NewMember(sessionID, instanceID string, id Identity) Member {
	return Member{
		SessionID:   sessionID,
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		AvatarURL:   id.AvatarURL,
		InstanceID:  instanceID,
	}
}

// Stats is a snapshot of registry occupancy.
type Stats struct {
	Rooms         int `json:"rooms"`
	Sessions      int `json:"sessions"`
	LocalSessions int `json:"local_sessions"`
	Memberships   int `json:"memberships"`
	Connections   int `json:"connections"`
}
