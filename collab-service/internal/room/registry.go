// Package room tracks which sessions are present in which trip rooms.
package room

import (
	"sort"

	"github.com/weiawesome/wes-trip-collab/collab-service/internal/domain"
)

// Change describes the effect of a join or leave on one trip room.
type Change struct {
	TripID string
	// Member is the joining or departed session's entry.
	Member domain.Member
	// Members is the presence list after the change, one entry per user.
	Members []domain.Member
	// Sessions lists every session in the room after the change.
	Sessions []string
	// Applied is false when a join replaced an existing entry or a leave
	// found nothing to remove.
	Applied bool
	// UserChanged is set when the first session of Member's user entered
	// the room or the last one left it.
	UserChanged bool
}

// Membership is a single (trip, member) pair.
type Membership struct {
	TripID string
	Member domain.Member
}

type entry struct {
	member domain.Member
	seq    uint64
}

// Registry maps trip ids to their present sessions. Rooms are created on
// first join and deleted when the last member leaves. A user with several
// sessions in a room is listed once.
//
// Registry is not safe for concurrent use. The hub dispatcher owns it.
type Registry struct {
	rooms    map[string]map[string]*entry   // tripID -> sessionID -> entry
	sessions map[string]map[string]struct{} // sessionID -> tripIDs
	seq      uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]map[string]*entry),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Join adds the session to the trip room. When the session was already
// present its entry is replaced in place and the change is not Applied.
// Other memberships of the session are kept.
func (r *Registry) Join(sessionID, tripID string, member domain.Member) Change {
	member.SessionID = sessionID

	room, ok := r.rooms[tripID]
	if !ok {
		room = make(map[string]*entry)
		r.rooms[tripID] = room
	}

	c := Change{TripID: tripID, Member: member}
	if e, ok := room[sessionID]; ok {
		e.member = member
	} else {
		c.UserChanged = !hasUser(room, member.UserID)
		r.seq++
		room[sessionID] = &entry{member: member, seq: r.seq}
		c.Applied = true
	}

	trips, ok := r.sessions[sessionID]
	if !ok {
		trips = make(map[string]struct{})
		r.sessions[sessionID] = trips
	}
	trips[tripID] = struct{}{}

	c.Members = snapshot(room)
	c.Sessions = sessionsOf(room)
	return c
}

// Leave removes the session from the trip room. The change is not Applied
// when the session was not a member.
func (r *Registry) Leave(sessionID, tripID string) Change {
	c := Change{TripID: tripID}
	room, ok := r.rooms[tripID]
	if !ok {
		c.Members = []domain.Member{}
		return c
	}
	e, ok := room[sessionID]
	if !ok {
		c.Members = snapshot(room)
		c.Sessions = sessionsOf(room)
		return c
	}

	delete(room, sessionID)
	if len(room) == 0 {
		delete(r.rooms, tripID)
	}
	if trips, ok := r.sessions[sessionID]; ok {
		delete(trips, tripID)
		if len(trips) == 0 {
			delete(r.sessions, sessionID)
		}
	}

	c.Member = e.member
	c.Applied = true
	c.UserChanged = !hasUser(room, e.member.UserID)
	c.Members = snapshot(room)
	c.Sessions = sessionsOf(room)
	return c
}

// RemoveSession removes the session from every room it is in.
func (r *Registry) RemoveSession(sessionID string) []Change {
	trips := sortedKeys(r.sessions[sessionID])
	changes := make([]Change, 0, len(trips))
	for _, tripID := range trips {
		c := r.Leave(sessionID, tripID)
		if !c.Applied {
			continue
		}
		changes = append(changes, c)
	}
	return changes
}

// RemoveInstance removes every session owned by the given instance.
func (r *Registry) RemoveInstance(instanceID string) []Change {
	var sessions []string
	for sessionID := range r.sessions {
		if r.instanceOf(sessionID) == instanceID {
			sessions = append(sessions, sessionID)
		}
	}
	sort.Strings(sessions)

	var changes []Change
	for _, sessionID := range sessions {
		changes = append(changes, r.RemoveSession(sessionID)...)
	}
	return changes
}

// MembersOf returns a copy of the trip's presence list, one entry per user
// in order of the user's first join.
func (r *Registry) MembersOf(tripID string) []domain.Member {
	return snapshot(r.rooms[tripID])
}

// SessionsOf returns every session in the trip room in join order.
func (r *Registry) SessionsOf(tripID string) []string {
	return sessionsOf(r.rooms[tripID])
}

// Member returns the session's entry in the trip room.
func (r *Registry) Member(sessionID, tripID string) (domain.Member, bool) {
	e, ok := r.rooms[tripID][sessionID]
	if !ok {
		return domain.Member{}, false
	}
	return e.member, true
}

// IsMember reports whether the session is in the trip room.
func (r *Registry) IsMember(sessionID, tripID string) bool {
	_, ok := r.rooms[tripID][sessionID]
	return ok
}

// RoomsOf returns the trip ids the session is in.
func (r *Registry) RoomsOf(sessionID string) []string {
	return sortedKeys(r.sessions[sessionID])
}

// Rooms returns every non-empty trip room id.
func (r *Registry) Rooms() []string {
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MembershipsOf returns every membership held by sessions of the instance.
func (r *Registry) MembershipsOf(instanceID string) []Membership {
	var out []Membership
	for _, tripID := range r.Rooms() {
		for _, e := range ordered(r.rooms[tripID]) {
			if e.member.InstanceID == instanceID {
				out = append(out, Membership{TripID: tripID, Member: e.member})
			}
		}
	}
	return out
}

// Instances returns the instances owning at least one session, other than
// exclude.
func (r *Registry) Instances(exclude string) []string {
	set := make(map[string]struct{})
	for sessionID := range r.sessions {
		if id := r.instanceOf(sessionID); id != "" && id != exclude {
			set[id] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Stats reports occupancy. LocalSessions counts sessions owned by instanceID.
func (r *Registry) Stats(instanceID string) domain.Stats {
	stats := domain.Stats{
		Rooms:    len(r.rooms),
		Sessions: len(r.sessions),
	}
	for sessionID, trips := range r.sessions {
		stats.Memberships += len(trips)
		if r.instanceOf(sessionID) == instanceID {
			stats.LocalSessions++
		}
	}
	return stats
}

func (r *Registry) instanceOf(sessionID string) string {
	for tripID := range r.sessions[sessionID] {
		if e, ok := r.rooms[tripID][sessionID]; ok {
			return e.member.InstanceID
		}
	}
	return ""
}

func ordered(room map[string]*entry) []*entry {
	entries := make([]*entry, 0, len(room))
	for _, e := range room {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

// snapshot lists each user once, at the position of their earliest session
// and carrying their most recently joined session's entry.
func snapshot(room map[string]*entry) []domain.Member {
	members := []domain.Member{}
	index := make(map[string]int)
	for _, e := range ordered(room) {
		if i, ok := index[e.member.UserID]; ok {
			members[i] = e.member
			continue
		}
		index[e.member.UserID] = len(members)
		members = append(members, e.member)
	}
	return members
}

func sessionsOf(room map[string]*entry) []string {
	ids := make([]string, 0, len(room))
	for _, e := range ordered(room) {
		ids = append(ids, e.member.SessionID)
	}
	return ids
}

func hasUser(room map[string]*entry, userID string) bool {
	for _, e := range room {
		if e.member.UserID == userID {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
