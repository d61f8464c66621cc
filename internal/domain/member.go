package domain

import "time"

// Presence is a participant's self-published "I am here" marker in a room.
// Only the owning participant writes or deletes it.
type Presence struct {
	UserID      UserID    `msgpack:"user_id"`
	DisplayName string    `msgpack:"username"`
	SessionID   SessionID `msgpack:"session_id"`
	Muted       bool      `msgpack:"muted"`
	JoinedAt    time.Time `msgpack:"joined_at"`
	LastSeen    time.Time `msgpack:"last_seen"`
}

// NewPresence builds the record for a session joining at now.
func NewPresence(p Participant, sid SessionID, now time.Time) Presence {
	return Presence{
		UserID:      p.ID,
		DisplayName: p.DisplayName,
		SessionID:   sid,
		JoinedAt:    now,
		LastSeen:    now,
	}
}

// PresenceSet is one observed snapshot of a room's presence collection.
type PresenceSet []Presence

// Without returns the records not owned by self.
func (s PresenceSet) Without(self UserID) PresenceSet {
	out := make(PresenceSet, 0, len(s))
	for _, p := range s {
		if p.UserID == self {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Has reports whether id has a record in the snapshot.
func (s PresenceSet) Has(id UserID) bool {
	for _, p := range s {
		if p.UserID == id {
			return true
		}
	}
	return false
}
