package domain

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal is one append-only negotiation message in a room's signal channel.
// To == "" addresses every participant in the room.
type Signal struct {
	ID          string     `msgpack:"-"`
	Seq         uint64     `msgpack:"-"`
	Kind        SignalKind `msgpack:"kind"`
	RoomID      RoomID     `msgpack:"room_id"`
	From        UserID     `msgpack:"from"`
	FromSession SessionID  `msgpack:"from_session"`
	To          UserID     `msgpack:"to,omitempty"`
	ToSession   SessionID  `msgpack:"to_session,omitempty"`

	Description *webrtc.SessionDescription `msgpack:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `msgpack:"candidate,omitempty"`

	CreatedAt time.Time `msgpack:"-"`
}

// AddressedTo reports whether the message is meant for the given session.
func (s *Signal) AddressedTo(id UserID, sid SessionID) bool {
	if s.To == "" {
		return s.From != id
	}
	if s.To != id {
		return false
	}
	return s.ToSession == "" || s.ToSession == sid
}
