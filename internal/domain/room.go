package domain

import "time"

type RoomID string

// DefaultRoomTTL is the expiry offset applied on creation.
const DefaultRoomTTL = time.Hour

// Room is a time-bounded, single-owner voice scope.
type Room struct {
	ID        RoomID    `json:"id" msgpack:"id"`
	OwnerID   UserID    `json:"owner_id" msgpack:"owner_id"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	ExpiresAt time.Time `json:"expires_at" msgpack:"expires_at"`
}

func NewRoom(id RoomID, owner UserID, now time.Time, ttl time.Duration) *Room {
	return &Room{
		ID:        id,
		OwnerID:   owner,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Expired reports whether the room is no longer usable at now.
func (r *Room) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
