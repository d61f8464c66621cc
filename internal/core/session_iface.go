package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
)

// PresenceFeed streams full presence snapshots; Close() unregisters it.
type PresenceFeed interface {
	Snapshots() <-chan domain.PresenceSet
	Close()
}

// PresenceRegistry tracks who is in a room. Records are self-managed:
// nothing expires them, Leave is the only deterministic removal.
type PresenceRegistry interface {
	Announce(ctx context.Context, room domain.RoomID, p domain.Presence) error
	Leave(ctx context.Context, room domain.RoomID, id domain.UserID) error
	Observe(ctx context.Context, room domain.RoomID) (PresenceFeed, error)
}
