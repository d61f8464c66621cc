package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
)

// RoomValidator is the slice of the room lifecycle the voice facade needs.
type RoomValidator interface {
	Validate(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	// Invalidated delivers one error once room stops being usable and is
	// closed without a value when ctx ends.
	Invalidated(ctx context.Context, room *domain.Room) (<-chan error, error)
}
