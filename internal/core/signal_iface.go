package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
)

// SignalFilter selects which appended signals a subscriber sees.
type SignalFilter func(*domain.Signal) bool

// Subscription is a live feed of newly appended signals.
// The subscriber must Close() it on every exit path.
type Subscription interface {
	Signals() <-chan *domain.Signal
	Close()
}

// SignalRelay is the room-scoped append-only channel for negotiation messages.
type SignalRelay interface {
	Publish(ctx context.Context, room domain.RoomID, msg *domain.Signal) error
	Subscribe(ctx context.Context, room domain.RoomID, filter SignalFilter) (Subscription, error)
}
