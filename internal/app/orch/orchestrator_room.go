package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

var ErrNotOwner = errors.New("not the room owner")

// CreateRoom makes a fresh room owned by the client behind token. Any room
// that client created before is retired first.
func (o *Orchestrator) CreateRoom(ctx context.Context, token string) (*domain.Room, error) {
	user := o.Registry.GetOrCreateUser(token)
	room, err := o.Rooms.Create(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "app.orch").Str("user", string(user.ID)).Str("room", string(room.ID)).Msg("room created")
	return room, nil
}

// CheckRoom validates a room and records the outcome.
func (o *Orchestrator) CheckRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	room, err := o.Rooms.Validate(ctx, id)
	if o.Metrics != nil {
		o.Metrics.RoomValidated(ValidationResult(err))
	}
	return room, err
}

// RetireRoom deletes a room on its owner's request.
func (o *Orchestrator) RetireRoom(ctx context.Context, token string, id domain.RoomID) error {
	user := o.Registry.GetOrCreateUser(token)
	room, err := o.Rooms.Validate(ctx, id)
	if err != nil {
		return err
	}
	if room.OwnerID != user.ID {
		return fmt.Errorf("retire room %s: %w", id, ErrNotOwner)
	}
	if err := o.Rooms.Retire(ctx, id); err != nil {
		return fmt.Errorf("retire room %s: %w", id, err)
	}
	log.Info().Str("module", "app.orch").Str("user", string(user.ID)).Str("room", string(id)).Msg("room retired")
	return nil
}

// ValidationResult is the metrics label for a Validate outcome.
func ValidationResult(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, core.ErrRoomNotFound):
		return "not_found"
	case errors.Is(err, core.ErrRoomExpired):
		return "expired"
	default:
		return "error"
	}
}
