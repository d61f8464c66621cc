package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

// WriteOp is a kind of store mutation.
type WriteOp string

const (
	WriteSet    WriteOp = "set"
	WriteAdd    WriteOp = "add"
	WriteDelete WriteOp = "delete"
	WritePurge  WriteOp = "purge"
)

// Write is one store mutation requested by a client. ID is empty for add
// and purge.
type Write struct {
	Op   WriteOp
	Path string
	ID   string
	Data []byte
}

// AuthorizeWrite checks a mutation by the client behind token against the
// ownership rules of the rooms tree:
//
//	rooms/<id>             set by the owner named in the record, one live room per owner;
//	                       delete by the owner, or by anyone once the room is gone
//	rooms/<id>/presence    set and delete of the caller's own record only
//	rooms/<id>/signals     append only
//	room collections       purge like a room delete
//
// Paths outside the rooms tree are not restricted. A refusal wraps
// core.ErrForbidden.
func (o *Orchestrator) AuthorizeWrite(ctx context.Context, token string, w Write) error {
	room, kind, ok := core.ParsePath(w.Path)
	if !ok {
		return nil
	}
	user := o.Registry.GetOrCreateUser(token)
	allowed, err := o.allowed(ctx, user.ID, room, kind, w)
	if err != nil {
		return err
	}
	if !allowed {
		log.Warn().
			Str("module", "app.orch").
			Str("user", string(user.ID)).
			Str("op", string(w.Op)).
			Str("path", w.Path).
			Str("id", w.ID).
			Msg("write refused")
		return fmt.Errorf("%s %s %s: %w", w.Op, w.Path, w.ID, core.ErrForbidden)
	}
	return nil
}

func (o *Orchestrator) allowed(ctx context.Context, user domain.UserID, room domain.RoomID, kind string, w Write) (bool, error) {
	switch kind {
	case core.KindRooms:
		switch w.Op {
		case WriteSet:
			return o.mayCreate(ctx, user, w.ID, w.Data)
		case WriteDelete:
			return o.mayRetire(ctx, user, domain.RoomID(w.ID))
		}
	case core.KindPresence:
		switch w.Op {
		case WriteSet, WriteDelete:
			return domain.UserID(w.ID) == user, nil
		case WritePurge:
			return o.mayRetire(ctx, user, room)
		}
	case core.KindSignals:
		switch w.Op {
		case WriteAdd:
			return true, nil
		case WritePurge:
			return o.mayRetire(ctx, user, room)
		}
	}
	return false, nil
}

// mayRetire reports whether user may tear down the records of room. The
// owner always may; anyone may once the room is gone or expired.
func (o *Orchestrator) mayRetire(ctx context.Context, user domain.UserID, id domain.RoomID) (bool, error) {
	if id == "" {
		return false, nil
	}
	room, err := o.Rooms.Validate(ctx, id)
	if core.Terminal(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return room.OwnerID == user, nil
}

// mayCreate accepts a room record owned by user under its own id, provided
// the id is free or already user's and user has no other live room.
func (o *Orchestrator) mayCreate(ctx context.Context, user domain.UserID, id string, data []byte) (bool, error) {
	var room domain.Room
	if err := msgpack.Unmarshal(data, &room); err != nil {
		return false, nil
	}
	if string(room.ID) != id || room.OwnerID != user {
		return false, nil
	}
	existing, err := o.Rooms.Validate(ctx, room.ID)
	switch {
	case core.Terminal(err):
	case err != nil:
		return false, err
	case existing.OwnerID != user:
		return false, nil
	}
	owned, err := o.Rooms.OwnedBy(ctx, user)
	if err != nil {
		return false, err
	}
	for _, r := range owned {
		if r.ID != room.ID && !o.Rooms.Expired(r) {
			return false, nil
		}
	}
	return true, nil
}
