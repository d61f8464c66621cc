// Package rooms owns room creation, validation and lazy expiry.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

// Controller validates and creates rooms on top of a document store.
// Expiry is checked on read; nothing here runs in the background unless
// RunSweeper is started explicitly.
type Controller struct {
	store core.DocumentStore
	ttl   time.Duration
	now   func() time.Time
	newID func() string
}

type Option func(*Controller)

func WithTTL(ttl time.Duration) Option {
	return func(c *Controller) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithIDs(newID func() string) Option {
	return func(c *Controller) { c.newID = newID }
}

func NewController(store core.DocumentStore, opts ...Option) *Controller {
	c := &Controller{
		store: store,
		ttl:   domain.DefaultRoomTTL,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Validate returns the room while it is usable. An expired room is deleted
// and reported as core.ErrRoomExpired; later calls see core.ErrRoomNotFound.
func (c *Controller) Validate(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	doc, err := c.store.Get(ctx, core.RoomsPath, string(id))
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("room %s: %w", id, core.ErrRoomNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("validate room %s: %w", id, err)
	}
	room, err := decodeRoom(doc)
	if err != nil {
		return nil, err
	}
	if room.Expired(c.now()) {
		if err := c.Retire(ctx, room.ID); err != nil {
			log.Warn().Err(err).Str("module", "app.rooms").Str("room", string(id)).Msg("expired room cleanup failed")
		}
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Time("expires_at", room.ExpiresAt).Msg("room expired")
		return nil, fmt.Errorf("room %s: %w", id, core.ErrRoomExpired)
	}
	return room, nil
}

const (
	rewatchAttempts = 3
	rewatchBackoff  = 250 * time.Millisecond
)

// Invalidated watches room until it is retired or expires, or until the
// store can no longer confirm it exists. Exactly one error is delivered in
// those cases. A lost watch is reopened a few times before giving up.
func (c *Controller) Invalidated(ctx context.Context, room *domain.Room) (<-chan error, error) {
	w, err := c.watchRoom(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	out := make(chan error, 1)
	go c.guard(ctx, room, w, out)
	return out, nil
}

func (c *Controller) guard(ctx context.Context, room *domain.Room, w core.Watch, out chan<- error) {
	defer close(out)
	defer func() {
		if w != nil {
			w.Close()
		}
	}()
	logger := log.With().Str("module", "app.rooms").Str("room", string(room.ID)).Logger()

	expiry := time.NewTimer(room.ExpiresAt.Sub(c.now()))
	defer expiry.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-expiry.C:
			logger.Info().Time("expires_at", room.ExpiresAt).Msg("room expired while in use")
			out <- fmt.Errorf("room %s: %w", room.ID, core.ErrRoomExpired)
			return
		case ch, ok := <-w.Changes():
			if ok {
				if ch.Type == core.ChangeRemoved && ch.Doc.ID == string(room.ID) {
					logger.Info().Msg("room retired while in use")
					out <- fmt.Errorf("room %s: %w", room.ID, core.ErrRoomNotFound)
					return
				}
				continue
			}
			logger.Warn().Err(w.Err()).Msg("room watch lost")
			w.Close()
			w = nil
			nw, err := c.rewatch(ctx, room.ID)
			if err != nil {
				if ctx.Err() == nil {
					out <- err
				}
				return
			}
			w = nw
		}
	}
}

func (c *Controller) rewatch(ctx context.Context, id domain.RoomID) (core.Watch, error) {
	var last error
	for attempt := range rewatchAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(rewatchBackoff * time.Duration(attempt)):
			}
		}
		w, err := c.watchRoom(ctx, id)
		if err == nil {
			return w, nil
		}
		if errors.Is(err, core.ErrRoomNotFound) || errors.Is(err, core.ErrRoomExpired) {
			return nil, err
		}
		last = err
	}
	return nil, fmt.Errorf("room %s unconfirmed after %d attempts: %w", id, rewatchAttempts, last)
}

// watchRoom opens the watch first so a removal racing the check is not lost.
func (c *Controller) watchRoom(ctx context.Context, id domain.RoomID) (core.Watch, error) {
	w, err := c.store.Watch(ctx, core.RoomsPath, false)
	if err != nil {
		return nil, fmt.Errorf("watch room %s: %w", id, err)
	}
	if _, err := c.Validate(ctx, id); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// Create retires every room owned by owner and creates a fresh one.
func (c *Controller) Create(ctx context.Context, owner domain.UserID) (*domain.Room, error) {
	if owner == "" {
		return nil, core.ErrNoIdentity
	}
	owned, err := c.OwnedBy(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, r := range owned {
		if err := c.Retire(ctx, r.ID); err != nil {
			return nil, fmt.Errorf("retire room %s: %w", r.ID, err)
		}
	}

	room := domain.NewRoom(domain.RoomID(c.newID()), owner, c.now(), c.ttl)
	data, err := msgpack.Marshal(room)
	if err != nil {
		return nil, fmt.Errorf("encode room: %w", err)
	}
	if _, err := c.store.Set(ctx, core.RoomsPath, string(room.ID), data); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	log.Info().
		Str("module", "app.rooms").
		Str("room", string(room.ID)).
		Str("owner", string(owner)).
		Int("retired", len(owned)).
		Msg("room created")
	return room, nil
}

// Retire deletes the room record and its presence and signal collections.
func (c *Controller) Retire(ctx context.Context, id domain.RoomID) error {
	if err := c.store.Purge(ctx, core.SignalsPath(id)); err != nil {
		return err
	}
	if err := c.store.Purge(ctx, core.PresencePath(id)); err != nil {
		return err
	}
	return c.store.Delete(ctx, core.RoomsPath, string(id))
}

// Expired reports whether r is past its expiry on this controller's clock.
func (c *Controller) Expired(r domain.Room) bool { return r.Expired(c.now()) }

// OwnedBy lists the stored rooms of owner, expired or not.
func (c *Controller) OwnedBy(ctx context.Context, owner domain.UserID) ([]domain.Room, error) {
	all, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Room, 0, 1)
	for _, r := range all {
		if r.OwnerID == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

// Sweep retires every expired room and returns how many it removed.
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	all, err := c.list(ctx)
	if err != nil {
		return 0, err
	}
	now := c.now()
	n := 0
	for _, r := range all {
		if !r.Expired(now) {
			continue
		}
		if err := c.Retire(ctx, r.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RunSweeper calls Sweep every period until ctx ends.
func (c *Controller) RunSweeper(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Str("module", "app.rooms").Msg("sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Str("module", "app.rooms").Int("removed", n).Msg("swept expired rooms")
			}
		}
	}
}

func (c *Controller) list(ctx context.Context) ([]domain.Room, error) {
	docs, err := c.store.List(ctx, core.RoomsPath)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	out := make([]domain.Room, 0, len(docs))
	for _, d := range docs {
		r, err := decodeRoom(d)
		if err != nil {
			log.Warn().Err(err).Str("module", "app.rooms").Str("doc", d.ID).Msg("skipping undecodable room")
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func decodeRoom(doc core.Document) (*domain.Room, error) {
	var r domain.Room
	if err := msgpack.Unmarshal(doc.Data, &r); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", doc.ID, err)
	}
	if r.ID == "" {
		r.ID = domain.RoomID(doc.ID)
	}
	return &r, nil
}
