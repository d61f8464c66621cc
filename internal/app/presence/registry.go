// Package presence keeps self-managed "I am here" records per room.
//
// There is no server-side expiry. A participant that vanishes without Leave
// stays listed until something out of band deletes its record; LastSeen is
// refreshed by Keepalive so such a cleanup has something to go on.
package presence

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

type Registry struct {
	store core.DocumentStore
	now   func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(store core.DocumentStore, opts ...Option) *Registry {
	r := &Registry{store: store, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Announce upserts p and refreshes its LastSeen.
func (r *Registry) Announce(ctx context.Context, room domain.RoomID, p domain.Presence) error {
	now := r.now()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	p.LastSeen = now
	data, err := msgpack.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	if _, err := r.store.Set(ctx, core.PresencePath(room), string(p.UserID), data); err != nil {
		return fmt.Errorf("announce %s: %w", p.UserID, err)
	}
	return nil
}

func (r *Registry) Leave(ctx context.Context, room domain.RoomID, id domain.UserID) error {
	if err := r.store.Delete(ctx, core.PresencePath(room), string(id)); err != nil {
		return fmt.Errorf("leave %s: %w", id, err)
	}
	log.Info().Str("module", "app.presence").Str("room", string(room)).Str("user", string(id)).Msg("left")
	return nil
}

// Keepalive re-announces the record returned by current every period until
// ctx ends. Failures are logged; the next tick tries again.
func (r *Registry) Keepalive(ctx context.Context, room domain.RoomID, current func() domain.Presence, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := current()
			if err := r.Announce(ctx, room, p); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "app.presence").Str("room", string(room)).Msg("heartbeat failed")
			}
		}
	}
}

// Observe emits the full presence set on every change. Slow consumers only
// ever see the latest snapshot.
func (r *Registry) Observe(ctx context.Context, room domain.RoomID) (core.PresenceFeed, error) {
	path := core.PresencePath(room)
	f := &feed{
		store:   r.store,
		path:    path,
		records: make(map[domain.UserID]domain.Presence),
		out:     make(chan domain.PresenceSet, 1),
		exited:  make(chan struct{}),
		logger:  log.With().Str("module", "app.presence").Str("room", string(room)).Logger(),
	}
	w, err := f.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("observe %s: %w", room, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	go f.run(runCtx, w)
	return f, nil
}

// Remote drops self from a snapshot.
func Remote(set domain.PresenceSet, self domain.UserID) domain.PresenceSet {
	return set.Without(self)
}

type feed struct {
	store   core.DocumentStore
	path    string
	records map[domain.UserID]domain.Presence
	out     chan domain.PresenceSet
	logger  zerolog.Logger

	cancel context.CancelFunc
	exited chan struct{}
	once   sync.Once
}

func (f *feed) Snapshots() <-chan domain.PresenceSet { return f.out }

func (f *feed) Close() {
	f.once.Do(func() {
		f.cancel()
		<-f.exited
	})
}

// open seeds the record set from a listing and opens the watch.
func (f *feed) open(ctx context.Context) (core.Watch, error) {
	docs, err := f.store.List(ctx, f.path)
	if err != nil {
		return nil, err
	}
	clear(f.records)
	for _, d := range docs {
		f.apply(core.Change{Type: core.ChangeAdded, Doc: d})
	}
	f.emit()
	return f.store.Watch(ctx, f.path, true)
}

func (f *feed) run(ctx context.Context, w core.Watch) {
	defer close(f.exited)
	defer close(f.out)

	backoff := minBackoff
	for {
		for done := false; !done; {
			select {
			case <-ctx.Done():
				w.Close()
				return
			case c, ok := <-w.Changes():
				if !ok {
					done = true
					break
				}
				if f.apply(c) {
					f.emit()
				}
				backoff = minBackoff
			}
		}
		w.Close()
		f.logger.Warn().Err(w.Err()).Dur("backoff", backoff).Msg("presence watch lost, reobserving")

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			next, err := f.open(ctx)
			if err != nil {
				f.logger.Warn().Err(err).Msg("reobserve failed")
				continue
			}
			w = next
			break
		}
	}
}

// apply folds one change into the record set and reports whether the set
// changed.
func (f *feed) apply(c core.Change) bool {
	id := domain.UserID(c.Doc.ID)
	if c.Type == core.ChangeRemoved {
		if _, ok := f.records[id]; !ok {
			return false
		}
		delete(f.records, id)
		return true
	}
	var p domain.Presence
	if err := msgpack.Unmarshal(c.Doc.Data, &p); err != nil {
		f.logger.Warn().Err(err).Str("doc", c.Doc.ID).Msg("skipping undecodable presence")
		return false
	}
	if p.UserID == "" {
		p.UserID = id
	}
	if old, ok := f.records[id]; ok && old == p {
		return false
	}
	f.records[id] = p
	return true
}

func (f *feed) emit() {
	snap := make(domain.PresenceSet, 0, len(f.records))
	for _, p := range f.records {
		snap = append(snap, p)
	}
	slices.SortFunc(snap, func(a, b domain.Presence) int { return strings.Compare(string(a.UserID), string(b.UserID)) })

	select {
	case f.out <- snap:
		return
	default:
	}
	// Replace the unread snapshot; this goroutine is the only sender.
	select {
	case <-f.out:
	default:
	}
	f.out <- snap
}
