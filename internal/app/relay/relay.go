// Package relay exchanges negotiation messages through a room-scoped,
// append-only signal collection in the document store.
package relay

import (
	"context"
	"errors"
	"fmt"
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

var ErrBadSignal = errors.New("bad signal")

type Relay struct {
	store core.DocumentStore
}

func New(store core.DocumentStore) *Relay {
	return &Relay{store: store}
}

// Publish appends msg to the room's signal channel. On success msg carries
// the store-assigned id, sequence and timestamp.
func (r *Relay) Publish(ctx context.Context, room domain.RoomID, msg *domain.Signal) error {
	switch msg.Kind {
	case domain.SignalOffer, domain.SignalAnswer:
		if msg.Description == nil {
			return fmt.Errorf("%w: %s without description", ErrBadSignal, msg.Kind)
		}
	case domain.SignalCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("%w: candidate without payload", ErrBadSignal)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrBadSignal, msg.Kind)
	}
	msg.RoomID = room

	data, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	doc, err := r.store.Add(ctx, core.SignalsPath(room), data)
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}
	msg.ID, msg.Seq, msg.CreatedAt = doc.ID, doc.Seq, doc.UpdatedAt
	return nil
}

// Subscribe streams signals appended after the call that pass filter.
// A watch lost to a store failure is reopened with backoff and the gap is
// replayed, so delivery is at-least-once. The caller must Close() it.
func (r *Relay) Subscribe(ctx context.Context, room domain.RoomID, filter core.SignalFilter) (core.Subscription, error) {
	path := core.SignalsPath(room)
	// Everything already stored is history; the watch replays it and the
	// sequence floor filters it out.
	existing, err := r.store.List(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", room, err)
	}
	var floor uint64
	for _, d := range existing {
		floor = max(floor, d.Seq)
	}
	w, err := r.store.Watch(ctx, path, true)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", room, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		store:   r.store,
		path:    path,
		filter:  filter,
		lastSeq: floor,
		out:     make(chan *domain.Signal),
		cancel:  cancel,
		exited:  make(chan struct{}),
		logger:  log.With().Str("module", "app.relay").Str("room", string(room)).Logger(),
	}
	go s.run(runCtx, w)
	return s, nil
}

type subscription struct {
	store  core.DocumentStore
	path   string
	filter core.SignalFilter
	out    chan *domain.Signal
	logger zerolog.Logger

	lastSeq uint64

	cancel context.CancelFunc
	exited chan struct{}
	once   sync.Once
}

func (s *subscription) Signals() <-chan *domain.Signal { return s.out }

// Close stops delivery and returns once the underlying watch is released.
func (s *subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.exited
	})
}

func (s *subscription) run(ctx context.Context, w core.Watch) {
	defer close(s.exited)
	defer close(s.out)

	backoff := minBackoff
	for {
		delivered := s.drain(ctx, w)
		w.Close()
		if ctx.Err() != nil {
			return
		}
		if delivered {
			backoff = minBackoff
		}
		s.logger.Warn().Err(w.Err()).Dur("backoff", backoff).Msg("signal watch lost, resubscribing")

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)

			next, err := s.store.Watch(ctx, s.path, true)
			if err != nil {
				s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("resubscribe failed")
				continue
			}
			w = next
			break
		}
	}
}

// drain forwards changes until the watch ends or ctx is done.
func (s *subscription) drain(ctx context.Context, w core.Watch) (delivered bool) {
	for {
		select {
		case <-ctx.Done():
			return delivered
		case c, ok := <-w.Changes():
			if !ok {
				return delivered
			}
			if c.Type != core.ChangeAdded || c.Doc.Seq <= s.lastSeq {
				continue
			}
			s.lastSeq = c.Doc.Seq
			msg, err := decode(c.Doc)
			if err != nil {
				s.logger.Warn().Err(err).Str("doc", c.Doc.ID).Msg("skipping undecodable signal")
				continue
			}
			if s.filter != nil && !s.filter(msg) {
				continue
			}
			select {
			case s.out <- msg:
				delivered = true
			case <-ctx.Done():
				return delivered
			}
		}
	}
}

func decode(doc core.Document) (*domain.Signal, error) {
	var msg domain.Signal
	if err := msgpack.Unmarshal(doc.Data, &msg); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	msg.ID, msg.Seq, msg.CreatedAt = doc.ID, doc.Seq, doc.UpdatedAt
	return &msg, nil
}

// ForSession selects the messages addressed to one local session.
func ForSession(id domain.UserID, sid domain.SessionID) core.SignalFilter {
	return func(s *domain.Signal) bool { return s.AddressedTo(id, sid) }
}
