// Package voice is the public face of a room's voice chat: one Session per
// room, switched on and off by the UI layer.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/voicemesh/internal/app/mesh"
	"github.com/dkeye/voicemesh/internal/app/relay"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/metrics"
)

const leaveTimeout = 5 * time.Second

// Config wires a Session. Every collaborator is injected; nothing is global.
type Config struct {
	Room domain.RoomID

	Identity    core.IdentityProvider
	Rooms       core.RoomValidator
	Presence    core.PresenceRegistry
	Relay       core.SignalRelay
	Capture     core.Capturer
	Connections core.ConnectionFactory
	Sinks       core.PlaybackSinks

	Topology mesh.Topology
	Metrics  metrics.Collector
	// Heartbeat refreshes the presence record; zero disables it.
	Heartbeat time.Duration
	// OnEnd is called after the session shut itself down because its room
	// became unusable. Not called for Disable.
	OnEnd func(error)

	NewSessionID func() domain.SessionID
	Now          func() time.Time
}

// keepaliver is implemented by registries that can refresh a record on a timer.
type keepaliver interface {
	Keepalive(ctx context.Context, room domain.RoomID, current func() domain.Presence, period time.Duration)
}

type Session struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	active *run
	muted  bool
	ended  error
}

// remoteMuter is implemented by sinks that can silence one participant.
type remoteMuter interface {
	SetMuted(id domain.UserID, muted bool)
}

// run is everything one Enable call acquired.
type run struct {
	self  domain.Participant
	sid   domain.SessionID
	local core.LocalAudio
	sub   core.Subscription
	feed  core.PresenceFeed
	mesh  *mesh.Manager
	sinks core.PlaybackSinks

	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.RWMutex
	snapshot domain.PresenceSet
	record   domain.Presence
}

func New(cfg Config) *Session {
	if cfg.Topology == nil {
		cfg.Topology = mesh.FullMesh{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = func() domain.SessionID { return domain.SessionID(uuid.NewString()) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{
		cfg:    cfg,
		logger: log.With().Str("module", "app.voice").Str("room", string(cfg.Room)).Logger(),
	}
}

// Enable joins the room's voice mesh. It is a no-op when already enabled.
// On failure everything acquired so far is released and the session stays
// disabled; the error is a *core.OpError.
func (s *Session) Enable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil
	}

	self, ok := s.cfg.Identity.Current()
	if !ok {
		return &core.OpError{Op: "enable", Err: core.ErrNoIdentity}
	}
	room, err := s.cfg.Rooms.Validate(ctx, s.cfg.Room)
	if err != nil {
		s.cfg.Metrics.RoomValidated(validationResult(err))
		return &core.OpError{Op: "enable", Err: err}
	}
	s.cfg.Metrics.RoomValidated("valid")

	r, err := s.start(ctx, self, room)
	if err != nil {
		s.logger.Error().Err(err).Str("user", string(self.ID)).Msg("enable failed")
		return &core.OpError{Op: "enable", Err: err}
	}
	s.active = r
	s.ended = nil
	s.logger.Info().Str("user", string(self.ID)).Str("session", string(r.sid)).Msg("voice enabled")
	return nil
}

func (s *Session) start(ctx context.Context, self domain.Participant, room *domain.Room) (_ *run, err error) {
	local, err := s.cfg.Capture.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	local.SetMuted(s.muted)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		self:   self,
		sid:    s.cfg.NewSessionID(),
		local:  local,
		sinks:  s.cfg.Sinks,
		cancel: cancel,
	}
	defer func() {
		if err != nil {
			r.release()
		}
	}()

	if r.sub, err = s.cfg.Relay.Subscribe(runCtx, s.cfg.Room, relay.ForSession(self.ID, r.sid)); err != nil {
		return nil, err
	}
	if r.feed, err = s.cfg.Presence.Observe(runCtx, s.cfg.Room); err != nil {
		return nil, err
	}
	invalid, err := s.cfg.Rooms.Invalidated(runCtx, room)
	if err != nil {
		return nil, err
	}
	r.wg.Go(func() {
		if cause, ok := <-invalid; ok {
			// end waits for this group, so it cannot run inside it.
			go s.end(r, cause)
		}
	})
	r.record = domain.NewPresence(self, r.sid, s.cfg.Now())
	r.record.Muted = s.muted
	if err = s.cfg.Presence.Announce(ctx, s.cfg.Room, r.record); err != nil {
		return nil, err
	}

	r.mesh = mesh.NewManager(mesh.Config{
		Room:        s.cfg.Room,
		Self:        self,
		Session:     r.sid,
		Relay:       s.cfg.Relay,
		Connections: s.cfg.Connections,
		Sinks:       s.cfg.Sinks,
		Local:       local,
		Topology:    s.cfg.Topology,
		Metrics:     s.cfg.Metrics,
	})
	toMesh := make(chan domain.PresenceSet, 1)
	r.wg.Go(func() { r.track(runCtx, toMesh) })
	r.wg.Go(func() { r.mesh.Run(runCtx, toMesh, r.sub.Signals()) })

	if k, ok := s.cfg.Presence.(keepaliver); ok && s.cfg.Heartbeat > 0 {
		r.wg.Go(func() { k.Keepalive(runCtx, s.cfg.Room, r.current, s.cfg.Heartbeat) })
	}
	return r, nil
}

// track keeps the latest snapshot for counting, applies each remote's
// published mute to playback and hands the snapshot to the mesh.
func (r *run) track(ctx context.Context, out chan<- domain.PresenceSet) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-r.feed.Snapshots():
			if !ok {
				return
			}
			r.mu.Lock()
			r.snapshot = snap
			r.mu.Unlock()
			if m, ok := r.sinks.(remoteMuter); ok {
				for _, p := range snap.Without(r.self.ID) {
					m.SetMuted(p.UserID, p.Muted)
				}
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *run) current() domain.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.record
}

func (r *run) remoteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.snapshot.Without(r.self.ID))
}

// halt stops the mesh and heartbeat and waits for them. Every peer link is
// closed when it returns.
func (r *run) halt() {
	r.cancel()
	r.wg.Wait()
}

// release tears down in reverse acquisition order.
func (r *run) release() {
	r.halt()
	if r.feed != nil {
		r.feed.Close()
	}
	if r.sub != nil {
		r.sub.Close()
	}
	r.local.Stop()
}

// Disable leaves the room's voice mesh. Safe to call at any time. Teardown
// always completes; a failed presence removal is reported afterwards.
func (s *Session) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.active
	if r == nil {
		return nil
	}
	s.active = nil

	if err := s.teardown(r); err != nil {
		return &core.OpError{Op: "disable", Err: err}
	}
	return nil
}

// end shuts r down after its room became unusable, unless r is no longer
// the active run.
func (s *Session) end(r *run, cause error) {
	s.mu.Lock()
	if s.active != r {
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.ended = cause
	s.logger.Warn().Err(cause).Str("user", string(r.self.ID)).Msg("room no longer usable")
	_ = s.teardown(r)
	onEnd := s.cfg.OnEnd
	s.mu.Unlock()

	if onEnd != nil {
		onEnd(cause)
	}
}

// teardown must be called with mu held and r already detached.
func (s *Session) teardown(r *run) error {
	// The heartbeat must be gone before the record is deleted.
	r.halt()
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	leaveErr := s.cfg.Presence.Leave(ctx, s.cfg.Room, r.self.ID)
	r.release()

	s.logger.Info().Str("user", string(r.self.ID)).Str("session", string(r.sid)).Msg("voice disabled")
	if leaveErr != nil {
		s.logger.Warn().Err(leaveErr).Msg("presence record left behind")
	}
	return leaveErr
}

// Err reports why the session last shut itself down, or nil after a
// successful Enable.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// ParticipantCount is the local participant plus every remote presence
// record, or zero while disabled.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()
	if r == nil {
		return 0
	}
	return 1 + r.remoteCount()
}

// Peers reports the mesh links of the current run.
func (s *Session) Peers() []mesh.PeerStatus {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.mesh.Peers()
}

// SetMuted silences the outgoing track and publishes the new state in the
// presence record. The choice sticks across Disable/Enable.
func (s *Session) SetMuted(ctx context.Context, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	r := s.active
	if r == nil {
		return nil
	}
	r.local.SetMuted(muted)

	r.mu.Lock()
	r.record.Muted = muted
	r.record.LastSeen = s.cfg.Now()
	rec := r.record
	r.mu.Unlock()
	if err := s.cfg.Presence.Announce(ctx, s.cfg.Room, rec); err != nil {
		return &core.OpError{Op: "mute", Err: err}
	}
	return nil
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func validationResult(err error) string {
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		return "not_found"
	case errors.Is(err, core.ErrRoomExpired):
		return "expired"
	default:
		return "error"
	}
}

// String is for log lines and the CLI status output.
func (s *Session) String() string {
	if !s.IsEnabled() {
		return fmt.Sprintf("voice[%s] off", s.cfg.Room)
	}
	return fmt.Sprintf("voice[%s] on, %d participant(s)", s.cfg.Room, s.ParticipantCount())
}
