package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/voicemesh/internal/adapters/docstore"
	"github.com/dkeye/voicemesh/internal/app/mesh"
	"github.com/dkeye/voicemesh/internal/app/playback"
	"github.com/dkeye/voicemesh/internal/app/presence"
	"github.com/dkeye/voicemesh/internal/app/relay"
	"github.com/dkeye/voicemesh/internal/app/rooms"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/core/mocks"
	"github.com/dkeye/voicemesh/internal/domain"
)

type fakeLocal struct {
	muted   atomic.Bool
	stopped atomic.Bool
}

func (l *fakeLocal) Track() webrtc.TrackLocal { return nil }
func (l *fakeLocal) SetMuted(m bool) { l.muted.Store(m) }
func (l *fakeLocal) Muted() bool { return l.muted.Load() }
func (l *fakeLocal) Stop() { l.stopped.Store(true) }

// loopConn reports Connected as soon as both descriptions are in place.
type loopConn struct {
	mu      sync.Mutex
	remote  bool
	onState func(webrtc.PeerConnectionState)
}

func (c *loopConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (c *loopConn) ApplyOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.setRemote()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (c *loopConn) ApplyAnswer(webrtc.SessionDescription) error {
	c.setRemote()
	return nil
}

func (c *loopConn) setRemote() {
	c.mu.Lock()
	c.remote = true
	f := c.onState
	c.mu.Unlock()
	go f(webrtc.PeerConnectionStateConnected)
}

func (c *loopConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *loopConn) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (c *loopConn) AddLocalAudio(core.LocalAudio) error { return nil }
func (c *loopConn) OnICECandidate(func(webrtc.ICECandidateInit)) {}
func (c *loopConn) OnTrack(func(core.RemoteAudio)) {}
func (c *loopConn) Close() error { return nil }

func (c *loopConn) OnStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = f
	c.mu.Unlock()
}

type loopFactory struct{ opened atomic.Int32 }

func (f *loopFactory) NewConnection(domain.UserID) (core.MediaConnection, error) {
	f.opened.Add(1)
	return &loopConn{}, nil
}

type fixture struct {
	store *docstore.Memory
	rooms *rooms.Controller
	room  *domain.Room
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: docstore.NewMemory(), now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	f.rooms = rooms.NewController(f.store, rooms.WithClock(func() time.Time { return f.now }))
	room, err := f.rooms.Create(context.Background(), "owner")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.room = room
	return f
}

func (f *fixture) session(id domain.UserID, identity core.IdentityProvider, capture core.Capturer, conns core.ConnectionFactory) *Session {
	return New(Config{
		Room:        f.room.ID,
		Identity:    identity,
		Rooms:       f.rooms,
		Presence:    presence.New(f.store),
		Relay:       relay.New(f.store),
		Capture:     capture,
		Connections: conns,
		Sinks:       playback.New(),
		NewSessionID: func() domain.SessionID {
			return domain.SessionID(fmt.Sprintf("%s-%d", id, time.Now().UnixNano()))
		},
	})
}

func (f *fixture) presenceCount(t *testing.T) int {
	t.Helper()
	docs, err := f.store.List(context.Background(), core.PresencePath(f.room.ID))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return len(docs)
}

func participant(id string) core.IdentityProvider {
	p := domain.Participant{ID: domain.UserID(id), DisplayName: id}
	return core.StaticIdentity{Participant: &p}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnableAlone(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)

	identity := mocks.NewMockIdentityProvider(ctrl)
	identity.EXPECT().Current().Return(domain.Participant{ID: "alice", DisplayName: "Alice"}, true)
	capture := mocks.NewMockCapturer(ctrl)
	capture.EXPECT().Acquire(gomock.Any()).Return(&fakeLocal{}, nil)
	conns := &loopFactory{}

	s := f.session("alice", identity, capture, conns)
	if err := s.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	defer s.Disable()

	if !s.IsEnabled() {
		t.Fatalf("not enabled")
	}
	if got := s.ParticipantCount(); got != 1 {
		t.Fatalf("ParticipantCount=%d, want 1", got)
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(s.Peers()); got != 0 {
		t.Fatalf("peers=%d, want 0", got)
	}
	if got := conns.opened.Load(); got != 0 {
		t.Fatalf("connections=%d, want 0", got)
	}
	if got := f.presenceCount(t); got != 1 {
		t.Fatalf("presence records=%d, want 1", got)
	}
}

func TestToggleLeavesNoListeners(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)
	baseline := f.store.Watches()

	first, second := &fakeLocal{}, &fakeLocal{}
	capture := mocks.NewMockCapturer(ctrl)
	gomock.InOrder(
		capture.EXPECT().Acquire(gomock.Any()).Return(first, nil),
		capture.EXPECT().Acquire(gomock.Any()).Return(second, nil),
	)
	s := f.session("alice", participant("alice"), capture, &loopFactory{})
	ctx := context.Background()

	if err := s.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := s.Enable(ctx); err != nil {
		t.Fatalf("second Enable: %v", err)
	}
	if f.store.Watches() == baseline {
		t.Fatalf("enabled session holds no watches")
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if got := f.store.Watches(); got != baseline {
		t.Fatalf("watches after disable=%d, want %d", got, baseline)
	}
	if !first.stopped.Load() {
		t.Fatalf("capture not released")
	}
	if got := f.presenceCount(t); got != 0 {
		t.Fatalf("presence records=%d, want 0", got)
	}

	if err := s.Enable(ctx); err != nil {
		t.Fatalf("re-Enable: %v", err)
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("second Disable: %v", err)
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("idempotent Disable: %v", err)
	}
	if got := f.store.Watches(); got != baseline {
		t.Fatalf("watches after toggle=%d, want %d", got, baseline)
	}
	if !second.stopped.Load() {
		t.Fatalf("second capture not released")
	}
	if s.ParticipantCount() != 0 {
		t.Fatalf("disabled session reports participants")
	}
}

func TestDeviceFailureKeepsSessionDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)
	baseline := f.store.Watches()

	capture := mocks.NewMockCapturer(ctrl)
	capture.EXPECT().Acquire(gomock.Any()).
		Return(nil, fmt.Errorf("%w: permission denied", core.ErrDeviceAcquisitionFailed))
	s := f.session("alice", participant("alice"), capture, &loopFactory{})

	err := s.Enable(context.Background())
	if !errors.Is(err, core.ErrDeviceAcquisitionFailed) {
		t.Fatalf("err=%v, want ErrDeviceAcquisitionFailed", err)
	}
	var opErr *core.OpError
	if !errors.As(err, &opErr) || opErr.Op != "enable" {
		t.Fatalf("err=%#v, want *core.OpError for enable", err)
	}
	if s.IsEnabled() {
		t.Fatalf("enabled after device failure")
	}
	if got := f.store.Watches(); got != baseline {
		t.Fatalf("watches=%d, want %d", got, baseline)
	}
	if got := f.presenceCount(t); got != 0 {
		t.Fatalf("presence records=%d, want 0", got)
	}
}

func TestEnableWithoutIdentity(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)
	identity := mocks.NewMockIdentityProvider(ctrl)
	identity.EXPECT().Current().Return(domain.Participant{}, false)
	// No Acquire expectation: the device must not be touched.
	s := f.session("alice", identity, mocks.NewMockCapturer(ctrl), &loopFactory{})

	if err := s.Enable(context.Background()); !errors.Is(err, core.ErrNoIdentity) {
		t.Fatalf("err=%v, want ErrNoIdentity", err)
	}
}

func TestEnableInExpiredRoom(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)
	f.now = f.now.Add(61 * time.Minute)
	s := f.session("alice", participant("alice"), mocks.NewMockCapturer(ctrl), &loopFactory{})

	err := s.Enable(context.Background())
	if !errors.Is(err, core.ErrRoomExpired) || !core.Terminal(err) {
		t.Fatalf("err=%v, want terminal ErrRoomExpired", err)
	}
	err = s.Enable(context.Background())
	if !errors.Is(err, core.ErrRoomNotFound) {
		t.Fatalf("err=%v, want ErrRoomNotFound after lazy delete", err)
	}
}

func TestDisableNeverEnabled(t *testing.T) {
	f := newFixture(t)
	s := f.session("alice", participant("alice"), nil, nil)
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
}

func TestTwoParticipantsConnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)
	capture := mocks.NewMockCapturer(ctrl)
	capture.EXPECT().Acquire(gomock.Any()).DoAndReturn(func(context.Context) (core.LocalAudio, error) {
		return &fakeLocal{}, nil
	}).Times(2)

	alice := f.session("alice", participant("alice"), capture, &loopFactory{})
	bob := f.session("bob", participant("bob"), capture, &loopFactory{})
	ctx := context.Background()
	if err := alice.Enable(ctx); err != nil {
		t.Fatalf("alice Enable: %v", err)
	}
	defer alice.Disable()
	if err := bob.Enable(ctx); err != nil {
		t.Fatalf("bob Enable: %v", err)
	}

	connected := func(s *Session) bool {
		peers := s.Peers()
		return len(peers) == 1 && peers[0].State == mesh.Connected
	}
	eventually(t, "A-B connected", func() bool { return connected(alice) && connected(bob) })
	eventually(t, "both counted", func() bool {
		return alice.ParticipantCount() == 2 && bob.ParticipantCount() == 2
	})

	if err := bob.Disable(); err != nil {
		t.Fatalf("bob Disable: %v", err)
	}
	eventually(t, "alice drops bob", func() bool {
		return len(alice.Peers()) == 0 && alice.ParticipantCount() == 1
	})
}

func TestMuteSticksAcrossEnable(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)
	local := &fakeLocal{}
	capture := mocks.NewMockCapturer(ctrl)
	capture.EXPECT().Acquire(gomock.Any()).Return(local, nil)
	s := f.session("alice", participant("alice"), capture, &loopFactory{})
	ctx := context.Background()

	if err := s.SetMuted(ctx, true); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	if err := s.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	defer s.Disable()
	if !local.Muted() || !s.Muted() {
		t.Fatalf("mute not applied on enable")
	}

	if err := s.SetMuted(ctx, false); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	if local.Muted() {
		t.Fatalf("track still muted")
	}
}

func TestRetiredRoomEndsSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)
	baseline := f.store.Watches()
	local := &fakeLocal{}
	capture := mocks.NewMockCapturer(ctrl)
	capture.EXPECT().Acquire(gomock.Any()).Return(local, nil)

	ended := make(chan error, 1)
	s := New(Config{
		Room:        f.room.ID,
		Identity:    participant("alice"),
		Rooms:       f.rooms,
		Presence:    presence.New(f.store),
		Relay:       relay.New(f.store),
		Capture:     capture,
		Connections: &loopFactory{},
		Sinks:       playback.New(),
		OnEnd:       func(err error) { ended <- err },
	})
	ctx := context.Background()
	if err := s.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err=%v after Enable", err)
	}

	if err := f.rooms.Retire(ctx, f.room.ID); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	select {
	case err := <-ended:
		if !errors.Is(err, core.ErrRoomNotFound) {
			t.Fatalf("OnEnd err=%v, want ErrRoomNotFound", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("session kept running in a retired room")
	}

	if s.IsEnabled() {
		t.Fatalf("still enabled")
	}
	if !errors.Is(s.Err(), core.ErrRoomNotFound) {
		t.Fatalf("Err=%v, want ErrRoomNotFound", s.Err())
	}
	if !local.stopped.Load() {
		t.Fatalf("capture not released")
	}
	if got := f.store.Watches(); got != baseline {
		t.Fatalf("watches=%d, want %d", got, baseline)
	}
	if got := f.presenceCount(t); got != 0 {
		t.Fatalf("presence records=%d, want 0", got)
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable after end: %v", err)
	}
}

func TestDisableBeatsInvalidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)
	capture := mocks.NewMockCapturer(ctrl)
	capture.EXPECT().Acquire(gomock.Any()).Return(&fakeLocal{}, nil)
	s := f.session("alice", participant("alice"), capture, &loopFactory{})
	ctx := context.Background()

	if err := s.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := f.rooms.Retire(ctx, f.room.ID); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := s.Err(); err != nil {
		t.Fatalf("Err=%v for a session disabled by hand", err)
	}
}

// mutingSinks records the last mute state applied per participant.
type mutingSinks struct {
	mu    sync.Mutex
	muted map[domain.UserID]bool
}

func (s *mutingSinks) Attach(context.Context, domain.UserID, core.RemoteAudio) {}
func (s *mutingSinks) Detach(domain.UserID)                                   {}

func (s *mutingSinks) SetMuted(id domain.UserID, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted[id] = muted
}

func (s *mutingSinks) state(id domain.UserID) (muted, seen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	muted, seen = s.muted[id]
	return muted, seen
}

func TestRemoteMuteReachesPlayback(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)
	capture := mocks.NewMockCapturer(ctrl)
	capture.EXPECT().Acquire(gomock.Any()).DoAndReturn(func(context.Context) (core.LocalAudio, error) {
		return &fakeLocal{}, nil
	}).Times(2)

	sinks := &mutingSinks{muted: map[domain.UserID]bool{}}
	alice := New(Config{
		Room:        f.room.ID,
		Identity:    participant("alice"),
		Rooms:       f.rooms,
		Presence:    presence.New(f.store),
		Relay:       relay.New(f.store),
		Capture:     capture,
		Connections: &loopFactory{},
		Sinks:       sinks,
	})
	bob := f.session("bob", participant("bob"), capture, &loopFactory{})
	ctx := context.Background()
	if err := alice.Enable(ctx); err != nil {
		t.Fatalf("alice Enable: %v", err)
	}
	defer alice.Disable()
	if err := bob.Enable(ctx); err != nil {
		t.Fatalf("bob Enable: %v", err)
	}
	defer bob.Disable()

	eventually(t, "bob seen unmuted", func() bool {
		muted, seen := sinks.state("bob")
		return seen && !muted
	})
	if err := bob.SetMuted(ctx, true); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	eventually(t, "bob muted in playback", func() bool {
		muted, _ := sinks.state("bob")
		return muted
	})
	if err := bob.SetMuted(ctx, false); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	eventually(t, "bob unmuted in playback", func() bool {
		muted, _ := sinks.state("bob")
		return !muted
	})
	if _, seen := sinks.state("alice"); seen {
		t.Fatalf("own record applied to playback")
	}
}
var _ remoteMuter = (*playback.Sinks)(nil)
