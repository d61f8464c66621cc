package mesh

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/metrics"
)

var errNoRemoteDescription = errors.New("no remote description")

// fakeConn negotiates instantly: the responder reports Connected once it
// answers, the initiator once it applies the answer.
type fakeConn struct {
	owner  domain.UserID
	remote domain.UserID

	mu           sync.Mutex
	localDesc    *webrtc.SessionDescription
	remoteDesc   *webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	candidateErr int
	answers      int
	closed       bool

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(core.RemoteAudio)
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:" + string(c.owner)}
	c.mu.Lock()
	c.localDesc = &offer
	c.mu.Unlock()
	go c.gather()
	return offer, nil
}

func (c *fakeConn) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + string(c.owner)}
	c.mu.Lock()
	c.remoteDesc = &offer
	c.localDesc = &answer
	c.mu.Unlock()
	go c.gather()
	go c.connect()
	return answer, nil
}

func (c *fakeConn) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.localDesc == nil || c.localDesc.Type != webrtc.SDPTypeOffer || c.remoteDesc != nil {
		c.mu.Unlock()
		return errors.New("wrong signaling state")
	}
	c.remoteDesc = &answer
	c.answers++
	c.mu.Unlock()
	go c.connect()
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc != nil
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteDesc == nil {
		c.candidateErr++
		return errNoRemoteDescription
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) AddLocalAudio(core.LocalAudio) error { return nil }

func (c *fakeConn) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = f
	c.mu.Unlock()
}

func (c *fakeConn) OnTrack(f func(core.RemoteAudio)) {
	c.mu.Lock()
	c.onTrack = f
	c.mu.Unlock()
}

func (c *fakeConn) OnStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = f
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) gather() {
	c.mu.Lock()
	f := c.onCandidate
	c.mu.Unlock()
	if f != nil {
		f(webrtc.ICECandidateInit{Candidate: "candidate:" + string(c.owner)})
	}
}

func (c *fakeConn) connect() {
	c.mu.Lock()
	track, state := c.onTrack, c.onState
	c.mu.Unlock()
	if track != nil {
		track(fakeTrack{id: string(c.remote)})
	}
	if state != nil {
		state(webrtc.PeerConnectionStateConnected)
	}
}

func (c *fakeConn) fire(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	f := c.onState
	c.mu.Unlock()
	f(s)
}

func (c *fakeConn) snapshot() (candidates []webrtc.ICECandidateInit, candidateErr, answers int, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...), c.candidateErr, c.answers, c.closed
}

type fakeFactory struct {
	owner domain.UserID

	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) NewConnection(remote domain.UserID) (core.MediaConnection, error) {
	c := &fakeConn{owner: f.owner, remote: remote}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string { return t.id }
func (fakeTrack) ClockRate() uint32 { return 48000 }
func (fakeTrack) Channels() uint16 { return 2 }
func (fakeTrack) ReadRTP() (*rtp.Packet, error) { return nil, io.EOF }

type fakeSinks struct {
	mu       sync.Mutex
	attached map[domain.UserID]bool
	detached map[domain.UserID]bool
}

func newFakeSinks() *fakeSinks {
	return &fakeSinks{attached: map[domain.UserID]bool{}, detached: map[domain.UserID]bool{}}
}

func (s *fakeSinks) Attach(_ context.Context, id domain.UserID, _ core.RemoteAudio) {
	s.mu.Lock()
	s.attached[id] = true
	s.mu.Unlock()
}

func (s *fakeSinks) Detach(id domain.UserID) {
	s.mu.Lock()
	s.detached[id] = true
	s.mu.Unlock()
}

func (s *fakeSinks) state(id domain.UserID) (attached, detached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached[id], s.detached[id]
}

// countingMetrics records the anomalies the tests assert on and forwards
// everything else to a real collector.
type countingMetrics struct {
	metrics.Collector

	mu       sync.Mutex
	buffered int
	stale    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{Collector: metrics.New(), stale: map[string]int{}}
}

func (c *countingMetrics) CandidateBuffered() {
	c.mu.Lock()
	c.buffered++
	c.mu.Unlock()
}

func (c *countingMetrics) StaleSignal(kind, reason string) {
	c.mu.Lock()
	c.stale[kind+"/"+reason]++
	c.mu.Unlock()
}

func (c *countingMetrics) staleCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale[key]
}

func (c *countingMetrics) bufferedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}
