package mesh

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

const inboxSize = 64

type peerEvent interface{ isPeerEvent() }

type (
	startEvent     struct{}
	signalEvent    struct{ msg *domain.Signal }
	candidateEvent struct{ cand webrtc.ICECandidateInit }
	stateEvent     struct{ state webrtc.PeerConnectionState }
	trackEvent     struct{ track core.RemoteAudio }
)

func (startEvent) isPeerEvent() {}
func (signalEvent) isPeerEvent() {}
func (candidateEvent) isPeerEvent() {}
func (stateEvent) isPeerEvent() {}
func (trackEvent) isPeerEvent() {}

// peer owns the link to one remote participant. Every field below the
// channel block is touched only by the run goroutine, so negotiation steps
// for one remote never interleave.
type peer struct {
	m         *Manager
	remote    domain.UserID
	initiator bool
	conn      core.MediaConnection
	logger    zerolog.Logger

	state atomic.Int32

	// remoteSession is fixed at creation or by the first offer; the manager
	// reads it only before the peer starts or through session().
	sessionMu     sync.RWMutex
	remoteSession domain.SessionID

	// seen is owned by the manager loop.
	seen bool

	inbox  chan peerEvent
	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
	once   sync.Once

	pending  []webrtc.ICECandidateInit
	track    core.RemoteAudio
	attached bool
}

func newPeer(ctx context.Context, m *Manager, remote domain.UserID, sid domain.SessionID, conn core.MediaConnection) *peer {
	pctx, cancel := context.WithCancel(ctx)
	return &peer{
		m:             m,
		remote:        remote,
		initiator:     m.topology.Initiator(m.self.ID, remote),
		conn:          conn,
		remoteSession: sid,
		inbox:         make(chan peerEvent, inboxSize),
		ctx:           pctx,
		cancel:        cancel,
		exited:        make(chan struct{}),
		logger: m.logger.With().
			Str("remote", string(remote)).
			Logger(),
	}
}

func (p *peer) State() State { return State(p.state.Load()) }

func (p *peer) session() domain.SessionID {
	p.sessionMu.RLock()
	defer p.sessionMu.RUnlock()
	return p.remoteSession
}

func (p *peer) setSession(sid domain.SessionID) {
	p.sessionMu.Lock()
	p.remoteSession = sid
	p.sessionMu.Unlock()
}

func (p *peer) transition(s State) {
	if p.State() == s {
		return
	}
	p.state.Store(int32(s))
	p.m.metrics.PeerTransition(s.String())
	p.logger.Debug().Str("state", s.String()).Msg("peer state")
}

// post queues an event for the run loop. Events after shutdown are dropped.
func (p *peer) post(ev peerEvent) {
	select {
	case p.inbox <- ev:
	case <-p.ctx.Done():
	}
}

func (p *peer) run() {
	defer close(p.exited)

	p.conn.OnICECandidate(func(c webrtc.ICECandidateInit) { p.post(candidateEvent{cand: c}) })
	p.conn.OnStateChange(func(s webrtc.PeerConnectionState) { p.post(stateEvent{state: s}) })
	p.conn.OnTrack(func(t core.RemoteAudio) { p.post(trackEvent{track: t}) })

	if local := p.m.local; local != nil {
		if err := p.conn.AddLocalAudio(local); err != nil {
			p.logger.Error().Err(err).Msg("add local audio failed")
			p.fail("media_error")
		}
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.inbox:
			if p.State() == Closed {
				continue
			}
			p.handle(ev)
		}
	}
}

func (p *peer) handle(ev peerEvent) {
	switch e := ev.(type) {
	case startEvent:
		p.sendOffer()
	case signalEvent:
		switch e.msg.Kind {
		case domain.SignalOffer:
			p.onOffer(e.msg)
		case domain.SignalAnswer:
			p.onAnswer(e.msg)
		case domain.SignalCandidate:
			p.onRemoteCandidate(e.msg)
		}
	case candidateEvent:
		c := e.cand
		p.publish(&domain.Signal{Kind: domain.SignalCandidate, Candidate: &c})
	case stateEvent:
		p.onConnState(e.state)
	case trackEvent:
		p.track = e.track
		p.attach()
	}
}

func (p *peer) sendOffer() {
	if p.State() != Idle {
		return
	}
	offer, err := p.conn.CreateOffer()
	if err != nil {
		p.logger.Error().Err(err).Msg("create offer failed")
		p.fail("offer_failed")
		return
	}
	// Local candidates gathered from here on queue behind this handler,
	// so the offer is always published first.
	p.publish(&domain.Signal{Kind: domain.SignalOffer, Description: &offer})
	p.transition(OfferSent)
}

func (p *peer) onOffer(msg *domain.Signal) {
	if p.State() != Idle {
		p.stale(msg, "duplicate_offer")
		return
	}
	if p.session() == "" {
		p.setSession(msg.FromSession)
	}
	answer, err := p.conn.ApplyOffer(*msg.Description)
	if err != nil {
		p.logger.Error().Err(err).Msg("apply offer failed")
		p.fail("offer_rejected")
		return
	}
	p.transition(OfferReceived)
	p.flushCandidates()
	p.publish(&domain.Signal{Kind: domain.SignalAnswer, Description: &answer})
	p.transition(AnswerExchanged)
}

func (p *peer) onAnswer(msg *domain.Signal) {
	if p.State() != OfferSent {
		p.stale(msg, "unexpected_answer")
		return
	}
	if err := p.conn.ApplyAnswer(*msg.Description); err != nil {
		// A late answer from an older negotiation lands here too.
		p.logger.Warn().Err(err).Msg("answer not applicable, ignoring")
		p.m.metrics.StaleSignal(string(msg.Kind), "answer_rejected")
		return
	}
	p.transition(AnswerExchanged)
	p.flushCandidates()
}

func (p *peer) onRemoteCandidate(msg *domain.Signal) {
	if !p.conn.HasRemoteDescription() {
		p.pending = append(p.pending, *msg.Candidate)
		p.m.metrics.CandidateBuffered()
		return
	}
	if err := p.conn.AddICECandidate(*msg.Candidate); err != nil {
		p.logger.Warn().Err(err).Msg("add ICE candidate failed")
	}
}

func (p *peer) flushCandidates() {
	for _, c := range p.pending {
		if err := p.conn.AddICECandidate(c); err != nil {
			p.logger.Warn().Err(err).Msg("add buffered ICE candidate failed")
		}
	}
	p.pending = nil
}

func (p *peer) onConnState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if p.State() != AnswerExchanged {
			return
		}
		p.transition(Connected)
		p.logger.Info().Msg("peer connected")
		p.attach()
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		p.logger.Warn().Str("conn_state", s.String()).Msg("transport lost")
		p.fail("transport_" + s.String())
	}
}

// attach starts playback once the link is up and the remote track is known.
func (p *peer) attach() {
	if p.attached || p.track == nil || p.State() != Connected {
		return
	}
	p.m.sinks.Attach(p.ctx, p.remote, p.track)
	p.attached = true
}

// fail marks the peer closed and asks the manager to drop it. No retry.
func (p *peer) fail(reason string) {
	p.transition(Closed)
	// The manager may be blocked posting to this inbox; hand off instead.
	p.m.wg.Go(func() {
		select {
		case p.m.gone <- goneEvent{peer: p, reason: reason}:
		case <-p.ctx.Done():
		}
	})
}

func (p *peer) publish(msg *domain.Signal) {
	msg.From = p.m.self.ID
	msg.FromSession = p.m.session
	msg.To = p.remote
	msg.ToSession = p.session()
	if err := p.m.relay.Publish(p.ctx, p.m.room, msg); err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.m.metrics.SignalFailed(string(msg.Kind))
		p.logger.Error().Err(err).Str("kind", string(msg.Kind)).Msg("publish failed")
		return
	}
	p.m.metrics.SignalSent(string(msg.Kind))
}

func (p *peer) stale(msg *domain.Signal, reason string) {
	p.m.metrics.StaleSignal(string(msg.Kind), reason)
	p.logger.Debug().
		Str("kind", string(msg.Kind)).
		Str("reason", reason).
		Str("state", p.State().String()).
		Msg("ignoring stale signal")
}

// stop tears the link down and waits for the run loop. Safe to call twice.
func (p *peer) stop(reason string) {
	p.once.Do(func() {
		p.cancel()
		<-p.exited
		if err := p.conn.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("close connection")
		}
		if p.attached {
			p.m.sinks.Detach(p.remote)
		}
		p.transition(Closed)
		p.m.metrics.PeerClosed(reason)
		p.logger.Info().Str("reason", reason).Msg("peer closed")
	})
}
