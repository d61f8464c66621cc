// Package mesh keeps one negotiated media connection per remote participant
// of a room, driven by presence snapshots and relayed signals.
package mesh

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/metrics"
)

// Config wires a Manager to its collaborators.
type Config struct {
	Room    domain.RoomID
	Self    domain.Participant
	Session domain.SessionID

	Relay       core.SignalRelay
	Connections core.ConnectionFactory
	Sinks       core.PlaybackSinks
	// Local is added to every connection; nil joins receive-only.
	Local    core.LocalAudio
	Topology Topology
	Metrics  metrics.Collector
}

// PeerStatus is a point-in-time view of one link.
type PeerStatus struct {
	Remote domain.UserID
	State  State
}

type goneEvent struct {
	peer   *peer
	reason string
}

// Manager owns the peer registry. Inserts and removals happen only on the
// Run goroutine, so operations on one remote id never race.
type Manager struct {
	room     domain.RoomID
	self     domain.Participant
	session  domain.SessionID
	relay    core.SignalRelay
	factory  core.ConnectionFactory
	sinks    core.PlaybackSinks
	local    core.LocalAudio
	topology Topology
	metrics  metrics.Collector
	logger   zerolog.Logger

	mu    sync.RWMutex
	peers map[domain.UserID]*peer

	// failed holds the remote session of each link lost to a transport
	// failure. That session is never reconnected; owned by the Run loop.
	failed map[domain.UserID]domain.SessionID

	gone chan goneEvent
	wg   conc.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.Topology == nil {
		cfg.Topology = FullMesh{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Manager{
		room:     cfg.Room,
		self:     cfg.Self,
		session:  cfg.Session,
		relay:    cfg.Relay,
		factory:  cfg.Connections,
		sinks:    cfg.Sinks,
		local:    cfg.Local,
		topology: cfg.Topology,
		metrics:  cfg.Metrics,
		peers:    make(map[domain.UserID]*peer),
		failed:   make(map[domain.UserID]domain.SessionID),
		gone:     make(chan goneEvent),
		logger: log.With().
			Str("module", "app.mesh").
			Str("room", string(cfg.Room)).
			Str("self", string(cfg.Self.ID)).
			Logger(),
	}
}

// Run reacts to presence snapshots and signals until ctx is done, then
// closes every link and returns once all peer goroutines have exited.
// A closed input channel is treated as "no more updates" from that side.
func (m *Manager) Run(ctx context.Context, presence <-chan domain.PresenceSet, signals <-chan *domain.Signal) {
	m.logger.Info().Msg("mesh started")
	defer func() {
		m.closeAll("local_disable")
		m.wg.Wait()
		m.logger.Info().Msg("mesh stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-presence:
			if !ok {
				presence = nil
				continue
			}
			m.reconcile(ctx, snap)
		case msg, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			m.route(ctx, msg)
		case ev := <-m.gone:
			m.failed[ev.peer.remote] = ev.peer.session()
			m.remove(ev.peer, ev.reason)
		}
	}
}

// Peers lists current links sorted by remote id.
func (m *Manager) Peers() []PeerStatus {
	m.mu.RLock()
	out := make([]PeerStatus, 0, len(m.peers))
	for id, p := range m.peers {
		out = append(out, PeerStatus{Remote: id, State: p.State()})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

func (m *Manager) lookup(id domain.UserID) *peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[id]
}

// reconcile opens links to newly present peers this side initiates, and
// drops links to peers that left or rejoined under a new session. A peer
// whose link failed stays unconnected until it shows up under a new session.
func (m *Manager) reconcile(ctx context.Context, snap domain.PresenceSet) {
	present := make(map[domain.UserID]struct{}, len(snap))
	for _, rec := range snap.Without(m.self.ID) {
		if !m.topology.Wants(m.self.ID, rec.UserID) {
			continue
		}
		present[rec.UserID] = struct{}{}

		if sid, ok := m.failed[rec.UserID]; ok {
			if sid == rec.SessionID {
				continue
			}
			delete(m.failed, rec.UserID)
		}
		if p := m.lookup(rec.UserID); p != nil {
			if sid := p.session(); sid == "" || sid == rec.SessionID {
				p.seen = true
				continue
			}
			m.remove(p, "session_replaced")
		}
		if !m.topology.Initiator(m.self.ID, rec.UserID) {
			// The remote side offers; the entry is created from its offer.
			continue
		}
		if p := m.open(ctx, rec.UserID, rec.SessionID); p != nil {
			p.seen = true
			p.post(startEvent{})
		}
	}

	for id := range m.failed {
		if _, ok := present[id]; !ok {
			delete(m.failed, id)
		}
	}

	m.mu.RLock()
	var departed []*peer
	for id, p := range m.peers {
		// Links created from an offer before their presence record showed up
		// are kept until that record has been observed once.
		if _, ok := present[id]; !ok && p.seen {
			departed = append(departed, p)
		}
	}
	m.mu.RUnlock()
	for _, p := range departed {
		m.remove(p, "left")
	}
}

func (m *Manager) route(ctx context.Context, msg *domain.Signal) {
	if msg.From == m.self.ID {
		return
	}
	if msg.ToSession != "" && msg.ToSession != m.session {
		m.stale(msg, "other_session")
		return
	}
	p := m.lookup(msg.From)

	switch msg.Kind {
	case domain.SignalOffer:
		if m.topology.Initiator(m.self.ID, msg.From) {
			m.stale(msg, "not_responder")
			return
		}
		if sid, ok := m.failed[msg.From]; ok && sid == msg.FromSession {
			m.stale(msg, "failed_session")
			return
		}
		if p != nil && p.session() != "" && p.session() != msg.FromSession {
			m.remove(p, "session_replaced")
			p = nil
		}
		if p == nil {
			if p = m.open(ctx, msg.From, msg.FromSession); p == nil {
				return
			}
		}
		p.post(signalEvent{msg: msg})
	case domain.SignalAnswer, domain.SignalCandidate:
		if p == nil {
			m.stale(msg, "unknown_peer")
			return
		}
		if sid := p.session(); sid != "" && msg.FromSession != sid {
			m.stale(msg, "old_session")
			return
		}
		p.post(signalEvent{msg: msg})
	default:
		m.stale(msg, "unknown_kind")
	}
}

func (m *Manager) open(ctx context.Context, remote domain.UserID, sid domain.SessionID) *peer {
	conn, err := m.factory.NewConnection(remote)
	if err != nil {
		m.logger.Error().Err(err).Str("remote", string(remote)).Msg("new connection failed")
		return nil
	}
	p := newPeer(ctx, m, remote, sid, conn)

	m.mu.Lock()
	m.peers[remote] = p
	m.mu.Unlock()

	m.metrics.PeerOpened()
	m.wg.Go(p.run)
	p.logger.Info().Bool("initiator", p.initiator).Msg("peer opened")
	return p
}

func (m *Manager) remove(p *peer, reason string) {
	m.mu.Lock()
	if m.peers[p.remote] == p {
		delete(m.peers, p.remote)
	}
	m.mu.Unlock()
	p.stop(reason)
}

func (m *Manager) closeAll(reason string) {
	m.mu.Lock()
	all := make([]*peer, 0, len(m.peers))
	for id, p := range m.peers {
		all = append(all, p)
		delete(m.peers, id)
	}
	m.mu.Unlock()
	for _, p := range all {
		p.stop(reason)
	}
}

func (m *Manager) stale(msg *domain.Signal, reason string) {
	m.metrics.StaleSignal(string(msg.Kind), reason)
	m.logger.Debug().
		Str("kind", string(msg.Kind)).
		Str("from", string(msg.From)).
		Str("reason", reason).
		Msg("ignoring stale signal")
}
