package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dkeye/voicemesh/internal/adapters/docstore"
	"github.com/dkeye/voicemesh/internal/app/relay"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

const testRoom domain.RoomID = "room-1"

type node struct {
	id       domain.UserID
	sid      domain.SessionID
	m        *Manager
	factory  *fakeFactory
	sinks    *fakeSinks
	metrics  *countingMetrics
	presence chan domain.PresenceSet

	cancel context.CancelFunc
	done   chan struct{}
	sub    core.Subscription
}

func startNode(t *testing.T, r *relay.Relay, id domain.UserID, sid domain.SessionID) *node {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := r.Subscribe(ctx, testRoom, relay.ForSession(id, sid))
	if err != nil {
		t.Fatalf("Subscribe(%s): %v", id, err)
	}
	n := &node{
		id:       id,
		sid:      sid,
		factory:  &fakeFactory{owner: id},
		sinks:    newFakeSinks(),
		metrics:  newCountingMetrics(),
		presence: make(chan domain.PresenceSet, 8),
		cancel:   cancel,
		done:     make(chan struct{}),
		sub:      sub,
	}
	n.m = NewManager(Config{
		Room:        testRoom,
		Self:        domain.Participant{ID: id, DisplayName: string(id)},
		Session:     sid,
		Relay:       r,
		Connections: n.factory,
		Sinks:       n.sinks,
		Metrics:     n.metrics,
	})
	go func() {
		defer close(n.done)
		n.m.Run(ctx, n.presence, sub.Signals())
	}()
	t.Cleanup(n.stop)
	return n
}

func (n *node) stop() {
	n.cancel()
	<-n.done
	n.sub.Close()
}

func presenceOf(ids ...string) domain.PresenceSet {
	set := make(domain.PresenceSet, 0, len(ids))
	for _, id := range ids {
		set = append(set, domain.Presence{UserID: domain.UserID(id), SessionID: domain.SessionID("s-" + id)})
	}
	return set
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

func stateOf(n *node, remote domain.UserID) State {
	for _, p := range n.m.Peers() {
		if p.Remote == remote {
			return p.State
		}
	}
	return Closed
}

func storedSignals(t *testing.T, store core.DocumentStore) []domain.Signal {
	t.Helper()
	docs, err := store.List(context.Background(), core.SignalsPath(testRoom))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	out := make([]domain.Signal, 0, len(docs))
	for _, d := range docs {
		var s domain.Signal
		if err := msgpack.Unmarshal(d.Data, &s); err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, s)
	}
	return out
}

func countKind(sigs []domain.Signal, kind domain.SignalKind) int {
	n := 0
	for _, s := range sigs {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func TestFullMesh(t *testing.T) {
	var topo FullMesh
	if !topo.Initiator("alice", "bob") || topo.Initiator("bob", "alice") {
		t.Fatalf("smaller id must initiate")
	}
	if topo.Wants("alice", "alice") {
		t.Fatalf("no link to self")
	}
	if !topo.Wants("alice", "bob") {
		t.Fatalf("want link between distinct peers")
	}
}

func TestTwoPeersNegotiateOnce(t *testing.T) {
	store := docstore.NewMemory()
	r := relay.New(store)
	alice := startNode(t, r, "alice", "s-alice")
	bob := startNode(t, r, "bob", "s-bob")

	both := presenceOf("alice", "bob")
	alice.presence <- both
	bob.presence <- both

	eventually(t, "both sides connected", func() bool {
		return stateOf(alice, "bob") == Connected && stateOf(bob, "alice") == Connected
	})

	sigs := storedSignals(t, store)
	if got := countKind(sigs, domain.SignalOffer); got != 1 {
		t.Fatalf("offers=%d, want 1", got)
	}
	if got := countKind(sigs, domain.SignalAnswer); got != 1 {
		t.Fatalf("answers=%d, want 1", got)
	}
	for _, s := range sigs {
		if s.Kind == domain.SignalOffer && (s.From != "alice" || s.ToSession != "s-bob") {
			t.Fatalf("offer from %s to session %s, want alice -> s-bob", s.From, s.ToSession)
		}
	}
	if alice.factory.count() != 1 || bob.factory.count() != 1 {
		t.Fatalf("connections alice=%d bob=%d, want 1 each", alice.factory.count(), bob.factory.count())
	}
	for _, n := range []*node{alice, bob} {
		_, candErr, _, _ := n.factory.last().snapshot()
		if candErr != 0 {
			t.Fatalf("%s applied %d candidates before the remote description", n.id, candErr)
		}
	}
	eventually(t, "candidates exchanged", func() bool {
		a, _, _, _ := alice.factory.last().snapshot()
		b, _, _, _ := bob.factory.last().snapshot()
		return len(a) == 1 && len(b) == 1
	})
	if attached, _ := bob.sinks.state("alice"); !attached {
		t.Fatalf("bob did not attach alice's audio")
	}
	if attached, _ := alice.sinks.state("bob"); !attached {
		t.Fatalf("alice did not attach bob's audio")
	}
}

func TestThreePeersOneLinkPerPair(t *testing.T) {
	store := docstore.NewMemory()
	r := relay.New(store)
	ids := []domain.UserID{"alice", "bob", "carol"}
	nodes := make([]*node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, startNode(t, r, id, domain.SessionID("s-"+id)))
	}
	all := presenceOf("alice", "bob", "carol")
	for _, n := range nodes {
		n.presence <- all
	}

	eventually(t, "full mesh connected", func() bool {
		for _, n := range nodes {
			peers := n.m.Peers()
			if len(peers) != 2 {
				return false
			}
			for _, p := range peers {
				if p.State != Connected {
					return false
				}
			}
		}
		return true
	})

	sigs := storedSignals(t, store)
	if got := countKind(sigs, domain.SignalOffer); got != 3 {
		t.Fatalf("offers=%d, want 3", got)
	}
	if got := countKind(sigs, domain.SignalAnswer); got != 3 {
		t.Fatalf("answers=%d, want 3", got)
	}
}

// aliceOffering starts alice alone against a scripted bob and waits for the offer.
func aliceOffering(t *testing.T) (*node, *relay.Relay) {
	t.Helper()
	r := relay.New(docstore.NewMemory())
	alice := startNode(t, r, "alice", "s-alice")
	alice.presence <- presenceOf("alice", "bob")
	eventually(t, "offer sent", func() bool { return stateOf(alice, "bob") == OfferSent })
	return alice, r
}

func bobSays(t *testing.T, r *relay.Relay, msg *domain.Signal) {
	t.Helper()
	msg.From, msg.To, msg.ToSession = "bob", "alice", "s-alice"
	if msg.FromSession == "" {
		msg.FromSession = "s-bob"
	}
	if err := r.Publish(context.Background(), testRoom, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func answerFromBob() *domain.Signal {
	return &domain.Signal{
		Kind:        domain.SignalAnswer,
		Description: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:bob"},
	}
}

func TestEarlyCandidateIsBufferedUntilAnswer(t *testing.T) {
	alice, r := aliceOffering(t)

	bobSays(t, r, &domain.Signal{
		Kind:      domain.SignalCandidate,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:bob"},
	})
	eventually(t, "candidate buffered", func() bool { return alice.metrics.bufferedCount() == 1 })

	bobSays(t, r, answerFromBob())
	eventually(t, "connected", func() bool { return stateOf(alice, "bob") == Connected })

	cands, candErr, _, _ := alice.factory.last().snapshot()
	if candErr != 0 {
		t.Fatalf("candidate applied before remote description")
	}
	if len(cands) != 1 || cands[0].Candidate != "candidate:bob" {
		t.Fatalf("applied candidates=%v, want [candidate:bob]", cands)
	}
}

func TestStaleAnswerIsIgnored(t *testing.T) {
	alice, r := aliceOffering(t)

	bobSays(t, r, answerFromBob())
	eventually(t, "connected", func() bool { return stateOf(alice, "bob") == Connected })

	bobSays(t, r, answerFromBob())
	eventually(t, "duplicate answer counted", func() bool {
		return alice.metrics.staleCount("answer/unexpected_answer") == 1
	})

	old := answerFromBob()
	old.FromSession = "s-bob-old"
	bobSays(t, r, old)
	eventually(t, "old session answer counted", func() bool {
		return alice.metrics.staleCount("answer/old_session") == 1
	})

	if got := stateOf(alice, "bob"); got != Connected {
		t.Fatalf("state=%s, want connected", got)
	}
	if _, _, answers, _ := alice.factory.last().snapshot(); answers != 1 {
		t.Fatalf("answers applied=%d, want 1", answers)
	}
}

func TestSignalForOtherSessionIsStale(t *testing.T) {
	alice, r := aliceOffering(t)

	msg := answerFromBob()
	msg.From, msg.FromSession, msg.To, msg.ToSession = "bob", "s-bob", "alice", "s-alice-previous"
	if err := r.Publish(context.Background(), testRoom, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// The relay filter already drops it; the offer stays unanswered.
	bobSays(t, r, &domain.Signal{
		Kind:      domain.SignalCandidate,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:bob"},
	})
	eventually(t, "candidate buffered", func() bool { return alice.metrics.bufferedCount() == 1 })
	if got := stateOf(alice, "bob"); got != OfferSent {
		t.Fatalf("state=%s, want offer_sent", got)
	}
}

func TestOfferFromExpectedResponderIsDropped(t *testing.T) {
	r := relay.New(docstore.NewMemory())
	alice := startNode(t, r, "alice", "s-alice")

	bobSays(t, r, &domain.Signal{
		Kind:        domain.SignalOffer,
		Description: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:bob"},
	})
	eventually(t, "offer counted stale", func() bool {
		return alice.metrics.staleCount("offer/not_responder") == 1
	})
	if alice.factory.count() != 0 {
		t.Fatalf("connections=%d, want 0", alice.factory.count())
	}
}

func TestTransportFailureClosesWithoutRetry(t *testing.T) {
	store := docstore.NewMemory()
	r := relay.New(store)
	alice := startNode(t, r, "alice", "s-alice")
	bob := startNode(t, r, "bob", "s-bob")
	both := presenceOf("alice", "bob")
	alice.presence <- both
	bob.presence <- both
	eventually(t, "connected", func() bool { return stateOf(alice, "bob") == Connected })

	conn := alice.factory.last()
	conn.fire(webrtc.PeerConnectionStateFailed)

	eventually(t, "peer dropped", func() bool { return len(alice.m.Peers()) == 0 })
	if _, _, _, closed := conn.snapshot(); !closed {
		t.Fatalf("failed connection not closed")
	}
	if _, detached := alice.sinks.state("bob"); !detached {
		t.Fatalf("playback not detached")
	}

	// Heartbeats keep republishing the same sessions with a fresh LastSeen.
	refreshed := presenceOf("alice", "bob")
	for i := range refreshed {
		refreshed[i].LastSeen = time.Now()
	}
	alice.presence <- refreshed
	alice.presence <- refreshed

	time.Sleep(50 * time.Millisecond)
	if got := alice.factory.count(); got != 1 {
		t.Fatalf("connections=%d, want 1 (no automatic retry)", got)
	}
	if got := countKind(storedSignals(t, store), domain.SignalOffer); got != 1 {
		t.Fatalf("offers=%d, want 1", got)
	}
	if got := len(alice.m.Peers()); got != 0 {
		t.Fatalf("peers=%v, want none", alice.m.Peers())
	}
}

func TestFailedLinkReopensForNewSession(t *testing.T) {
	alice, r := aliceOffering(t)
	bobSays(t, r, answerFromBob())
	eventually(t, "connected", func() bool { return stateOf(alice, "bob") == Connected })

	alice.factory.last().fire(webrtc.PeerConnectionStateFailed)
	eventually(t, "peer dropped", func() bool { return len(alice.m.Peers()) == 0 })

	alice.presence <- presenceOf("alice", "bob")
	time.Sleep(30 * time.Millisecond)
	if got := alice.factory.count(); got != 1 {
		t.Fatalf("connections=%d before bob re-enabled, want 1", got)
	}

	rejoined := presenceOf("alice")
	rejoined = append(rejoined, domain.Presence{UserID: "bob", SessionID: "s-bob-2"})
	alice.presence <- rejoined
	eventually(t, "new offer", func() bool { return stateOf(alice, "bob") == OfferSent })
	if got := alice.factory.count(); got != 2 {
		t.Fatalf("connections=%d, want 2", got)
	}
}

func TestOfferFromFailedSessionIsStale(t *testing.T) {
	store := docstore.NewMemory()
	r := relay.New(store)
	alice := startNode(t, r, "alice", "s-alice")
	bob := startNode(t, r, "bob", "s-bob")
	both := presenceOf("alice", "bob")
	alice.presence <- both
	bob.presence <- both
	eventually(t, "connected", func() bool { return stateOf(bob, "alice") == Connected })

	bob.factory.last().fire(webrtc.PeerConnectionStateFailed)
	eventually(t, "peer dropped", func() bool { return len(bob.m.Peers()) == 0 })

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "late"}
	msg := &domain.Signal{Kind: domain.SignalOffer, From: "alice", FromSession: "s-alice", To: "bob", ToSession: "s-bob", Description: &offer}
	if err := r.Publish(context.Background(), testRoom, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	eventually(t, "offer counted stale", func() bool {
		return bob.metrics.staleCount("offer/failed_session") == 1
	})
	if got := bob.factory.count(); got != 1 {
		t.Fatalf("connections=%d, want 1", got)
	}
}

func TestDepartureAndRejoin(t *testing.T) {
	alice, r := aliceOffering(t)
	bobSays(t, r, answerFromBob())
	eventually(t, "connected", func() bool { return stateOf(alice, "bob") == Connected })
	first := alice.factory.last()

	alice.presence <- presenceOf("alice")
	eventually(t, "peer dropped on leave", func() bool { return len(alice.m.Peers()) == 0 })
	if _, _, _, closed := first.snapshot(); !closed {
		t.Fatalf("connection to departed peer not closed")
	}

	rejoined := presenceOf("alice")
	rejoined = append(rejoined, domain.Presence{UserID: "bob", SessionID: "s-bob-2"})
	alice.presence <- rejoined
	eventually(t, "new offer", func() bool { return stateOf(alice, "bob") == OfferSent })
	if got := alice.factory.count(); got != 2 {
		t.Fatalf("connections=%d, want 2", got)
	}

	// Rejoining under yet another session replaces the pending link.
	again := presenceOf("alice")
	again = append(again, domain.Presence{UserID: "bob", SessionID: "s-bob-3"})
	alice.presence <- again
	eventually(t, "link rebuilt", func() bool { return alice.factory.count() == 3 })
	if _, _, _, closed := alice.factory.conns[1].snapshot(); !closed {
		t.Fatalf("replaced connection not closed")
	}
}

func TestRunExitClosesEverything(t *testing.T) {
	r := relay.New(docstore.NewMemory())
	alice := startNode(t, r, "alice", "s-alice")
	bob := startNode(t, r, "bob", "s-bob")
	both := presenceOf("alice", "bob")
	alice.presence <- both
	bob.presence <- both
	eventually(t, "connected", func() bool { return stateOf(bob, "alice") == Connected })

	bob.stop()
	if got := len(bob.m.Peers()); got != 0 {
		t.Fatalf("peers after stop=%d, want 0", got)
	}
	if _, _, _, closed := bob.factory.last().snapshot(); !closed {
		t.Fatalf("connection left open after stop")
	}
	if _, detached := bob.sinks.state("alice"); !detached {
		t.Fatalf("playback left attached after stop")
	}
}
