package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/peerchat/internal/clock"
	"github.com/1ureka/peerchat/internal/signaling"
)

// TestInitiatorResponderConnect verifies that every initiator/responder
// pairing completes the offer, answer and candidate exchange and reaches
// PhaseConnected on both ends.
func TestInitiatorResponderConnect(t *testing.T) {
	testCases := []struct {
		name            string
		initiator       string
		startResponder  bool
		subscribeBefore bool
	}{
		{"alice initiates, bob auto-responds", "alice", false, true},
		{"bob initiates, alice auto-responds", "bob", false, true},
		{"responder started explicitly", "alice", true, true},
		{"offer held until responder subscribes", "alice", false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.Fake(epoch)
			hub := signaling.NewHub()
			nodes := map[string]*node{
				"alice": newNode(t, "alice", hub, clk),
				"bob":   newNode(t, "bob", hub, clk),
			}
			responder := "bob"
			if tc.initiator == "bob" {
				responder = "alice"
			}

			subscribe(t, hub, nodes[tc.initiator], tc.initiator)
			if tc.subscribeBefore {
				subscribe(t, hub, nodes[responder], responder)
			}
			if tc.startResponder {
				if err := nodes[responder].n.Start(tc.initiator, Responder); err != nil {
					t.Fatal(err)
				}
			}
			if err := nodes[tc.initiator].n.Start(responder, Initiator); err != nil {
				t.Fatal(err)
			}
			if !tc.subscribeBefore {
				subscribe(t, hub, nodes[responder], responder)
			}

			for name, nd := range nodes {
				remote := "alice"
				if name == "alice" {
					remote = "bob"
				}
				waitFor(t, name+" connected", func() bool { return nd.n.Phase(remote) == PhaseConnected })
				waitFor(t, name+" OnConnected", func() bool { return nd.watch.connections() == 1 })
				if got := nd.peers.last().appliedCandidates(); len(got) != candidatesPerSide {
					t.Errorf("%s applied %d candidates, want %d", name, len(got), candidatesPerSide)
				}
			}

			s := nodes[responder].n.Registry().Get(NewID("alice", "bob"))
			if s.Role() != Responder {
				t.Errorf("responder session role = %s", s.Role())
			}
			if s.Pending() != 0 {
				t.Errorf("pending candidates not cleared: %d", s.Pending())
			}
		})
	}
}

// TestStartReplacesPreviousSession verifies that a second Start tears down
// the first session and that events from the replaced transport are
// ignored.
func TestStartReplacesPreviousSession(t *testing.T) {
	clk := clock.Fake(epoch)
	hub := signaling.NewHub()
	alice := newNode(t, "alice", hub, clk)

	alice.n.Start("bob", Initiator)
	first := alice.n.Registry().Get(NewID("alice", "bob"))
	alice.n.Start("bob", Initiator)
	second := alice.n.Registry().Get(NewID("alice", "bob"))

	if first == second {
		t.Fatal("second Start reused the first session")
	}
	if !first.Released() || first.Phase() != PhaseClosed {
		t.Fatalf("first session not torn down: phase %s", first.Phase())
	}
	if !alice.peers.get(0).isClosed() {
		t.Fatal("first transport not closed")
	}
	if alice.n.Registry().Len() != 1 {
		t.Fatalf("registry holds %d sessions", alice.n.Registry().Len())
	}

	// A late ready from the replaced transport must not touch the new
	// session.
	alice.n.HandleEvent(first.ID(), TransportReady{Gen: first.Generation()})
	if second.Phase() != PhaseNegotiating {
		t.Fatalf("stale event changed phase to %s", second.Phase())
	}
	if alice.watch.connections() != 0 {
		t.Fatal("stale ready reported a connection")
	}
}

// candidateEnv builds a candidate envelope from bob to alice.
func candidateEnv(seq uint64, name string) signaling.Envelope {
	return signaling.Envelope{
		Kind:     signaling.KindCandidate,
		From:     "bob",
		To:       "alice",
		Payload:  []byte(fmt.Sprintf(`{"candidate":%q}`, name)),
		Sequence: seq,
	}
}

func answerEnv(seq uint64) signaling.Envelope {
	return signaling.Envelope{Kind: signaling.KindAnswer, From: "bob", To: "alice", Payload: []byte("answer-bob"), Sequence: seq}
}

// TestCandidatesBufferedUntilRemoteDescription verifies that candidates
// arriving before the answer are applied after it, in arrival order, with
// the same end state as when they arrive after the answer.
func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	testCases := []struct {
		name string
		envs []signaling.Envelope
	}{
		{"candidates first", []signaling.Envelope{candidateEnv(10, "c1"), candidateEnv(11, "c2"), answerEnv(12)}},
		{"answer first", []signaling.Envelope{answerEnv(10), candidateEnv(11, "c1"), candidateEnv(12, "c2")}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.Fake(epoch)
			alice := newNode(t, "alice", signaling.NewHub(), clk)
			alice.n.Start("bob", Initiator)
			s := alice.n.Registry().Get(NewID("alice", "bob"))

			for i, e := range tc.envs {
				alice.n.Deliver(e)
				if tc.name == "candidates first" && i == 1 && s.Pending() != 2 {
					t.Fatalf("pending = %d before answer, want 2", s.Pending())
				}
			}

			got := alice.peers.last().appliedCandidates()
			if len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
				t.Fatalf("applied %v, want [c1 c2]", got)
			}
			if s.Phase() != PhaseConnected {
				t.Fatalf("phase = %s, want connected", s.Phase())
			}
		})
	}
}

// TestDuplicateEnvelopeAppliedOnce verifies that an envelope delivered
// twice, as by overlapping push and poll, changes state once.
func TestDuplicateEnvelopeAppliedOnce(t *testing.T) {
	clk := clock.Fake(epoch)
	alice := newNode(t, "alice", signaling.NewHub(), clk)
	alice.n.Start("bob", Initiator)

	ans := answerEnv(20)
	alice.n.Deliver(ans)
	alice.n.Deliver(ans)
	c := candidateEnv(21, "c1")
	alice.n.Deliver(c)
	alice.n.Deliver(c)

	p := alice.peers.last()
	p.mu.Lock()
	remoteSets := p.remoteSets
	p.mu.Unlock()
	if remoteSets != 1 {
		t.Errorf("remote description set %d times, want 1", remoteSets)
	}
	if got := p.appliedCandidates(); len(got) != 1 {
		t.Errorf("applied %v, want one candidate", got)
	}
}

// TestNegotiationTimeoutFiresOnce verifies that a negotiation without a
// responder fails exactly once at the deadline, releases its registry slot
// and ignores a late ready.
func TestNegotiationTimeoutFiresOnce(t *testing.T) {
	clk := clock.Fake(epoch)
	alice := newNode(t, "alice", signaling.NewHub(), clk)
	id := NewID("alice", "bob")

	alice.n.Start("bob", Initiator)
	s := alice.n.Registry().Get(id)

	clk.Advance(90*time.Second - time.Millisecond)
	if s.Phase() != PhaseNegotiating {
		t.Fatalf("phase before deadline = %s", s.Phase())
	}
	clk.Advance(time.Millisecond)

	if s.Phase() != PhaseFailed {
		t.Fatalf("phase after deadline = %s, want failed", s.Phase())
	}
	if alice.n.Registry().Get(id) != nil {
		t.Fatal("registry slot not released")
	}
	if !alice.peers.last().isClosed() {
		t.Fatal("transport not closed")
	}

	alice.n.HandleEvent(id, TransportReady{Gen: s.Generation()})
	alice.n.HandleEvent(id, negotiationTimeout{gen: s.Generation()})
	clk.Advance(time.Hour)

	if n := alice.watch.count(PhaseFailed); n != 1 {
		t.Fatalf("failed reported %d times, want 1", n)
	}
	errs := alice.watch.errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrNegotiationTimeout) {
		t.Fatalf("errors = %v, want one ErrNegotiationTimeout", errs)
	}
	if alice.watch.connections() != 0 {
		t.Fatal("late ready reported a connection")
	}
}

// TestConnectedCancelsTimeout verifies that reaching PhaseConnected
// disarms the negotiation timeout.
func TestConnectedCancelsTimeout(t *testing.T) {
	clk := clock.Fake(epoch)
	alice := newNode(t, "alice", signaling.NewHub(), clk)
	alice.n.Start("bob", Initiator)

	alice.n.Deliver(answerEnv(10))
	alice.n.Deliver(candidateEnv(11, "c1"))
	alice.n.Deliver(candidateEnv(12, "c2"))
	if alice.n.Phase("bob") != PhaseConnected {
		t.Fatalf("phase = %s", alice.n.Phase("bob"))
	}

	clk.Advance(2 * time.Minute)
	if alice.n.Phase("bob") != PhaseConnected {
		t.Fatalf("timeout fired after connect: %s", alice.n.Phase("bob"))
	}
	if len(alice.watch.errors()) != 0 {
		t.Fatalf("errors = %v", alice.watch.errors())
	}
}

// TestOfferWhileConnectedDiscarded verifies that an offer reaching the
// connected initiator does not disturb the session. A connected responder
// takes an offer as an ICE restart instead.
func TestOfferWhileConnectedDiscarded(t *testing.T) {
	clk := clock.Fake(epoch)
	hub := signaling.NewHub()
	alice := newNode(t, "alice", hub, clk)
	bob := newNode(t, "bob", hub, clk)
	subscribe(t, hub, alice, "alice")
	subscribe(t, hub, bob, "bob")

	alice.n.Start("bob", Initiator)
	waitFor(t, "alice connected", func() bool { return alice.n.Phase("bob") == PhaseConnected })
	waitFor(t, "bob connected", func() bool { return bob.n.Phase("alice") == PhaseConnected })
	s := alice.n.Registry().Get(NewID("alice", "bob"))

	alice.n.Deliver(signaling.Envelope{Kind: signaling.KindOffer, From: "bob", To: "alice", Payload: []byte("late"), Sequence: 1 << 62})

	if alice.n.Registry().Get(NewID("alice", "bob")) != s || s.Phase() != PhaseConnected {
		t.Fatal("late offer replaced or changed the connected session")
	}
	if alice.peers.count() != 1 {
		t.Fatalf("alice created %d transports", alice.peers.count())
	}
}

// TestGlareLowerIDKeepsInitiator verifies that when both sides start as
// initiator, the lower id keeps the role and the pair still connects.
func TestGlareLowerIDKeepsInitiator(t *testing.T) {
	clk := clock.Fake(epoch)
	hub := signaling.NewHub()
	alice := newNode(t, "alice", hub, clk)
	bob := newNode(t, "bob", hub, clk)

	alice.n.Start("bob", Initiator)
	bob.n.Start("alice", Initiator)
	// Both offers are held by the hub until the endpoints subscribe.
	subscribe(t, hub, alice, "alice")
	subscribe(t, hub, bob, "bob")

	for name, nd := range map[string]*node{"alice": alice, "bob": bob} {
		remote := "bob"
		if name == "bob" {
			remote = "alice"
		}
		waitFor(t, name+" connected", func() bool { return nd.n.Phase(remote) == PhaseConnected })
	}

	id := NewID("alice", "bob")
	if r := alice.n.Registry().Get(id).Role(); r != Initiator {
		t.Errorf("alice role = %s, want initiator", r)
	}
	if r := bob.n.Registry().Get(id).Role(); r != Responder {
		t.Errorf("bob role = %s, want responder", r)
	}
	if !bob.peers.get(0).isClosed() {
		t.Error("bob's initiator transport was not torn down")
	}
}

// connectPair returns two connected nodes.
func connectPair(t *testing.T, clk *clock.FakeClock) (alice, bob *node) {
	t.Helper()
	return connectPairOn(t, clk, signaling.NewHub())
}

func connectPairOn(t *testing.T, clk *clock.FakeClock, hub *signaling.Hub) (alice, bob *node) {
	t.Helper()
	alice = newNode(t, "alice", hub, clk)
	bob = newNode(t, "bob", hub, clk)
	subscribe(t, hub, alice, "alice")
	subscribe(t, hub, bob, "bob")

	alice.n.Start("bob", Initiator)
	waitFor(t, "alice connected", func() bool { return alice.n.Phase("bob") == PhaseConnected })
	waitFor(t, "bob connected", func() bool { return bob.n.Phase("alice") == PhaseConnected })
	return alice, bob
}

// TestICERestartRecovers verifies that a transport failure triggers one
// ICE restart that reconnects the same session.
func TestICERestartRecovers(t *testing.T) {
	clk := clock.Fake(epoch)
	alice, bob := connectPair(t, clk)

	bob.peers.last().fail()
	if bob.n.Phase("alice") != PhaseFailed {
		t.Fatalf("bob phase after failure = %s", bob.n.Phase("alice"))
	}
	alice.peers.last().fail()

	waitFor(t, "alice reconnected", func() bool { return alice.n.Phase("bob") == PhaseConnected })
	waitFor(t, "bob reconnected", func() bool { return bob.n.Phase("alice") == PhaseConnected })

	if flags := alice.peers.last().offerFlags(); len(flags) != 2 || flags[0] || !flags[1] {
		t.Fatalf("offer restart flags = %v, want [false true]", flags)
	}
	if alice.peers.count() != 1 || bob.peers.count() != 1 {
		t.Fatal("restart created a new transport")
	}
	if alice.watch.connections() != 1 || bob.watch.connections() != 1 {
		t.Fatal("OnConnected fired again after restart")
	}

	// The grace timer was cancelled by the recovery.
	clk.Advance(time.Minute)
	if alice.n.Phase("bob") != PhaseConnected {
		t.Fatalf("grace timer fired after recovery: %s", alice.n.Phase("bob"))
	}

	// The restart is spent: the next failure closes the session.
	alice.peers.last().fail()
	if alice.n.Registry().Get(NewID("alice", "bob")) != nil {
		t.Fatal("session not released after second failure")
	}
	if alice.watch.count(PhaseClosed) != 1 || len(alice.watch.errors()) != 1 {
		t.Fatalf("closed=%d errors=%v", alice.watch.count(PhaseClosed), alice.watch.errors())
	}
}

// TestICERestartGraceExpires verifies that a restart the remote never
// answers closes the session after the grace period.
func TestICERestartGraceExpires(t *testing.T) {
	clk := clock.Fake(epoch)
	hub := signaling.NewHub()
	alice, bob := connectPairOn(t, clk, hub)

	// The relay loses the restart offer, so bob never hears of it.
	hub.DropWhere(func(e signaling.Envelope) bool { return e.Kind == signaling.KindOffer })
	alice.peers.last().fail()
	if alice.n.Phase("bob") != PhaseFailed {
		t.Fatalf("phase = %s", alice.n.Phase("bob"))
	}

	clk.Advance(15 * time.Second)

	if alice.n.Registry().Get(NewID("alice", "bob")) != nil {
		t.Fatal("session not released after grace period")
	}
	errs := alice.watch.errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrRestartExpired) {
		t.Fatalf("errors = %v, want ErrRestartExpired", errs)
	}
	if bob.n.Phase("alice") != PhaseConnected {
		t.Fatalf("bob phase = %s, want connected", bob.n.Phase("alice"))
	}
}

// TestICERestartInitiatorFailsFirst verifies that a restart offer reaching
// a responder that has not noticed the failure yet is taken as the
// restart, and that the responder's own failure arriving mid-restart does
// not end the session.
func TestICERestartInitiatorFailsFirst(t *testing.T) {
	clk := clock.Fake(epoch)
	hub := signaling.NewHub()
	alice, bob := connectPairOn(t, clk, hub)
	start := bob.n.Registry().Get(NewID("alice", "bob")).LastActivity()

	// Hold alice's restart candidates so bob's failure lands mid-restart.
	var mu sync.Mutex
	var held []signaling.Envelope
	hub.DropWhere(func(e signaling.Envelope) bool {
		if e.Kind != signaling.KindCandidate || e.From != "alice" {
			return false
		}
		mu.Lock()
		held = append(held, e)
		mu.Unlock()
		return true
	})

	clk.Advance(time.Second)
	alice.peers.last().fail()

	waitFor(t, "alice reconnected", func() bool { return alice.n.Phase("bob") == PhaseConnected })
	if got := bob.n.Phase("alice"); got != PhaseFailed {
		t.Fatalf("bob phase while restarting = %s, want failed", got)
	}
	if s := bob.n.Registry().Get(NewID("alice", "bob")); !s.LastActivity().After(start) {
		t.Fatal("restart offer did not count as activity")
	}

	bob.peers.last().fail()
	if bob.n.Registry().Get(NewID("alice", "bob")) == nil {
		t.Fatal("bob closed the session on a failure its restart covers")
	}

	waitFor(t, "restart candidates held", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(held) == candidatesPerSide
	})
	hub.DropWhere(nil)
	mu.Lock()
	pending := held
	mu.Unlock()
	for _, e := range pending {
		hub.Redeliver(e)
	}

	waitFor(t, "bob reconnected", func() bool { return bob.n.Phase("alice") == PhaseConnected })
	if flags := alice.peers.last().offerFlags(); len(flags) != 2 || flags[0] || !flags[1] {
		t.Fatalf("offer restart flags = %v, want [false true]", flags)
	}
	if alice.peers.count() != 1 || bob.peers.count() != 1 {
		t.Fatal("restart created a new transport")
	}
	if alice.watch.connections() != 1 || bob.watch.connections() != 1 {
		t.Fatal("OnConnected fired again after restart")
	}
	if errs := append(alice.watch.errors(), bob.watch.errors()...); len(errs) != 0 {
		t.Fatalf("errors = %v", errs)
	}

	clk.Advance(time.Minute)
	if alice.n.Phase("bob") != PhaseConnected || bob.n.Phase("alice") != PhaseConnected {
		t.Fatal("grace timer fired after recovery")
	}
}

// failingSender rejects every envelope.
type failingSender struct{}

func (failingSender) Send(ctx context.Context, e signaling.Envelope) error {
	return errors.New("relay unreachable")
}

// TestSignalSendFailureFailsSession verifies that an offer that cannot be
// delivered after the configured retries fails the session with a
// TransportError.
func TestSignalSendFailureFailsSession(t *testing.T) {
	clk := clock.Fake(epoch)
	alice := newNode(t, "alice", failingSender{}, clk)
	alice.n.Start("bob", Initiator)

	// Negotiation timeout plus the outbox backoff timer.
	clk.WaitForTimers(2)
	clk.Advance(time.Second)
	clk.WaitForTimers(2)
	clk.Advance(2 * time.Second)

	waitFor(t, "send failure", func() bool { return len(alice.watch.errors()) == 1 })

	var te *signaling.TransportError
	if err := alice.watch.errors()[0]; !errors.As(err, &te) || te.Attempts != 3 {
		t.Fatalf("error = %v, want TransportError after 3 attempts", err)
	}
	if alice.n.Registry().Get(NewID("alice", "bob")) != nil {
		t.Fatal("session not released")
	}
	if alice.watch.count(PhaseFailed) != 1 {
		t.Fatalf("failed reported %d times", alice.watch.count(PhaseFailed))
	}
}

// TestCloseIdempotent verifies that Close is safe in every state and
// releases the slot once.
func TestCloseIdempotent(t *testing.T) {
	clk := clock.Fake(epoch)
	alice := newNode(t, "alice", signaling.NewHub(), clk)

	alice.n.Close("bob")
	alice.n.HandleEvent(NewID("alice", "bob"), LocalClose{})

	alice.n.Start("bob", Initiator)
	alice.n.Close("bob")
	alice.n.Close("bob")
	alice.n.HandleEvent(NewID("alice", "bob"), LocalClose{})

	if alice.watch.count(PhaseClosed) != 1 {
		t.Fatalf("closed reported %d times, want 1", alice.watch.count(PhaseClosed))
	}
	if alice.n.Registry().Len() != 0 {
		t.Fatal("registry not empty")
	}
	if !alice.peers.last().isClosed() {
		t.Fatal("transport not closed")
	}

	// No timer survives the close.
	clk.Advance(time.Hour)
	if len(alice.watch.errors()) != 0 {
		t.Fatalf("errors after close: %v", alice.watch.errors())
	}
}

// TestPeerClosedReleasesSession verifies the remote-close path.
func TestPeerClosedReleasesSession(t *testing.T) {
	clk := clock.Fake(epoch)
	alice, _ := connectPair(t, clk)
	s := alice.n.Registry().Get(NewID("alice", "bob"))

	alice.n.HandleEvent(s.ID(), PeerClosed{Gen: s.Generation()})

	if s.Phase() != PhaseClosed || alice.n.Registry().Len() != 0 {
		t.Fatalf("phase = %s, registry len = %d", s.Phase(), alice.n.Registry().Len())
	}
	if len(alice.watch.errors()) != 0 {
		t.Fatalf("remote close reported errors: %v", alice.watch.errors())
	}
}
