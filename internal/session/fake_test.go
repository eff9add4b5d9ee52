package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerchat/internal/clock"
	"github.com/1ureka/peerchat/internal/signaling"
	"github.com/1ureka/peerchat/internal/transport"
)

var epoch = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

// candidatesPerSide is how many candidates a fakePeer gathers per local
// description, and how many remote ones it needs before it reports ready.
const candidatesPerSide = 2

// fakePeer is a Peer without a network. It gathers candidatesPerSide
// candidates whenever a local description is set, and reports ready once
// both descriptions are set and candidatesPerSide remote candidates were
// added since the last remote description.
type fakePeer struct {
	name   string
	events transport.Events

	mu          sync.Mutex
	offers      []bool
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	remoteSets  int
	applied     []string
	sinceRemote int
	readyFor    int
	gathered    int
	closed      bool
}

func (p *fakePeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, iceRestart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", p.name, len(p.offers))}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, webrtc.ErrNoRemoteDescription
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &sdp
	var cands []webrtc.ICECandidateInit
	for i := 0; i < candidatesPerSide; i++ {
		p.gathered++
		cands = append(cands, webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s-%d", p.name, p.gathered)})
	}
	p.mu.Unlock()

	if p.events.OnCandidate != nil {
		for _, c := range cands {
			p.events.OnCandidate(c)
		}
	}
	p.maybeReady()
	return nil
}

func (p *fakePeer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &sdp
	p.remoteSets++
	p.sinceRemote = 0
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.remote == nil {
		p.mu.Unlock()
		return webrtc.ErrNoRemoteDescription
	}
	p.applied = append(p.applied, c.Candidate)
	p.sinceRemote++
	p.mu.Unlock()

	p.maybeReady()
	return nil
}

func (p *fakePeer) maybeReady() {
	p.mu.Lock()
	ready := p.local != nil && p.remote != nil && p.sinceRemote >= candidatesPerSide &&
		p.readyFor < p.remoteSets && !p.closed
	if ready {
		p.readyFor = p.remoteSets
	}
	p.mu.Unlock()

	if ready && p.events.OnReady != nil {
		p.events.OnReady()
	}
}

// fail simulates an ICE failure.
func (p *fakePeer) fail() {
	if p.events.OnFailed != nil {
		p.events.OnFailed(transport.ErrICEFailed)
	}
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) Send(data []byte, done func(error)) error { return nil }
func (p *fakePeer) OnMessage(fn func([]byte))                {}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

func (p *fakePeer) offerFlags() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.offers...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// peerLog records every fakePeer a factory created.
type peerLog struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (l *peerLog) factory(name string) PeerFactory {
	return func(ev transport.Events) (Peer, error) {
		p := &fakePeer{name: name, events: ev}
		l.mu.Lock()
		l.peers = append(l.peers, p)
		l.mu.Unlock()
		return p, nil
	}
}

func (l *peerLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

func (l *peerLog) get(i int) *fakePeer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peers[i]
}

func (l *peerLog) last() *fakePeer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peers[len(l.peers)-1]
}

// watcher records observer notifications.
type watcher struct {
	mu        sync.Mutex
	states    []Phase
	errs      []error
	connected int
}

func (w *watcher) observer() Observer {
	return Observer{
		OnStateChange: func(id ID, p Phase) {
			w.mu.Lock()
			w.states = append(w.states, p)
			w.mu.Unlock()
		},
		OnConnected: func(id ID, peer Peer) {
			w.mu.Lock()
			w.connected++
			w.mu.Unlock()
		},
		OnError: func(id ID, err error) {
			w.mu.Lock()
			w.errs = append(w.errs, err)
			w.mu.Unlock()
		},
	}
}

func (w *watcher) count(p Phase) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, s := range w.states {
		if s == p {
			n++
		}
	}
	return n
}

func (w *watcher) errors() []error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]error(nil), w.errs...)
}

func (w *watcher) connections() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

type node struct {
	n     *Negotiator
	peers *peerLog
	watch *watcher
}

func newNode(t *testing.T, name string, sig signaling.Sender, clk clock.Clock) *node {
	t.Helper()
	nd := &node{peers: &peerLog{}, watch: &watcher{}}
	n, err := NewNegotiator(t.Context(), Options{
		LocalID:          name,
		Signals:          sig,
		NewPeer:          nd.peers.factory(name),
		Registry:         NewRegistry(clk),
		Clock:            clk,
		MaxSignalRetries: 3,
		Observer:         nd.watch.observer(),
	})
	if err != nil {
		t.Fatalf("NewNegotiator(%s): %v", name, err)
	}
	t.Cleanup(n.Shutdown)
	nd.n = n
	return nd
}

func subscribe(t *testing.T, hub *signaling.Hub, nd *node, name string) {
	t.Helper()
	sub, err := hub.Subscribe(t.Context(), name, nd.n.Deliver)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sub.Close() })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
