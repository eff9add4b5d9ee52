package session

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerchat/internal/clock"
	"github.com/1ureka/peerchat/internal/signaling"
	"github.com/1ureka/peerchat/internal/transport"
	"github.com/1ureka/peerchat/internal/util"
)

// Peer is the peer transport a session negotiates. *transport.Transport
// satisfies it.
type Peer interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	Close() error

	Send(data []byte, done func(error)) error
	OnMessage(fn func([]byte))
}

// PeerFactory creates the transport for a new session. The events are
// already bound to that session.
type PeerFactory func(events transport.Events) (Peer, error)

// Session is the negotiation state of one pair. Its fields are only
// changed by the Negotiator, one event at a time, and by the Registry on
// teardown.
type Session struct {
	id  ID
	gen uint64
	tag uint32

	mu           sync.Mutex
	role         Role
	phase        Phase
	peer         Peer
	pending      []signaling.Envelope
	lastActivity time.Time

	localSet  bool
	remoteSet bool
	connected bool

	restartUsed bool
	restarting  bool
	// remoteRestart is set while a restart started by the remote's offer
	// has not yet seen the local transport fail.
	remoteRestart bool

	timeout *clock.Timer
	grace   *clock.Timer

	ctx    context.Context
	cancel context.CancelFunc

	released bool
}

func newSession(id ID, role Role, gen uint64, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:           id,
		gen:          gen,
		tag:          util.Tag(id.String()),
		role:         role,
		phase:        PhaseIdle,
		lastActivity: now,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (s *Session) ID() ID             { return s.id }
func (s *Session) Generation() uint64 { return s.gen }

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Peer returns the session's transport, or nil once torn down.
func (s *Session) Peer() Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Pending returns how many remote candidates are buffered.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Released reports whether the session was torn down.
func (s *Session) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// release marks the session terminal, cancels its timers and queued
// signals and clears its buffered candidates. It returns the transport for
// the caller to close outside any lock, and false if the session was
// already released.
func (s *Session) release(final Phase) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, false
	}
	s.released = true
	s.phase = final
	s.restarting = false
	s.remoteRestart = false
	s.timeout.Stop()
	s.grace.Stop()
	s.pending = nil
	s.cancel()

	peer := s.peer
	s.peer = nil
	return peer, true
}

func closePeer(tag uint32, p Peer) {
	if p == nil {
		return
	}
	if err := p.Close(); err != nil {
		util.LogDebug("[%08x] closing transport: %v", tag, err)
	}
}
