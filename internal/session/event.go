package session

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerchat/internal/signaling"
)

// Event is an input to a session's state machine, passed to
// Negotiator.HandleEvent. Events carrying a generation are ignored when it
// does not match the live session; zero matches any generation.
type Event interface {
	generation() uint64
}

// Start begins a negotiation, replacing any session for the pair.
type Start struct{ Role Role }

// Signal is an envelope received from the signaling transport.
type Signal struct{ Envelope signaling.Envelope }

// LocalClose closes the session. It is valid in every state.
type LocalClose struct{}

// LocalCandidate is a candidate gathered by the session's transport.
type LocalCandidate struct {
	Gen       uint64
	Candidate webrtc.ICECandidateInit
}

// TransportReady reports that the data channel is open.
type TransportReady struct{ Gen uint64 }

// TransportFailed reports an ICE failure.
type TransportFailed struct {
	Gen uint64
	Err error
}

// PeerClosed reports that the remote side went away.
type PeerClosed struct{ Gen uint64 }

type negotiationTimeout struct{ gen uint64 }

type restartExpired struct{ gen uint64 }

type signalFailed struct {
	gen uint64
	err error
}

func (Start) generation() uint64                { return 0 }
func (Signal) generation() uint64               { return 0 }
func (LocalClose) generation() uint64           { return 0 }
func (e LocalCandidate) generation() uint64     { return e.Gen }
func (e TransportReady) generation() uint64     { return e.Gen }
func (e TransportFailed) generation() uint64    { return e.Gen }
func (e PeerClosed) generation() uint64         { return e.Gen }
func (e negotiationTimeout) generation() uint64 { return e.gen }
func (e restartExpired) generation() uint64     { return e.gen }
func (e signalFailed) generation() uint64       { return e.gen }
