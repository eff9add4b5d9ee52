package session

import "github.com/1ureka/peerchat/internal/config"

// Phase is the lifecycle stage of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseNegotiating
	PhaseConnected
	// PhaseFailed is either terminal (timeout, signaling failure) or the
	// window in which the single ICE restart is attempted.
	PhaseFailed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	case PhaseFailed:
		return "failed"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// Role is the side a session plays in the negotiation.
type Role = config.Role

const (
	Initiator = config.RoleInitiator
	Responder = config.RoleResponder
)
