package session

import "errors"

var (
	// ErrNegotiationTimeout is reported when a session does not connect
	// within the negotiation timeout.
	ErrNegotiationTimeout = errors.New("negotiation timed out")

	// ErrInvalidStateTransition is logged for signals that do not fit the
	// session's current state. They are discarded.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrRestartExpired is reported when an ICE restart does not recover
	// the connection within the grace period.
	ErrRestartExpired = errors.New("ICE restart did not recover the connection")
)
