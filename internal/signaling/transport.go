package signaling

import "context"

// Sender delivers one envelope to the relay.
type Sender interface {
	Send(ctx context.Context, e Envelope) error
}

// Transport is a Sender that can also deliver envelopes addressed to a
// local endpoint. Implementations call fn serially and never deliver the
// same (direction, sequence) twice.
type Transport interface {
	Sender
	Subscribe(ctx context.Context, localID string, fn func(Envelope)) (Subscription, error)
}

// Subscription ends a Subscribe call.
type Subscription interface {
	Close() error
}
