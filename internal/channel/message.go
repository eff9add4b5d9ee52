package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/peerchat/internal/transport"
)

var (
	// ErrChannelNotReady is returned by Send when the peer transport's
	// outbound buffer is saturated.
	ErrChannelNotReady = fmt.Errorf("channel not ready: %w", transport.ErrNotReady)

	// ErrChannelClosed is returned by Send after Close or after the remote
	// said goodbye.
	ErrChannelClosed = errors.New("channel closed")
)

// Message is one chat message. Plaintext is never put on the wire.
type Message struct {
	ID          string
	SenderID    string
	Timestamp   time.Time // wall clock at send, millisecond precision
	Plaintext   []byte
	Ciphertext  []byte
	ContentHash string

	// DecodeErr is set on placeholder messages produced for frames that
	// could not be decoded, decrypted or verified.
	DecodeErr *DecodeError
}

// Placeholder reports whether m stands in for an undecodable frame.
func (m Message) Placeholder() bool {
	return m.DecodeErr != nil
}

// Text returns the message body for display.
func (m Message) Text() string {
	if m.DecodeErr != nil {
		return "[message could not be decrypted]"
	}
	return string(m.Plaintext)
}

// DecodeError describes an inbound frame that was dropped. The channel
// stays open.
type DecodeError struct {
	MessageID string // empty when the frame itself was unreadable
	Reason    string
	Err       error
}

func (e *DecodeError) Error() string {
	msg := "decode"
	if e.MessageID != "" {
		msg += " message " + e.MessageID
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Delivery tracks the asynchronous write of one sent message.
type Delivery struct {
	Message Message

	done chan struct{}
	err  error
}

func newDelivery(m Message) *Delivery {
	return &Delivery{Message: m, done: make(chan struct{})}
}

func (d *Delivery) resolve(err error) {
	d.err = err
	close(d.done)
}

// Done is closed once the write completed or failed.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Err returns the write result. It is only meaningful after Done is closed.
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Wait blocks until the write resolves or ctx ends.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
