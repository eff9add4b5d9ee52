package transport

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerchat/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
)

var (
	// ErrNotReady is returned when the outgoing buffer is saturated.
	ErrNotReady = errors.New("data channel not ready")

	// ErrClosed is returned for sends after the transport shut down.
	ErrClosed = errors.New("transport closed")
)

// outgoing is one queued DataChannel message and its completion callback.
type outgoing struct {
	data []byte
	done func(error)
}

func (o outgoing) finish(err error) {
	if o.done != nil {
		o.done(err)
	}
}

// sender is a goroutine-based message writer that serializes all writes to
// a single DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan outgoing
	drainSignal chan struct{}
	ctx         context.Context
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan outgoing, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		ctx:         ctx,
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	defer s.abandon()

	// Phase 1: wait for DC to be open.
	select {
	case <-openSignal:
	case <-s.ctx.Done():
		return
	}

	// Phase 2: send messages with backpressure.
	for {
		select {
		case msg := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-s.ctx.Done():
					msg.finish(ErrClosed)
					return
				}
			}

			if err := dc.Send(msg.data); err != nil {
				util.LogError("failed to send %d bytes on DataChannel: %v", len(msg.data), err)
				msg.finish(err)
				continue
			}

			util.Stats.AddSent(len(msg.data))
			msg.finish(nil)
		case <-s.ctx.Done():
			return
		}
	}
}

// abandon fails everything still queued once the loop has exited.
func (s *sender) abandon() {
	for {
		select {
		case msg := <-s.inbox:
			msg.finish(ErrClosed)
		default:
			return
		}
	}
}

// trySend enqueues a message without blocking. It returns ErrNotReady when
// the buffer is full and ErrClosed after shutdown.
func (s *sender) trySend(data []byte, done func(error)) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.inbox <- outgoing{data: data, done: done}:
		return nil
	default:
		return ErrNotReady
	}
}
