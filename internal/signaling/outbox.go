package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/1ureka/peerchat/internal/clock"
	"github.com/1ureka/peerchat/internal/util"
)

const outboxSize = 128 // queued envelopes per direction

// ErrOutboxFull is returned by Enqueue when the direction's queue is full.
var ErrOutboxFull = errors.New("signaling outbox full")

// ErrOutboxClosed is returned by Enqueue after Close.
var ErrOutboxClosed = errors.New("signaling outbox closed")

// Backoff is a capped exponential retry schedule.
type Backoff struct {
	Base        time.Duration
	Factor      int
	MaxAttempts int
}

// DefaultBackoff waits 1s, 2s, 4s, ... between attempts.
func DefaultBackoff(maxAttempts int) Backoff {
	return Backoff{Base: time.Second, Factor: 2, MaxAttempts: maxAttempts}
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= time.Duration(b.Factor)
	}
	return d
}

// outgoing is one queued envelope. ctx scopes it to the session that
// produced it; a cancelled item is skipped.
type outgoing struct {
	ctx  context.Context
	env  Envelope
	done func(error)
}

// Outbox is the single writer for one (from, to) direction. It assigns
// sequences in enqueue order and sends strictly in that order, so a
// receiver that drops stale sequences never loses an envelope to
// reordering.
type Outbox struct {
	sender  Sender
	clock   clock.Clock
	backoff Backoff
	seq     *SeqGen
	from    string
	to      string

	inbox  chan outgoing
	ctx    context.Context
	cancel context.CancelFunc
}

// NewOutbox starts the writer goroutine. It exits when ctx is cancelled or
// Close is called.
func NewOutbox(ctx context.Context, sender Sender, from, to string, clk clock.Clock, backoff Backoff) *Outbox {
	if backoff.MaxAttempts < 1 {
		backoff.MaxAttempts = 1
	}
	oCtx, cancel := context.WithCancel(ctx)
	o := &Outbox{
		sender:  sender,
		clock:   clk,
		backoff: backoff,
		seq:     NewSeqGen(uint64(clk.Now().UnixMicro())),
		from:    from,
		to:      to,
		inbox:   make(chan outgoing, outboxSize),
		ctx:     oCtx,
		cancel:  cancel,
	}
	go o.loop()
	return o
}

// Enqueue stamps and queues an envelope without blocking. done, if set, is
// called from the writer goroutine with nil on success, a *TransportError
// once retries are exhausted, or the item context's error.
func (o *Outbox) Enqueue(ctx context.Context, kind Kind, payload []byte, done func(error)) (Envelope, error) {
	if o.ctx.Err() != nil {
		return Envelope{}, ErrOutboxClosed
	}

	e := Envelope{Kind: kind, From: o.from, To: o.to, Payload: payload}
	if err := e.Validate(); err != nil {
		return e, err
	}
	e.Sequence = o.seq.Next()

	select {
	case o.inbox <- outgoing{ctx: ctx, env: e, done: done}:
		return e, nil
	default:
		return e, ErrOutboxFull
	}
}

// Close stops the writer. Queued items are abandoned without callbacks.
func (o *Outbox) Close() {
	o.cancel()
}

func (o *Outbox) loop() {
	for {
		select {
		case item := <-o.inbox:
			err := o.deliver(item)
			if item.done != nil && o.ctx.Err() == nil {
				item.done(err)
			}
		case <-o.ctx.Done():
			return
		}
	}
}

// deliver sends one item, retrying on the backoff schedule.
func (o *Outbox) deliver(item outgoing) error {
	var lastErr error
	for attempt := 1; attempt <= o.backoff.MaxAttempts; attempt++ {
		if err := item.ctx.Err(); err != nil {
			return err
		}

		err := o.sender.Send(item.ctx, item.env)
		if err == nil {
			util.Stats.AddSignalSent()
			return nil
		}
		lastErr = err

		if attempt == o.backoff.MaxAttempts {
			break
		}
		delay := o.backoff.Delay(attempt)
		util.LogDebug("send %s failed (attempt %d/%d), retry in %s: %v",
			item.env, attempt, o.backoff.MaxAttempts, delay, err)

		select {
		case <-o.clock.After(delay):
		case <-item.ctx.Done():
			return item.ctx.Err()
		case <-o.ctx.Done():
			return o.ctx.Err()
		}
	}

	var te *TransportError
	if errors.As(lastErr, &te) {
		lastErr = te.Err
	}
	return &TransportError{Op: "send " + string(item.env.Kind), Attempts: o.backoff.MaxAttempts, Err: lastErr}
}
