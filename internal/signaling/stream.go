package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/1ureka/peerchat/internal/clock"
	"github.com/1ureka/peerchat/internal/util"
)

// StreamOptions configures a Stream.
type StreamOptions struct {
	PollInterval time.Duration
	DisablePush  bool
	Clock        clock.Clock

	// OnError receives poll failures. They never end the subscription.
	OnError func(error)
}

// Stream is the relay-backed Transport. Push and poll are two producers into
// one deduplicated delivery path: push is authoritative, poll is the
// backstop, and anything either of them repeats is dropped by sequence.
type Stream struct {
	client *HTTPClient
	opts   StreamOptions
}

var _ Transport = (*Stream)(nil)

func NewStream(client *HTTPClient, opts StreamOptions) *Stream {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Stream{client: client, opts: opts}
}

// Send posts e to the relay once. Retrying is the Outbox's job.
func (s *Stream) Send(ctx context.Context, e Envelope) error {
	return s.client.Send(ctx, e)
}

// Subscribe polls once synchronously, so anything already waiting at the
// relay is delivered before push frames, and then starts the push and poll
// producers. Every push (re)connect polls again before reading frames.
func (s *Stream) Subscribe(ctx context.Context, localID string, fn func(Envelope)) (Subscription, error) {
	if localID == "" {
		return nil, errors.New("subscribe: empty local id")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &streamSubscription{cancel: cancel}
	d := &dispatcher{dedup: NewDeduper(), fn: fn}

	s.pollOnce(subCtx, localID, d)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		s.pollLoop(subCtx, localID, d)
	}()

	if !s.opts.DisablePush {
		push := NewPushClient(s.client.PushURL(localID), localID, s.opts.Clock)
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			// Anything stored while the socket was down is drained before the
			// first pushed frame can raise the high-water mark past it.
			push.Run(subCtx, d.deliver, func() { s.pollOnce(subCtx, localID, d) })
		}()
	}

	return sub, nil
}

func (s *Stream) pollLoop(ctx context.Context, localID string, d *dispatcher) {
	ticker := s.opts.Clock.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pollOnce(ctx, localID, d)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stream) pollOnce(ctx context.Context, localID string, d *dispatcher) {
	envs, err := s.client.Poll(ctx, localID)
	if err != nil && ctx.Err() == nil {
		util.LogDebug("poll for %s: %v", localID, err)
		if s.opts.OnError != nil {
			s.opts.OnError(err)
		}
	}
	for _, e := range envs {
		if ctx.Err() != nil {
			return
		}
		d.deliver(e)
	}
}

// dispatcher serializes deliveries from both producers and drops repeats.
type dispatcher struct {
	mu    sync.Mutex
	dedup *Deduper
	fn    func(Envelope)
}

func (d *dispatcher) deliver(e Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.dedup.Accept(e); err != nil {
		util.Stats.AddSignalDup()
		return
	}
	util.Stats.AddSignalRecv()
	d.fn(e)
}

type streamSubscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Close stops both producers and waits for them to exit.
func (s *streamSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}
