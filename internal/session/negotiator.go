package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerchat/internal/clock"
	"github.com/1ureka/peerchat/internal/signaling"
	"github.com/1ureka/peerchat/internal/transport"
	"github.com/1ureka/peerchat/internal/util"
)

const (
	defaultNegotiationTimeout = 90 * time.Second
	defaultRestartGrace       = 15 * time.Second
)

// Observer receives the session notifications meant for the user. Every
// callback is optional and is never called with a session lock held.
type Observer struct {
	OnStateChange func(id ID, phase Phase)

	// OnConnected fires the first time a session reaches PhaseConnected.
	OnConnected func(id ID, peer Peer)

	// OnError carries every transport and negotiation failure as one
	// normalized notification.
	OnError func(id ID, err error)
}

// Options configures a Negotiator.
type Options struct {
	LocalID  string
	Signals  signaling.Sender
	NewPeer  PeerFactory
	Registry *Registry
	Clock    clock.Clock

	NegotiationTimeout time.Duration
	ICERestartGrace    time.Duration
	MaxSignalRetries   int

	Observer Observer
}

// Negotiator drives every session of one local endpoint. All inputs go
// through HandleEvent, which runs a session's events one at a time in
// arrival order.
type Negotiator struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	dedup  *signaling.Deduper

	mu       sync.Mutex
	boxes    map[ID]*mailbox
	outboxes map[string]*signaling.Outbox
}

type mailbox struct {
	queue   []Event
	running bool
}

// NewNegotiator validates opts and fills in defaults.
func NewNegotiator(ctx context.Context, opts Options) (*Negotiator, error) {
	if opts.LocalID == "" {
		return nil, errors.New("negotiator needs a local id")
	}
	if opts.Signals == nil || opts.NewPeer == nil {
		return nil, errors.New("negotiator needs a signal sender and a peer factory")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry(opts.Clock)
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = defaultNegotiationTimeout
	}
	if opts.ICERestartGrace <= 0 {
		opts.ICERestartGrace = defaultRestartGrace
	}
	if opts.MaxSignalRetries <= 0 {
		opts.MaxSignalRetries = 5
	}

	nCtx, cancel := context.WithCancel(ctx)
	return &Negotiator{
		opts:     opts,
		ctx:      nCtx,
		cancel:   cancel,
		dedup:    signaling.NewDeduper(),
		boxes:    make(map[ID]*mailbox),
		outboxes: make(map[string]*signaling.Outbox),
	}, nil
}

// Registry returns the registry the negotiator installs sessions in.
func (n *Negotiator) Registry() *Registry { return n.opts.Registry }

// ID returns the session id between the local endpoint and remote.
func (n *Negotiator) ID(remote string) ID { return NewID(n.opts.LocalID, remote) }

// Start begins a negotiation with remote. As initiator the offer is
// created and queued for sending before Start returns, unless another
// goroutine is already processing events for the pair.
func (n *Negotiator) Start(remote string, role Role) error {
	id := n.ID(remote)
	if !id.Valid() {
		return fmt.Errorf("cannot start a session between %q and %q", n.opts.LocalID, remote)
	}
	if role != Initiator && role != Responder {
		return fmt.Errorf("invalid role %q", role)
	}
	n.HandleEvent(id, Start{Role: role})
	return nil
}

// Close releases the session with remote and closes its transport. It is
// idempotent and valid in every state.
func (n *Negotiator) Close(remote string) {
	id := n.ID(remote)
	if s := n.opts.Registry.Release(id); s != nil {
		util.LogInfo("[%08x] session with %s closed", s.tag, remote)
		n.notifyState(id, PhaseClosed)
	}
}

// Phase returns the phase of the live session with remote, or PhaseIdle.
func (n *Negotiator) Phase(remote string) Phase {
	s := n.opts.Registry.Get(n.ID(remote))
	if s == nil {
		return PhaseIdle
	}
	return s.Phase()
}

// Deliver feeds an envelope from the signaling transport into the state
// machine. It is the Subscribe callback.
func (n *Negotiator) Deliver(e signaling.Envelope) {
	if e.From == "" || e.From == n.opts.LocalID {
		util.LogWarning("dropping envelope with sender %q", e.From)
		return
	}
	n.HandleEvent(n.ID(e.From), Signal{Envelope: e})
}

// Shutdown releases every session and stops the signal writers.
func (n *Negotiator) Shutdown() {
	n.opts.Registry.CloseAll()
	n.cancel()

	n.mu.Lock()
	defer n.mu.Unlock()
	for remote, o := range n.outboxes {
		o.Close()
		delete(n.outboxes, remote)
	}
}

// HandleEvent queues ev for the session id. If no goroutine is processing
// that session, the calling goroutine drains its queue, including events
// raised while handling. Otherwise ev is handled by the goroutine already
// draining, and HandleEvent returns at once.
func (n *Negotiator) HandleEvent(id ID, ev Event) {
	n.mu.Lock()
	box := n.boxes[id]
	if box == nil {
		box = &mailbox{}
		n.boxes[id] = box
	}
	box.queue = append(box.queue, ev)
	if box.running {
		n.mu.Unlock()
		return
	}

	box.running = true
	for len(box.queue) > 0 {
		next := box.queue[0]
		box.queue = box.queue[1:]
		n.mu.Unlock()
		n.process(id, next)
		n.mu.Lock()
	}
	delete(n.boxes, id)
	n.mu.Unlock()
}

// effects are notifications and teardowns deferred until no session lock
// is held.
type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

func (n *Negotiator) process(id ID, ev Event) {
	var fx effects
	defer func() { fx.run() }()

	switch e := ev.(type) {
	case Start:
		n.start(id, e.Role, &fx)
	case Signal:
		n.signal(id, e.Envelope, &fx)
	case LocalClose:
		fx.add(func() { n.Close(id.Remote(n.opts.LocalID)) })
	default:
		s := n.opts.Registry.Get(id)
		if s == nil {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.released || (ev.generation() != 0 && ev.generation() != s.gen) {
			return
		}
		s.lastActivity = n.opts.Clock.Now()
		n.apply(s, ev, &fx)
	}
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

func (n *Negotiator) start(id ID, role Role, fx *effects) *Session {
	s := n.opts.Registry.AcquireOrReplace(id, role)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return s
	}
	n.begin(s, fx)
	if role == Initiator && s.phase == PhaseNegotiating {
		n.offer(s, false, fx)
	}
	return s
}

// begin creates the transport, arms the negotiation timeout and enters
// PhaseNegotiating.
func (n *Negotiator) begin(s *Session, fx *effects) {
	id, gen := s.id, s.gen
	peer, err := n.opts.NewPeer(transport.Events{
		OnCandidate: func(c webrtc.ICECandidateInit) {
			n.HandleEvent(id, LocalCandidate{Gen: gen, Candidate: c})
		},
		OnReady:  func() { n.HandleEvent(id, TransportReady{Gen: gen}) },
		OnFailed: func(err error) { n.HandleEvent(id, TransportFailed{Gen: gen, Err: err}) },
		OnClosed: func() { n.HandleEvent(id, PeerClosed{Gen: gen}) },
	})
	if err != nil {
		n.finish(s, PhaseFailed, fmt.Errorf("create transport: %w", err), fx)
		return
	}
	s.peer = peer
	s.timeout = n.opts.Clock.AfterFunc(n.opts.NegotiationTimeout, func() {
		n.HandleEvent(id, negotiationTimeout{gen: gen})
	})

	util.LogInfo("[%08x] negotiating with %s as %s", s.tag, id.Remote(n.opts.LocalID), s.role)
	n.setPhase(s, PhaseNegotiating, fx)
}

// offer creates and queues an offer. A restart offer carries fresh ICE
// credentials.
func (n *Negotiator) offer(s *Session, iceRestart bool, fx *effects) {
	sdp, err := s.peer.CreateOffer(iceRestart)
	if err == nil {
		err = s.peer.SetLocalDescription(sdp)
	}
	if err != nil {
		n.finish(s, PhaseFailed, fmt.Errorf("create offer: %w", err), fx)
		return
	}
	s.localSet = true
	s.remoteSet = false
	n.send(s, signaling.KindOffer, []byte(sdp.SDP), fx)
}

// send queues an envelope on the outbox for the session's remote. A send
// that exhausts its retries comes back as a signalFailed event.
func (n *Negotiator) send(s *Session, kind signaling.Kind, payload []byte, fx *effects) {
	id, gen, ctx := s.id, s.gen, s.ctx
	ob := n.outbox(id.Remote(n.opts.LocalID))

	e, err := ob.Enqueue(ctx, kind, payload, func(err error) {
		if err != nil && ctx.Err() == nil {
			n.HandleEvent(id, signalFailed{gen: gen, err: err})
		}
	})
	if err != nil {
		n.finish(s, PhaseFailed, &signaling.TransportError{Op: "queue " + string(kind), Err: err}, fx)
		return
	}
	util.LogDebug("[%08x] queued %s", s.tag, e)
}

func (n *Negotiator) outbox(remote string) *signaling.Outbox {
	n.mu.Lock()
	defer n.mu.Unlock()
	o, ok := n.outboxes[remote]
	if !ok {
		o = signaling.NewOutbox(n.ctx, n.opts.Signals, n.opts.LocalID, remote,
			n.opts.Clock, signaling.DefaultBackoff(n.opts.MaxSignalRetries))
		n.outboxes[remote] = o
	}
	return o
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

func (n *Negotiator) signal(id ID, e signaling.Envelope, fx *effects) {
	if e.To != n.opts.LocalID {
		util.LogWarning("dropping %s addressed to another endpoint", e)
		return
	}
	if err := n.dedup.Accept(e); err != nil {
		util.LogDebug("%v", err)
		return
	}

	s := n.opts.Registry.Get(id)
	if e.Kind == signaling.KindOffer {
		n.onOffer(id, s, e, fx)
		return
	}
	if s == nil {
		util.LogDebug("dropping %s: no session", e)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.lastActivity = n.opts.Clock.Now()

	switch e.Kind {
	case signaling.KindAnswer:
		n.onAnswer(s, e, fx)
	case signaling.KindCandidate:
		n.onCandidate(s, e)
	}
}

func (n *Negotiator) onOffer(id ID, s *Session, e signaling.Envelope, fx *effects) {
	if s != nil {
		s.mu.Lock()
		accept, replace := n.admitOffer(s, e)
		if accept {
			s.lastActivity = n.opts.Clock.Now()
			if s.phase == PhaseConnected {
				// The remote's transport failed before ours did.
				util.LogWarning("[%08x] %s started an ICE restart", s.tag, e.From)
				n.beginRestart(s, fx)
				s.remoteRestart = true
			}
			n.applyOffer(s, e, fx)
		}
		s.mu.Unlock()
		if !replace {
			return
		}
	}

	s = n.start(id, Responder, fx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.phase != PhaseNegotiating {
		return
	}
	n.applyOffer(s, e, fx)
}

// admitOffer decides what an offer means for an existing session: apply it
// in place, replace the session with a fresh responder, or discard it.
func (n *Negotiator) admitOffer(s *Session, e signaling.Envelope) (accept, replace bool) {
	switch {
	case s.released:
		return false, true
	case s.phase == PhaseConnected && s.role == Responder && !s.restartUsed:
		return true, false
	case s.phase == PhaseConnected:
		n.invalid(s, e, "already connected")
		return false, false
	case s.role == Responder && s.restarting:
		return true, false
	case s.role == Responder && s.phase == PhaseNegotiating && !s.localSet:
		return true, false
	case s.role == Responder:
		n.invalid(s, e, "answer already sent")
		return false, false
	case s.phase == PhaseNegotiating && !s.remoteSet:
		// Both sides started as initiator. The lower id keeps the role.
		if n.opts.LocalID < e.From {
			util.LogWarning("[%08x] glare with %s: keeping initiator role", s.tag, e.From)
			return false, false
		}
		util.LogWarning("[%08x] glare with %s: restarting as responder", s.tag, e.From)
		return false, true
	default:
		n.invalid(s, e, "not expecting an offer")
		return false, false
	}
}

func (n *Negotiator) applyOffer(s *Session, e signaling.Envelope, fx *effects) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(e.Payload)}
	if err := s.peer.SetRemoteDescription(desc); err != nil {
		n.finish(s, PhaseFailed, fmt.Errorf("apply offer: %w", err), fx)
		return
	}
	s.remoteSet = true
	n.flush(s)

	answer, err := s.peer.CreateAnswer()
	if err == nil {
		err = s.peer.SetLocalDescription(answer)
	}
	if err != nil {
		n.finish(s, PhaseFailed, fmt.Errorf("create answer: %w", err), fx)
		return
	}
	s.localSet = true
	n.send(s, signaling.KindAnswer, []byte(answer.SDP), fx)
}

func (n *Negotiator) onAnswer(s *Session, e signaling.Envelope, fx *effects) {
	expecting := s.role == Initiator && s.localSet && !s.remoteSet &&
		(s.phase == PhaseNegotiating || s.restarting)
	if !expecting {
		n.invalid(s, e, "not expecting an answer")
		return
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(e.Payload)}
	if err := s.peer.SetRemoteDescription(desc); err != nil {
		n.finish(s, PhaseFailed, fmt.Errorf("apply answer: %w", err), fx)
		return
	}
	s.remoteSet = true
	n.flush(s)
}

func (n *Negotiator) onCandidate(s *Session, e signaling.Envelope) {
	if !s.remoteSet {
		s.pending = append(s.pending, e)
		util.LogDebug("[%08x] buffered candidate #%d (%d pending)", s.tag, e.Sequence, len(s.pending))
		return
	}
	n.addCandidate(s, e)
}

// flush applies buffered candidates in arrival order.
func (n *Negotiator) flush(s *Session) {
	pending := s.pending
	s.pending = nil
	for _, e := range pending {
		n.addCandidate(s, e)
	}
}

func (n *Negotiator) addCandidate(s *Session, e signaling.Envelope) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		util.LogWarning("[%08x] malformed candidate #%d: %v", s.tag, e.Sequence, err)
		return
	}
	if err := s.peer.AddICECandidate(c); err != nil {
		if isNoRemoteDescription(err) {
			util.LogDebug("[%08x] candidate #%d before remote description", s.tag, e.Sequence)
			return
		}
		util.LogWarning("[%08x] add candidate #%d: %v", s.tag, e.Sequence, err)
	}
}

// isNoRemoteDescription matches pion's refusal to add a candidate before a
// remote description exists. pion wraps the sentinel in an rtcerr type that
// does not always unwrap, so the message is checked too.
func isNoRemoteDescription(err error) bool {
	return errors.Is(err, webrtc.ErrNoRemoteDescription) ||
		strings.Contains(err.Error(), "remote description")
}

func (n *Negotiator) invalid(s *Session, e signaling.Envelope, why string) {
	util.LogWarning("[%08x] %v: %s in phase %s (%s)", s.tag, ErrInvalidStateTransition, e, s.phase, why)
}

// ---------------------------------------------------------------------------
// Transport and timer events
// ---------------------------------------------------------------------------

func (n *Negotiator) apply(s *Session, ev Event, fx *effects) {
	switch e := ev.(type) {
	case LocalCandidate:
		payload, err := json.Marshal(e.Candidate)
		if err != nil {
			util.LogWarning("[%08x] encode local candidate: %v", s.tag, err)
			return
		}
		n.send(s, signaling.KindCandidate, payload, fx)

	case TransportReady:
		n.onReady(s, fx)

	case TransportFailed:
		n.onFailed(s, e.Err, fx)

	case PeerClosed:
		util.LogInfo("[%08x] %s closed the connection", s.tag, s.id.Remote(n.opts.LocalID))
		n.finish(s, PhaseClosed, nil, fx)

	case negotiationTimeout:
		if s.phase == PhaseNegotiating {
			n.finish(s, PhaseFailed, fmt.Errorf("%w after %s", ErrNegotiationTimeout, n.opts.NegotiationTimeout), fx)
		}

	case restartExpired:
		if s.restarting {
			n.finish(s, PhaseClosed, fmt.Errorf("%w within %s", ErrRestartExpired, n.opts.ICERestartGrace), fx)
		}

	case signalFailed:
		if s.phase == PhaseConnected {
			util.LogWarning("[%08x] %v", s.tag, e.err)
			return
		}
		n.finish(s, PhaseFailed, e.err, fx)
	}
}

func (n *Negotiator) onReady(s *Session, fx *effects) {
	if s.phase != PhaseNegotiating && !s.restarting {
		return
	}
	s.timeout.Stop()
	s.grace.Stop()
	s.restarting = false
	s.remoteRestart = false
	s.pending = nil

	if s.connected {
		util.LogSuccess("[%08x] connection recovered", s.tag)
	} else {
		util.LogSuccess("[%08x] connected to %s", s.tag, s.id.Remote(n.opts.LocalID))
	}
	n.setPhase(s, PhaseConnected, fx)

	if !s.connected {
		s.connected = true
		id, peer := s.id, s.peer
		if cb := n.opts.Observer.OnConnected; cb != nil {
			fx.add(func() { cb(id, peer) })
		}
	}
}

// onFailed spends the session's single ICE restart. The initiator re-offers
// with fresh credentials and the responder waits for that offer. A failure
// during the restart, or a restart that outlives the grace period, closes
// the session. A responder whose restart was already started by the
// remote's offer keeps going: the failure is the one that restart repairs.
func (n *Negotiator) onFailed(s *Session, err error, fx *effects) {
	if s.restarting && s.remoteRestart {
		s.remoteRestart = false
		util.LogDebug("[%08x] transport failed during remote ICE restart: %v", s.tag, err)
		return
	}
	if s.restarting || s.restartUsed || (s.phase != PhaseNegotiating && s.phase != PhaseConnected) {
		n.finish(s, PhaseClosed, fmt.Errorf("transport failed after ICE restart: %w", err), fx)
		return
	}

	util.LogWarning("[%08x] transport failed, attempting ICE restart: %v", s.tag, err)
	n.beginRestart(s, fx)

	if s.role == Initiator {
		n.offer(s, true, fx)
		return
	}
	s.localSet = false
	s.remoteSet = false
}

// beginRestart spends the restart and arms its grace timer.
func (n *Negotiator) beginRestart(s *Session, fx *effects) {
	s.restartUsed = true
	s.restarting = true
	s.timeout.Stop()
	n.setPhase(s, PhaseFailed, fx)

	id, gen := s.id, s.gen
	s.grace = n.opts.Clock.AfterFunc(n.opts.ICERestartGrace, func() {
		n.HandleEvent(id, restartExpired{gen: gen})
	})
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func (n *Negotiator) setPhase(s *Session, p Phase, fx *effects) {
	if s.phase == p {
		return
	}
	util.LogDebug("[%08x] %s -> %s", s.tag, s.phase, p)
	s.phase = p
	id := s.id
	fx.add(func() { n.notifyState(id, p) })
}

// finish moves s to a terminal phase and schedules its release. err, if
// set, is surfaced through Observer.OnError.
func (n *Negotiator) finish(s *Session, final Phase, err error, fx *effects) {
	if err != nil {
		util.LogError("[%08x] session with %s %s: %v", s.tag, s.id.Remote(n.opts.LocalID), final, err)
	}

	prev := s.phase
	s.phase = final
	s.restarting = false
	reg := n.opts.Registry
	fx.add(func() { reg.ReleaseSession(s, final) })

	id := s.id
	if prev != final {
		fx.add(func() { n.notifyState(id, final) })
	}
	if err != nil {
		if cb := n.opts.Observer.OnError; cb != nil {
			fx.add(func() { cb(id, err) })
		}
	}
}

func (n *Negotiator) notifyState(id ID, p Phase) {
	if cb := n.opts.Observer.OnStateChange; cb != nil {
		cb(id, p)
	}
}
