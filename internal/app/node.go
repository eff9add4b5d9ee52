// Package app contains the top-level orchestration of one local chat
// endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/1ureka/peerchat/internal/channel"
	"github.com/1ureka/peerchat/internal/clock"
	"github.com/1ureka/peerchat/internal/config"
	"github.com/1ureka/peerchat/internal/ledger"
	"github.com/1ureka/peerchat/internal/session"
	"github.com/1ureka/peerchat/internal/signaling"
	"github.com/1ureka/peerchat/internal/transport"
	"github.com/1ureka/peerchat/internal/util"
)

// ErrNotConnected is returned by Send when no channel to the remote is
// open.
var ErrNotConnected = errors.New("not connected")

// Handler receives what the user should see. Every callback is optional
// and may be called from any goroutine.
type Handler struct {
	OnMessage   func(remote string, m channel.Message)
	OnConnected func(remote string)
	OnState     func(remote string, phase session.Phase)
	OnError     func(remote string, err error)
	OnLedger    func(ledger.Result)
}

// Options configures a Node. Nil collaborators are built from Config.
type Options struct {
	Config config.Config

	// Signals defaults to the relay at Config.SignalingEndpoint.
	Signals signaling.Transport

	// NewPeer defaults to pion transports using Config.ICEServers.
	NewPeer session.PeerFactory

	// Ledger defaults to the SQLite store at Config.LedgerPath, which the
	// Node then owns and closes.
	Ledger ledger.Ledger

	Clock   clock.Clock
	Handler Handler
}

// Node is one local chat endpoint: it listens for signaling, negotiates
// sessions, opens encrypted channels on them and ledgers what it receives.
type Node struct {
	cfg     config.Config
	clock   clock.Clock
	handler Handler

	neg      *session.Negotiator
	sub      signaling.Subscription
	ledger   ledger.Ledger
	store    *ledger.Store // set when the Node opened the ledger itself
	recorder *ledger.Recorder

	mu       sync.Mutex
	channels map[string]*channel.Channel

	closeOnce sync.Once
}

// New builds a Node and subscribes it to signaling. Offers already waiting
// at the relay are handled before New returns.
func New(ctx context.Context, opts Options) (*Node, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	n := &Node{
		cfg:      cfg,
		clock:    clk,
		handler:  opts.Handler,
		ledger:   opts.Ledger,
		channels: make(map[string]*channel.Channel),
	}

	if n.ledger == nil {
		store, err := ledger.OpenStore(cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
		n.store = store
		n.ledger = store
	}
	n.recorder = ledger.NewRecorder(n.ledger, 0, opts.Handler.OnLedger)

	signals := opts.Signals
	if signals == nil {
		client, err := signaling.NewHTTPClient(cfg.SignalingEndpoint, nil)
		if err != nil {
			n.closeLedger()
			return nil, err
		}
		signals = signaling.NewStream(client, signaling.StreamOptions{
			PollInterval: cfg.PollInterval(),
			DisablePush:  cfg.DisablePush,
			Clock:        clk,
		})
	}

	newPeer := opts.NewPeer
	if newPeer == nil {
		newPeer = pionPeers(ctx, cfg)
	}

	neg, err := session.NewNegotiator(ctx, session.Options{
		LocalID:            cfg.PeerID,
		Signals:            signals,
		NewPeer:            newPeer,
		Registry:           session.NewRegistry(clk),
		Clock:              clk,
		NegotiationTimeout: cfg.NegotiationTimeout(),
		ICERestartGrace:    cfg.ICERestartGrace(),
		MaxSignalRetries:   cfg.MaxSignalRetries,
		Observer: session.Observer{
			OnStateChange: n.onState,
			OnConnected:   n.onConnected,
			OnError:       n.onError,
		},
	})
	if err != nil {
		n.closeLedger()
		return nil, err
	}
	n.neg = neg

	sub, err := signals.Subscribe(ctx, cfg.PeerID, neg.Deliver)
	if err != nil {
		neg.Shutdown()
		n.closeLedger()
		return nil, fmt.Errorf("subscribe to signaling: %w", err)
	}
	n.sub = sub

	util.LogInfo("%s listening for peers at %s", cfg.PeerID, cfg.SignalingEndpoint)
	return n, nil
}

// pionPeers creates real WebRTC transports.
func pionPeers(ctx context.Context, cfg config.Config) session.PeerFactory {
	opts := transport.Options{ICEServers: cfg.WebRTCICEServers()}
	return func(events transport.Events) (session.Peer, error) {
		t, err := transport.New(ctx, opts, events)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// ID returns the local endpoint id.
func (n *Node) ID() string { return n.cfg.PeerID }

// Ledger returns the ledger received messages are recorded in.
func (n *Node) Ledger() ledger.Ledger { return n.ledger }

// Connect starts a session with remote.
func (n *Node) Connect(remote string, role session.Role) error {
	return n.neg.Start(remote, role)
}

// Phase returns the phase of the session with remote.
func (n *Node) Phase(remote string) session.Phase {
	return n.neg.Phase(remote)
}

// Sessions lists the live sessions.
func (n *Node) Sessions() []session.Info {
	return n.neg.Registry().Snapshot()
}

// Peers lists the remotes with an open channel.
func (n *Node) Peers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.channels))
	for remote := range n.channels {
		out = append(out, remote)
	}
	sort.Strings(out)
	return out
}

// Send encrypts text and sends it to remote. It does not wait for the
// write; the returned Delivery resolves when it completes.
func (n *Node) Send(remote, text string) (*channel.Delivery, error) {
	n.mu.Lock()
	ch := n.channels[remote]
	n.mu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("send to %s: %w", remote, ErrNotConnected)
	}
	return ch.Send([]byte(text))
}

// Hangup says goodbye to remote and closes the session.
func (n *Node) Hangup(remote string) {
	if ch := n.takeChannel(remote); ch != nil {
		ch.Close()
	}
	n.neg.Close(remote)
}

// Close ends every session, stops signaling and drains the ledger queue.
func (n *Node) Close() error {
	var errs []error
	n.closeOnce.Do(func() {
		for _, remote := range n.Peers() {
			if ch := n.takeChannel(remote); ch != nil {
				ch.Close()
			}
		}
		if n.sub != nil {
			errs = append(errs, n.sub.Close())
		}
		n.neg.Shutdown()
		errs = append(errs, n.closeLedger())
	})
	return errors.Join(errs...)
}

func (n *Node) closeLedger() error {
	if n.recorder != nil {
		n.recorder.Close()
	}
	if n.store != nil {
		return n.store.Close()
	}
	return nil
}

func (n *Node) takeChannel(remote string) *channel.Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := n.channels[remote]
	delete(n.channels, remote)
	return ch
}

// ---------------------------------------------------------------------------
// Session observer
// ---------------------------------------------------------------------------

func (n *Node) onConnected(id session.ID, peer session.Peer) {
	remote := id.Remote(n.cfg.PeerID)
	ch, err := channel.New(peer, channel.Config{
		LocalID:   n.cfg.PeerID,
		RemoteID:  remote,
		PairID:    id.String(),
		SharedKey: n.cfg.SharedKey,
		Clock:     n.clock,
		Recorder:  n.recorder,
		OnMessage: func(m channel.Message) {
			if n.handler.OnMessage != nil {
				n.handler.OnMessage(remote, m)
			}
		},
		OnBye: func() { n.neg.HandleEvent(id, session.PeerClosed{}) },
	})
	if err != nil {
		n.onError(id, fmt.Errorf("open channel: %w", err))
		n.neg.Close(remote)
		return
	}

	n.mu.Lock()
	n.channels[remote] = ch
	n.mu.Unlock()

	if n.handler.OnConnected != nil {
		n.handler.OnConnected(remote)
	}
}

func (n *Node) onState(id session.ID, phase session.Phase) {
	remote := id.Remote(n.cfg.PeerID)
	// A restarting session stays Failed in the registry and keeps its
	// channel. Anything else without a live connection loses it.
	switch n.neg.Phase(remote) {
	case session.PhaseConnected, session.PhaseFailed:
	default:
		n.takeChannel(remote)
	}
	if n.handler.OnState != nil {
		n.handler.OnState(remote, phase)
	}
}

func (n *Node) onError(id session.ID, err error) {
	if n.handler.OnError != nil {
		n.handler.OnError(id.Remote(n.cfg.PeerID), err)
	}
}
