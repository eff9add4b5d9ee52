// Package transport wraps a pion PeerConnection and its chat DataChannel.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerchat/internal/util"
)

// ErrICEFailed is reported through Events.OnFailed when the PeerConnection
// enters the failed state.
var ErrICEFailed = errors.New("ICE connection failed")

// Options configures a Transport.
type Options struct {
	ICEServers []webrtc.ICEServer
	Loopback   bool
	Label      string
}

// Events are the callbacks a Transport raises. Each is optional and may be
// called from pion's goroutines.
type Events struct {
	// OnCandidate receives each gathered local candidate.
	OnCandidate func(webrtc.ICECandidateInit)

	// OnReady fires when the DataChannel opens, and again when the
	// connection recovers after a failure.
	OnReady func()

	// OnFailed fires when ICE fails.
	OnFailed func(error)

	// OnClosed fires when the DataChannel closes.
	OnClosed func()
}

// Transport wraps a single PeerConnection + DataChannel pair, providing a
// high-level API for signaling exchange, message sending with backpressure,
// and message receiving.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
	failed  bool
	onMsg   func([]byte)
}

// New creates a Transport backed by a new PeerConnection and a
// pre-negotiated DataChannel. The caller performs signaling via the exposed
// methods (CreateOffer / CreateAnswer / ...) and then uses Send / OnMessage.
func New(ctx context.Context, opts Options, events Events) (*Transport, error) {
	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, err
	}

	label := opts.Label
	if label == "" {
		label = "chat"
	}
	dc, err := newDataChannel(pc, label)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() {
			close(t.openSignal)
			if events.OnReady != nil {
				events.OnReady()
			}
		})
	})

	// DC close → cancel transport context.
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		tCancel()
		if events.OnClosed != nil {
			events.OnClosed()
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		t.mu.RLock()
		fn := t.onMsg
		t.mu.RUnlock()
		if fn != nil {
			fn(msg.Data)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnCandidate == nil {
			return
		}
		events.OnCandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())

		t.mu.Lock()
		t.pcState = state
		recovered := false
		switch state {
		case webrtc.PeerConnectionStateFailed:
			t.failed = true
		case webrtc.PeerConnectionStateConnected:
			recovered = t.failed
			t.failed = false
		}
		t.mu.Unlock()

		switch {
		case state == webrtc.PeerConnectionStateFailed && events.OnFailed != nil:
			events.OnFailed(ErrICEFailed)
		case recovered && events.OnReady != nil:
			events.OnReady()
		}
	})

	// Start the sender goroutine.
	t.sender = newSender(tCtx, dc, t.openSignal)

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down
// (DataChannel closed or parent context cancelled).
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer. iceRestart generates fresh ICE
// credentials so the connection can re-establish on new paths.
func (t *Transport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if iceRestart {
		return t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	}
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP and starts candidate gathering.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send queues data for the DataChannel without blocking. done, if set, is
// called once the write completes or fails. A saturated buffer returns
// ErrNotReady.
func (t *Transport) Send(data []byte, done func(error)) error {
	return t.sender.trySend(data, done)
}

// OnMessage registers the handler for inbound DataChannel messages,
// replacing any previous one.
func (t *Transport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.onMsg = fn
	t.mu.Unlock()
}
