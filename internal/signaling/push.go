package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peerchat/internal/clock"
	"github.com/1ureka/peerchat/internal/util"
)

const (
	pingInterval      = 25 * time.Second
	reconnectBase     = time.Second
	reconnectMaxDelay = 30 * time.Second
	writeTimeout      = 5 * time.Second
)

// PushClient keeps a WebSocket open to /ws/{peerId} and turns push frames
// into envelopes. It reconnects with exponential backoff until its context
// ends.
type PushClient struct {
	url     string
	localID string
	dialer  *websocket.Dialer
	clock   clock.Clock
}

func NewPushClient(url, localID string, clk clock.Clock) *PushClient {
	return &PushClient{
		url:     url,
		localID: localID,
		dialer:  websocket.DefaultDialer,
		clock:   clk,
	}
}

// Run delivers envelopes to fn until ctx is cancelled. onConnect, if set, is
// called after every successful dial.
func (p *PushClient) Run(ctx context.Context, fn func(Envelope), onConnect func()) {
	delay := reconnectBase
	for {
		err := p.session(ctx, fn, onConnect, func() { delay = reconnectBase })
		if ctx.Err() != nil {
			return
		}
		util.LogDebug("push channel %s lost: %v (retry in %s)", p.url, err, delay)

		select {
		case <-p.clock.After(delay):
		case <-ctx.Done():
			return
		}
		delay = min(delay*2, reconnectMaxDelay)
	}
}

// session runs one connection from dial to first read error.
func (p *PushClient) session(ctx context.Context, fn func(Envelope), onConnect, onDial func()) error {
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to push channel: %w", err)
	}
	defer conn.Close()
	onDial()
	util.LogDebug("push channel connected: %s", p.url)

	var writeMu sync.Mutex
	write := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	// Close on cancellation to unblock ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := p.clock.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := write([]byte(FramePing)); err != nil {
					conn.Close()
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	if onConnect != nil {
		onConnect()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(data) == FramePong {
			continue
		}

		var frame PushFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			util.LogWarning("malformed push frame: %v", err)
			continue
		}
		if frame.Type == FramePing || frame.Type == FramePong {
			continue
		}

		e, err := frame.Envelope(p.localID)
		if err != nil {
			util.LogWarning("invalid push frame from %q: %v", frame.From, err)
			continue
		}
		fn(e)
	}
}
