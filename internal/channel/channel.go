// Package channel layers encrypted, framed and deduplicated chat messages
// over a connected peer transport.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/peerchat/internal/clock"
	"github.com/1ureka/peerchat/internal/ledger"
	"github.com/1ureka/peerchat/internal/protocol"
	"github.com/1ureka/peerchat/internal/transport"
	"github.com/1ureka/peerchat/internal/util"
)

// Conn is the slice of a peer transport the channel needs.
// *transport.Transport satisfies it.
type Conn interface {
	Send(data []byte, done func(error)) error
	OnMessage(fn func([]byte))
}

// Recorder accepts ledger entries without blocking. *ledger.Recorder
// satisfies it.
type Recorder interface {
	Record(ledger.Entry) bool
}

// Config configures a Channel.
type Config struct {
	LocalID  string
	RemoteID string
	// PairID is the canonical session id both ends agree on. It scopes the
	// derived message key.
	PairID    string
	SharedKey string

	Clock     clock.Clock
	DedupSize int

	// Recorder, if set, receives one entry per delivered message.
	Recorder Recorder

	// OnMessage receives delivered messages and decode placeholders, in
	// arrival order.
	OnMessage func(Message)

	// OnBye fires once when the remote closes its channel.
	OnBye func()
}

// Channel is an encrypted message channel to one remote endpoint.
type Channel struct {
	conn   Conn
	cfg    Config
	sealer *sealer
	tag    uint32

	mu     sync.Mutex
	recent *recentHashes
	closed bool
}

// New wraps conn and starts handling its inbound frames.
func New(conn Conn, cfg Config) (*Channel, error) {
	if cfg.LocalID == "" || cfg.RemoteID == "" {
		return nil, errors.New("channel needs both local and remote ids")
	}
	if cfg.SharedKey == "" {
		return nil, errors.New("channel needs a shared key")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	s, err := newSealer(DeriveKey(cfg.SharedKey, cfg.PairID))
	if err != nil {
		return nil, err
	}

	c := &Channel{
		conn:   conn,
		cfg:    cfg,
		sealer: s,
		tag:    util.Tag(cfg.PairID),
		recent: newRecentHashes(cfg.DedupSize),
	}
	conn.OnMessage(c.handle)
	return c, nil
}

// Send encrypts plaintext and queues it on the transport. It returns
// immediately; the Delivery resolves when the write completes or fails.
func (c *Channel) Send(plaintext []byte) (*Delivery, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrChannelClosed
	}

	ts := time.UnixMilli(c.cfg.Clock.Now().UnixMilli())
	msg := Message{
		ID:        uuid.NewString(),
		SenderID:  c.cfg.LocalID,
		Timestamp: ts,
		Plaintext: append([]byte(nil), plaintext...),
	}
	msg.ContentHash = ContentHash(msg.SenderID, ts.UnixMilli(), msg.ID, msg.Plaintext)

	sealed, err := c.sealer.seal(msg.Plaintext, additionalData(msg.SenderID, ts.UnixMilli(), msg.ID, msg.ContentHash))
	if err != nil {
		return nil, err
	}
	msg.Ciphertext = sealed

	data, err := protocol.Encode(&protocol.Frame{
		Type:        protocol.TypeMessage,
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		Timestamp:   ts.UnixMilli(),
		ContentHash: msg.ContentHash,
		Ciphertext:  sealed,
	})
	if err != nil {
		return nil, err
	}

	d := newDelivery(msg)
	err = c.conn.Send(data, func(err error) {
		if err != nil {
			util.LogWarning("[%08x] message %s not delivered: %v", c.tag, msg.ID, err)
		} else {
			util.Stats.AddMessageSent()
		}
		d.resolve(err)
	})
	switch {
	case errors.Is(err, transport.ErrNotReady):
		return nil, ErrChannelNotReady
	case err != nil:
		return nil, fmt.Errorf("send message: %w", err)
	}
	return d, nil
}

// Close sends a best-effort goodbye frame. The underlying transport is
// left to its owner.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	data, err := protocol.Encode(&protocol.Frame{Type: protocol.TypeBye})
	if err != nil {
		return err
	}
	if err := c.conn.Send(data, nil); err != nil {
		util.LogDebug("[%08x] goodbye not sent: %v", c.tag, err)
	}
	return nil
}

func (c *Channel) handle(data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		c.reject(Message{SenderID: c.cfg.RemoteID}, &DecodeError{Reason: "malformed frame", Err: err})
		return
	}

	switch f.Type {
	case protocol.TypeBye:
		c.mu.Lock()
		already := c.closed
		c.closed = true
		c.mu.Unlock()
		if !already {
			util.LogInfo("[%08x] %s closed the chat", c.tag, c.cfg.RemoteID)
			if c.cfg.OnBye != nil {
				c.cfg.OnBye()
			}
		}
	case protocol.TypeMessage:
		c.receive(f)
	}
}

func (c *Channel) receive(f *protocol.Frame) {
	msg := Message{
		ID:          f.MessageID,
		SenderID:    f.SenderID,
		Timestamp:   time.UnixMilli(f.Timestamp),
		Ciphertext:  f.Ciphertext,
		ContentHash: f.ContentHash,
	}

	if f.SenderID != c.cfg.RemoteID {
		c.reject(msg, &DecodeError{MessageID: f.MessageID, Reason: fmt.Sprintf("unexpected sender %q", f.SenderID)})
		return
	}

	plaintext, err := c.sealer.open(f.Ciphertext, additionalData(f.SenderID, f.Timestamp, f.MessageID, f.ContentHash))
	if err != nil {
		c.reject(msg, &DecodeError{MessageID: f.MessageID, Reason: "decryption failed", Err: err})
		return
	}
	if got := ContentHash(f.SenderID, f.Timestamp, f.MessageID, plaintext); got != f.ContentHash {
		c.reject(msg, &DecodeError{MessageID: f.MessageID, Reason: "content hash mismatch"})
		return
	}
	msg.Plaintext = plaintext

	c.mu.Lock()
	fresh := c.recent.add(msg.ContentHash)
	c.mu.Unlock()
	if !fresh {
		util.LogDebug("[%08x] dropping repeated message %s", c.tag, msg.ID)
		return
	}

	util.Stats.AddMessageRecv()
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.Record(ledger.Entry{
			SenderID:    msg.SenderID,
			ReceiverID:  c.cfg.LocalID,
			ContentHash: msg.ContentHash,
			Timestamp:   msg.Timestamp,
		})
	}
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(msg)
	}
}

func (c *Channel) reject(msg Message, derr *DecodeError) {
	util.Stats.AddDecodeError()
	util.LogWarning("[%08x] %v", c.tag, derr)
	msg.DecodeErr = derr
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(msg)
	}
}
