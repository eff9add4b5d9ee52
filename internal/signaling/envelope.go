// Package signaling moves offer/answer/candidate envelopes between two named
// endpoints through a relay server, by WebSocket push with HTTP polling as a
// fallback. It makes no negotiation decisions.
package signaling

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Kind identifies the kind of signaling envelope.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

// ErrDuplicateSignal reports an envelope whose sequence is not newer than
// the last one accepted for its direction.
var ErrDuplicateSignal = errors.New("duplicate signal")

// Envelope is one signaling message. Payload is the SDP for offers and
// answers and the JSON-encoded ICE candidate for candidates.
type Envelope struct {
	Kind     Kind
	From     string
	To       string
	Payload  []byte
	Sequence uint64
}

// Validate checks the fields every envelope must carry.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindOffer, KindAnswer, KindCandidate:
	default:
		return fmt.Errorf("invalid envelope kind %q", e.Kind)
	}
	if e.From == "" || e.To == "" {
		return errors.New("envelope needs both from and to")
	}
	if e.From == e.To {
		return fmt.Errorf("envelope addressed to its sender %q", e.From)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty %s payload", e.Kind)
	}
	return nil
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s %s→%s #%d", e.Kind, e.From, e.To, e.Sequence)
}

// ---------------------------------------------------------------------------
// Sequencing
// ---------------------------------------------------------------------------

// SeqGen is an atomic per-direction sequence generator.
type SeqGen struct {
	val atomic.Uint64
}

// NewSeqGen creates a generator whose first value is seed+1. Seeding from
// the wall clock keeps sequences increasing across process restarts.
func NewSeqGen(seed uint64) *SeqGen {
	g := &SeqGen{}
	g.val.Store(seed)
	return g
}

// Next returns the next sequence number.
func (g *SeqGen) Next() uint64 {
	return g.val.Add(1)
}

// Deduper tracks the highest accepted sequence per (from, to) direction.
type Deduper struct {
	mu   sync.Mutex
	last map[direction]uint64
}

type direction struct{ from, to string }

func NewDeduper() *Deduper {
	return &Deduper{last: make(map[direction]uint64)}
}

// Accept records e and returns nil if its sequence is newer than anything
// seen for its direction, or ErrDuplicateSignal otherwise.
func (d *Deduper) Accept(e Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := direction{e.From, e.To}
	if last, ok := d.last[key]; ok && e.Sequence <= last {
		return fmt.Errorf("%w: %s (last seen #%d)", ErrDuplicateSignal, e, last)
	}
	d.last[key] = e.Sequence
	return nil
}
