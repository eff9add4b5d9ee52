package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SessionSignal is the JSON form of an offer or answer description.
type SessionSignal struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// SignalRequest is the body of POST /offer, /answer and /ice-candidate, and
// the stored form returned by GET /check. Candidate is the JSON-encoded
// RTCIceCandidateInit ({candidate, sdpMid, sdpMLineIndex}) and is kept
// opaque.
type SignalRequest struct {
	FromPeer  string          `json:"from_peer"`
	ToPeer    string          `json:"to_peer"`
	Seq       uint64          `json:"seq"`
	Signal    *SessionSignal  `json:"signal,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Check response types.
const (
	CheckTypeCheck  = "check"
	CheckTypeNoPeer = "no_peer"
)

// CheckResponse is the body of GET /check/{peerId}.
type CheckResponse struct {
	Type          string          `json:"type"`
	Offer         *SignalRequest  `json:"offer,omitempty"`
	Answer        *SignalRequest  `json:"answer,omitempty"`
	HasCandidates bool            `json:"has_candidates"`
	Candidates    []SignalRequest `json:"candidates,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"` // check time, ISO-8601 UTC
}

// PushFrame is one message on the /ws/{peerId} push channel.
type PushFrame struct {
	Type      string          `json:"type"`
	From      string          `json:"from,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Signal    *SessionSignal  `json:"signal,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Push keepalive frame types.
const (
	FramePing = "ping"
	FramePong = "pong"
)

// NewSignalRequest converts an envelope to its wire form.
func NewSignalRequest(e Envelope) SignalRequest {
	req := SignalRequest{FromPeer: e.From, ToPeer: e.To, Seq: e.Sequence}
	if e.Kind == KindCandidate {
		req.Candidate = json.RawMessage(e.Payload)
	} else {
		req.Signal = &SessionSignal{Type: string(e.Kind), SDP: string(e.Payload)}
	}
	return req
}

// Kind infers the envelope kind from which field is populated.
func (r SignalRequest) Kind() (Kind, error) {
	switch {
	case r.Signal != nil && len(r.Candidate) > 0:
		return "", errors.New("request carries both signal and candidate")
	case r.Signal != nil:
		k := Kind(r.Signal.Type)
		if k != KindOffer && k != KindAnswer {
			return "", fmt.Errorf("invalid signal type %q", r.Signal.Type)
		}
		return k, nil
	case len(r.Candidate) > 0:
		return KindCandidate, nil
	}
	return "", errors.New("request carries neither signal nor candidate")
}

// Envelope converts the wire form back to an envelope and validates it.
func (r SignalRequest) Envelope() (Envelope, error) {
	kind, err := r.Kind()
	if err != nil {
		return Envelope{}, err
	}
	e := Envelope{Kind: kind, From: r.FromPeer, To: r.ToPeer, Sequence: r.Seq}
	if kind == KindCandidate {
		e.Payload = []byte(r.Candidate)
	} else {
		e.Payload = []byte(r.Signal.SDP)
	}
	return e, e.Validate()
}

// NewPushFrame converts a stored request to a push frame.
func NewPushFrame(r SignalRequest) PushFrame {
	f := PushFrame{From: r.FromPeer, Seq: r.Seq, Signal: r.Signal, Candidate: r.Candidate}
	if r.Signal != nil {
		f.Type = r.Signal.Type
	} else {
		f.Type = string(KindCandidate)
	}
	return f
}

// Envelope converts a push frame addressed to localID into an envelope.
func (f PushFrame) Envelope(localID string) (Envelope, error) {
	return SignalRequest{
		FromPeer:  f.From,
		ToPeer:    localID,
		Seq:       f.Seq,
		Signal:    f.Signal,
		Candidate: f.Candidate,
	}.Envelope()
}

// Envelopes flattens a check response into envelopes: offer, answer, then
// candidates in stored order. Entries that fail validation are skipped and
// reported through the returned error.
func (c CheckResponse) Envelopes() ([]Envelope, error) {
	if c.Type != CheckTypeCheck {
		return nil, nil
	}

	var reqs []SignalRequest
	if c.Offer != nil {
		reqs = append(reqs, *c.Offer)
	}
	if c.Answer != nil {
		reqs = append(reqs, *c.Answer)
	}
	reqs = append(reqs, c.Candidates...)

	var out []Envelope
	var errs []error
	for _, r := range reqs {
		e, err := r.Envelope()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, e)
	}
	return out, errors.Join(errs...)
}
