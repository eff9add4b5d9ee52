package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peerchat/internal/clock"
	"github.com/1ureka/peerchat/internal/config"
	"github.com/1ureka/peerchat/internal/util"
)

const (
	maxRequestSize = 256 * 1024

	// checkTimeFormat is ISO-8601 in UTC without an offset.
	checkTimeFormat = "2006-01-02T15:04:05.000000"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peerSlot holds what is waiting for one peer. The offer survives checks
// until the peer answers it; the answer and candidates are drained by them.
type peerSlot struct {
	offer       *SignalRequest
	answer      *SignalRequest
	candidates  []SignalRequest
	lastUpdated time.Time
}

// pushConn serializes writes to one peer's WebSocket.
type pushConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *pushConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Server is the signaling relay: it stores offers, answers and candidates
// per addressee, pushes them over WebSocket when the addressee is
// connected, and serves them to pollers.
type Server struct {
	cfg   config.ServerConfig
	clock clock.Clock

	mu    sync.Mutex
	peers map[string]*peerSlot
	conns map[string]*pushConn
}

func NewServer(cfg config.ServerConfig, clk clock.Clock) *Server {
	return &Server{
		cfg:   cfg,
		clock: clk,
		peers: make(map[string]*peerSlot),
		conns: make(map[string]*pushConn),
	}
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleStatus)
	mux.HandleFunc("POST /offer", s.handleSignal(KindOffer))
	mux.HandleFunc("POST /answer", s.handleSignal(KindAnswer))
	mux.HandleFunc("POST /ice-candidate", s.handleSignal(KindCandidate))
	mux.HandleFunc("GET /check/{peerId}", s.handleCheck)
	mux.HandleFunc("GET /ws/{peerId}", s.handleWS)
	return mux
}

// Run listens on cfg.Listen and serves until ctx is cancelled. ready, if
// set, receives the bound address.
func (s *Server) Run(ctx context.Context, ready func(net.Addr)) error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to start signaling server: %w", err)
	}
	if ready != nil {
		ready(listener.Addr())
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go s.cleanupLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeConns()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := map[string]any{
		"status":      "ok",
		"peers":       len(s.peers),
		"connections": len(s.conns),
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSignal(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SignalRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestSize)).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		e, err := req.Envelope()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if e.Kind != kind {
			http.Error(w, fmt.Sprintf("expected %s, got %s", kind, e.Kind), http.StatusBadRequest)
			return
		}

		s.store(req, kind)
		s.push(req)

		util.LogEvent("relay", "kind", e.Kind, "from", e.From, "to", e.To, "seq", e.Sequence)
		writeJSON(w, http.StatusOK, map[string]string{"status": string(kind) + " stored"})
	}
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.check(r.PathValue("peerId")))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peerId")
	if peerID == "" {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	pc := &pushConn{conn: conn}

	s.mu.Lock()
	old := s.conns[peerID]
	s.conns[peerID] = pc
	s.slotLocked(peerID)
	s.mu.Unlock()

	// A reconnecting peer replaces its previous socket.
	if old != nil {
		old.conn.Close()
	}
	util.LogDebug("push channel opened for %s", peerID)

	defer func() {
		s.mu.Lock()
		if s.conns[peerID] == pc {
			delete(s.conns, peerID)
		}
		s.mu.Unlock()
		conn.Close()
		util.LogDebug("push channel closed for %s", peerID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == FramePing {
			if err := pc.write(websocket.TextMessage, []byte(FramePong)); err != nil {
				return
			}
			continue
		}
		var frame PushFrame
		if json.Unmarshal(data, &frame) == nil && frame.Type == FramePing {
			pong, _ := json.Marshal(PushFrame{Type: FramePong})
			if err := pc.write(websocket.TextMessage, pong); err != nil {
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// slotLocked returns the slot for peerID, creating it if needed.
func (s *Server) slotLocked(peerID string) *peerSlot {
	slot, ok := s.peers[peerID]
	if !ok {
		slot = &peerSlot{}
		s.peers[peerID] = slot
	}
	slot.lastUpdated = s.clock.Now()
	return slot
}

func (s *Server) store(req SignalRequest, kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slotLocked(req.ToPeer)
	switch kind {
	case KindOffer:
		slot.offer = &req
	case KindAnswer:
		slot.answer = &req
		// The offer this answers has been consumed; keeping it would make
		// the answerer's next first poll start a session for it again.
		if own := s.peers[req.FromPeer]; own != nil && own.offer != nil && own.offer.FromPeer == req.ToPeer {
			own.offer = nil
		}
	case KindCandidate:
		slot.candidates = append(slot.candidates, req)
	}
}

func (s *Server) push(req SignalRequest) {
	s.mu.Lock()
	pc := s.conns[req.ToPeer]
	s.mu.Unlock()
	if pc == nil {
		return
	}

	data, err := json.Marshal(NewPushFrame(req))
	if err != nil {
		return
	}
	if err := pc.write(websocket.TextMessage, data); err != nil {
		util.LogWarning("push to %s failed, dropping socket: %v", req.ToPeer, err)
		pc.conn.Close()
	}
}

// check returns and drains what is waiting for peerID. The offer is kept
// until it is answered so a peer that missed the push can still pick it up.
func (s *Server) check(peerID string) CheckResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.peers[peerID]
	if !ok {
		return CheckResponse{Type: CheckTypeNoPeer}
	}

	resp := CheckResponse{
		Type:          CheckTypeCheck,
		Offer:         slot.offer,
		Answer:        slot.answer,
		HasCandidates: len(slot.candidates) > 0,
		Candidates:    slot.candidates,
		Timestamp:     s.clock.Now().UTC().Format(checkTimeFormat),
	}
	slot.answer = nil
	slot.candidates = nil
	return resp
}

// Cleanup removes slots idle for longer than the peer TTL and returns how
// many were removed. Peers with an open push channel are kept.
func (s *Server) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-s.cfg.PeerTTL)
	removed := 0
	for id, slot := range s.peers {
		if _, connected := s.conns[id]; connected {
			continue
		}
		if slot.lastUpdated.Before(cutoff) {
			delete(s.peers, id)
			removed++
		}
	}
	return removed
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.Cleanup(); n > 0 {
				util.LogInfo("expired %d idle peer(s)", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pc := range s.conns {
		pc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		pc.conn.Close()
		delete(s.conns, id)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
