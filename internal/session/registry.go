package session

import (
	"sort"
	"sync"
	"time"

	"github.com/1ureka/peerchat/internal/clock"
	"github.com/1ureka/peerchat/internal/util"
)

// Registry holds at most one live Session per ID. One mutex guards the
// whole table.
type Registry struct {
	clock clock.Clock

	mu       sync.Mutex
	sessions map[ID]*Session
	nextGen  uint64
}

func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{clock: clk, sessions: make(map[ID]*Session)}
}

// AcquireOrReplace installs a fresh Idle session for id. A session already
// registered for id is torn down first: its timers are cancelled, its
// buffered candidates dropped and its transport closed.
func (r *Registry) AcquireOrReplace(id ID, role Role) *Session {
	r.mu.Lock()
	old := r.sessions[id]
	var oldPeer Peer
	if old != nil {
		oldPeer, _ = old.release(PhaseClosed)
	}
	r.nextGen++
	s := newSession(id, role, r.nextGen, r.clock.Now())
	r.sessions[id] = s
	r.mu.Unlock()

	if old != nil {
		util.LogDebug("[%08x] replaced session generation %d", s.tag, old.gen)
		closePeer(old.tag, oldPeer)
	}
	return s
}

// Get returns the live session for id, or nil.
func (r *Registry) Get(id ID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Release tears down and removes the session for id. It returns the
// session it released, or nil when there was none.
func (r *Registry) Release(id ID) *Session {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if s == nil {
		return nil
	}
	peer, ok := s.release(PhaseClosed)
	if !ok {
		return nil
	}
	closePeer(s.tag, peer)
	return s
}

// ReleaseSession tears down s with the given final phase and removes it if
// it is still the registered session for its ID.
func (r *Registry) ReleaseSession(s *Session, final Phase) bool {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()

	peer, ok := s.release(final)
	closePeer(s.tag, peer)
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Info is a point-in-time view of one session.
type Info struct {
	ID           ID
	Role         Role
	Phase        Phase
	LastActivity time.Time
}

// Snapshot lists the live sessions ordered by ID.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, Info{ID: s.id, Role: s.role, Phase: s.phase, LastActivity: s.lastActivity})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// CloseAll releases every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]ID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Release(id)
	}
}
